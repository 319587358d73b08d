package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product states. A product is born available; credit/layaway/loan sales move
// it out of available, settlement or sale deletion moves it back (or to sold).
const (
	StateAvailable = "available"
	StateOnCredit  = "on_credit"
	StateReserved  = "reserved"
	StateLoaned    = "loaned"
	StateSold      = "sold"
)

// Exit types classify how a sale leaves inventory.
const (
	ExitSale    = "sale"
	ExitCredit  = "credit"
	ExitLayaway = "layaway"
	ExitLoan    = "loan"
)

// Stock entry kinds. The first entry for a folio is always "initial" and is
// protected from deletion while it is the only entry for that folio.
const (
	EntryInitial          = "initial"
	EntryRestock          = "restock"
	EntryManualAdjustment = "manual_adjustment"
)

// Ledger entry directions.
const (
	DirectionCharge  = "charge"
	DirectionPayment = "payment"
)

// Customer account status labels. The stored balance stays exact; only the
// label is derived.
const (
	AccountCurrent    = "current"
	AccountHasBalance = "has_balance"
)

type Product struct {
	Folio      string    `json:"folio"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Gender     string    `json:"gender"`
	StockTotal int       `json:"stock_total"`
	MinStock   int       `json:"min_stock"`
	Provider   string    `json:"provider"`
	State      string    `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SizeStock struct {
	Folio string `json:"folio"`
	Size  string `json:"size"`
	Qty   int    `json:"qty"`
}

type StockEntry struct {
	ID          string          `json:"id"`
	Folio       string          `json:"folio"`
	Size        string          `json:"size"`
	Qty         int             `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Kind        string          `json:"kind"`
	Responsible string          `json:"responsible"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Sale struct {
	ID         string          `json:"id"`
	Folio      string          `json:"folio"`
	Size       string          `json:"size"`
	Qty        int             `json:"qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Discount   decimal.Decimal `json:"discount"`
	ExitType   string          `json:"exit_type"`
	CustomerID string          `json:"customer_id,omitempty"`
	Cashier    string          `json:"cashier"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Total is the receivable amount of the sale: unit price times quantity minus
// discount.
func (s Sale) Total() decimal.Decimal {
	return s.UnitPrice.Mul(decimal.NewFromInt(int64(s.Qty))).Sub(s.Discount)
}

type Customer struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone"`
	BalanceDue decimal.Decimal `json:"balance_due"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

type LedgerEntry struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	SaleID      string          `json:"sale_id,omitempty"`
	Responsible string          `json:"responsible"`
	CreatedAt   time.Time       `json:"created_at"`
}

type StateTransition struct {
	ID          string    `json:"id"`
	Folio       string    `json:"folio"`
	PriorState  string    `json:"prior_state"`
	NewState    string    `json:"new_state"`
	Reason      string    `json:"reason"`
	Responsible string    `json:"responsible"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateForExit maps a sale exit type to the product state it drives. The
// second return is false for plain sales, which leave state untouched.
func StateForExit(exitType string) (string, bool) {
	switch exitType {
	case ExitCredit:
		return StateOnCredit, true
	case ExitLayaway:
		return StateReserved, true
	case ExitLoan:
		return StateLoaned, true
	default:
		return "", false
	}
}

// SettledState is the state a product reaches when the receivable for a sale
// of the given exit type closes. Loans settle back to available (the garment
// comes home); credit and layaway settle to sold.
func SettledState(exitType string) string {
	if exitType == ExitLoan {
		return StateAvailable
	}
	return StateSold
}

// ValidExitType reports whether the exit type is one of the four known kinds.
func ValidExitType(exitType string) bool {
	switch exitType {
	case ExitSale, ExitCredit, ExitLayaway, ExitLoan:
		return true
	default:
		return false
	}
}

// AccountStatusFor derives the customer status label from an exact balance.
func AccountStatusFor(balance decimal.Decimal) string {
	if balance.IsPositive() {
		return AccountHasBalance
	}
	return AccountCurrent
}

// SaleReference is the human-readable charge reference for a sale. Charges and
// payments additionally carry an explicit sale id column; the reference is
// display text only.
func SaleReference(saleID string) string {
	return "Venta #" + saleID
}

// InitialPaymentReference labels the down payment taken at sale time.
func InitialPaymentReference(saleID string) string {
	return "Abono inicial - Venta #" + saleID
}

// PaymentReference labels an after-the-fact payment, targeted or general.
func PaymentReference(saleID string) string {
	if saleID == "" {
		return "Abono a cuenta"
	}
	return "Abono - Venta #" + saleID
}

type Actor struct {
	Username string
	Role     string
}

// ---- request / response shapes (httpapi binds and validates these) ----

type ProductCreateRequest struct {
	Folio       string          `json:"folio" validate:"required"`
	Name        string          `json:"name" validate:"required"`
	Category    string          `json:"category" validate:"required"`
	Gender      string          `json:"gender"`
	MinStock    int             `json:"min_stock" validate:"gte=0"`
	Provider    string          `json:"provider"`
	Size        string          `json:"size" validate:"required"`
	Qty         int             `json:"qty" validate:"gte=1"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Responsible string          `json:"responsible"`
	Notes       string          `json:"notes"`
}

type RestockRequest struct {
	Folio       string          `json:"folio" validate:"required"`
	Size        string          `json:"size" validate:"required"`
	Qty         int             `json:"qty" validate:"gte=1"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Responsible string          `json:"responsible"`
	Notes       string          `json:"notes"`
}

type AdjustStockRequest struct {
	Folio       string `json:"folio" validate:"required"`
	Size        string `json:"size"`
	NewQty      int    `json:"new_qty" validate:"gte=0"`
	Reason      string `json:"reason"`
	Responsible string `json:"responsible"`
}

type SaleCreateRequest struct {
	Folio          string          `json:"folio" validate:"required"`
	Size           string          `json:"size" validate:"required"`
	Qty            int             `json:"qty" validate:"gte=1"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Discount       decimal.Decimal `json:"discount"`
	ExitType       string          `json:"exit_type" validate:"required"`
	CustomerID     string          `json:"customer_id"`
	InitialPayment decimal.Decimal `json:"initial_payment"`
	Notes          string          `json:"notes"`
}

type PaymentRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	SaleID     string          `json:"sale_id"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone"`
}

type ProductDetail struct {
	Product     Product           `json:"product"`
	Sizes       []SizeStock       `json:"sizes"`
	Entries     []StockEntry      `json:"entries"`
	Transitions []StateTransition `json:"transitions"`
}

type CustomerDetail struct {
	Customer Customer      `json:"customer"`
	Ledger   []LedgerEntry `json:"ledger"`
}

type SaleResponse struct {
	Sale        Sale            `json:"sale"`
	Total       decimal.Decimal `json:"total"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type DashboardSummary struct {
	Products        int             `json:"products"`
	UnitsInStock    int             `json:"units_in_stock"`
	LowStock        []Product       `json:"low_stock"`
	ReceivablesDue  decimal.Decimal `json:"receivables_due"`
	OpenCreditSales int             `json:"open_credit_sales"`
	GeneratedAt     string          `json:"generated_at"`
}

type Catalog struct {
	Sizes      []string `json:"sizes"`
	Categories []string `json:"categories"`
	Genders    []string `json:"genders"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
