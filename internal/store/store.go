package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"puntoventa/backend/internal/domain"
)

// Sentinel errors shared by every Repository implementation. Validation
// rejections are detected before any write; storage failures surface verbatim
// and roll the whole operation back.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateFolio    = errors.New("duplicate folio")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverpayment       = errors.New("payment exceeds outstanding balance")
	ErrCustomerRequired  = errors.New("customer required for credit or layaway sale")
	ErrSizeRequired      = errors.New("size required")
	ErrNotLoaned         = errors.New("product is not on loan")
	ErrLastInitialEntry  = errors.New("sole stock entry for folio cannot be deleted")
	ErrBalanceNotZero    = errors.New("customer balance is not zero")
)

// Repository is the persistence contract of the reconciliation engine. Each
// mutating method is one atomic unit: the postgres store runs it inside a
// single serializable transaction, the memory store inside a single lock
// hold. An error return means nothing changed.
type Repository interface {
	// Products.
	CreateProduct(ctx context.Context, product domain.Product, firstEntry domain.StockEntry) (*domain.Product, error)
	GetProductByFolio(ctx context.Context, folio string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListSizeStock(ctx context.Context, folio string) ([]domain.SizeStock, error)

	// Stock ledger.
	ReceiveStock(ctx context.Context, entry domain.StockEntry) (*domain.StockEntry, error)
	AdjustStock(ctx context.Context, folio string, size string, newQty int, reason string, responsible string) (*domain.StockEntry, error)
	DeleteStockEntry(ctx context.Context, entryID string) error
	ListStockEntries(ctx context.Context, folio string, limit int) ([]domain.StockEntry, error)

	// Sales.
	CreateSale(ctx context.Context, sale domain.Sale, initialPayment decimal.Decimal) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, folio string, limit int) ([]domain.Sale, error)
	SaleOutstanding(ctx context.Context, saleID string) (decimal.Decimal, error)
	DeleteSale(ctx context.Context, saleID string) error
	MarkLoanReturned(ctx context.Context, saleID string, responsible string) (*domain.Sale, error)

	// Customers and their ledger.
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	DeleteCustomer(ctx context.Context, customerID string) error
	RegisterPayment(ctx context.Context, customerID string, amount decimal.Decimal, saleID string, responsible string) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, customerID string, limit int) ([]domain.LedgerEntry, error)
	DeleteLedgerEntry(ctx context.Context, entryID string) error

	// Product state history.
	ListStateTransitions(ctx context.Context, folio string, limit int) ([]domain.StateTransition, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
