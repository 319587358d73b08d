package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"puntoventa/backend/internal/domain"
	"puntoventa/backend/internal/store"
	"puntoventa/backend/internal/xid"
)

// Store keeps the whole ledger set in process memory behind one RWMutex.
// Every mutating method takes the write lock for its full duration, which
// gives the same all-or-nothing visibility the postgres store gets from a
// serializable transaction.
type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	sizes       map[string]map[string]int
	entries     map[string]domain.StockEntry
	sales       map[string]domain.Sale
	customers   map[string]domain.Customer
	ledger      map[string]domain.LedgerEntry
	transitions []domain.StateTransition
	auditLogs   []domain.AuditLog
	users       map[string]domain.UserAccount

	entrySeq      int64
	saleSeq       int64
	ledgerSeq     int64
	transitionSeq int64
}

func New() *Store {
	return &Store{
		products:    make(map[string]domain.Product),
		sizes:       make(map[string]map[string]int),
		entries:     make(map[string]domain.StockEntry),
		sales:       make(map[string]domain.Sale),
		customers:   make(map[string]domain.Customer),
		ledger:      make(map[string]domain.LedgerEntry),
		transitions: make([]domain.StateTransition, 0, 64),
		auditLogs:   make([]domain.AuditLog, 0, 128),
		users:       seedUsers(),
	}
}

// NewSeeded returns a store preloaded with a small apparel catalog for dev
// mode, so the UI has something to show without a database.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	seed := []struct {
		product domain.Product
		size    string
		qty     int
		cost    string
		price   string
	}{
		{domain.Product{Folio: "PLY-001", Name: "Playera básica", Category: "playeras", Gender: "unisex", MinStock: 3, Provider: "Textiles del Norte"}, "M", 12, "80", "149.90"},
		{domain.Product{Folio: "PNT-002", Name: "Pantalón mezclilla", Category: "pantalones", Gender: "caballero", MinStock: 2, Provider: "Textiles del Norte"}, "32", 8, "220", "449.50"},
		{domain.Product{Folio: "VST-003", Name: "Vestido casual", Category: "vestidos", Gender: "dama", MinStock: 2, Provider: "Modas Lupita"}, "CH", 5, "180", "399"},
		{domain.Product{Folio: "SUD-004", Name: "Sudadera con capucha", Category: "sudaderas", Gender: "unisex", MinStock: 4, Provider: "Modas Lupita"}, "G", 10, "150", "329"},
	}
	for _, row := range seed {
		cost, _ := decimal.NewFromString(row.cost)
		price, _ := decimal.NewFromString(row.price)
		_, err := s.CreateProduct(ctx, row.product, domain.StockEntry{
			Folio:       row.product.Folio,
			Size:        row.size,
			Qty:         row.qty,
			UnitCost:    cost,
			UnitPrice:   price,
			Responsible: "seed",
			Notes:       "alta inicial",
		})
		if err != nil {
			logrus.WithError(err).WithField("folio", row.product.Folio).Warn("seed product failed")
		}
	}
	return s
}

// seedUsers builds the initial in-memory auth accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; when
// unset, hardcoded dev defaults are used with a warning. Production runs
// against PostgreSQL and never touches these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.Warn("memory store: using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory store: failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ---- products ----

func (s *Store) CreateProduct(_ context.Context, product domain.Product, firstEntry domain.StockEntry) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Folio == "" || product.Name == "" || product.Category == "" {
		return nil, store.ErrInvalidInput
	}
	if firstEntry.Size == "" {
		return nil, store.ErrSizeRequired
	}
	if firstEntry.Qty < 1 || product.MinStock < 0 {
		return nil, store.ErrInvalidInput
	}
	if firstEntry.UnitCost.IsNegative() || firstEntry.UnitPrice.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[product.Folio]; exists {
		return nil, store.ErrDuplicateFolio
	}

	now := time.Now().UTC()
	product.State = domain.StateAvailable
	product.StockTotal = firstEntry.Qty
	product.UpdatedAt = now
	s.products[product.Folio] = product
	s.sizes[product.Folio] = map[string]int{firstEntry.Size: firstEntry.Qty}

	firstEntry.Folio = product.Folio
	firstEntry.Kind = domain.EntryInitial
	firstEntry.CreatedAt = now
	s.appendEntry(firstEntry)

	created := product
	return &created, nil
}

func (s *Store) GetProductByFolio(_ context.Context, folio string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[folio]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Folio, b.Folio)
	})
	return products, nil
}

func (s *Store) ListSizeStock(_ context.Context, folio string) ([]domain.SizeStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[folio]; !exists {
		return nil, store.ErrNotFound
	}
	rows := make([]domain.SizeStock, 0, len(s.sizes[folio]))
	for size, qty := range s.sizes[folio] {
		rows = append(rows, domain.SizeStock{Folio: folio, Size: size, Qty: qty})
	}
	slices.SortFunc(rows, func(a, b domain.SizeStock) int {
		return strings.Compare(a.Size, b.Size)
	})
	return rows, nil
}

// ---- stock ledger ----

func (s *Store) ReceiveStock(_ context.Context, entry domain.StockEntry) (*domain.StockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Size == "" {
		return nil, store.ErrSizeRequired
	}
	if entry.Qty < 1 || entry.UnitCost.IsNegative() || entry.UnitPrice.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	product, exists := s.products[entry.Folio]
	if !exists {
		return nil, store.ErrNotFound
	}

	if entry.Kind == "" {
		entry.Kind = domain.EntryRestock
	}
	if entry.Kind != domain.EntryRestock {
		return nil, store.ErrInvalidInput
	}
	entry.CreatedAt = time.Now().UTC()

	s.bumpSize(entry.Folio, entry.Size, entry.Qty)
	product.StockTotal += entry.Qty
	product.UpdatedAt = entry.CreatedAt
	s.products[entry.Folio] = product

	created := s.appendEntry(entry)
	return &created, nil
}

func (s *Store) AdjustStock(_ context.Context, folio string, size string, newQty int, reason string, responsible string) (*domain.StockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size == "" {
		return nil, store.ErrSizeRequired
	}
	if newQty < 0 {
		return nil, store.ErrInvalidInput
	}
	product, exists := s.products[folio]
	if !exists {
		return nil, store.ErrNotFound
	}

	current := s.sizes[folio][size]
	delta := newQty - current
	if delta == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	s.setSize(folio, size, newQty)
	product.StockTotal += delta
	product.UpdatedAt = now
	s.products[folio] = product

	// The entry records the signed delta, not the absolute count, so deleting
	// it later reverses the adjustment exactly.
	created := s.appendEntry(domain.StockEntry{
		Folio:       folio,
		Size:        size,
		Qty:         delta,
		Kind:        domain.EntryManualAdjustment,
		Responsible: responsible,
		Notes:       reason,
		CreatedAt:   now,
	})
	return &created, nil
}

func (s *Store) DeleteStockEntry(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[entryID]
	if !exists {
		return store.ErrNotFound
	}

	remaining := 0
	for _, e := range s.entries {
		if e.Folio == entry.Folio {
			remaining++
		}
	}
	if remaining <= 1 {
		return store.ErrLastInitialEntry
	}

	current := s.sizes[entry.Folio][entry.Size]
	reversed := current - entry.Qty
	if reversed < 0 {
		return store.ErrInsufficientStock
	}

	product, ok := s.products[entry.Folio]
	if !ok {
		return store.ErrNotFound
	}
	s.setSize(entry.Folio, entry.Size, reversed)
	product.StockTotal -= entry.Qty
	product.UpdatedAt = time.Now().UTC()
	s.products[entry.Folio] = product
	delete(s.entries, entryID)
	return nil
}

func (s *Store) ListStockEntries(_ context.Context, folio string, limit int) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.StockEntry, 0, limit)
	for _, e := range s.entries {
		if folio != "" && e.Folio != folio {
			continue
		}
		result = append(result, e)
	}
	slices.SortFunc(result, func(a, b domain.StockEntry) int {
		return numericIDCompare(b.ID, a.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ---- sales ----

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, initialPayment decimal.Decimal) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.ValidExitType(sale.ExitType) {
		return nil, store.ErrInvalidInput
	}
	if sale.Size == "" {
		return nil, store.ErrSizeRequired
	}
	if sale.Qty < 1 || sale.UnitPrice.IsNegative() || sale.Discount.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	total := sale.Total()
	if total.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	product, exists := s.products[sale.Folio]
	if !exists {
		return nil, store.ErrNotFound
	}

	onCredit := sale.ExitType == domain.ExitCredit || sale.ExitType == domain.ExitLayaway
	if onCredit && sale.CustomerID == "" {
		return nil, store.ErrCustomerRequired
	}
	var customer domain.Customer
	if sale.CustomerID != "" {
		customer, exists = s.customers[sale.CustomerID]
		if !exists {
			return nil, store.ErrNotFound
		}
	}

	targetState, tracked := domain.StateForExit(sale.ExitType)
	if tracked && product.State != domain.StateAvailable {
		return nil, fmt.Errorf("%w: product %s is %s", store.ErrInvalidInput, product.Folio, product.State)
	}

	if s.sizes[sale.Folio][sale.Size] < sale.Qty {
		return nil, store.ErrInsufficientStock
	}

	if initialPayment.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if onCredit && initialPayment.GreaterThan(total) {
		return nil, store.ErrOverpayment
	}

	now := time.Now().UTC()
	s.saleSeq++
	sale.ID = strconv.FormatInt(s.saleSeq, 10)
	sale.CreatedAt = now

	s.bumpSize(sale.Folio, sale.Size, -sale.Qty)
	product.StockTotal -= sale.Qty
	product.UpdatedAt = now

	if onCredit && sale.CustomerID != "" {
		s.appendLedger(domain.LedgerEntry{
			CustomerID:  sale.CustomerID,
			Direction:   domain.DirectionCharge,
			Amount:      total,
			Reference:   domain.SaleReference(sale.ID),
			SaleID:      sale.ID,
			Responsible: sale.Cashier,
			CreatedAt:   now,
		})
		customer.BalanceDue = customer.BalanceDue.Add(total)
		if initialPayment.IsPositive() {
			s.appendLedger(domain.LedgerEntry{
				CustomerID:  sale.CustomerID,
				Direction:   domain.DirectionPayment,
				Amount:      initialPayment,
				Reference:   domain.InitialPaymentReference(sale.ID),
				SaleID:      sale.ID,
				Responsible: sale.Cashier,
				CreatedAt:   now,
			})
			customer.BalanceDue = customer.BalanceDue.Sub(initialPayment)
		}
		customer.Status = domain.AccountStatusFor(customer.BalanceDue)
		s.customers[sale.CustomerID] = customer
	}

	if tracked {
		s.appendTransition(domain.StateTransition{
			Folio:       sale.Folio,
			PriorState:  product.State,
			NewState:    targetState,
			Reason:      "sale registered",
			Responsible: sale.Cashier,
			CreatedAt:   now,
		})
		product.State = targetState

		// A credit/layaway sale fully covered by its down payment settles on
		// the spot.
		if onCredit && initialPayment.GreaterThanOrEqual(total) {
			s.appendTransition(domain.StateTransition{
				Folio:       sale.Folio,
				PriorState:  product.State,
				NewState:    domain.SettledState(sale.ExitType),
				Reason:      "sale settled",
				Responsible: sale.Cashier,
				CreatedAt:   now,
			})
			product.State = domain.SettledState(sale.ExitType)
		}
	}
	s.products[sale.Folio] = product

	s.sales[sale.ID] = sale
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := sale
	return &copied, nil
}

func (s *Store) ListSales(_ context.Context, folio string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.Sale, 0, limit)
	for _, sale := range s.sales {
		if folio != "" && sale.Folio != folio {
			continue
		}
		result = append(result, sale)
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		return numericIDCompare(b.ID, a.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SaleOutstanding(_ context.Context, saleID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return decimal.Zero, store.ErrNotFound
	}
	return sale.Total().Sub(s.linkedPaid(saleID)), nil
}

func (s *Store) DeleteSale(_ context.Context, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return store.ErrNotFound
	}
	product, ok := s.products[sale.Folio]
	if !ok {
		return store.ErrNotFound
	}

	now := time.Now().UTC()

	// Put the units back; the size row is re-created if it was deleted at zero.
	s.bumpSize(sale.Folio, sale.Size, sale.Qty)
	product.StockTotal += sale.Qty
	product.UpdatedAt = now

	onCredit := sale.ExitType == domain.ExitCredit || sale.ExitType == domain.ExitLayaway
	if onCredit && sale.CustomerID != "" {
		if customer, found := s.customers[sale.CustomerID]; found {
			unpaid := sale.Total().Sub(s.linkedPaid(saleID))
			customer.BalanceDue = customer.BalanceDue.Sub(unpaid)
			customer.Status = domain.AccountStatusFor(customer.BalanceDue)
			s.customers[sale.CustomerID] = customer
		}
		for id, entry := range s.ledger {
			if entry.SaleID == saleID {
				delete(s.ledger, id)
			}
		}
	}

	if targetState, tracked := domain.StateForExit(sale.ExitType); tracked {
		prior := domain.StateAvailable
		for i := len(s.transitions) - 1; i >= 0; i-- {
			t := s.transitions[i]
			if t.Folio == sale.Folio && t.NewState == targetState {
				prior = t.PriorState
				break
			}
		}
		s.appendTransition(domain.StateTransition{
			Folio:       sale.Folio,
			PriorState:  product.State,
			NewState:    prior,
			Reason:      "sale deleted",
			Responsible: sale.Cashier,
			CreatedAt:   now,
		})
		product.State = prior
	}
	s.products[sale.Folio] = product

	delete(s.sales, saleID)
	return nil
}

func (s *Store) MarkLoanReturned(_ context.Context, saleID string, responsible string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	product, ok := s.products[sale.Folio]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.ExitType != domain.ExitLoan || product.State != domain.StateLoaned {
		return nil, store.ErrNotLoaned
	}

	now := time.Now().UTC()
	s.appendTransition(domain.StateTransition{
		Folio:       sale.Folio,
		PriorState:  product.State,
		NewState:    domain.StateAvailable,
		Reason:      "loan returned",
		Responsible: responsible,
		CreatedAt:   now,
	})
	product.State = domain.StateAvailable
	product.UpdatedAt = now
	s.products[sale.Folio] = product

	copied := sale
	return &copied, nil
}

// ---- customers and their ledger ----

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	customer.BalanceDue = decimal.Zero
	customer.Status = domain.AccountCurrent
	customer.CreatedAt = time.Now().UTC()
	s.customers[customer.ID] = customer

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := customer
	return &copied, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) DeleteCustomer(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customers[customerID]
	if !exists {
		return store.ErrNotFound
	}
	if customer.BalanceDue.IsPositive() {
		return store.ErrBalanceNotZero
	}
	for id, entry := range s.ledger {
		if entry.CustomerID == customerID {
			delete(s.ledger, id)
		}
	}
	delete(s.customers, customerID)
	return nil
}

func (s *Store) RegisterPayment(_ context.Context, customerID string, amount decimal.Decimal, saleID string, responsible string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customers[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	if saleID != "" {
		sale, found := s.sales[saleID]
		if !found {
			return nil, store.ErrNotFound
		}
		if sale.CustomerID != customerID {
			return nil, fmt.Errorf("%w: sale %s belongs to another customer", store.ErrInvalidInput, saleID)
		}
		if sale.ExitType != domain.ExitCredit && sale.ExitType != domain.ExitLayaway {
			return nil, fmt.Errorf("%w: sale %s carries no receivable", store.ErrInvalidInput, saleID)
		}
		outstanding := sale.Total().Sub(s.linkedPaid(saleID))
		if amount.GreaterThan(outstanding) {
			return nil, store.ErrOverpayment
		}

		entry := s.appendLedger(domain.LedgerEntry{
			CustomerID:  customerID,
			Direction:   domain.DirectionPayment,
			Amount:      amount,
			Reference:   domain.PaymentReference(saleID),
			SaleID:      saleID,
			Responsible: responsible,
			CreatedAt:   now,
		})
		customer.BalanceDue = customer.BalanceDue.Sub(amount)
		customer.Status = domain.AccountStatusFor(customer.BalanceDue)
		s.customers[customerID] = customer

		if outstanding.Sub(amount).LessThanOrEqual(decimal.Zero) {
			s.settleSale(sale, responsible, now)
		}
		return &entry, nil
	}

	if amount.GreaterThan(customer.BalanceDue) {
		return nil, store.ErrOverpayment
	}
	entry := s.appendLedger(domain.LedgerEntry{
		CustomerID:  customerID,
		Direction:   domain.DirectionPayment,
		Amount:      amount,
		Reference:   domain.PaymentReference(""),
		Responsible: responsible,
		CreatedAt:   now,
	})
	customer.BalanceDue = customer.BalanceDue.Sub(amount)
	customer.Status = domain.AccountStatusFor(customer.BalanceDue)
	s.customers[customerID] = customer

	s.settleFromGeneralPool(customerID, responsible, now)
	return &entry, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, customerID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.LedgerEntry, 0, limit)
	for _, entry := range s.ledger {
		if customerID != "" && entry.CustomerID != customerID {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.LedgerEntry) int {
		return numericIDCompare(a.ID, b.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) DeleteLedgerEntry(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.ledger[entryID]
	if !exists {
		return store.ErrNotFound
	}
	customer, found := s.customers[entry.CustomerID]
	if found {
		// Undo the entry's original effect on the cached balance.
		if entry.Direction == domain.DirectionCharge {
			customer.BalanceDue = customer.BalanceDue.Sub(entry.Amount)
		} else {
			customer.BalanceDue = customer.BalanceDue.Add(entry.Amount)
		}
		customer.Status = domain.AccountStatusFor(customer.BalanceDue)
		s.customers[entry.CustomerID] = customer
	}
	delete(s.ledger, entryID)
	return nil
}

// ---- state history ----

func (s *Store) ListStateTransitions(_ context.Context, folio string, limit int) ([]domain.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.StateTransition, 0, limit)
	for i := len(s.transitions) - 1; i >= 0 && len(result) < limit; i-- {
		if folio != "" && s.transitions[i].Folio != folio {
			continue
		}
		result = append(result, s.transitions[i])
	}
	return result, nil
}

// ---- audit ----

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// ---- auth accounts ----

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// ---- internals (caller must hold the write lock) ----

func (s *Store) appendEntry(entry domain.StockEntry) domain.StockEntry {
	s.entrySeq++
	entry.ID = strconv.FormatInt(s.entrySeq, 10)
	s.entries[entry.ID] = entry
	return entry
}

func (s *Store) appendLedger(entry domain.LedgerEntry) domain.LedgerEntry {
	s.ledgerSeq++
	entry.ID = strconv.FormatInt(s.ledgerSeq, 10)
	s.ledger[entry.ID] = entry
	return entry
}

func (s *Store) appendTransition(t domain.StateTransition) {
	s.transitionSeq++
	t.ID = strconv.FormatInt(s.transitionSeq, 10)
	s.transitions = append(s.transitions, t)
}

// bumpSize moves a size count by delta, deleting the row when it hits zero.
func (s *Store) bumpSize(folio string, size string, delta int) {
	bySize, ok := s.sizes[folio]
	if !ok {
		bySize = map[string]int{}
		s.sizes[folio] = bySize
	}
	s.setSizeLocked(bySize, size, bySize[size]+delta)
}

func (s *Store) setSize(folio string, size string, qty int) {
	bySize, ok := s.sizes[folio]
	if !ok {
		bySize = map[string]int{}
		s.sizes[folio] = bySize
	}
	s.setSizeLocked(bySize, size, qty)
}

func (s *Store) setSizeLocked(bySize map[string]int, size string, qty int) {
	if qty <= 0 {
		delete(bySize, size)
		return
	}
	bySize[size] = qty
}

func (s *Store) linkedPaid(saleID string) decimal.Decimal {
	paid := decimal.Zero
	for _, entry := range s.ledger {
		if entry.SaleID == saleID && entry.Direction == domain.DirectionPayment {
			paid = paid.Add(entry.Amount)
		}
	}
	return paid
}

func (s *Store) settleSale(sale domain.Sale, responsible string, now time.Time) {
	product, ok := s.products[sale.Folio]
	if !ok {
		return
	}
	openState, tracked := domain.StateForExit(sale.ExitType)
	// Skip when the product already moved on; a repeated settlement check must
	// not re-trigger.
	if !tracked || product.State != openState {
		return
	}
	settled := domain.SettledState(sale.ExitType)
	s.appendTransition(domain.StateTransition{
		Folio:       sale.Folio,
		PriorState:  product.State,
		NewState:    settled,
		Reason:      "sale settled",
		Responsible: responsible,
		CreatedAt:   now,
	})
	product.State = settled
	product.UpdatedAt = now
	s.products[sale.Folio] = product
}

// settleFromGeneralPool re-checks settlement after a payment with no target
// sale. Unlinked payments form a pool consumed by open credit/layaway sales in
// ascending sale id order; the part of the pool that already settled earlier
// sales is subtracted first so it cannot settle anything twice.
func (s *Store) settleFromGeneralPool(customerID string, responsible string, now time.Time) {
	pool := decimal.Zero
	for _, entry := range s.ledger {
		if entry.CustomerID == customerID && entry.Direction == domain.DirectionPayment && entry.SaleID == "" {
			pool = pool.Add(entry.Amount)
		}
	}

	credit := make([]domain.Sale, 0, 8)
	for _, sale := range s.sales {
		if sale.CustomerID != customerID {
			continue
		}
		if sale.ExitType != domain.ExitCredit && sale.ExitType != domain.ExitLayaway {
			continue
		}
		credit = append(credit, sale)
	}
	slices.SortFunc(credit, func(a, b domain.Sale) int {
		return numericIDCompare(a.ID, b.ID)
	})

	for _, sale := range credit {
		openState, _ := domain.StateForExit(sale.ExitType)
		gap := sale.Total().Sub(s.linkedPaid(sale.ID))
		product, ok := s.products[sale.Folio]
		if !ok {
			continue
		}
		if product.State != openState {
			// Already settled (or superseded); its unlinked coverage stays
			// spoken for.
			if gap.IsPositive() {
				pool = pool.Sub(gap)
			}
			continue
		}
		if gap.LessThanOrEqual(decimal.Zero) {
			s.settleSale(sale, responsible, now)
			continue
		}
		if pool.GreaterThanOrEqual(gap) {
			pool = pool.Sub(gap)
			s.settleSale(sale, responsible, now)
			continue
		}
		break
	}
}

// numericIDCompare orders sequential string ids by their integer value,
// falling back to string order for non-numeric ids.
func numericIDCompare(a, b string) int {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
