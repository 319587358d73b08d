package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"puntoventa/backend/internal/cache"
	"puntoventa/backend/internal/domain"
	"puntoventa/backend/internal/store"
)

// ErrAdminRequired rejects destructive or administrative calls made without
// the admin capability. The actor travels in the request context, never in a
// global flag.
var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const dashboardCacheKey = "dashboard:summary"

type Service struct {
	repo         store.Repository
	summaryCache cache.SummaryCache
	summaryTTL   time.Duration
}

func New(repo store.Repository, summaryCache cache.SummaryCache, summaryTTL time.Duration) *Service {
	if summaryCache == nil {
		summaryCache = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = 30 * time.Second
	}

	return &Service{
		repo:         repo,
		summaryCache: summaryCache,
		summaryTTL:   summaryTTL,
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrAdminRequired
	}
	return nil
}

// ---- products ----

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Folio = normalizeFolio(req.Folio)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	req.Gender = strings.ToLower(strings.TrimSpace(req.Gender))
	req.Size = normalizeSize(req.Size)
	req.Provider = strings.TrimSpace(req.Provider)

	if req.Folio == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidInput
	}

	product := domain.Product{
		Folio:    req.Folio,
		Name:     req.Name,
		Category: req.Category,
		Gender:   req.Gender,
		MinStock: req.MinStock,
		Provider: req.Provider,
	}
	firstEntry := domain.StockEntry{
		Folio:       req.Folio,
		Size:        req.Size,
		Qty:         req.Qty,
		UnitCost:    req.UnitCost,
		UnitPrice:   req.UnitPrice,
		Responsible: s.responsible(ctx, req.Responsible),
		Notes:       strings.TrimSpace(req.Notes),
	}

	created, err := s.repo.CreateProduct(ctx, product, firstEntry)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.Folio,
		fmt.Sprintf("name=%s,size=%s,qty=%d", created.Name, req.Size, req.Qty))
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProductDetail(ctx context.Context, folio string) (domain.ProductDetail, error) {
	folio = normalizeFolio(folio)
	if folio == "" {
		return domain.ProductDetail{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProductByFolio(ctx, folio)
	if err != nil {
		return domain.ProductDetail{}, err
	}
	sizes, err := s.repo.ListSizeStock(ctx, folio)
	if err != nil {
		return domain.ProductDetail{}, err
	}
	entries, err := s.repo.ListStockEntries(ctx, folio, 100)
	if err != nil {
		return domain.ProductDetail{}, err
	}
	transitions, err := s.repo.ListStateTransitions(ctx, folio, 100)
	if err != nil {
		return domain.ProductDetail{}, err
	}

	return domain.ProductDetail{
		Product:     *product,
		Sizes:       sizes,
		Entries:     entries,
		Transitions: transitions,
	}, nil
}

// ---- stock ledger ----

func (s *Service) ReceiveStock(ctx context.Context, req domain.RestockRequest) (domain.StockEntry, error) {
	req.Folio = normalizeFolio(req.Folio)
	req.Size = normalizeSize(req.Size)
	if req.Folio == "" {
		return domain.StockEntry{}, store.ErrInvalidInput
	}

	entry, err := s.repo.ReceiveStock(ctx, domain.StockEntry{
		Folio:       req.Folio,
		Size:        req.Size,
		Qty:         req.Qty,
		UnitCost:    req.UnitCost,
		UnitPrice:   req.UnitPrice,
		Kind:        domain.EntryRestock,
		Responsible: s.responsible(ctx, req.Responsible),
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.StockEntry{}, err
	}

	s.logAudit(ctx, "stock_receive", "stock_entry", entry.ID,
		fmt.Sprintf("folio=%s,size=%s,qty=%d", entry.Folio, entry.Size, entry.Qty))
	return *entry, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (*domain.StockEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	req.Folio = normalizeFolio(req.Folio)
	req.Size = normalizeSize(req.Size)
	if req.Folio == "" {
		return nil, store.ErrInvalidInput
	}

	entry, err := s.repo.AdjustStock(ctx, req.Folio, req.Size, req.NewQty,
		strings.TrimSpace(req.Reason), s.responsible(ctx, req.Responsible))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// Count already matched; nothing recorded.
		return nil, nil
	}

	s.logAudit(ctx, "stock_adjust", "stock_entry", entry.ID,
		fmt.Sprintf("folio=%s,size=%s,delta=%d,reason=%s", entry.Folio, entry.Size, entry.Qty, entry.Notes))
	return entry, nil
}

func (s *Service) DeleteStockEntry(ctx context.Context, entryID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return store.ErrInvalidInput
	}

	if err := s.repo.DeleteStockEntry(ctx, entryID); err != nil {
		return err
	}
	s.logAudit(ctx, "stock_entry_delete", "stock_entry", entryID, "")
	return nil
}

func (s *Service) ListStockEntries(ctx context.Context, folio string, limit int) ([]domain.StockEntry, error) {
	return s.repo.ListStockEntries(ctx, normalizeFolio(folio), limit)
}

// ---- sales ----

func (s *Service) RegisterSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleResponse, error) {
	req.Folio = normalizeFolio(req.Folio)
	req.Size = normalizeSize(req.Size)
	req.ExitType = strings.ToLower(strings.TrimSpace(req.ExitType))
	req.CustomerID = strings.TrimSpace(req.CustomerID)

	if req.Folio == "" {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}
	if !domain.ValidExitType(req.ExitType) {
		return domain.SaleResponse{}, fmt.Errorf("%w: unknown exit type %q", store.ErrInvalidInput, req.ExitType)
	}

	actor, _ := ActorFromContext(ctx)
	sale := domain.Sale{
		Folio:      req.Folio,
		Size:       req.Size,
		Qty:        req.Qty,
		UnitPrice:  req.UnitPrice,
		Discount:   req.Discount,
		ExitType:   req.ExitType,
		CustomerID: req.CustomerID,
		Cashier:    actor.Username,
		Notes:      strings.TrimSpace(req.Notes),
	}

	created, err := s.repo.CreateSale(ctx, sale, req.InitialPayment)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	outstanding, err := s.repo.SaleOutstanding(ctx, created.ID)
	if err != nil {
		logrus.WithError(err).WithField("sale_id", created.ID).Warn("outstanding lookup after sale failed")
		outstanding = decimal.Zero
	}

	s.logAudit(ctx, "sale_register", "sale", created.ID,
		fmt.Sprintf("folio=%s,exit=%s,total=%s", created.Folio, created.ExitType, created.Total().String()))
	return domain.SaleResponse{Sale: *created, Total: created.Total(), Outstanding: outstanding}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	sale, err := s.repo.GetSaleByID(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.SaleResponse{}, err
	}
	outstanding, err := s.repo.SaleOutstanding(ctx, sale.ID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale, Total: sale.Total(), Outstanding: outstanding}, nil
}

func (s *Service) ListSales(ctx context.Context, folio string, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, normalizeFolio(folio), limit)
}

func (s *Service) DeleteSale(ctx context.Context, saleID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return store.ErrInvalidInput
	}

	if err := s.repo.DeleteSale(ctx, saleID); err != nil {
		return err
	}
	s.logAudit(ctx, "sale_delete", "sale", saleID, "")
	return nil
}

func (s *Service) MarkLoanReturned(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, store.ErrInvalidInput
	}

	actor, _ := ActorFromContext(ctx)
	sale, err := s.repo.MarkLoanReturned(ctx, saleID, actor.Username)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "loan_return", "sale", sale.ID, fmt.Sprintf("folio=%s", sale.Folio))
	return *sale, nil
}

// ---- customers ----

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Customer{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{Name: req.Name, Phone: req.Phone})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomerDetail(ctx context.Context, customerID string) (domain.CustomerDetail, error) {
	customerID = strings.TrimSpace(customerID)
	customer, err := s.repo.GetCustomerByID(ctx, customerID)
	if err != nil {
		return domain.CustomerDetail{}, err
	}
	ledger, err := s.repo.ListLedgerEntries(ctx, customerID, 200)
	if err != nil {
		return domain.CustomerDetail{}, err
	}
	return domain.CustomerDetail{Customer: *customer, Ledger: ledger}, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, customerID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return store.ErrInvalidInput
	}

	if err := s.repo.DeleteCustomer(ctx, customerID); err != nil {
		return err
	}
	s.logAudit(ctx, "customer_delete", "customer", customerID, "")
	return nil
}

func (s *Service) RegisterPayment(ctx context.Context, req domain.PaymentRequest) (domain.LedgerEntry, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.CustomerID == "" {
		return domain.LedgerEntry{}, store.ErrInvalidInput
	}

	actor, _ := ActorFromContext(ctx)
	entry, err := s.repo.RegisterPayment(ctx, req.CustomerID, req.Amount, req.SaleID, actor.Username)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	s.logAudit(ctx, "payment_register", "ledger_entry", entry.ID,
		fmt.Sprintf("customer=%s,amount=%s,sale=%s", entry.CustomerID, entry.Amount.String(), req.SaleID))
	return *entry, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context, customerID string, limit int) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, strings.TrimSpace(customerID), limit)
}

func (s *Service) DeleteLedgerEntry(ctx context.Context, entryID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return store.ErrInvalidInput
	}

	if err := s.repo.DeleteLedgerEntry(ctx, entryID); err != nil {
		return err
	}
	s.logAudit(ctx, "ledger_entry_delete", "ledger_entry", entryID, "")
	return nil
}

// ---- state history ----

func (s *Service) ListStateTransitions(ctx context.Context, folio string, limit int) ([]domain.StateTransition, error) {
	return s.repo.ListStateTransitions(ctx, normalizeFolio(folio), limit)
}

// ---- catalog ----

// Catalog values are static; stores in this vertical share one size chart.
func (s *Service) Catalog(_ context.Context) domain.Catalog {
	return domain.Catalog{
		Sizes:      []string{"XCH", "CH", "M", "G", "XG", "XXG", "28", "30", "32", "34", "36", "38", "40", "UNITALLA"},
		Categories: []string{"playeras", "pantalones", "vestidos", "sudaderas", "camisas", "faldas", "shorts", "chamarras", "accesorios"},
		Genders:    []string{"dama", "caballero", "niño", "niña", "unisex"},
	}
}

// ---- dashboard ----

func (s *Service) Dashboard(ctx context.Context) (domain.DashboardSummary, error) {
	if cached, found, err := s.summaryCache.Get(ctx, dashboardCacheKey); err != nil {
		logrus.WithError(err).Warn("dashboard cache read failed")
	} else if found {
		return *cached, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	customers, err := s.repo.ListCustomers(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}

	summary := domain.DashboardSummary{
		Products:       len(products),
		LowStock:       make([]domain.Product, 0, 8),
		ReceivablesDue: decimal.Zero,
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range products {
		summary.UnitsInStock += p.StockTotal
		if p.StockTotal <= p.MinStock {
			summary.LowStock = append(summary.LowStock, p)
		}
		if p.State == domain.StateOnCredit || p.State == domain.StateReserved {
			summary.OpenCreditSales++
		}
	}
	for _, c := range customers {
		summary.ReceivablesDue = summary.ReceivablesDue.Add(c.BalanceDue)
	}

	if err := s.summaryCache.Set(ctx, dashboardCacheKey, &summary, s.summaryTTL); err != nil {
		logrus.WithError(err).Warn("dashboard cache write failed")
	}
	return summary, nil
}

// ---- audit ----

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	day := time.Now().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid date %q", store.ErrInvalidInput, date)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func (s *Service) responsible(ctx context.Context, override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	actor, _ := ActorFromContext(ctx)
	return actor.Username
}

func normalizeFolio(folio string) string {
	return strings.ToUpper(strings.TrimSpace(folio))
}

func normalizeSize(size string) string {
	return strings.ToUpper(strings.TrimSpace(size))
}
