package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"puntoventa/backend/internal/cache"
	"puntoventa/backend/internal/domain"
	"puntoventa/backend/internal/store"
	"puntoventa/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	return New(repo, cache.NoopSummaryCache{}, time.Second), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "maria", Role: "cashier"})
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", raw, err)
	}
	return d
}

func mustCreateProduct(t *testing.T, svc *Service, folio string, size string, qty int, price string) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Folio:     folio,
		Name:      "Playera test",
		Category:  "playeras",
		Size:      size,
		Qty:       qty,
		UnitCost:  dec(t, "50"),
		UnitPrice: dec(t, price),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product
}

func mustCreateCustomer(t *testing.T, svc *Service, name string) domain.Customer {
	t.Helper()
	customer, err := svc.CreateCustomer(cashierCtx(), domain.CustomerCreateRequest{Name: name})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return customer
}

func sizeQty(t *testing.T, svc *Service, folio string, size string) int {
	t.Helper()
	sizes, err := svc.repo.ListSizeStock(context.Background(), folio)
	if err != nil {
		t.Fatalf("list size stock: %v", err)
	}
	for _, row := range sizes {
		if row.Size == size {
			return row.Qty
		}
	}
	return 0
}

func productState(t *testing.T, svc *Service, folio string) string {
	t.Helper()
	product, err := svc.repo.GetProductByFolio(context.Background(), folio)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return product.State
}

func customerBalance(t *testing.T, svc *Service, customerID string) decimal.Decimal {
	t.Helper()
	customer, err := svc.repo.GetCustomerByID(context.Background(), customerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	return customer.BalanceDue
}

func TestCreateProductInitialStock(t *testing.T) {
	svc, _ := newTestService()

	product := mustCreateProduct(t, svc, "ply-001", "m", 10, "100")
	if product.Folio != "PLY-001" {
		t.Fatalf("folio not normalized: %s", product.Folio)
	}
	if product.StockTotal != 10 {
		t.Fatalf("stock_total = %d, want 10", product.StockTotal)
	}
	if product.State != domain.StateAvailable {
		t.Fatalf("state = %s, want available", product.State)
	}
	if got := sizeQty(t, svc, "PLY-001", "M"); got != 10 {
		t.Fatalf("size M qty = %d, want 10", got)
	}

	detail, err := svc.GetProductDetail(adminCtx(), "ply-001")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Entries) != 1 || detail.Entries[0].Kind != domain.EntryInitial {
		t.Fatalf("expected single initial entry, got %+v", detail.Entries)
	}
}

func TestCreateProductDuplicateFolio(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "PLY-001", "M", 5, "100")
	_, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Folio: "ply-001", Name: "Otra", Category: "playeras", Size: "CH", Qty: 1,
	})
	if !errors.Is(err, store.ErrDuplicateFolio) {
		t.Fatalf("err = %v, want ErrDuplicateFolio", err)
	}
}

func TestCashSaleDecrementsStock(t *testing.T) {
	svc, _ := newTestService()

	// Plain sale: stock drops, state stays available.
	mustCreateProduct(t, svc, "P1", "M", 10, "100")
	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 3, UnitPrice: dec(t, "100"), ExitType: domain.ExitSale,
	})
	if err != nil {
		t.Fatalf("register sale: %v", err)
	}
	if !resp.Total.Equal(dec(t, "300")) {
		t.Fatalf("total = %s, want 300", resp.Total)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 7 {
		t.Fatalf("size M qty = %d, want 7", got)
	}
	product, _ := svc.repo.GetProductByFolio(context.Background(), "P1")
	if product.StockTotal != 7 {
		t.Fatalf("stock_total = %d, want 7", product.StockTotal)
	}
	if product.State != domain.StateAvailable {
		t.Fatalf("plain sale must not change state, got %s", product.State)
	}
}

func TestSaleInsufficientStock(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 2, "100")
	_, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 3, UnitPrice: dec(t, "100"), ExitType: domain.ExitSale,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 2 {
		t.Fatalf("failed sale must not touch stock, qty = %d", got)
	}
}

func TestSizeRowDeletedAtZero(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 2, "100")
	_, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 2, UnitPrice: dec(t, "100"), ExitType: domain.ExitSale,
	})
	if err != nil {
		t.Fatalf("register sale: %v", err)
	}
	sizes, err := svc.repo.ListSizeStock(context.Background(), "P1")
	if err != nil {
		t.Fatalf("list sizes: %v", err)
	}
	if len(sizes) != 0 {
		t.Fatalf("size row should be gone at zero, got %+v", sizes)
	}
}

func TestCreditSaleLifecycle(t *testing.T) {
	svc, _ := newTestService()

	// Credit sale with a down payment.
	mustCreateProduct(t, svc, "P1", "M", 10, "100")
	customer := mustCreateCustomer(t, svc, "Carmen")

	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
		InitialPayment: dec(t, "40"),
	})
	if err != nil {
		t.Fatalf("register credit sale: %v", err)
	}
	if !resp.Outstanding.Equal(dec(t, "60")) {
		t.Fatalf("outstanding = %s, want 60", resp.Outstanding)
	}
	if !customerBalance(t, svc, customer.ID).Equal(dec(t, "60")) {
		t.Fatalf("balance = %s, want 60", customerBalance(t, svc, customer.ID))
	}
	if got := productState(t, svc, "P1"); got != domain.StateOnCredit {
		t.Fatalf("state = %s, want on_credit", got)
	}

	ledger, err := svc.ListLedgerEntries(cashierCtx(), customer.ID, 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 2 {
		t.Fatalf("expected charge + initial payment, got %d entries", len(ledger))
	}
	for _, entry := range ledger {
		if entry.SaleID != resp.Sale.ID {
			t.Fatalf("entry %s not linked to sale %s", entry.ID, resp.Sale.ID)
		}
	}

	// Paying the remaining 60 settles the sale.
	_, err = svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "60"), SaleID: resp.Sale.ID,
	})
	if err != nil {
		t.Fatalf("register payment: %v", err)
	}
	if !customerBalance(t, svc, customer.ID).IsZero() {
		t.Fatalf("balance = %s, want 0", customerBalance(t, svc, customer.ID))
	}
	if got := productState(t, svc, "P1"); got != domain.StateSold {
		t.Fatalf("state = %s, want sold", got)
	}
	outstanding, err := svc.repo.SaleOutstanding(context.Background(), resp.Sale.ID)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if !outstanding.IsZero() {
		t.Fatalf("outstanding = %s, want 0", outstanding)
	}
}

func TestGeneralPaymentSettlesOpenSale(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	customer := mustCreateCustomer(t, svc, "Laura")

	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitLayaway, CustomerID: customer.ID,
	})
	if err != nil {
		t.Fatalf("register layaway: %v", err)
	}
	if got := productState(t, svc, "P1"); got != domain.StateReserved {
		t.Fatalf("state = %s, want reserved", got)
	}

	// A payment with no sale target still settles once the pool covers the sale.
	if _, err := svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "100"),
	}); err != nil {
		t.Fatalf("general payment: %v", err)
	}
	if got := productState(t, svc, "P1"); got != domain.StateSold {
		t.Fatalf("state = %s, want sold after general payment", got)
	}
	if !customerBalance(t, svc, customer.ID).IsZero() {
		t.Fatalf("balance = %s, want 0", customerBalance(t, svc, customer.ID))
	}
	_ = resp
}

func TestOverpaymentRejected(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	customer := mustCreateCustomer(t, svc, "Rosa")

	// Initial payment above total.
	_, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
		InitialPayment: dec(t, "150"),
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("err = %v, want ErrOverpayment", err)
	}

	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
	})
	if err != nil {
		t.Fatalf("register credit sale: %v", err)
	}

	// Targeted payment above the sale's outstanding.
	_, err = svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "120"), SaleID: resp.Sale.ID,
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("targeted err = %v, want ErrOverpayment", err)
	}

	// General payment above the whole balance.
	_, err = svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "120"),
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("general err = %v, want ErrOverpayment", err)
	}

	// Failed attempts must leave the ledger untouched.
	if !customerBalance(t, svc, customer.ID).Equal(dec(t, "100")) {
		t.Fatalf("balance = %s, want 100", customerBalance(t, svc, customer.ID))
	}
}

func TestCreditSaleRequiresCustomer(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	for _, exit := range []string{domain.ExitCredit, domain.ExitLayaway} {
		_, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
			Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"), ExitType: exit,
		})
		if !errors.Is(err, store.ErrCustomerRequired) {
			t.Fatalf("%s: err = %v, want ErrCustomerRequired", exit, err)
		}
	}
}

func TestLoanLifecycle(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")

	// Loans may omit the customer and never touch the ledger.
	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"), ExitType: domain.ExitLoan,
	})
	if err != nil {
		t.Fatalf("register loan: %v", err)
	}
	if got := productState(t, svc, "P1"); got != domain.StateLoaned {
		t.Fatalf("state = %s, want loaned", got)
	}

	sale, err := svc.MarkLoanReturned(cashierCtx(), resp.Sale.ID)
	if err != nil {
		t.Fatalf("loan return: %v", err)
	}
	if sale.ID != resp.Sale.ID {
		t.Fatalf("returned sale id = %s, want %s", sale.ID, resp.Sale.ID)
	}
	if got := productState(t, svc, "P1"); got != domain.StateAvailable {
		t.Fatalf("state = %s, want available", got)
	}

	// Returning twice is rejected.
	if _, err := svc.MarkLoanReturned(cashierCtx(), resp.Sale.ID); !errors.Is(err, store.ErrNotLoaned) {
		t.Fatalf("second return err = %v, want ErrNotLoaned", err)
	}
}

func TestDeleteSaleExactReversal(t *testing.T) {
	svc, _ := newTestService()

	// Deleting a partially paid credit sale reverts stock, ledger and state.
	mustCreateProduct(t, svc, "P1", "M", 8, "100")
	customer := mustCreateCustomer(t, svc, "Pilar")

	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
		InitialPayment: dec(t, "40"),
	})
	if err != nil {
		t.Fatalf("register credit sale: %v", err)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 7 {
		t.Fatalf("size qty = %d, want 7", got)
	}

	if err := svc.DeleteSale(adminCtx(), resp.Sale.ID); err != nil {
		t.Fatalf("delete sale: %v", err)
	}

	if got := sizeQty(t, svc, "P1", "M"); got != 8 {
		t.Fatalf("size qty = %d, want 8 after reversal", got)
	}
	if !customerBalance(t, svc, customer.ID).IsZero() {
		t.Fatalf("balance = %s, want 0 after reversal", customerBalance(t, svc, customer.ID))
	}
	if got := productState(t, svc, "P1"); got != domain.StateAvailable {
		t.Fatalf("state = %s, want available after reversal", got)
	}
	ledger, err := svc.ListLedgerEntries(cashierCtx(), customer.ID, 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 0 {
		t.Fatalf("linked ledger rows must be gone, got %d", len(ledger))
	}
	if _, err := svc.GetSale(cashierCtx(), resp.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sale should be gone, err = %v", err)
	}
}

func TestAdjustStockRequiresSize(t *testing.T) {
	svc, _ := newTestService()

	// An adjustment without a size leaves everything untouched.
	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	_, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Folio: "P1", NewQty: 9, Reason: "conteo",
	})
	if !errors.Is(err, store.ErrSizeRequired) {
		t.Fatalf("err = %v, want ErrSizeRequired", err)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 5 {
		t.Fatalf("qty = %d, want 5", got)
	}
}

func TestAdjustStockRecordsSignedDelta(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")

	entry, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Folio: "P1", Size: "M", NewQty: 3, Reason: "merma",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if entry.Qty != -2 || entry.Kind != domain.EntryManualAdjustment {
		t.Fatalf("entry = %+v, want delta -2 manual_adjustment", entry)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 3 {
		t.Fatalf("qty = %d, want 3", got)
	}

	// Matching count is a no-op with no entry.
	noop, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Folio: "P1", Size: "M", NewQty: 3,
	})
	if err != nil || noop != nil {
		t.Fatalf("no-op adjust: entry=%v err=%v", noop, err)
	}

	// Deleting the adjustment entry reverses the delta.
	if err := svc.DeleteStockEntry(adminCtx(), entry.ID); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 5 {
		t.Fatalf("qty = %d, want 5 after reversal", got)
	}
}

func TestDeleteSoleInitialEntryRejected(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	entries, err := svc.ListStockEntries(cashierCtx(), "P1", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %v err = %v", entries, err)
	}

	err = svc.DeleteStockEntry(adminCtx(), entries[0].ID)
	if !errors.Is(err, store.ErrLastInitialEntry) {
		t.Fatalf("err = %v, want ErrLastInitialEntry", err)
	}
	if got := sizeQty(t, svc, "P1", "M"); got != 5 {
		t.Fatalf("qty = %d, want 5", got)
	}
}

func TestRestockThenDeleteEntry(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	entry, err := svc.ReceiveStock(cashierCtx(), domain.RestockRequest{
		Folio: "P1", Size: "CH", Qty: 4, UnitCost: dec(t, "45"), UnitPrice: dec(t, "95"),
	})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if got := sizeQty(t, svc, "P1", "CH"); got != 4 {
		t.Fatalf("CH qty = %d, want 4", got)
	}

	if err := svc.DeleteStockEntry(adminCtx(), entry.ID); err != nil {
		t.Fatalf("delete restock entry: %v", err)
	}
	if got := sizeQty(t, svc, "P1", "CH"); got != 0 {
		t.Fatalf("CH qty = %d, want 0 after reversal", got)
	}
	product, _ := svc.repo.GetProductByFolio(context.Background(), "P1")
	if product.StockTotal != 5 {
		t.Fatalf("stock_total = %d, want 5", product.StockTotal)
	}
}

func TestDeleteCustomerWithBalanceRejected(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	customer := mustCreateCustomer(t, svc, "Elena")
	if _, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
	}); err != nil {
		t.Fatalf("register credit sale: %v", err)
	}

	if err := svc.DeleteCustomer(adminCtx(), customer.ID); !errors.Is(err, store.ErrBalanceNotZero) {
		t.Fatalf("err = %v, want ErrBalanceNotZero", err)
	}

	if _, err := svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "100"),
	}); err != nil {
		t.Fatalf("pay off: %v", err)
	}
	if err := svc.DeleteCustomer(adminCtx(), customer.ID); err != nil {
		t.Fatalf("delete settled customer: %v", err)
	}
}

func TestDeleteLedgerEntryAdjustsBalance(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	customer := mustCreateCustomer(t, svc, "Sofia")
	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
		InitialPayment: dec(t, "30"),
	})
	if err != nil {
		t.Fatalf("register credit sale: %v", err)
	}
	if !customerBalance(t, svc, customer.ID).Equal(dec(t, "70")) {
		t.Fatalf("balance = %s, want 70", customerBalance(t, svc, customer.ID))
	}

	ledger, _ := svc.ListLedgerEntries(cashierCtx(), customer.ID, 10)
	var paymentID string
	for _, entry := range ledger {
		if entry.Direction == domain.DirectionPayment {
			paymentID = entry.ID
		}
	}
	if paymentID == "" {
		t.Fatal("no payment entry found")
	}

	// Removing the payment puts its amount back on the balance.
	if err := svc.DeleteLedgerEntry(adminCtx(), paymentID); err != nil {
		t.Fatalf("delete ledger entry: %v", err)
	}
	if !customerBalance(t, svc, customer.ID).Equal(dec(t, "100")) {
		t.Fatalf("balance = %s, want 100", customerBalance(t, svc, customer.ID))
	}
	_ = resp
}

func TestDestructiveOpsRequireAdmin(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"), ExitType: domain.ExitSale,
	})
	if err != nil {
		t.Fatalf("register sale: %v", err)
	}

	if err := svc.DeleteSale(cashierCtx(), resp.Sale.ID); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("delete sale err = %v, want ErrAdminRequired", err)
	}
	if _, err := svc.AdjustStock(cashierCtx(), domain.AdjustStockRequest{
		Folio: "P1", Size: "M", NewQty: 2,
	}); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("adjust err = %v, want ErrAdminRequired", err)
	}
	if _, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		Folio: "P2", Name: "x", Category: "playeras", Size: "M", Qty: 1,
	}); !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("create product err = %v, want ErrAdminRequired", err)
	}
}

func TestStockConservation(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 10, "100")
	if _, err := svc.ReceiveStock(cashierCtx(), domain.RestockRequest{
		Folio: "P1", Size: "G", Qty: 6,
	}); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if _, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 4, UnitPrice: dec(t, "100"), ExitType: domain.ExitSale,
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if _, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Folio: "P1", Size: "G", NewQty: 5, Reason: "conteo",
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	product, _ := svc.repo.GetProductByFolio(context.Background(), "P1")
	sizes, _ := svc.repo.ListSizeStock(context.Background(), "P1")
	sum := 0
	for _, row := range sizes {
		sum += row.Qty
	}
	if product.StockTotal != sum {
		t.Fatalf("stock_total %d != Σ sizes %d", product.StockTotal, sum)
	}
	if product.StockTotal != 11 {
		t.Fatalf("stock_total = %d, want 11", product.StockTotal)
	}
}

func TestLedgerConservation(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 10, "150")
	customer := mustCreateCustomer(t, svc, "Irene")

	if _, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 2, UnitPrice: dec(t, "150"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
		InitialPayment: dec(t, "80"),
	}); err != nil {
		t.Fatalf("credit sale: %v", err)
	}
	if _, err := svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "70"),
	}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	ledger, _ := svc.ListLedgerEntries(cashierCtx(), customer.ID, 20)
	derived := decimal.Zero
	for _, entry := range ledger {
		if entry.Direction == domain.DirectionCharge {
			derived = derived.Add(entry.Amount)
		} else {
			derived = derived.Sub(entry.Amount)
		}
	}
	if !derived.Equal(customerBalance(t, svc, customer.ID)) {
		t.Fatalf("cached balance %s != derived %s", customerBalance(t, svc, customer.ID), derived)
	}
	if !derived.Equal(dec(t, "150")) {
		t.Fatalf("derived = %s, want 150", derived)
	}
}

func TestSecondOpenSaleOnTrackedProductRejected(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	customer := mustCreateCustomer(t, svc, "Teresa")

	if _, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
	}); err != nil {
		t.Fatalf("first credit sale: %v", err)
	}

	_, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitLayaway, CustomerID: customer.ID,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput while a tracked sale is open", err)
	}
}

func TestStateHistoryRecordsPriorState(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	customer := mustCreateCustomer(t, svc, "Lucia")
	resp, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
	})
	if err != nil {
		t.Fatalf("credit sale: %v", err)
	}
	if _, err := svc.RegisterPayment(cashierCtx(), domain.PaymentRequest{
		CustomerID: customer.ID, Amount: dec(t, "100"), SaleID: resp.Sale.ID,
	}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	transitions, err := svc.ListStateTransitions(cashierCtx(), "P1", 10)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	// Newest first: settle then open.
	if transitions[0].PriorState != domain.StateOnCredit || transitions[0].NewState != domain.StateSold {
		t.Fatalf("settle transition = %+v", transitions[0])
	}
	if transitions[1].PriorState != domain.StateAvailable || transitions[1].NewState != domain.StateOnCredit {
		t.Fatalf("open transition = %+v", transitions[1])
	}
}

func TestDashboardSummary(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 2, "100")
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Folio: "P2", Name: "Pantalón", Category: "pantalones", Size: "32", Qty: 1,
		MinStock: 3, UnitPrice: dec(t, "400"),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	customer := mustCreateCustomer(t, svc, "Norma")
	if _, err := svc.RegisterSale(cashierCtx(), domain.SaleCreateRequest{
		Folio: "P1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitCredit, CustomerID: customer.ID,
	}); err != nil {
		t.Fatalf("credit sale: %v", err)
	}

	summary, err := svc.Dashboard(cashierCtx())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if summary.Products != 2 {
		t.Fatalf("products = %d, want 2", summary.Products)
	}
	if summary.UnitsInStock != 2 {
		t.Fatalf("units = %d, want 2", summary.UnitsInStock)
	}
	if summary.OpenCreditSales != 1 {
		t.Fatalf("open credit sales = %d, want 1", summary.OpenCreditSales)
	}
	if !summary.ReceivablesDue.Equal(dec(t, "100")) {
		t.Fatalf("receivables = %s, want 100", summary.ReceivablesDue)
	}
	found := false
	for _, low := range summary.LowStock {
		if low.Folio == product.Folio {
			found = true
		}
	}
	if !found {
		t.Fatalf("low stock should include %s: %+v", product.Folio, summary.LowStock)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	svc, _ := newTestService()

	mustCreateProduct(t, svc, "P1", "M", 5, "100")
	logs, err := svc.ListAuditLogs(adminCtx(), "", 10)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	if logs[0].Action != "product_create" || logs[0].ActorUsername != "admin" {
		t.Fatalf("unexpected audit entry %+v", logs[0])
	}
}
