package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"puntoventa/backend/internal/domain"
	"puntoventa/backend/internal/store"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", raw, err)
	}
	return d
}

func seedProduct(t *testing.T, s *Store, folio string, size string, qty int) {
	t.Helper()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		Folio: folio, Name: "Prenda", Category: "playeras",
	}, domain.StockEntry{Folio: folio, Size: size, Qty: qty, UnitPrice: dec(t, "100")})
	if err != nil {
		t.Fatalf("seed product %s: %v", folio, err)
	}
}

func seedCustomer(t *testing.T, s *Store, name string) string {
	t.Helper()
	customer, err := s.CreateCustomer(context.Background(), domain.Customer{Name: name})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return customer.ID
}

func creditSale(t *testing.T, s *Store, folio string, size string, customerID string, price string) *domain.Sale {
	t.Helper()
	sale, err := s.CreateSale(context.Background(), domain.Sale{
		Folio: folio, Size: size, Qty: 1, UnitPrice: dec(t, price),
		ExitType: domain.ExitCredit, CustomerID: customerID, Cashier: "maria",
	}, decimal.Zero)
	if err != nil {
		t.Fatalf("credit sale on %s: %v", folio, err)
	}
	return sale
}

func state(t *testing.T, s *Store, folio string) string {
	t.Helper()
	product, err := s.GetProductByFolio(context.Background(), folio)
	if err != nil {
		t.Fatalf("get %s: %v", folio, err)
	}
	return product.State
}

// The pool of untargeted payments settles open sales oldest first and never
// settles a later sale with money already consumed by an earlier one.
func TestGeneralPoolAllocatesOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedProduct(t, s, "A-1", "M", 1)
	seedProduct(t, s, "B-2", "M", 1)
	customerID := seedCustomer(t, s, "Carmen")

	creditSale(t, s, "A-1", "M", customerID, "100")
	creditSale(t, s, "B-2", "M", customerID, "200")

	// 150 covers the first sale (100) but not the second (needs 200 more).
	if _, err := s.RegisterPayment(ctx, customerID, dec(t, "150"), "", "maria"); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if got := state(t, s, "A-1"); got != domain.StateSold {
		t.Fatalf("A-1 state = %s, want sold", got)
	}
	if got := state(t, s, "B-2"); got != domain.StateOnCredit {
		t.Fatalf("B-2 state = %s, want still on_credit", got)
	}

	// Remaining pool is 50; another 150 brings it to 200 and settles B-2.
	if _, err := s.RegisterPayment(ctx, customerID, dec(t, "150"), "", "maria"); err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if got := state(t, s, "B-2"); got != domain.StateSold {
		t.Fatalf("B-2 state = %s, want sold", got)
	}

	customer, _ := s.GetCustomerByID(ctx, customerID)
	if !customer.BalanceDue.IsZero() {
		t.Fatalf("balance = %s, want 0", customer.BalanceDue)
	}
}

func TestDeleteSaleRestoresRecordedPriorState(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedProduct(t, s, "A-1", "M", 1)
	customerID := seedCustomer(t, s, "Pilar")
	sale := creditSale(t, s, "A-1", "M", customerID, "100")

	if err := s.DeleteSale(ctx, sale.ID); err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if got := state(t, s, "A-1"); got != domain.StateAvailable {
		t.Fatalf("state = %s, want available", got)
	}

	transitions, err := s.ListStateTransitions(ctx, "A-1", 10)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("expected open + reversal transitions, got %d", len(transitions))
	}
	if transitions[0].Reason != "sale deleted" || transitions[0].NewState != domain.StateAvailable {
		t.Fatalf("reversal transition = %+v", transitions[0])
	}

	// Stock is back, so the folio can be sold again.
	if _, err := s.CreateSale(ctx, domain.Sale{
		Folio: "A-1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"), ExitType: domain.ExitSale,
	}, decimal.Zero); err != nil {
		t.Fatalf("resell after delete: %v", err)
	}
}

func TestTargetedPaymentOnLoanRejected(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedProduct(t, s, "A-1", "M", 1)
	customerID := seedCustomer(t, s, "Rosa")
	sale, err := s.CreateSale(ctx, domain.Sale{
		Folio: "A-1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitLoan, CustomerID: customerID,
	}, decimal.Zero)
	if err != nil {
		t.Fatalf("loan sale: %v", err)
	}

	_, err = s.RegisterPayment(ctx, customerID, dec(t, "50"), sale.ID, "maria")
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for loan payment", err)
	}
}

func TestFullDownPaymentSettlesImmediately(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedProduct(t, s, "A-1", "M", 1)
	customerID := seedCustomer(t, s, "Irene")

	if _, err := s.CreateSale(ctx, domain.Sale{
		Folio: "A-1", Size: "M", Qty: 1, UnitPrice: dec(t, "100"),
		ExitType: domain.ExitLayaway, CustomerID: customerID,
	}, dec(t, "100")); err != nil {
		t.Fatalf("layaway: %v", err)
	}

	if got := state(t, s, "A-1"); got != domain.StateSold {
		t.Fatalf("state = %s, want sold when fully covered up front", got)
	}
	customer, _ := s.GetCustomerByID(ctx, customerID)
	if !customer.BalanceDue.IsZero() {
		t.Fatalf("balance = %s, want 0", customer.BalanceDue)
	}
}
