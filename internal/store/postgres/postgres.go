package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"puntoventa/backend/internal/domain"
	"puntoventa/backend/internal/store"
	"puntoventa/backend/internal/xid"
)

// Store persists the engine in PostgreSQL through database/sql on the pgx
// stdlib driver. Every mutating Repository method that touches more than one
// row runs inside a single serializable transaction with FOR UPDATE row
// locks, so an error anywhere leaves nothing half-applied.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- products ----

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, firstEntry domain.StockEntry) (*domain.Product, error) {
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	product.State = domain.StateAvailable
	product.StockTotal = firstEntry.Qty
	product.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (folio, name, category, gender, stock_total, min_stock, provider, state, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.Folio, product.Name, product.Category, product.Gender, product.StockTotal, product.MinStock, product.Provider, product.State, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateFolio
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO size_stock (folio, size, qty)
		VALUES ($1,$2,$3)
	`, product.Folio, firstEntry.Size, firstEntry.Qty)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_entries (folio, size, qty, unit_cost, unit_price, kind, responsible, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.Folio, firstEntry.Size, firstEntry.Qty, firstEntry.UnitCost, firstEntry.UnitPrice, domain.EntryInitial, firstEntry.Responsible, firstEntry.Notes, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByFolio(ctx context.Context, folio string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT folio, name, category, gender, stock_total, min_stock, provider, state, updated_at
		FROM products
		WHERE folio = $1
	`, folio).Scan(&product.Folio, &product.Name, &product.Category, &product.Gender,
		&product.StockTotal, &product.MinStock, &product.Provider, &product.State, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folio, name, category, gender, stock_total, min_stock, provider, state, updated_at
		FROM products
		ORDER BY folio
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Folio, &p.Name, &p.Category, &p.Gender,
			&p.StockTotal, &p.MinStock, &p.Provider, &p.State, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListSizeStock(ctx context.Context, folio string) ([]domain.SizeStock, error) {
	if _, err := s.GetProductByFolio(ctx, folio); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT folio, size, qty
		FROM size_stock
		WHERE folio = $1
		ORDER BY size
	`, folio)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.SizeStock, 0, 8)
	for rows.Next() {
		var row domain.SizeStock
		if err := rows.Scan(&row.Folio, &row.Size, &row.Qty); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- stock ledger ----

func (s *Store) ReceiveStock(ctx context.Context, entry domain.StockEntry) (*domain.StockEntry, error) {
	if entry.Size == "" {
		return nil, store.ErrSizeRequired
	}
	if entry.Qty < 1 || entry.UnitCost.IsNegative() || entry.UnitPrice.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if entry.Kind == "" {
		entry.Kind = domain.EntryRestock
	}
	if entry.Kind != domain.EntryRestock {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockProduct(ctx, tx, entry.Folio); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry.CreatedAt = now
	if err := bumpSize(ctx, tx, entry.Folio, entry.Size, entry.Qty); err != nil {
		return nil, err
	}
	if err := bumpStockTotal(ctx, tx, entry.Folio, entry.Qty, now); err != nil {
		return nil, err
	}
	entry.ID, err = insertStockEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := entry
	return &created, nil
}

func (s *Store) AdjustStock(ctx context.Context, folio string, size string, newQty int, reason string, responsible string) (*domain.StockEntry, error) {
	if size == "" {
		return nil, store.ErrSizeRequired
	}
	if newQty < 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockProduct(ctx, tx, folio); err != nil {
		return nil, err
	}

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT qty FROM size_stock WHERE folio = $1 AND size = $2 FOR UPDATE
	`, folio, size).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	delta := newQty - current
	if delta == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	if err := setSize(ctx, tx, folio, size, newQty); err != nil {
		return nil, err
	}
	if err := bumpStockTotal(ctx, tx, folio, delta, now); err != nil {
		return nil, err
	}

	entry := domain.StockEntry{
		Folio:       folio,
		Size:        size,
		Qty:         delta,
		Kind:        domain.EntryManualAdjustment,
		Responsible: responsible,
		Notes:       reason,
		CreatedAt:   now,
	}
	entry.ID, err = insertStockEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) DeleteStockEntry(ctx context.Context, entryID string) error {
	id, err := parseID(entryID)
	if err != nil {
		return store.ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var entry domain.StockEntry
	err = tx.QueryRowContext(ctx, `
		SELECT id, folio, size, qty
		FROM stock_entries
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&entry.ID, &entry.Folio, &entry.Size, &entry.Qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_entries WHERE folio = $1
	`, entry.Folio).Scan(&remaining); err != nil {
		return err
	}
	if remaining <= 1 {
		return store.ErrLastInitialEntry
	}

	if _, err := lockProduct(ctx, tx, entry.Folio); err != nil {
		return err
	}

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT qty FROM size_stock WHERE folio = $1 AND size = $2 FOR UPDATE
	`, entry.Folio, entry.Size).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	reversed := current - entry.Qty
	if reversed < 0 {
		return store.ErrInsufficientStock
	}

	now := time.Now().UTC()
	if err := setSize(ctx, tx, entry.Folio, entry.Size, reversed); err != nil {
		return err
	}
	if err := bumpStockTotal(ctx, tx, entry.Folio, -entry.Qty, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stock_entries WHERE id = $1`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ListStockEntries(ctx context.Context, folio string, limit int) ([]domain.StockEntry, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, folio, size, qty, unit_cost, unit_price, kind, responsible, notes, created_at
		FROM stock_entries
	`
	args := []any{}
	if folio != "" {
		query += ` WHERE folio = $1 ORDER BY id DESC LIMIT $2`
		args = append(args, folio, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockEntry, 0, limit)
	for rows.Next() {
		var e domain.StockEntry
		var id int64
		if err := rows.Scan(&id, &e.Folio, &e.Size, &e.Qty, &e.UnitCost, &e.UnitPrice,
			&e.Kind, &e.Responsible, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- sales ----

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, initialPayment decimal.Decimal) (*domain.Sale, error) {
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
	if initialPayment.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	onCredit := sale.ExitType == domain.ExitCredit || sale.ExitType == domain.ExitLayaway
	if onCredit && sale.CustomerID == "" {
		return nil, store.ErrCustomerRequired
	}
	if onCredit && initialPayment.GreaterThan(total) {
		return nil, store.ErrOverpayment
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := lockProduct(ctx, tx, sale.Folio)
	if err != nil {
		return nil, err
	}

	targetState, tracked := domain.StateForExit(sale.ExitType)
	if tracked && product.State != domain.StateAvailable {
		return nil, fmt.Errorf("%w: product %s is %s", store.ErrInvalidInput, product.Folio, product.State)
	}

	if sale.CustomerID != "" {
		if _, err := lockCustomer(ctx, tx, sale.CustomerID); err != nil {
			return nil, err
		}
	}

	var available int
	err = tx.QueryRowContext(ctx, `
		SELECT qty FROM size_stock WHERE folio = $1 AND size = $2 FOR UPDATE
	`, sale.Folio, sale.Size).Scan(&available)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if available < sale.Qty {
		return nil, store.ErrInsufficientStock
	}

	now := time.Now().UTC()
	sale.CreatedAt = now

	if err := bumpSize(ctx, tx, sale.Folio, sale.Size, -sale.Qty); err != nil {
		return nil, err
	}
	if err := bumpStockTotal(ctx, tx, sale.Folio, -sale.Qty, now); err != nil {
		return nil, err
	}

	var saleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (folio, size, qty, unit_price, discount, exit_type, customer_id, cashier, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, sale.Folio, sale.Size, sale.Qty, sale.UnitPrice, sale.Discount, sale.ExitType,
		nullIfEmpty(sale.CustomerID), sale.Cashier, sale.Notes, now).Scan(&saleID)
	if err != nil {
		return nil, err
	}
	sale.ID = strconv.FormatInt(saleID, 10)

	if onCredit && sale.CustomerID != "" {
		_, err = insertLedgerEntry(ctx, tx, domain.LedgerEntry{
			CustomerID:  sale.CustomerID,
			Direction:   domain.DirectionCharge,
			Amount:      total,
			Reference:   domain.SaleReference(sale.ID),
			SaleID:      sale.ID,
			Responsible: sale.Cashier,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		delta := total
		if initialPayment.IsPositive() {
			_, err = insertLedgerEntry(ctx, tx, domain.LedgerEntry{
				CustomerID:  sale.CustomerID,
				Direction:   domain.DirectionPayment,
				Amount:      initialPayment,
				Reference:   domain.InitialPaymentReference(sale.ID),
				SaleID:      sale.ID,
				Responsible: sale.Cashier,
				CreatedAt:   now,
			})
			if err != nil {
				return nil, err
			}
			delta = delta.Sub(initialPayment)
		}
		if err := adjustBalance(ctx, tx, sale.CustomerID, delta); err != nil {
			return nil, err
		}
	}

	if tracked {
		if err := insertTransition(ctx, tx, domain.StateTransition{
			Folio:       sale.Folio,
			PriorState:  product.State,
			NewState:    targetState,
			Reason:      "sale registered",
			Responsible: sale.Cashier,
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
		state := targetState
		if onCredit && initialPayment.GreaterThanOrEqual(total) {
			settled := domain.SettledState(sale.ExitType)
			if err := insertTransition(ctx, tx, domain.StateTransition{
				Folio:       sale.Folio,
				PriorState:  state,
				NewState:    settled,
				Reason:      "sale settled",
				Responsible: sale.Cashier,
				CreatedAt:   now,
			}); err != nil {
				return nil, err
			}
			state = settled
		}
		if err := setProductState(ctx, tx, sale.Folio, state, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	id, err := parseID(saleID)
	if err != nil {
		return nil, store.ErrNotFound
	}

	sale, err := scanSaleRow(s.db.QueryRowContext(ctx, saleSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, folio string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	query := saleSelect
	args := []any{}
	if folio != "" {
		query += ` WHERE folio = $1 ORDER BY id DESC LIMIT $2`
		args = append(args, folio, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSaleRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SaleOutstanding(ctx context.Context, saleID string) (decimal.Decimal, error) {
	id, err := parseID(saleID)
	if err != nil {
		return decimal.Zero, store.ErrNotFound
	}

	var total, paid decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT s.unit_price * s.qty - s.discount,
		       COALESCE((SELECT SUM(l.amount) FROM ledger_entries l WHERE l.sale_id = s.id AND l.direction = $2), 0)
		FROM sales s
		WHERE s.id = $1
	`, id, domain.DirectionPayment).Scan(&total, &paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, store.ErrNotFound
		}
		return decimal.Zero, err
	}
	return total.Sub(paid), nil
}

func (s *Store) DeleteSale(ctx context.Context, saleID string) error {
	id, err := parseID(saleID)
	if err != nil {
		return store.ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := scanSaleRow(tx.QueryRowContext(ctx, saleSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	product, err := lockProduct(ctx, tx, sale.Folio)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := bumpSize(ctx, tx, sale.Folio, sale.Size, sale.Qty); err != nil {
		return err
	}
	if err := bumpStockTotal(ctx, tx, sale.Folio, sale.Qty, now); err != nil {
		return err
	}

	onCredit := sale.ExitType == domain.ExitCredit || sale.ExitType == domain.ExitLayaway
	if onCredit && sale.CustomerID != "" {
		if _, err := lockCustomer(ctx, tx, sale.CustomerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		} else if err == nil {
			paid, err := linkedPaid(ctx, tx, id)
			if err != nil {
				return err
			}
			unpaid := sale.Total().Sub(paid)
			if err := adjustBalance(ctx, tx, sale.CustomerID, unpaid.Neg()); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE sale_id = $1`, id); err != nil {
			return err
		}
	}

	if targetState, tracked := domain.StateForExit(sale.ExitType); tracked {
		prior := domain.StateAvailable
		err = tx.QueryRowContext(ctx, `
			SELECT prior_state
			FROM state_transitions
			WHERE folio = $1 AND new_state = $2
			ORDER BY id DESC
			LIMIT 1
		`, sale.Folio, targetState).Scan(&prior)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := insertTransition(ctx, tx, domain.StateTransition{
			Folio:       sale.Folio,
			PriorState:  product.State,
			NewState:    prior,
			Reason:      "sale deleted",
			Responsible: sale.Cashier,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := setProductState(ctx, tx, sale.Folio, prior, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) MarkLoanReturned(ctx context.Context, saleID string, responsible string) (*domain.Sale, error) {
	id, err := parseID(saleID)
	if err != nil {
		return nil, store.ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := scanSaleRow(tx.QueryRowContext(ctx, saleSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	product, err := lockProduct(ctx, tx, sale.Folio)
	if err != nil {
		return nil, err
	}
	if sale.ExitType != domain.ExitLoan || product.State != domain.StateLoaned {
		return nil, store.ErrNotLoaned
	}

	now := time.Now().UTC()
	if err := insertTransition(ctx, tx, domain.StateTransition{
		Folio:       sale.Folio,
		PriorState:  product.State,
		NewState:    domain.StateAvailable,
		Reason:      "loan returned",
		Responsible: responsible,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := setProductState(ctx, tx, sale.Folio, domain.StateAvailable, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

// ---- customers and their ledger ----

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	customer.BalanceDue = decimal.Zero
	customer.Status = domain.AccountCurrent
	customer.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, balance_due, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, customer.Phone, customer.BalanceDue, customer.Status, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, balance_due, status, created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.Phone,
		&customer.BalanceDue, &customer.Status, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, balance_due, status, created_at
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.BalanceDue, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, customerID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	customer, err := lockCustomer(ctx, tx, customerID)
	if err != nil {
		return err
	}
	if customer.BalanceDue.IsPositive() {
		return store.ErrBalanceNotZero
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE customer_id = $1`, customerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RegisterPayment(ctx context.Context, customerID string, amount decimal.Decimal, saleID string, responsible string) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	customer, err := lockCustomer(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if saleID != "" {
		id, err := parseID(saleID)
		if err != nil {
			return nil, store.ErrNotFound
		}
		sale, err := scanSaleRow(tx.QueryRowContext(ctx, saleSelect+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		if sale.CustomerID != customerID {
			return nil, fmt.Errorf("%w: sale %s belongs to another customer", store.ErrInvalidInput, saleID)
		}
		if sale.ExitType != domain.ExitCredit && sale.ExitType != domain.ExitLayaway {
			return nil, fmt.Errorf("%w: sale %s carries no receivable", store.ErrInvalidInput, saleID)
		}

		paid, err := linkedPaid(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		outstanding := sale.Total().Sub(paid)
		if amount.GreaterThan(outstanding) {
			return nil, store.ErrOverpayment
		}

		entry := domain.LedgerEntry{
			CustomerID:  customerID,
			Direction:   domain.DirectionPayment,
			Amount:      amount,
			Reference:   domain.PaymentReference(saleID),
			SaleID:      saleID,
			Responsible: responsible,
			CreatedAt:   now,
		}
		entry.ID, err = insertLedgerEntry(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		if err := adjustBalance(ctx, tx, customerID, amount.Neg()); err != nil {
			return nil, err
		}

		if outstanding.Sub(amount).LessThanOrEqual(decimal.Zero) {
			if err := settleSale(ctx, tx, *sale, responsible, now); err != nil {
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &entry, nil
	}

	if amount.GreaterThan(customer.BalanceDue) {
		return nil, store.ErrOverpayment
	}

	entry := domain.LedgerEntry{
		CustomerID:  customerID,
		Direction:   domain.DirectionPayment,
		Amount:      amount,
		Reference:   domain.PaymentReference(""),
		Responsible: responsible,
		CreatedAt:   now,
	}
	entry.ID, err = insertLedgerEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if err := adjustBalance(ctx, tx, customerID, amount.Neg()); err != nil {
		return nil, err
	}

	if err := settleFromGeneralPool(ctx, tx, customerID, responsible, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, customerID string, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, customer_id, direction, amount, reference, sale_id, responsible, created_at
		FROM ledger_entries
	`
	args := []any{}
	if customerID != "" {
		query += ` WHERE customer_id = $1 ORDER BY id LIMIT $2`
		args = append(args, customerID, limit)
	} else {
		query += ` ORDER BY id LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.LedgerEntry
		var id int64
		var saleID sql.NullInt64
		if err := rows.Scan(&id, &e.CustomerID, &e.Direction, &e.Amount, &e.Reference,
			&saleID, &e.Responsible, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		if saleID.Valid {
			e.SaleID = strconv.FormatInt(saleID.Int64, 10)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteLedgerEntry(ctx context.Context, entryID string) error {
	id, err := parseID(entryID)
	if err != nil {
		return store.ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var customerID, direction string
	var amount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT customer_id, direction, amount
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&customerID, &direction, &amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := lockCustomer(ctx, tx, customerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	} else if err == nil {
		delta := amount
		if direction == domain.DirectionCharge {
			delta = amount.Neg()
		}
		if err := adjustBalance(ctx, tx, customerID, delta); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- state history ----

func (s *Store) ListStateTransitions(ctx context.Context, folio string, limit int) ([]domain.StateTransition, error) {
	if limit < 1 {
		limit = 200
	}

	query := `
		SELECT id, folio, prior_state, new_state, reason, responsible, created_at
		FROM state_transitions
	`
	args := []any{}
	if folio != "" {
		query += ` WHERE folio = $1 ORDER BY id DESC LIMIT $2`
		args = append(args, folio, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StateTransition, 0, limit)
	for rows.Next() {
		var t domain.StateTransition
		var id int64
		if err := rows.Scan(&id, &t.Folio, &t.PriorState, &t.NewState, &t.Reason, &t.Responsible, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ID = strconv.FormatInt(id, 10)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- audit ----

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var e domain.AuditLog
		if err := rows.Scan(&e.ID, &e.ActorUsername, &e.ActorRole, &e.Action,
			&e.EntityType, &e.EntityID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ---- auth accounts ----

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- tx helpers ----

const saleSelect = `
	SELECT id, folio, size, qty, unit_price, discount, exit_type, customer_id, cashier, notes, created_at
	FROM sales
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaleRow(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var id int64
	var customerID sql.NullString
	err := row.Scan(&id, &sale.Folio, &sale.Size, &sale.Qty, &sale.UnitPrice, &sale.Discount,
		&sale.ExitType, &customerID, &sale.Cashier, &sale.Notes, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	sale.ID = strconv.FormatInt(id, 10)
	sale.CustomerID = customerID.String
	return &sale, nil
}

func scanSaleRows(rows *sql.Rows) (*domain.Sale, error) {
	return scanSaleRow(rows)
}

func lockProduct(ctx context.Context, tx *sql.Tx, folio string) (*domain.Product, error) {
	var product domain.Product
	err := tx.QueryRowContext(ctx, `
		SELECT folio, name, category, gender, stock_total, min_stock, provider, state, updated_at
		FROM products
		WHERE folio = $1
		FOR UPDATE
	`, folio).Scan(&product.Folio, &product.Name, &product.Category, &product.Gender,
		&product.StockTotal, &product.MinStock, &product.Provider, &product.State, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func lockCustomer(ctx context.Context, tx *sql.Tx, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := tx.QueryRowContext(ctx, `
		SELECT id, name, phone, balance_due, status, created_at
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.Phone,
		&customer.BalanceDue, &customer.Status, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

// bumpSize moves a size count by delta; rows at zero or below are deleted so
// the size breakdown only ever lists sizes actually in stock.
func bumpSize(ctx context.Context, tx *sql.Tx, folio string, size string, delta int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO size_stock (folio, size, qty)
		VALUES ($1,$2,$3)
		ON CONFLICT (folio, size)
		DO UPDATE SET qty = size_stock.qty + EXCLUDED.qty
	`, folio, size, delta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM size_stock WHERE folio = $1 AND size = $2 AND qty <= 0
	`, folio, size)
	return err
}

func setSize(ctx context.Context, tx *sql.Tx, folio string, size string, qty int) error {
	if qty <= 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM size_stock WHERE folio = $1 AND size = $2
		`, folio, size)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO size_stock (folio, size, qty)
		VALUES ($1,$2,$3)
		ON CONFLICT (folio, size)
		DO UPDATE SET qty = EXCLUDED.qty
	`, folio, size, qty)
	return err
}

func bumpStockTotal(ctx context.Context, tx *sql.Tx, folio string, delta int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products SET stock_total = stock_total + $2, updated_at = $3 WHERE folio = $1
	`, folio, delta, now)
	return err
}

func setProductState(ctx context.Context, tx *sql.Tx, folio string, state string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products SET state = $2, updated_at = $3 WHERE folio = $1
	`, folio, state, now)
	return err
}

func insertStockEntry(ctx context.Context, tx *sql.Tx, entry domain.StockEntry) (string, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO stock_entries (folio, size, qty, unit_cost, unit_price, kind, responsible, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, entry.Folio, entry.Size, entry.Qty, entry.UnitCost, entry.UnitPrice,
		entry.Kind, entry.Responsible, entry.Notes, entry.CreatedAt).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) (string, error) {
	var saleID any
	if entry.SaleID != "" {
		parsed, err := parseID(entry.SaleID)
		if err != nil {
			return "", store.ErrInvalidInput
		}
		saleID = parsed
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (customer_id, direction, amount, reference, sale_id, responsible, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, entry.CustomerID, entry.Direction, entry.Amount, entry.Reference, saleID, entry.Responsible, entry.CreatedAt).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, t domain.StateTransition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (folio, prior_state, new_state, reason, responsible, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, t.Folio, t.PriorState, t.NewState, t.Reason, t.Responsible, t.CreatedAt)
	return err
}

// adjustBalance shifts balance_due by delta and recomputes the status label in
// the same statement, keeping the cached balance and its label in step.
func adjustBalance(ctx context.Context, tx *sql.Tx, customerID string, delta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE customers
		SET balance_due = balance_due + $2,
		    status = CASE WHEN balance_due + $2 > 0 THEN $3 ELSE $4 END
		WHERE id = $1
	`, customerID, delta, domain.AccountHasBalance, domain.AccountCurrent)
	return err
}

func linkedPaid(ctx context.Context, tx *sql.Tx, saleID int64) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE sale_id = $1 AND direction = $2
	`, saleID, domain.DirectionPayment).Scan(&paid)
	if err != nil {
		return decimal.Zero, err
	}
	return paid, nil
}

func settleSale(ctx context.Context, tx *sql.Tx, sale domain.Sale, responsible string, now time.Time) error {
	product, err := lockProduct(ctx, tx, sale.Folio)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	openState, tracked := domain.StateForExit(sale.ExitType)
	// Skip when the product already moved on; a repeated settlement check must
	// not re-trigger.
	if !tracked || product.State != openState {
		return nil
	}
	settled := domain.SettledState(sale.ExitType)
	if err := insertTransition(ctx, tx, domain.StateTransition{
		Folio:       sale.Folio,
		PriorState:  product.State,
		NewState:    settled,
		Reason:      "sale settled",
		Responsible: responsible,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	return setProductState(ctx, tx, sale.Folio, settled, now)
}

// settleFromGeneralPool re-checks settlement after a payment with no target
// sale. Unlinked payments form a pool consumed by open credit/layaway sales in
// ascending sale id order; the part of the pool that already settled earlier
// sales is subtracted first so it cannot settle anything twice.
func settleFromGeneralPool(ctx context.Context, tx *sql.Tx, customerID string, responsible string, now time.Time) error {
	var pool decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE customer_id = $1 AND direction = $2 AND sale_id IS NULL
	`, customerID, domain.DirectionPayment).Scan(&pool)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, saleSelect+`
		WHERE customer_id = $1 AND exit_type IN ($2, $3)
		ORDER BY id
		FOR UPDATE
	`, customerID, domain.ExitCredit, domain.ExitLayaway)
	if err != nil {
		return err
	}
	credit := make([]domain.Sale, 0, 8)
	for rows.Next() {
		sale, err := scanSaleRows(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		credit = append(credit, *sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, sale := range credit {
		id, err := parseID(sale.ID)
		if err != nil {
			continue
		}
		openState, _ := domain.StateForExit(sale.ExitType)
		paid, err := linkedPaid(ctx, tx, id)
		if err != nil {
			return err
		}
		gap := sale.Total().Sub(paid)

		product, err := lockProduct(ctx, tx, sale.Folio)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
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
			if err := settleSale(ctx, tx, sale, responsible, now); err != nil {
				return err
			}
			continue
		}
		if pool.GreaterThanOrEqual(gap) {
			pool = pool.Sub(gap)
			if err := settleSale(ctx, tx, sale, responsible, now); err != nil {
				return err
			}
			continue
		}
		break
	}
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, store.ErrInvalidInput
	}
	return id, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
