package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Stores on database/sql. Queries use $n placeholders,
// which both lib/pq and modernc sqlite accept.
type SQLStore struct {
	db     *sql.DB
	q      querier
	driver Driver
	now    func() time.Time
}

func NewSQLStore(db *sql.DB, driver Driver) *SQLStore {
	return &SQLStore{
		db:     db,
		q:      db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func NewPostgresStore(cred *Credentials) (*SQLStore, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return NewSQLStore(db, DriverPostgres), nil
}

// NewSQLiteStore opens a file backed database. SQLite allows a single writer,
// so the pool is limited to one connection.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLStore(db, DriverSQLite), nil
}

func (s *SQLStore) Driver() Driver { return s.driver }

func (s *SQLStore) RunMigrations(migrationsPath string) error {
	var (
		driver database.Driver
		err    error
	)
	switch s.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(s.db, &postgres.Config{})
	case DriverSQLite:
		driver, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", s.driver)
	}
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		string(s.driver),
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withQuerier(q querier) *SQLStore {
	cp := *s
	cp.q = q
	return &cp
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *moderncsqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// isConstraintViolation reports errors the database raised about the data:
// Postgres classes 22 (data exception) and 23 (integrity constraint), and the
// SQLite constraint, mismatch and too-big result codes.
func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "22" || class == "23"
	}
	var liteErr *moderncsqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
			return true
		}
	}
	return false
}

func sqlError(op string, err error) error {
	if isConstraintViolation(err) {
		return rejected(op, err)
	}
	return unavailable(op, err)
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// carts

func (s *SQLStore) GetCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	var (
		cart  domain.Cart
		items []byte
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, items, created_at, updated_at FROM carts WHERE owner_key = $1`,
		owner.String(),
	).Scan(&cart.ID, &items, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, sqlError("failed to get cart", err)
	}

	cart.Owner = owner
	cart.Items, err = decodeCartItems(items)
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

func (s *SQLStore) UpsertCart(ctx context.Context, cart *domain.Cart) error {
	now := s.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	items, err := encodeCartItems(cart.Items)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO carts (owner_key, id, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_key) DO UPDATE
		SET items = excluded.items, updated_at = excluded.updated_at`,
		cart.Owner.String(), cart.ID, items, cart.CreatedAt, cart.UpdatedAt,
	)
	if err != nil {
		return sqlError("failed to upsert cart", err)
	}
	return nil
}

func (s *SQLStore) DeleteCart(ctx context.Context, owner domain.OwnerKey) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM carts WHERE owner_key = $1`, owner.String())
	if err != nil {
		return false, sqlError("failed to delete cart", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sqlError("failed to delete cart", err)
	}
	return n > 0, nil
}

// inventory

func (s *SQLStore) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.q.QueryRowContext(ctx, `
		SELECT product_id, display_name, unit_price, available_quantity, low_stock_threshold, updated_at
		FROM inventory WHERE product_id = $1`,
		productID,
	).Scan(&rec.ProductID, &rec.DisplayName, &rec.UnitPrice, &rec.AvailableQuantity, &rec.LowStockThreshold, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, sqlError("failed to get inventory", err)
	}
	return &rec, nil
}

func (s *SQLStore) ConditionalDecrement(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, nil
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE inventory
		SET available_quantity = available_quantity - $1, updated_at = $2
		WHERE product_id = $3 AND available_quantity >= $1`,
		quantity, s.now(), productID,
	)
	if err != nil {
		return false, sqlError("failed to decrement inventory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sqlError("failed to decrement inventory", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Increment(ctx context.Context, productID string, quantity int) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE inventory
		SET available_quantity = available_quantity + $1, updated_at = $2
		WHERE product_id = $3`,
		quantity, s.now(), productID,
	)
	if err != nil {
		return sqlError("failed to increment inventory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqlError("failed to increment inventory", err)
	}
	if n == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (s *SQLStore) SetStock(ctx context.Context, record domain.InventoryRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO inventory (product_id, display_name, unit_price, available_quantity, low_stock_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id) DO UPDATE
		SET display_name = excluded.display_name,
		    unit_price = excluded.unit_price,
		    available_quantity = excluded.available_quantity,
		    low_stock_threshold = excluded.low_stock_threshold,
		    updated_at = excluded.updated_at`,
		record.ProductID, record.DisplayName, record.UnitPrice, record.AvailableQuantity, record.LowStockThreshold, s.now(),
	)
	if err != nil {
		return sqlError("failed to set stock", err)
	}
	return nil
}

// orders and payments

const orderColumns = `id, owner_key, items, subtotal, discount, shipping_cost, tax_amount,
	total_amount, currency, status, shipping_address, billing_address, placed_at, created_at, updated_at`

func (s *SQLStore) InsertOrder(ctx context.Context, order *domain.Order) error {
	items, err := encodeJSON(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	shipping, err := encodeJSON(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode shipping address: %w", err)
	}
	billing, err := encodeJSON(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode billing address: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		order.ID, order.Owner.String(), items,
		order.Subtotal, order.Discount, order.ShippingCost, order.TaxAmount, order.TotalAmount,
		order.Currency, string(order.Status), shipping, billing,
		order.PlacedAt, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, ErrDuplicate)
		}
		return sqlError("failed to insert order", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                        domain.Order
		owner, status            string
		items, shipping, billing []byte
	)
	err := row.Scan(&o.ID, &owner, &items, &o.Subtotal, &o.Discount, &o.ShippingCost, &o.TaxAmount,
		&o.TotalAmount, &o.Currency, &status, &shipping, &billing, &o.PlacedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Owner, err = domain.ParseOwnerKey(owner); err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	if err := json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode billing address: %w", err)
	}
	return &o, nil
}

func (s *SQLStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, sqlError("failed to get order", err)
	}
	return order, nil
}

func (s *SQLStore) ListOrdersByOwner(ctx context.Context, owner domain.OwnerKey) ([]domain.Order, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE owner_key = $1 ORDER BY placed_at DESC`,
		owner.String(),
	)
	if err != nil {
		return nil, sqlError("failed to list orders", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlError("failed to list orders", err)
	}
	return orders, nil
}

func (s *SQLStore) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), at, orderID,
	)
	if err != nil {
		return sqlError("failed to update order status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqlError("failed to update order status", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *SQLStore) InsertPayment(ctx context.Context, p *domain.Payment) error {
	refs, err := encodeJSON(p.GatewayReferenceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode gateway references: %w", err)
	}
	meta, err := encodeJSON(p.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode payment meta: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, currency, gateway, status, gateway_reference_ids, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OrderID, p.Amount, p.Currency, string(p.Gateway), string(p.Status), refs, meta, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment for order %s: %w", p.OrderID, ErrDuplicate)
		}
		return sqlError("failed to insert payment", err)
	}
	return nil
}

func (s *SQLStore) GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	var (
		p               domain.Payment
		gateway, status string
		refs, meta      []byte
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, order_id, amount, currency, gateway, status, gateway_reference_ids, meta, created_at, updated_at
		FROM payments WHERE order_id = $1`,
		orderID,
	).Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &gateway, &status, &refs, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, sqlError("failed to get payment", err)
	}
	p.Gateway = domain.PaymentGateway(gateway)
	p.Status = domain.PaymentStatus(status)
	if err := json.Unmarshal(refs, &p.GatewayReferenceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode gateway references: %w", err)
	}
	if err := json.Unmarshal(meta, &p.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode payment meta: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) DeleteOrder(ctx context.Context, orderID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM payments WHERE order_id = $1`, orderID); err != nil {
		return sqlError("failed to delete payment", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID); err != nil {
		return sqlError("failed to delete order", err)
	}
	return nil
}

// invoices and loyalty

func (s *SQLStore) SaveInvoice(ctx context.Context, invoice *domain.Invoice) error {
	doc, err := encodeJSON(invoice)
	if err != nil {
		return fmt.Errorf("failed to encode invoice: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO invoices (id, order_id, number, owner_key, document, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		invoice.ID, invoice.OrderID, invoice.Number, invoice.Owner.String(), doc, invoice.IssuedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice for order %s: %w", invoice.OrderID, ErrDuplicate)
		}
		return sqlError("failed to save invoice", err)
	}
	return nil
}

func (s *SQLStore) GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	var doc []byte
	err := s.q.QueryRowContext(ctx, `SELECT document FROM invoices WHERE order_id = $1`, orderID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, sqlError("failed to get invoice", err)
	}
	var invoice domain.Invoice
	if err := json.Unmarshal(doc, &invoice); err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	return &invoice, nil
}

func (s *SQLStore) AccruePoints(ctx context.Context, owner domain.OwnerKey, points int64) (int64, error) {
	var balance int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO loyalty_accounts (owner_key, points, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_key) DO UPDATE
		SET points = loyalty_accounts.points + excluded.points, updated_at = excluded.updated_at
		RETURNING points`,
		owner.String(), points, s.now(),
	).Scan(&balance)
	if err != nil {
		return 0, sqlError("failed to accrue loyalty points", err)
	}
	return balance, nil
}

// sqlTx runs every store call on one *sql.Tx.
type sqlTx struct {
	*SQLStore
}

func (t *sqlTx) Transactional() bool { return true }

func (t *sqlTx) OnRollback(string, func(ctx context.Context) error) {}

type SQLUnitOfWork struct {
	store *SQLStore
}

func NewSQLUnitOfWork(store *SQLStore) *SQLUnitOfWork {
	return &SQLUnitOfWork{store: store}
}

func (u *SQLUnitOfWork) Mode() Mode { return ModeTransactional }

func (u *SQLUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := u.store.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlError("failed to begin transaction", err)
	}

	if err := fn(ctx, &sqlTx{SQLStore: u.store.withQuerier(tx)}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return sqlError("failed to commit transaction", err)
	}
	return nil
}
