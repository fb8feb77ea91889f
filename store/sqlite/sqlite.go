/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.TxStore and ledger.AuditStore on SQLite through sqlx.
  Used for single-node deployments and end-to-end tests (":memory:").

KEY TABLES:
  products:          Catalog with live on-hand quantity
  transactions:      Sale headers (total fixed at insert)
  transaction_items: Sale lines (only refunded_quantity ever changes)
  refunds:           Append-only refund records
  audit_logs:        Append-only audit events

IMMUTABLE COLUMNS:
  Saves are upserts whose ON CONFLICT clause only touches the mutable
  columns, so a transaction's total or a line's subtotal cannot be
  rewritten through this store:
  - transactions:      status, voided_by, voided_at, void_reason
  - transaction_items: refunded_quantity
  - refunds, audit_logs: INSERT only

CONCURRENCY:
  The pool is capped at one connection and transactions start with
  BEGIN IMMEDIATE (_txlock=immediate), so a unit of work holds the write
  lock from its first statement. That makes GetProductForUpdate and
  GetTransactionForUpdate plain SELECTs here. SQLITE_BUSY / SQLITE_LOCKED
  from another process surface as ledger.ErrConcurrentModification.

ENCODING:
  Money is TEXT (decimal string) to keep exact values. Timestamps are TEXT
  in a fixed-width UTC layout so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/pos.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.StoreAuditSink{Store: store}, logger)

SEE ALSO:
  - ledger/store.go:        Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres:         Row-locking implementation for multi-node
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-pos/ledger"
)

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.AuditStore = (*Store)(nil)
)

// timeLayout is fixed width so stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	*repo
	db *sqlx.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	store := &Store{repo: &repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit_price TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		cash_tender TEXT,
		reference_number TEXT,
		proof_image TEXT,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		patient_id TEXT,
		voided_by TEXT,
		voided_at TEXT,
		void_reason TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_number);
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at);

	CREATE TABLE IF NOT EXISTS transaction_items (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		discount_type TEXT NOT NULL,
		discount_value TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		refunded_quantity INTEGER NOT NULL DEFAULT 0
			CHECK (refunded_quantity >= 0 AND refunded_quantity <= quantity)
	);

	CREATE INDEX IF NOT EXISTS idx_items_transaction
		ON transaction_items(transaction_id);

	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES transaction_items(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		refunded_at TEXT NOT NULL,
		issued_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_item
		ON refunds(item_id, refunded_at);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created
		ON audit_logs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data. Used by demo scenarios and tests.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"audit_logs", "refunds", "transaction_items", "transactions", "products"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&repo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// REPO - Queries shared by the pool and by a transaction
// =============================================================================

type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type repo struct {
	q querier
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

type productRow struct {
	ID                string          `db:"id"`
	Name              string          `db:"name"`
	Category          string          `db:"category"`
	UnitPrice         decimal.Decimal `db:"unit_price"`
	Quantity          int             `db:"quantity"`
	LowStockThreshold int             `db:"low_stock_threshold"`
	Archived          bool            `db:"archived"`
	CreatedAt         string          `db:"created_at"`
}

func (r productRow) toProduct() ledger.Product {
	return ledger.Product{
		ID:                ledger.ProductID(r.ID),
		Name:              r.Name,
		Category:          r.Category,
		UnitPrice:         r.UnitPrice,
		Quantity:          r.Quantity,
		LowStockThreshold: r.LowStockThreshold,
		Archived:          r.Archived,
		CreatedAt:         parseTime(r.CreatedAt),
	}
}

const productColumns = `id, name, category, unit_price, quantity, low_stock_threshold, archived, created_at`

func (r *repo) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	var row productRow
	err := r.q.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Product{}, &ledger.NotFoundError{Resource: "product", ID: string(id)}
	}
	if err != nil {
		return ledger.Product{}, mapError(fmt.Errorf("failed to get product: %w", err))
	}
	return row.toProduct(), nil
}

// GetProductForUpdate relies on the IMMEDIATE transaction's write lock.
func (r *repo) GetProductForUpdate(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return r.GetProduct(ctx, id)
}

func (r *repo) SaveProduct(ctx context.Context, p ledger.Product) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			unit_price = excluded.unit_price,
			quantity = excluded.quantity,
			low_stock_threshold = excluded.low_stock_threshold,
			archived = excluded.archived
	`,
		p.ID, p.Name, p.Category, p.UnitPrice.String(), p.Quantity,
		p.LowStockThreshold, p.Archived, formatTime(p.CreatedAt),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save product: %w", err))
	}
	return nil
}

func (r *repo) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	var rows []productRow
	if err := r.q.SelectContext(ctx, &rows, `SELECT `+productColumns+` FROM products ORDER BY name, id`); err != nil {
		return nil, mapError(fmt.Errorf("failed to list products: %w", err))
	}
	result := make([]ledger.Product, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toProduct())
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

type transactionRow struct {
	ID              string              `db:"id"`
	CreatedAt       string              `db:"created_at"`
	TotalAmount     decimal.Decimal     `db:"total_amount"`
	PaymentType     string              `db:"payment_type"`
	CashTender      decimal.NullDecimal `db:"cash_tender"`
	ReferenceNumber sql.NullString      `db:"reference_number"`
	ProofImage      sql.NullString      `db:"proof_image"`
	Status          string              `db:"status"`
	CreatedBy       string              `db:"created_by"`
	PatientID       sql.NullString      `db:"patient_id"`
	VoidedBy        sql.NullString      `db:"voided_by"`
	VoidedAt        sql.NullString      `db:"voided_at"`
	VoidReason      sql.NullString      `db:"void_reason"`
}

func (r transactionRow) toTransaction() ledger.Transaction {
	t := ledger.Transaction{
		ID:              ledger.TransactionID(r.ID),
		CreatedAt:       parseTime(r.CreatedAt),
		TotalAmount:     r.TotalAmount,
		PaymentType:     ledger.PaymentType(r.PaymentType),
		CashTender:      r.CashTender,
		ReferenceNumber: r.ReferenceNumber.String,
		ProofImage:      r.ProofImage.String,
		Status:          ledger.TransactionStatus(r.Status),
		CreatedBy:       ledger.UserID(r.CreatedBy),
		PatientID:       ledger.PatientID(r.PatientID.String),
		VoidedBy:        ledger.UserID(r.VoidedBy.String),
		VoidReason:      r.VoidReason.String,
	}
	if r.VoidedAt.Valid {
		at := parseTime(r.VoidedAt.String)
		t.VoidedAt = &at
	}
	return t
}

const transactionColumns = `id, created_at, total_amount, payment_type, cash_tender, reference_number,
	proof_image, status, created_by, patient_id, voided_by, voided_at, void_reason`

func (r *repo) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	var row transactionRow
	err := r.q.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	if err != nil {
		return ledger.Transaction{}, mapError(fmt.Errorf("failed to get transaction: %w", err))
	}
	return row.toTransaction(), nil
}

// GetTransactionForUpdate relies on the IMMEDIATE transaction's write lock.
func (r *repo) GetTransactionForUpdate(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return r.GetTransaction(ctx, id)
}

func (r *repo) SaveTransaction(ctx context.Context, t ledger.Transaction) error {
	var cashTender any
	if t.CashTender.Valid {
		cashTender = t.CashTender.Decimal.String()
	}
	var voidedAt sql.NullString
	if t.VoidedAt != nil {
		voidedAt = sql.NullString{String: formatTime(*t.VoidedAt), Valid: true}
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			voided_by = excluded.voided_by,
			voided_at = excluded.voided_at,
			void_reason = excluded.void_reason
	`,
		t.ID, formatTime(t.CreatedAt), t.TotalAmount.String(), t.PaymentType, cashTender,
		nullString(t.ReferenceNumber), nullString(t.ProofImage), t.Status, t.CreatedBy,
		nullString(string(t.PatientID)), nullString(string(t.VoidedBy)), voidedAt,
		nullString(t.VoidReason),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ValidationError{Field: "reference_number", Message: "reference number already used"}
		}
		return mapError(fmt.Errorf("failed to save transaction: %w", err))
	}
	return nil
}

func (r *repo) ExistsByReferenceNumber(ctx context.Context, ref string) (bool, error) {
	var count int
	if err := r.q.GetContext(ctx, &count, `SELECT COUNT(*) FROM transactions WHERE reference_number = ?`, ref); err != nil {
		return false, mapError(fmt.Errorf("failed to check reference number: %w", err))
	}
	return count > 0, nil
}

func (r *repo) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.PaymentType != "" {
		where = append(where, "payment_type = ?")
		args = append(args, f.PaymentType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var rows []transactionRow
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError(fmt.Errorf("failed to list transactions: %w", err))
	}
	result := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toTransaction())
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Items
// -----------------------------------------------------------------------------

type itemRow struct {
	ID               string          `db:"id"`
	TransactionID    string          `db:"transaction_id"`
	ProductID        string          `db:"product_id"`
	Quantity         int             `db:"quantity"`
	UnitPrice        decimal.Decimal `db:"unit_price"`
	DiscountType     string          `db:"discount_type"`
	DiscountValue    decimal.Decimal `db:"discount_value"`
	Subtotal         decimal.Decimal `db:"subtotal"`
	RefundedQuantity int             `db:"refunded_quantity"`
}

func (r itemRow) toItem() ledger.TransactionItem {
	return ledger.TransactionItem{
		ID:            ledger.ItemID(r.ID),
		TransactionID: ledger.TransactionID(r.TransactionID),
		ProductID:     ledger.ProductID(r.ProductID),
		Quantity:      r.Quantity,
		UnitPrice:     r.UnitPrice,
		Discount: ledger.Discount{
			Type:  ledger.DiscountType(r.DiscountType),
			Value: r.DiscountValue,
		}.Normalize(),
		Subtotal:         r.Subtotal,
		RefundedQuantity: r.RefundedQuantity,
	}
}

const itemColumns = `id, transaction_id, product_id, quantity, unit_price, discount_type,
	discount_value, subtotal, refunded_quantity`

func (r *repo) GetItem(ctx context.Context, id ledger.ItemID) (ledger.TransactionItem, error) {
	var row itemRow
	err := r.q.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM transaction_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TransactionItem{}, &ledger.NotFoundError{Resource: "transaction item", ID: string(id)}
	}
	if err != nil {
		return ledger.TransactionItem{}, mapError(fmt.Errorf("failed to get transaction item: %w", err))
	}
	return row.toItem(), nil
}

func (r *repo) ItemsByTransaction(ctx context.Context, id ledger.TransactionID) ([]ledger.TransactionItem, error) {
	var rows []itemRow
	err := r.q.SelectContext(ctx, &rows,
		`SELECT `+itemColumns+` FROM transaction_items WHERE transaction_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load transaction items: %w", err))
	}
	result := make([]ledger.TransactionItem, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toItem())
	}
	return result, nil
}

func (r *repo) SaveItems(ctx context.Context, items []ledger.TransactionItem) error {
	for _, it := range items {
		d := it.Discount.Normalize()
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO transaction_items (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				refunded_quantity = excluded.refunded_quantity
		`,
			it.ID, it.TransactionID, it.ProductID, it.Quantity, it.UnitPrice.String(),
			d.Type, d.Value.String(), it.Subtotal.String(), it.RefundedQuantity,
		)
		if err != nil {
			return mapError(fmt.Errorf("failed to save transaction item %s: %w", it.ID, err))
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Refunds (append-only)
// -----------------------------------------------------------------------------

type refundRow struct {
	ID         string          `db:"id"`
	ItemID     string          `db:"item_id"`
	Quantity   int             `db:"quantity"`
	Amount     decimal.Decimal `db:"amount"`
	Reason     string          `db:"reason"`
	RefundedAt string          `db:"refunded_at"`
	IssuedBy   string          `db:"issued_by"`
}

func (r *repo) AppendRefund(ctx context.Context, rf ledger.Refund) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO refunds (id, item_id, quantity, amount, reason, refunded_at, issued_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rf.ID, rf.ItemID, rf.Quantity, rf.Amount.String(), rf.Reason, formatTime(rf.RefundedAt), rf.IssuedBy)
	if err != nil {
		return mapError(fmt.Errorf("failed to append refund: %w", err))
	}
	return nil
}

func (r *repo) RefundsByItem(ctx context.Context, id ledger.ItemID) ([]ledger.Refund, error) {
	var rows []refundRow
	err := r.q.SelectContext(ctx, &rows, `
		SELECT id, item_id, quantity, amount, reason, refunded_at, issued_by
		FROM refunds WHERE item_id = ?
		ORDER BY refunded_at, rowid
	`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load refunds: %w", err))
	}
	result := make([]ledger.Refund, 0, len(rows))
	for _, row := range rows {
		result = append(result, ledger.Refund{
			ID:         ledger.RefundID(row.ID),
			ItemID:     ledger.ItemID(row.ItemID),
			Quantity:   row.Quantity,
			Amount:     row.Amount,
			Reason:     row.Reason,
			RefundedAt: parseTime(row.RefundedAt),
			IssuedBy:   ledger.UserID(row.IssuedBy),
		})
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Audit (append-only)
// -----------------------------------------------------------------------------

type auditRow struct {
	ID          string `db:"id"`
	Action      string `db:"action"`
	Resource    string `db:"resource"`
	ResourceID  string `db:"resource_id"`
	ActorID     string `db:"actor_id"`
	Summary     string `db:"summary"`
	DetailsJSON string `db:"details_json"`
	CreatedAt   string `db:"created_at"`
}

func (r *repo) AppendAudit(ctx context.Context, e ledger.AuditEvent) error {
	details := string(e.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, resource, resource_id, actor_id, summary, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Action, e.Resource, e.ResourceID, e.ActorID, e.Summary, details, formatTime(e.At))
	if err != nil {
		return mapError(fmt.Errorf("failed to append audit event: %w", err))
	}
	return nil
}

func (r *repo) RecentAudit(ctx context.Context, limit int) ([]ledger.AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []auditRow
	err := r.q.SelectContext(ctx, &rows, `
		SELECT id, action, resource, resource_id, actor_id, summary, details_json, created_at
		FROM audit_logs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load audit events: %w", err))
	}
	result := make([]ledger.AuditEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, ledger.AuditEvent{
			ID:          row.ID,
			Action:      ledger.AuditAction(row.Action),
			Resource:    ledger.AuditResource(row.Resource),
			ResourceID:  row.ResourceID,
			ActorID:     ledger.UserID(row.ActorID),
			Summary:     row.Summary,
			DetailsJSON: []byte(row.DetailsJSON),
			At:          parseTime(row.CreatedAt),
		})
	}
	return result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// mapError turns lock contention into ledger.ErrConcurrentModification so
// the engine retries the unit of work.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}
