/*
Package postgres provides a PostgreSQL implementation of the ledger storage
interfaces on pgx.

PURPOSE:
  Multi-node deployments. Unlike SQLite, several engine processes write
  concurrently, so the read-check-write steps take real row locks:

    GetProductForUpdate      SELECT ... FROM products     ... FOR UPDATE
    GetTransactionForUpdate  SELECT ... FROM transactions ... FOR UPDATE

  Two sales racing for the last unit serialize on the product row; the
  second sees the decremented quantity and fails with insufficient stock.

ERROR MAPPING:
  40001 serialization_failure   → ledger.ErrConcurrentModification
  40P01 deadlock_detected       → ledger.ErrConcurrentModification
  55P03 lock_not_available      → ledger.ErrConcurrentModification
  23505 unique_violation        → reference number already used

  The engine retries the unit of work on ErrConcurrentModification.

ENCODING:
  Money columns are NUMERIC(14,2). Values cross the wire as text
  ($n::text::numeric in, col::text out) so no float conversion happens.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-pos/ledger"
)

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.AuditStore = (*Store)(nil)
)

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	*repo
	pool *pgxpool.Pool
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{repo: &repo{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit_price NUMERIC(14,2) NOT NULL CHECK (unit_price >= 0),
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		total_amount NUMERIC(14,2) NOT NULL,
		payment_type TEXT NOT NULL,
		cash_tender NUMERIC(14,2),
		reference_number TEXT,
		proof_image TEXT,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		patient_id TEXT,
		voided_by TEXT,
		voided_at TIMESTAMPTZ,
		void_reason TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_number);
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON transactions(created_at DESC);

	CREATE TABLE IF NOT EXISTS transaction_items (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price NUMERIC(14,2) NOT NULL,
		discount_type TEXT NOT NULL,
		discount_value NUMERIC(14,2) NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL,
		refunded_quantity INTEGER NOT NULL DEFAULT 0
			CHECK (refunded_quantity >= 0 AND refunded_quantity <= quantity)
	);

	CREATE INDEX IF NOT EXISTS idx_items_transaction
		ON transaction_items(transaction_id, seq);

	CREATE TABLE IF NOT EXISTS refunds (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES transaction_items(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		reason TEXT NOT NULL DEFAULT '',
		refunded_at TIMESTAMPTZ NOT NULL,
		issued_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refunds_item
		ON refunds(item_id, seq);

	CREATE TABLE IF NOT EXISTS audit_logs (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		details_json JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created
		ON audit_logs(created_at DESC, seq DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset clears all data. Used by demo scenarios and tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE audit_logs, refunds, transaction_items, transactions, products`)
	if err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken by the
// ForUpdate getters are held until commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&repo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// REPO
// =============================================================================

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repo struct {
	q querier
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

const productColumns = `id, name, category, unit_price::text, quantity, low_stock_threshold, archived, created_at`

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var (
		p     ledger.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &price, &p.Quantity,
		&p.LowStockThreshold, &p.Archived, &p.CreatedAt); err != nil {
		return ledger.Product{}, err
	}
	p.UnitPrice = decimal.RequireFromString(price)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (r *repo) getProduct(ctx context.Context, id ledger.ProductID, lock string) (ledger.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, &ledger.NotFoundError{Resource: "product", ID: string(id)}
	}
	if err != nil {
		return ledger.Product{}, mapError(fmt.Errorf("failed to get product: %w", err))
	}
	return p, nil
}

func (r *repo) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return r.getProduct(ctx, id, "")
}

func (r *repo) GetProductForUpdate(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return r.getProduct(ctx, id, " FOR UPDATE")
}

func (r *repo) SaveProduct(ctx context.Context, p ledger.Product) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO products (id, name, category, unit_price, quantity, low_stock_threshold, archived, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			unit_price = EXCLUDED.unit_price,
			quantity = EXCLUDED.quantity,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			archived = EXCLUDED.archived
	`,
		string(p.ID), p.Name, p.Category, p.UnitPrice.String(), p.Quantity,
		p.LowStockThreshold, p.Archived, p.CreatedAt.UTC(),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save product: %w", err))
	}
	return nil
}

func (r *repo) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := r.q.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list products: %w", err))
	}
	defer rows.Close()

	var result []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

const transactionColumns = `id, created_at, total_amount::text, payment_type, cash_tender::text,
	reference_number, proof_image, status, created_by, patient_id, voided_by, voided_at, void_reason`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		t                                   ledger.Transaction
		total                               string
		tender, ref, proof, patient, voider *string
		voidReason                          *string
		voidedAt                            *time.Time
	)
	err := row.Scan(&t.ID, &t.CreatedAt, &total, &t.PaymentType, &tender,
		&ref, &proof, &t.Status, &t.CreatedBy, &patient, &voider, &voidedAt, &voidReason)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.TotalAmount = decimal.RequireFromString(total)
	if tender != nil {
		t.CashTender = decimal.NewNullDecimal(decimal.RequireFromString(*tender))
	}
	t.ReferenceNumber = deref(ref)
	t.ProofImage = deref(proof)
	t.PatientID = ledger.PatientID(deref(patient))
	t.VoidedBy = ledger.UserID(deref(voider))
	t.VoidReason = deref(voidReason)
	if voidedAt != nil {
		at := voidedAt.UTC()
		t.VoidedAt = &at
	}
	return t, nil
}

func (r *repo) getTransaction(ctx context.Context, id ledger.TransactionID, lock string) (ledger.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	if err != nil {
		return ledger.Transaction{}, mapError(fmt.Errorf("failed to get transaction: %w", err))
	}
	return t, nil
}

func (r *repo) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return r.getTransaction(ctx, id, "")
}

func (r *repo) GetTransactionForUpdate(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return r.getTransaction(ctx, id, " FOR UPDATE")
}

func (r *repo) SaveTransaction(ctx context.Context, t ledger.Transaction) error {
	var tender *string
	if t.CashTender.Valid {
		s := t.CashTender.Decimal.String()
		tender = &s
	}
	var voidedAt *time.Time
	if t.VoidedAt != nil {
		at := t.VoidedAt.UTC()
		voidedAt = &at
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO transactions (id, created_at, total_amount, payment_type, cash_tender,
			reference_number, proof_image, status, created_by, patient_id, voided_by, voided_at, void_reason)
		VALUES ($1, $2, $3::text::numeric, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			voided_by = EXCLUDED.voided_by,
			voided_at = EXCLUDED.voided_at,
			void_reason = EXCLUDED.void_reason
	`,
		string(t.ID), t.CreatedAt.UTC(), t.TotalAmount.String(), string(t.PaymentType), tender,
		nullable(t.ReferenceNumber), nullable(t.ProofImage), string(t.Status), string(t.CreatedBy),
		nullable(string(t.PatientID)), nullable(string(t.VoidedBy)), voidedAt, nullable(t.VoidReason),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.ValidationError{Field: "reference_number", Message: "reference number already used"}
		}
		return mapError(fmt.Errorf("failed to save transaction: %w", err))
	}
	return nil
}

func (r *repo) ExistsByReferenceNumber(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE reference_number = $1)`, ref).Scan(&exists)
	if err != nil {
		return false, mapError(fmt.Errorf("failed to check reference number: %w", err))
	}
	return exists, nil
}

func (r *repo) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(f.From.UTC()))
	}
	if f.To != nil {
		where = append(where, "created_at <= "+arg(f.To.UTC()))
	}
	if f.PaymentType != "" {
		where = append(where, "payment_type = "+arg(string(f.PaymentType)))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list transactions: %w", err))
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Items
// -----------------------------------------------------------------------------

const itemColumns = `id, transaction_id, product_id, quantity, unit_price::text, discount_type,
	discount_value::text, subtotal::text, refunded_quantity`

func scanItem(row pgx.Row) (ledger.TransactionItem, error) {
	var (
		it                       ledger.TransactionItem
		price, discount, subtotal string
	)
	err := row.Scan(&it.ID, &it.TransactionID, &it.ProductID, &it.Quantity, &price,
		&it.Discount.Type, &discount, &subtotal, &it.RefundedQuantity)
	if err != nil {
		return ledger.TransactionItem{}, err
	}
	it.UnitPrice = decimal.RequireFromString(price)
	it.Discount.Value = decimal.RequireFromString(discount)
	it.Discount = it.Discount.Normalize()
	it.Subtotal = decimal.RequireFromString(subtotal)
	return it, nil
}

func (r *repo) GetItem(ctx context.Context, id ledger.ItemID) (ledger.TransactionItem, error) {
	it, err := scanItem(r.q.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM transaction_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.TransactionItem{}, &ledger.NotFoundError{Resource: "transaction item", ID: string(id)}
	}
	if err != nil {
		return ledger.TransactionItem{}, mapError(fmt.Errorf("failed to get transaction item: %w", err))
	}
	return it, nil
}

func (r *repo) ItemsByTransaction(ctx context.Context, id ledger.TransactionID) ([]ledger.TransactionItem, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+itemColumns+` FROM transaction_items WHERE transaction_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load transaction items: %w", err))
	}
	defer rows.Close()

	var result []ledger.TransactionItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction item: %w", err)
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func (r *repo) SaveItems(ctx context.Context, items []ledger.TransactionItem) error {
	for _, it := range items {
		d := it.Discount.Normalize()
		_, err := r.q.Exec(ctx, `
			INSERT INTO transaction_items (id, transaction_id, product_id, quantity, unit_price,
				discount_type, discount_value, subtotal, refunded_quantity)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7::text::numeric, $8::text::numeric, $9)
			ON CONFLICT (id) DO UPDATE SET
				refunded_quantity = EXCLUDED.refunded_quantity
		`,
			string(it.ID), string(it.TransactionID), string(it.ProductID), it.Quantity,
			it.UnitPrice.String(), string(d.Type), d.Value.String(), it.Subtotal.String(),
			it.RefundedQuantity,
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

func (r *repo) AppendRefund(ctx context.Context, rf ledger.Refund) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO refunds (id, item_id, quantity, amount, reason, refunded_at, issued_by)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7)
	`, string(rf.ID), string(rf.ItemID), rf.Quantity, rf.Amount.String(), rf.Reason,
		rf.RefundedAt.UTC(), string(rf.IssuedBy))
	if err != nil {
		return mapError(fmt.Errorf("failed to append refund: %w", err))
	}
	return nil
}

func (r *repo) RefundsByItem(ctx context.Context, id ledger.ItemID) ([]ledger.Refund, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, item_id, quantity, amount::text, reason, refunded_at, issued_by
		FROM refunds WHERE item_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load refunds: %w", err))
	}
	defer rows.Close()

	var result []ledger.Refund
	for rows.Next() {
		var (
			rf     ledger.Refund
			amount string
		)
		if err := rows.Scan(&rf.ID, &rf.ItemID, &rf.Quantity, &amount, &rf.Reason,
			&rf.RefundedAt, &rf.IssuedBy); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		rf.Amount = decimal.RequireFromString(amount)
		rf.RefundedAt = rf.RefundedAt.UTC()
		result = append(result, rf)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Audit (append-only)
// -----------------------------------------------------------------------------

func (r *repo) AppendAudit(ctx context.Context, e ledger.AuditEvent) error {
	details := string(e.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO audit_logs (id, action, resource, resource_id, actor_id, summary, details_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, e.ID, string(e.Action), string(e.Resource), e.ResourceID, string(e.ActorID), e.Summary,
		details, e.At.UTC())
	if err != nil {
		return mapError(fmt.Errorf("failed to append audit event: %w", err))
	}
	return nil
}

func (r *repo) RecentAudit(ctx context.Context, limit int) ([]ledger.AuditEvent, error) {
	query := `
		SELECT id, action, resource, resource_id, actor_id, summary, details_json::text, created_at
		FROM audit_logs
		ORDER BY created_at DESC, seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load audit events: %w", err))
	}
	defer rows.Close()

	var result []ledger.AuditEvent
	for rows.Next() {
		var (
			e       ledger.AuditEvent
			details string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Resource, &e.ResourceID, &e.ActorID,
			&e.Summary, &details, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.DetailsJSON = []byte(details)
		e.At = e.At.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns serialization failures and lock conflicts into
// ledger.ErrConcurrentModification.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
	}
	return err
}
