/*
store.go - Persistence interfaces and the unit of work

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never talks SQL; it talks to these interfaces inside WithTx.

KEY INTERFACES:
  ProductStore:         Catalog lookups, row-locked reads, saves
  TransactionStore:     Sale headers, reference-number uniqueness, listing
  TransactionItemStore: Sale lines
  RefundStore:          Append-only refund records
  TxStore:              All of the above plus WithTx (atomic scope)
  AuditStore:           Optional append-only audit persistence

UNIT OF WORK:
  WithTx(ctx, fn) runs fn against a transaction-scoped Store. If fn returns
  an error (or panics) every write is rolled back, including stock debits.
  If fn returns nil the writes are committed together.

ROW LOCKING:
  GetProductForUpdate and GetTransactionForUpdate must hold the row until
  the unit of work ends, so a read-check-write (e.g. the insufficient-stock
  guard) cannot race another writer. Outside WithTx they behave like the
  plain getters.

APPEND-ONLY / IMMUTABLE COLUMNS:
  - RefundStore has no update or delete.
  - SaveItems only persists RefundedQuantity for existing items.
  - SaveTransaction only persists status and void metadata for existing
    transactions; totals are fixed at creation.

IMPLEMENTATIONS:
  - ledger/store/memory.go:  In-memory, snapshot rollback (tests/dev)
  - store/sqlite/sqlite.go:  SQLite via sqlx
  - store/postgres:          PostgreSQL via pgx with SELECT ... FOR UPDATE
*/
package ledger

import "context"

// =============================================================================
// STORES
// =============================================================================

type ProductStore interface {
	// GetProduct returns a *NotFoundError when the product does not exist.
	GetProduct(ctx context.Context, id ProductID) (Product, error)

	// GetProductForUpdate is GetProduct plus a row lock held until the
	// unit of work ends.
	GetProductForUpdate(ctx context.Context, id ProductID) (Product, error)

	// SaveProduct inserts or updates a product.
	SaveProduct(ctx context.Context, p Product) error

	ListProducts(ctx context.Context) ([]Product, error)
}

type TransactionStore interface {
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id TransactionID) (Transaction, error)

	// SaveTransaction inserts a new transaction, or persists status and
	// void metadata of an existing one.
	SaveTransaction(ctx context.Context, t Transaction) error

	ExistsByReferenceNumber(ctx context.Context, ref string) (bool, error)

	// ListTransactions returns newest first.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

type TransactionItemStore interface {
	GetItem(ctx context.Context, id ItemID) (TransactionItem, error)

	// ItemsByTransaction returns the lines in insertion order.
	ItemsByTransaction(ctx context.Context, id TransactionID) ([]TransactionItem, error)

	// SaveItems inserts new items, or persists RefundedQuantity of
	// existing ones.
	SaveItems(ctx context.Context, items []TransactionItem) error
}

// RefundStore is APPEND-ONLY. No Update, No Delete.
type RefundStore interface {
	AppendRefund(ctx context.Context, r Refund) error

	// RefundsByItem returns refunds oldest first.
	RefundsByItem(ctx context.Context, id ItemID) ([]Refund, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	ProductStore
	TransactionStore
	TransactionItemStore
	RefundStore
}

// =============================================================================
// TRANSACTIONAL STORE - Unit of work
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT STORE - Optional persistence for audit events
// =============================================================================

// AuditStore stores audit events. Also append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEvent) error

	// RecentAudit returns up to limit events, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEvent, error)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// PatientDirectory resolves patient identities owned by another service.
type PatientDirectory interface {
	PatientExists(ctx context.Context, id PatientID) (bool, error)
}
