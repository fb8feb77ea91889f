/*
Package ledger provides the clinic point-of-sale transaction engine.

PURPOSE:
  Records sales against the product catalog, voids completed sales, and
  issues per-item refunds. It is the only code that mutates product stock
  and the only code that computes money amounts, so the invariants between
  stock counts, transaction status and refund records all live here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product:         Catalog entry with the live on-hand quantity
  - Transaction:     A completed sale (header), immutable total
  - TransactionItem: One line of a sale, immutable except RefundedQuantity
  - Refund:          Append-only record of a partial/full line refund
  - UserRef:         The acting user, passed explicitly into every mutation

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Flat ownership: Items reference their transaction and product by ID.
     There are no back-pointers; the engine assembles TransactionDetails.
  3. Immutability: Totals, subtotals and snapshot prices never change after
     creation. Refunds are tracked per item, never by rewriting totals.
  4. Explicit actor: No ambient "current user"; callers pass UserRef.

SEE ALSO:
  - calculator.go: Subtotal and refund amount computation
  - engine.go:     Create / Void / Refund orchestration
  - store.go:      Persistence interfaces and the unit of work
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type TransactionID string
type ItemID string
type RefundID string
type UserID string
type PatientID string

// UserRef identifies the staff member performing a mutation.
type UserRef struct {
	ID   UserID
	Name string
	Role string
}

func (u UserRef) IsZero() bool { return u.ID == "" }

// =============================================================================
// PRODUCT - Catalog entry with live stock
// =============================================================================

type Product struct {
	ID                ProductID
	Name              string
	Category          string
	UnitPrice         decimal.Decimal
	Quantity          int // on-hand stock, never negative
	LowStockThreshold int
	Archived          bool
	CreatedAt         time.Time
}

// IsLowStock reports whether stock is at or below the reorder threshold.
func (p Product) IsLowStock() bool {
	return p.Quantity <= p.LowStockThreshold
}

// =============================================================================
// TRANSACTION - Sale header
// =============================================================================

type PaymentType string

const (
	PaymentCash  PaymentType = "CASH"
	PaymentGCash PaymentType = "GCASH"
)

func (p PaymentType) Valid() bool {
	switch p {
	case PaymentCash, PaymentGCash:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusCompleted         TransactionStatus = "COMPLETED"
	StatusVoided            TransactionStatus = "VOIDED"
	StatusPartiallyRefunded TransactionStatus = "PARTIALLY_REFUNDED"
	StatusFullyRefunded     TransactionStatus = "FULLY_REFUNDED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusVoided, StatusPartiallyRefunded, StatusFullyRefunded:
		return true
	}
	return false
}

type Transaction struct {
	ID              TransactionID
	CreatedAt       time.Time
	TotalAmount     decimal.Decimal
	PaymentType     PaymentType
	CashTender      decimal.NullDecimal
	ReferenceNumber string // GCASH reference, unique across transactions when set
	ProofImage      string // GCASH proof-of-payment image reference
	Status          TransactionStatus
	CreatedBy       UserID
	PatientID       PatientID

	// Void metadata, set only when Status == StatusVoided
	VoidedBy   UserID
	VoidedAt   *time.Time
	VoidReason string
}

// Change returns the cash to hand back. Zero for non-cash payments.
func (t Transaction) Change() decimal.Decimal {
	if t.PaymentType != PaymentCash || !t.CashTender.Valid {
		return decimal.Zero
	}
	return t.CashTender.Decimal.Sub(t.TotalAmount)
}

// =============================================================================
// TRANSACTION ITEM - One line of a sale
// =============================================================================

type DiscountType string

const (
	DiscountNone    DiscountType = "NONE"
	DiscountPercent DiscountType = "PERCENT"
	DiscountFixed   DiscountType = "FIXED"
)

// Discount is a line-level discount. Value is a percentage for
// DiscountPercent and a money amount for DiscountFixed.
type Discount struct {
	Type  DiscountType
	Value decimal.Decimal
}

// NoDiscount is the zero-valued discount.
func NoDiscount() Discount {
	return Discount{Type: DiscountNone, Value: decimal.Zero}
}

type TransactionItem struct {
	ID               ItemID
	TransactionID    TransactionID
	ProductID        ProductID
	Quantity         int
	UnitPrice        decimal.Decimal // price snapshot at sale time
	Discount         Discount
	Subtotal         decimal.Decimal
	RefundedQuantity int
}

// RefundableQuantity is what is left to refund on this line.
func (i TransactionItem) RefundableQuantity() int {
	return i.Quantity - i.RefundedQuantity
}

func (i TransactionItem) FullyRefunded() bool {
	return i.RefundedQuantity == i.Quantity
}

// =============================================================================
// REFUND - Append-only refund record
// =============================================================================

type Refund struct {
	ID         RefundID
	ItemID     ItemID
	Quantity   int
	Amount     decimal.Decimal
	Reason     string
	RefundedAt time.Time
	IssuedBy   UserID
}

// =============================================================================
// VIEWS
// =============================================================================

// TransactionDetails is a transaction together with its lines.
type TransactionDetails struct {
	Transaction Transaction
	Items       []TransactionItem
}

// Item returns the line with the given ID.
func (d TransactionDetails) Item(id ItemID) (TransactionItem, bool) {
	for _, it := range d.Items {
		if it.ID == id {
			return it, true
		}
	}
	return TransactionItem{}, false
}

// TransactionFilter narrows ListTransactions. Zero values mean "any".
type TransactionFilter struct {
	From        *time.Time
	To          *time.Time
	PaymentType PaymentType
	Status      TransactionStatus
	Limit       int
	Offset      int
}
