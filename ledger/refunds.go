/*
refunds.go - Append-only refund ledger

PURPOSE:
  Source of truth for "how much of this line has been refunded". Every
  refund call appends exactly one record per line; records are never
  edited or removed.

INVARIANT:
  Σ Refund.Quantity for an item == TransactionItem.RefundedQuantity

  The engine bumps RefundedQuantity in the same unit of work as the append,
  so the two cannot drift. Reconcile() exists to prove it.

CORRECTIONS:
  There are none. A mistaken refund is a business event of its own (a new
  sale), never an edit of the refund row.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFUND LEDGER
// =============================================================================

type RefundLedger struct {
	Store RefundStore
}

func NewRefundLedger(store RefundStore) *RefundLedger {
	return &RefundLedger{Store: store}
}

// Append records a refund. This is the ONLY write operation.
func (l *RefundLedger) Append(ctx context.Context, r Refund) error {
	if r.ItemID == "" {
		return invalid("transaction_item_id", "is required")
	}
	if r.Quantity <= 0 {
		return invalid("refund_quantity", "must be greater than zero")
	}
	if r.Amount.IsNegative() {
		return invalid("refund_amount", "must not be negative")
	}
	return l.Store.AppendRefund(ctx, r)
}

// Refunds returns the item's refunds, oldest first. Read-only.
func (l *RefundLedger) Refunds(ctx context.Context, id ItemID) ([]Refund, error) {
	return l.Store.RefundsByItem(ctx, id)
}

// RefundedQuantity sums refunded units for the item.
func (l *RefundLedger) RefundedQuantity(ctx context.Context, id ItemID) (int, error) {
	refunds, err := l.Store.RefundsByItem(ctx, id)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range refunds {
		total += r.Quantity
	}
	return total, nil
}

// RefundedAmount sums refunded money for the item.
func (l *RefundLedger) RefundedAmount(ctx context.Context, id ItemID) (decimal.Decimal, error) {
	refunds, err := l.Store.RefundsByItem(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range refunds {
		total = total.Add(r.Amount)
	}
	return total, nil
}

// Reconcile compares the item's RefundedQuantity with its refund records.
// It returns the recorded sum and whether the two agree.
func (l *RefundLedger) Reconcile(ctx context.Context, item TransactionItem) (recorded int, ok bool, err error) {
	recorded, err = l.RefundedQuantity(ctx, item.ID)
	if err != nil {
		return 0, false, err
	}
	return recorded, recorded == item.RefundedQuantity, nil
}
