package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILIATION - Read-only consistency sweep
// =============================================================================

// Mismatch is one inconsistency found by Reconcile.
type Mismatch struct {
	TransactionID TransactionID
	ItemID        ItemID // empty for transaction-level problems
	Problem       string
}

// ReconciliationReport summarizes one sweep.
type ReconciliationReport struct {
	CheckedAt      time.Time
	Since          time.Time
	Transactions   int
	Items          int
	RefundedAmount decimal.Decimal // money refunded on the swept lines
	Mismatches     []Mismatch
	LowStock       []Product
}

// OK reports whether the sweep found no inconsistencies.
func (r *ReconciliationReport) OK() bool { return len(r.Mismatches) == 0 }

// Reconcile checks every transaction created since the given time:
//   - each line's RefundedQuantity equals the sum of its refund records
//   - each non-voided status matches what its lines imply
//   - voided transactions carry no refunds
//
// It also lists active products at or below their low-stock threshold.
// Nothing is modified.
func (e *Engine) Reconcile(ctx context.Context, since time.Time) (*ReconciliationReport, error) {
	report := &ReconciliationReport{CheckedAt: e.Now(), Since: since}
	refunds := NewRefundLedger(e.Store)

	for offset := 0; ; offset += maxListLimit {
		page, err := e.Store.ListTransactions(ctx, TransactionFilter{
			From:   &since,
			Limit:  maxListLimit,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}

		for _, txn := range page {
			items, err := e.Store.ItemsByTransaction(ctx, txn.ID)
			if err != nil {
				return nil, fmt.Errorf("load items of %s: %w", txn.ID, err)
			}
			report.Transactions++
			report.Items += len(items)

			refunded := 0
			for _, it := range items {
				recorded, ok, err := refunds.Reconcile(ctx, it)
				if err != nil {
					return nil, fmt.Errorf("reconcile item %s: %w", it.ID, err)
				}
				if !ok {
					report.Mismatches = append(report.Mismatches, Mismatch{
						TransactionID: txn.ID,
						ItemID:        it.ID,
						Problem: fmt.Sprintf("refunded quantity %d does not match refund records %d",
							it.RefundedQuantity, recorded),
					})
				}
				if recorded > 0 {
					amount, err := refunds.RefundedAmount(ctx, it.ID)
					if err != nil {
						return nil, fmt.Errorf("refunded amount of %s: %w", it.ID, err)
					}
					report.RefundedAmount = report.RefundedAmount.Add(amount)
				}
				refunded += it.RefundedQuantity
			}

			if txn.Status == StatusVoided {
				if refunded > 0 {
					report.Mismatches = append(report.Mismatches, Mismatch{
						TransactionID: txn.ID,
						Problem:       "voided transaction has refunded lines",
					})
				}
				continue
			}
			if want := DeriveRefundStatus(StatusCompleted, items); want != txn.Status {
				report.Mismatches = append(report.Mismatches, Mismatch{
					TransactionID: txn.ID,
					Problem:       fmt.Sprintf("status %s but lines imply %s", txn.Status, want),
				})
			}
		}

		if len(page) < maxListLimit {
			break
		}
	}

	products, err := e.Store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	for _, p := range products {
		if !p.Archived && p.IsLowStock() {
			report.LowStock = append(report.LowStock, p)
		}
	}
	return report, nil
}
