/*
storetest.go - Shared behaviour tests for ledger store implementations

PURPOSE:
  Every backend (memory, SQLite, Postgres) must behave the same way for the
  engine to be correct: decimals round-trip exactly, totals stay immutable,
  reference numbers stay unique, items keep insertion order and a failed
  unit of work leaves nothing behind. Run drives all of it against a fresh
  store per subtest.

USAGE:
  func TestStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T) storetest.Store { return newStore(t) })
  }
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-pos/ledger"
)

// Store is what a backend must provide.
type Store interface {
	ledger.TxStore
	ledger.AuditStore
	Reset(ctx context.Context) error
}

// Factory returns an empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) Store

// base has whole-second precision so every backend stores it exactly.
var base = time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

// Run executes the behaviour suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"ProductRoundTrip", testProductRoundTrip},
		{"TransactionRoundTrip", testTransactionRoundTrip},
		{"TotalsImmutable", testTotalsImmutable},
		{"ReferenceNumberUnique", testReferenceNumberUnique},
		{"ItemsOrderAndRefundedQuantity", testItemsOrderAndRefundedQuantity},
		{"ItemRequiresTransaction", testItemRequiresTransaction},
		{"RefundsAppendOnly", testRefundsAppendOnly},
		{"ListTransactions", testListTransactions},
		{"WithTxCommit", testWithTxCommit},
		{"WithTxRollback", testWithTxRollback},
		{"AuditNewestFirst", testAuditNewestFirst},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func product(id string, qty int) ledger.Product {
	return ledger.Product{
		ID:                ledger.ProductID(id),
		Name:              "Product " + id,
		Category:          "test",
		UnitPrice:         dec("385.50"),
		Quantity:          qty,
		LowStockThreshold: 2,
		CreatedAt:         base,
	}
}

func cashTxn(id string, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:          ledger.TransactionID(id),
		CreatedAt:   at,
		TotalAmount: dec("771.00"),
		PaymentType: ledger.PaymentCash,
		CashTender:  decimal.NewNullDecimal(dec("1000.00")),
		Status:      ledger.StatusCompleted,
		CreatedBy:   "u-1",
	}
}

func item(id, txnID, productID string, qty int) ledger.TransactionItem {
	return ledger.TransactionItem{
		ID:            ledger.ItemID(id),
		TransactionID: ledger.TransactionID(txnID),
		ProductID:     ledger.ProductID(productID),
		Quantity:      qty,
		UnitPrice:     dec("385.50"),
		Discount:      ledger.Discount{Type: ledger.DiscountFixed, Value: dec("0.50")},
		Subtotal:      dec("385.50").Mul(decimal.NewFromInt(int64(qty))).Sub(dec("0.50")),
	}
}

// seedSale writes product p, transaction t-<n> and one item per quantity.
func seedSale(t *testing.T, s Store, txnID string, at time.Time, quantities ...int) []ledger.TransactionItem {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetProduct(ctx, "p"); ledger.IsNotFound(err) {
		require.NoError(t, s.SaveProduct(ctx, product("p", 100)))
	}
	require.NoError(t, s.SaveTransaction(ctx, cashTxn(txnID, at)))

	var items []ledger.TransactionItem
	for i, q := range quantities {
		items = append(items, item(txnID+"-i"+string(rune('a'+i)), txnID, "p", q))
	}
	require.NoError(t, s.SaveItems(ctx, items))
	return items
}

// =============================================================================
// CASES
// =============================================================================

func testProductRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, product("p-1", 7)))

	got, err := s.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "385.50", got.UnitPrice.StringFixed(2))
	assert.Equal(t, 7, got.Quantity)
	assert.Equal(t, 2, got.LowStockThreshold)
	assert.Equal(t, "test", got.Category)
	assert.True(t, base.Equal(got.CreatedAt))

	got.Quantity = 3
	require.NoError(t, s.SaveProduct(ctx, got))
	got, err = s.GetProductForUpdate(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	_, err = s.GetProduct(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))

	list, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testTransactionRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	seedSale(t, s, "t-1", base, 2)

	got, err := s.GetTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "771.00", got.TotalAmount.StringFixed(2))
	require.True(t, got.CashTender.Valid)
	assert.Equal(t, "1000.00", got.CashTender.Decimal.StringFixed(2))
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Nil(t, got.VoidedAt)
	assert.True(t, base.Equal(got.CreatedAt))

	gcash := ledger.Transaction{
		ID:              "t-2",
		CreatedAt:       base,
		TotalAmount:     dec("10.00"),
		PaymentType:     ledger.PaymentGCash,
		ReferenceNumber: "GC-1",
		ProofImage:      "proof.png",
		Status:          ledger.StatusCompleted,
		CreatedBy:       "u-1",
		PatientID:       "pat-1",
	}
	require.NoError(t, s.SaveTransaction(ctx, gcash))
	got, err = s.GetTransactionForUpdate(ctx, "t-2")
	require.NoError(t, err)
	assert.False(t, got.CashTender.Valid)
	assert.Equal(t, "GC-1", got.ReferenceNumber)
	assert.Equal(t, "proof.png", got.ProofImage)
	assert.Equal(t, ledger.PatientID("pat-1"), got.PatientID)

	_, err = s.GetTransaction(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func testTotalsImmutable(t *testing.T, s Store) {
	ctx := context.Background()
	seedSale(t, s, "t-1", base, 1)

	voidedAt := base.Add(time.Hour)
	update := cashTxn("t-1", base)
	update.TotalAmount = dec("1.00")
	update.PaymentType = ledger.PaymentGCash
	update.Status = ledger.StatusVoided
	update.VoidedBy = "u-2"
	update.VoidedAt = &voidedAt
	update.VoidReason = "mistake"
	require.NoError(t, s.SaveTransaction(ctx, update))

	got, err := s.GetTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "771.00", got.TotalAmount.StringFixed(2))
	assert.Equal(t, ledger.PaymentCash, got.PaymentType)
	assert.Equal(t, ledger.StatusVoided, got.Status)
	assert.Equal(t, ledger.UserID("u-2"), got.VoidedBy)
	assert.Equal(t, "mistake", got.VoidReason)
	require.NotNil(t, got.VoidedAt)
	assert.True(t, voidedAt.Equal(*got.VoidedAt))
}

func testReferenceNumberUnique(t *testing.T, s Store) {
	ctx := context.Background()
	first := cashTxn("t-1", base)
	first.PaymentType = ledger.PaymentGCash
	first.CashTender = decimal.NullDecimal{}
	first.ReferenceNumber = "GC-9"
	require.NoError(t, s.SaveTransaction(ctx, first))

	exists, err := s.ExistsByReferenceNumber(ctx, "GC-9")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.ExistsByReferenceNumber(ctx, "GC-10")
	require.NoError(t, err)
	assert.False(t, exists)

	second := first
	second.ID = "t-2"
	err = s.SaveTransaction(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrBadRequest), "got %v", err)

	// transactions without a reference never collide
	require.NoError(t, s.SaveTransaction(ctx, cashTxn("t-3", base)))
	require.NoError(t, s.SaveTransaction(ctx, cashTxn("t-4", base)))
}

func testItemsOrderAndRefundedQuantity(t *testing.T, s Store) {
	ctx := context.Background()
	items := seedSale(t, s, "t-1", base, 3, 1, 2)

	got, err := s.ItemsByTransaction(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range items {
		assert.Equal(t, items[i].ID, got[i].ID)
	}
	assert.Equal(t, "1156.00", got[0].Subtotal.StringFixed(2))
	assert.Equal(t, ledger.DiscountFixed, got[0].Discount.Type)
	assert.Equal(t, "0.50", got[0].Discount.Value.StringFixed(2))

	// only RefundedQuantity moves
	changed := got[0]
	changed.RefundedQuantity = 2
	changed.UnitPrice = dec("1.00")
	changed.Subtotal = dec("1.00")
	require.NoError(t, s.SaveItems(ctx, []ledger.TransactionItem{changed}))

	one, err := s.GetItem(ctx, changed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, one.RefundedQuantity)
	assert.Equal(t, "385.50", one.UnitPrice.StringFixed(2))
	assert.Equal(t, "1156.00", one.Subtotal.StringFixed(2))

	_, err = s.GetItem(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))

	empty, err := s.ItemsByTransaction(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testItemRequiresTransaction(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, product("p", 1)))

	err := s.SaveItems(ctx, []ledger.TransactionItem{item("orphan", "t-missing", "p", 1)})
	assert.Error(t, err)
}

func testRefundsAppendOnly(t *testing.T, s Store) {
	ctx := context.Background()
	items := seedSale(t, s, "t-1", base, 3)

	for i, q := range []int{1, 2} {
		require.NoError(t, s.AppendRefund(ctx, ledger.Refund{
			ID:         ledger.RefundID("r-" + string(rune('1'+i))),
			ItemID:     items[0].ID,
			Quantity:   q,
			Amount:     dec("385.33").Mul(decimal.NewFromInt(int64(q))),
			Reason:     "damaged",
			RefundedAt: base.Add(time.Duration(i) * time.Minute),
			IssuedBy:   "u-1",
		}))
	}

	got, err := s.RefundsByItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.RefundID("r-1"), got[0].ID)
	assert.Equal(t, "770.66", got[1].Amount.StringFixed(2))
	assert.Equal(t, "damaged", got[1].Reason)
	assert.True(t, base.Add(time.Minute).Equal(got[1].RefundedAt))

	none, err := s.RefundsByItem(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListTransactions(t *testing.T, s Store) {
	ctx := context.Background()
	seedSale(t, s, "t-1", base, 1)
	seedSale(t, s, "t-2", base.Add(time.Hour), 1)
	seedSale(t, s, "t-3", base.Add(2*time.Hour), 1)

	voided, err := s.GetTransaction(ctx, "t-2")
	require.NoError(t, err)
	voided.Status = ledger.StatusVoided
	require.NoError(t, s.SaveTransaction(ctx, voided))

	all, err := s.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.TransactionID("t-3"), all[0].ID)
	assert.Equal(t, ledger.TransactionID("t-1"), all[2].ID)

	from, to := base.Add(time.Hour), base.Add(time.Hour)
	window, err := s.ListTransactions(ctx, ledger.TransactionFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, ledger.TransactionID("t-2"), window[0].ID)

	completed, err := s.ListTransactions(ctx, ledger.TransactionFilter{Status: ledger.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	page, err := s.ListTransactions(ctx, ledger.TransactionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.TransactionID("t-2"), page[0].ID)

	past, err := s.ListTransactions(ctx, ledger.TransactionFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func testWithTxCommit(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, product("p", 5)))

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetProductForUpdate(ctx, "p")
		if err != nil {
			return err
		}
		p.Quantity = 4
		return tx.SaveProduct(ctx, p)
	})
	require.NoError(t, err)

	p, err := s.GetProduct(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Quantity)
}

func testWithTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, product("p", 5)))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetProductForUpdate(ctx, "p")
		if err != nil {
			return err
		}
		p.Quantity = 0
		if err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		if err := tx.SaveTransaction(ctx, cashTxn("t-1", base)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.GetProduct(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Quantity)
	_, err = s.GetTransaction(ctx, "t-1")
	assert.True(t, ledger.IsNotFound(err))
}

func testAuditNewestFirst(t *testing.T, s Store) {
	ctx := context.Background()
	for i, id := range []string{"a-1", "a-2", "a-3"} {
		require.NoError(t, s.AppendAudit(ctx, ledger.AuditEvent{
			ID:          id,
			Action:      ledger.AuditCreate,
			Resource:    ledger.ResourceTransaction,
			ResourceID:  "t-1",
			ActorID:     "u-1",
			Summary:     "Created transaction record",
			DetailsJSON: []byte(`{"n":1}`),
			At:          base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.RecentAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-3", got[0].ID)
	assert.Equal(t, "a-2", got[1].ID)
	assert.JSONEq(t, `{"n":1}`, string(got[0].DetailsJSON))
	assert.Equal(t, ledger.ResourceTransaction, got[0].Resource)
}

func testReset(t *testing.T, s Store) {
	ctx := context.Background()
	items := seedSale(t, s, "t-1", base, 1)
	require.NoError(t, s.AppendRefund(ctx, ledger.Refund{
		ID: "r-1", ItemID: items[0].ID, Quantity: 1, Amount: dec("1"), RefundedAt: base, IssuedBy: "u-1",
	}))

	require.NoError(t, s.Reset(ctx))

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Empty(t, products)
	txns, err := s.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
	events, err := s.RecentAudit(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
