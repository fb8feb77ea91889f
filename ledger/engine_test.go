package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/warp/clinic-pos/ledger"
	"github.com/warp/clinic-pos/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var cashier = ledger.UserRef{ID: "u-1", Name: "Ana Cruz", Role: "cashier"}

func newTestEngine(t *testing.T) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := ledger.NewEngine(mem, ledger.StoreAuditSink{Store: mem}, zaptest.NewLogger(t))
	engine.Patients = mem

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	engine.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ids := 0
	engine.NewID = func() string {
		ids++
		return fmt.Sprintf("id-%03d", ids)
	}
	return engine, mem
}

func addProduct(t *testing.T, e *ledger.Engine, id, price string, qty int) {
	t.Helper()
	_, err := e.AddProduct(context.Background(), ledger.Product{
		ID:        ledger.ProductID(id),
		Name:      "Product " + id,
		UnitPrice: decimal.RequireFromString(price),
		Quantity:  qty,
	})
	require.NoError(t, err)
}

func stockOf(t *testing.T, s ledger.ProductStore, id string) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), ledger.ProductID(id))
	require.NoError(t, err)
	return p.Quantity
}

func tender(amount string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(amount))
}

func cashSale(amount string, lines ...ledger.LineInput) ledger.CreateTransactionInput {
	return ledger.CreateTransactionInput{
		PaymentType: ledger.PaymentCash,
		CashTender:  tender(amount),
		Items:       lines,
	}
}

func line(productID string, qty int) ledger.LineInput {
	return ledger.LineInput{ProductID: ledger.ProductID(productID), Quantity: qty}
}

func sell(t *testing.T, e *ledger.Engine, in ledger.CreateTransactionInput) *ledger.TransactionDetails {
	t.Helper()
	d, err := e.CreateTransaction(context.Background(), cashier, in)
	require.NoError(t, err)
	return d
}

func fieldOf(t *testing.T, err error) string {
	t.Helper()
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Field
}

// =============================================================================
// CREATE TESTS
// =============================================================================

func TestCreateTransaction_DebitsStockAndTotals(t *testing.T) {
	// GIVEN: Two products in stock
	e, mem := newTestEngine(t)
	addProduct(t, e, "frame", "2450.00", 5)
	addProduct(t, e, "lens", "1200.00", 10)

	// WHEN: Selling 1 frame and 2 lenses with 10% off the lenses
	d, err := e.CreateTransaction(context.Background(), cashier, cashSale("5000",
		line("frame", 1),
		ledger.LineInput{
			ProductID: "lens",
			Quantity:  2,
			Discount:  ledger.Discount{Type: ledger.DiscountPercent, Value: decimal.NewFromInt(10)},
		},
	))

	// THEN: Total is the sum of subtotals, stock debited, audit written
	require.NoError(t, err)
	assert.Equal(t, "4610.00", d.Transaction.TotalAmount.StringFixed(2))
	assert.Equal(t, "390.00", d.Transaction.Change().StringFixed(2))
	assert.Equal(t, ledger.StatusCompleted, d.Transaction.Status)
	assert.Equal(t, cashier.ID, d.Transaction.CreatedBy)
	require.Len(t, d.Items, 2)
	assert.Equal(t, "2160.00", d.Items[1].Subtotal.StringFixed(2))
	assert.Equal(t, "1200.00", d.Items[1].UnitPrice.StringFixed(2))

	assert.Equal(t, 4, stockOf(t, mem, "frame"))
	assert.Equal(t, 8, stockOf(t, mem, "lens"))

	events, err := mem.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.AuditCreate, events[0].Action)
	assert.Equal(t, string(d.Transaction.ID), events[0].ResourceID)
	assert.Equal(t, "Created transaction record", events[0].Summary)
}

func TestCreateTransaction_PriceSnapshotSurvivesPriceChange(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "p", "10.00", 5)
	d := sell(t, e, cashSale("10", line("p", 1)))

	p, err := mem.GetProduct(context.Background(), "p")
	require.NoError(t, err)
	p.UnitPrice = decimal.RequireFromString("99.00")
	require.NoError(t, mem.SaveProduct(context.Background(), p))

	got, err := e.GetTransaction(context.Background(), d.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "10.00", got.Transaction.TotalAmount.StringFixed(2))
}

func TestCreateTransaction_InsufficientStock_NothingDebited(t *testing.T) {
	// GIVEN: Plenty of A, only 1 of B
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	addProduct(t, e, "b", "10.00", 1)

	// WHEN: The second line asks for more B than exists
	_, err := e.CreateTransaction(context.Background(), cashier, cashSale("100", line("a", 3), line("b", 2)))

	// THEN: Rejected and the first line's debit was rolled back
	var se *ledger.InsufficientStockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Available)
	assert.Equal(t, 2, se.Requested)
	assert.Equal(t, 10, stockOf(t, mem, "a"))
	assert.Equal(t, 1, stockOf(t, mem, "b"))

	txns, err := e.ListTransactions(context.Background(), ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestCreateTransaction_SameProductOnTwoLines(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 3)

	_, err := e.CreateTransaction(context.Background(), cashier, cashSale("100", line("a", 2), line("a", 2)))

	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, 3, stockOf(t, mem, "a"))
}

func TestCreateTransaction_PaymentRules(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "100.00", 10)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    ledger.CreateTransactionInput
		field string
	}{
		{
			name:  "cash without tender",
			in:    ledger.CreateTransactionInput{PaymentType: ledger.PaymentCash, Items: []ledger.LineInput{line("a", 1)}},
			field: "cash_tender",
		},
		{
			name:  "cash tender below total",
			in:    cashSale("99.99", line("a", 1)),
			field: "cash_tender",
		},
		{
			name:  "gcash without reference or proof",
			in:    ledger.CreateTransactionInput{PaymentType: ledger.PaymentGCash, Items: []ledger.LineInput{line("a", 1)}},
			field: "reference_number",
		},
		{
			name:  "unknown payment type",
			in:    ledger.CreateTransactionInput{PaymentType: "CARD", Items: []ledger.LineInput{line("a", 1)}},
			field: "payment_type",
		},
		{
			name:  "zero quantity",
			in:    cashSale("100", line("a", 0)),
			field: "items[0].quantity",
		},
		{
			name: "bad discount",
			in: cashSale("100", ledger.LineInput{
				ProductID: "a",
				Quantity:  1,
				Discount:  ledger.Discount{Type: ledger.DiscountPercent, Value: decimal.NewFromInt(150)},
			}),
			field: "items[0].discount_value",
		},
		{
			name: "discount larger than line",
			in: cashSale("100", ledger.LineInput{
				ProductID: "a",
				Quantity:  1,
				Discount:  ledger.Discount{Type: ledger.DiscountFixed, Value: decimal.NewFromInt(101)},
			}),
			field: "discount_value",
		},
		{
			name:  "cash tender past cents",
			in:    cashSale("100.005", line("a", 1)),
			field: "cash_tender",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateTransaction(ctx, cashier, tt.in)
			require.ErrorIs(t, err, ledger.ErrBadRequest)
			assert.Equal(t, tt.field, fieldOf(t, err))
		})
	}
	assert.Equal(t, 10, stockOf(t, mem, "a"))
}

func TestCreateTransaction_FixedDiscountPastCentsRejected(t *testing.T) {
	// GIVEN: Two lines whose FIXED discounts each carry a third decimal place
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "20.00", 5)
	discounted := ledger.LineInput{
		ProductID: "a",
		Quantity:  1,
		Discount:  ledger.Discount{Type: ledger.DiscountFixed, Value: decimal.RequireFromString("10.005")},
	}

	// WHEN: Creating the sale
	_, err := e.CreateTransaction(context.Background(), cashier, cashSale("100", discounted, discounted))

	// THEN: Rejected before any stock moves, so no total can drift off the cent
	require.ErrorIs(t, err, ledger.ErrBadRequest)
	assert.Equal(t, "items[0].discount_value", fieldOf(t, err))
	assert.Equal(t, 5, stockOf(t, mem, "a"))
}

func TestCreateTransaction_TotalEqualsSumOfSubtotals(t *testing.T) {
	e, _ := newTestEngine(t)
	addProduct(t, e, "a", "33.33", 10)
	addProduct(t, e, "b", "0.20", 10)

	d := sell(t, e, cashSale("500",
		ledger.LineInput{ProductID: "a", Quantity: 3, Discount: ledger.Discount{Type: ledger.DiscountPercent, Value: decimal.NewFromInt(10)}},
		ledger.LineInput{ProductID: "b", Quantity: 1, Discount: ledger.Discount{Type: ledger.DiscountPercent, Value: decimal.RequireFromString("12.5")}},
		ledger.LineInput{ProductID: "a", Quantity: 2, Discount: ledger.Discount{Type: ledger.DiscountFixed, Value: decimal.RequireFromString("5.10")}},
	))

	sum := decimal.Zero
	for _, it := range d.Items {
		assert.True(t, ledger.IsMoney(it.Subtotal), "subtotal %s", it.Subtotal)
		sum = sum.Add(it.Subtotal)
	}
	assert.True(t, sum.Equal(d.Transaction.TotalAmount))
	assert.Equal(t, "151.72", d.Transaction.TotalAmount.StringFixed(2))
}

func TestCreateTransaction_GCash(t *testing.T) {
	e, _ := newTestEngine(t)
	addProduct(t, e, "a", "100.00", 10)
	ctx := context.Background()

	// Proof image alone is enough
	d, err := e.CreateTransaction(ctx, cashier, ledger.CreateTransactionInput{
		PaymentType: ledger.PaymentGCash,
		ProofImage:  "uploads/proof-1.jpg",
		Items:       []ledger.LineInput{line("a", 1)},
	})
	require.NoError(t, err)
	assert.False(t, d.Transaction.CashTender.Valid)
	assert.True(t, d.Transaction.Change().IsZero())

	// Reference numbers are unique
	gcash := ledger.CreateTransactionInput{
		PaymentType:     ledger.PaymentGCash,
		ReferenceNumber: "GC-123",
		Items:           []ledger.LineInput{line("a", 1)},
	}
	_, err = e.CreateTransaction(ctx, cashier, gcash)
	require.NoError(t, err)

	gcash.ReferenceNumber = " GC-123 "
	_, err = e.CreateTransaction(ctx, cashier, gcash)
	require.ErrorIs(t, err, ledger.ErrBadRequest)
	assert.Contains(t, err.Error(), "reference number already used")
}

func TestCreateTransaction_ActorAndPatient(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	mem.AddPatient("pat-1")
	ctx := context.Background()

	_, err := e.CreateTransaction(ctx, ledger.UserRef{}, cashSale("10", line("a", 1)))
	assert.Equal(t, "acting_user", fieldOf(t, err))

	in := cashSale("10", line("a", 1))
	in.PatientID = "pat-404"
	_, err = e.CreateTransaction(ctx, cashier, in)
	assert.True(t, ledger.IsNotFound(err))

	in.PatientID = "pat-1"
	d, err := e.CreateTransaction(ctx, cashier, in)
	require.NoError(t, err)
	assert.Equal(t, ledger.PatientID("pat-1"), d.Transaction.PatientID)
}

// =============================================================================
// VOID TESTS
// =============================================================================

func TestVoidTransaction_RestocksAndGuards(t *testing.T) {
	// GIVEN: A sale of 2 A and 3 B
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 5)
	addProduct(t, e, "b", "20.00", 5)
	d := sell(t, e, cashSale("100", line("a", 2), line("b", 3)))
	ctx := context.Background()

	// WHEN: Voiding it
	v, err := e.VoidTransaction(ctx, cashier, d.Transaction.ID, "  wrong patient  ")

	// THEN: Every unit back in stock, void metadata recorded
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, v.Transaction.Status)
	assert.Equal(t, cashier.ID, v.Transaction.VoidedBy)
	assert.Equal(t, "wrong patient", v.Transaction.VoidReason)
	require.NotNil(t, v.Transaction.VoidedAt)
	assert.Equal(t, 5, stockOf(t, mem, "a"))
	assert.Equal(t, 5, stockOf(t, mem, "b"))

	// AND: Total is unchanged
	assert.True(t, v.Transaction.TotalAmount.Equal(d.Transaction.TotalAmount))

	// AND: Voiding again fails without touching stock
	_, err = e.VoidTransaction(ctx, cashier, d.Transaction.ID, "again")
	require.ErrorIs(t, err, ledger.ErrIllegalState)
	assert.Contains(t, err.Error(), "already voided")
	assert.Equal(t, 5, stockOf(t, mem, "a"))

	// AND: A voided sale cannot be refunded
	_, err = e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: d.Items[0].ID, Quantity: 1}})
	require.ErrorIs(t, err, ledger.ErrIllegalState)
	assert.Equal(t, 5, stockOf(t, mem, "a"))
}

func TestVoidTransaction_AfterRefundRejected(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 5)
	d := sell(t, e, cashSale("100", line("a", 2)))
	ctx := context.Background()

	_, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: d.Items[0].ID, Quantity: 1}})
	require.NoError(t, err)

	_, err = e.VoidTransaction(ctx, cashier, d.Transaction.ID, "changed mind")
	require.ErrorIs(t, err, ledger.ErrIllegalState)
	assert.Equal(t, 4, stockOf(t, mem, "a"))

	_, err = e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: d.Items[0].ID, Quantity: 1}})
	require.NoError(t, err)

	_, err = e.VoidTransaction(ctx, cashier, d.Transaction.ID, "changed mind")
	require.ErrorIs(t, err, ledger.ErrIllegalState)
	assert.Contains(t, err.Error(), "cannot void refunded transaction")
}

func TestVoidTransaction_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.VoidTransaction(ctx, cashier, "missing", "")
	assert.Equal(t, "reason", fieldOf(t, err))

	_, err = e.VoidTransaction(ctx, cashier, "missing", "reason")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// REFUND TESTS
// =============================================================================

func TestRefundItems_PartialThenFull(t *testing.T) {
	// GIVEN: 3 units at 100.00 with 30.00 off the line
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "100.00", 10)
	d := sell(t, e, cashSale("300", ledger.LineInput{
		ProductID: "a",
		Quantity:  3,
		Discount:  ledger.Discount{Type: ledger.DiscountFixed, Value: decimal.NewFromInt(30)},
	}))
	item := d.Items[0]
	ctx := context.Background()

	// WHEN: Refunding 1 unit
	res, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: item.ID, Quantity: 1, Reason: " damaged "}})

	// THEN: Discount prorated, status partial, one unit back in stock
	require.NoError(t, err)
	require.Len(t, res.Refunds, 1)
	assert.Equal(t, "90.00", res.Refunds[0].Amount.StringFixed(2))
	assert.Equal(t, "damaged", res.Refunds[0].Reason)
	assert.Equal(t, cashier.ID, res.Refunds[0].IssuedBy)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, ledger.StatusPartiallyRefunded, res.Transactions[0].Transaction.Status)
	assert.Equal(t, 8, stockOf(t, mem, "a"))

	// WHEN: Refunding the remaining 2
	res, err = e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: item.ID, Quantity: 2}})

	// THEN: Fully refunded, stock fully restored, history has both refunds
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFullyRefunded, res.Transactions[0].Transaction.Status)
	assert.Equal(t, 10, stockOf(t, mem, "a"))

	history, err := e.RefundsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Quantity)
	assert.Equal(t, 2, history[1].Quantity)

	// AND: Nothing left to refund
	_, err = e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: item.ID, Quantity: 1}})
	var rq *ledger.RefundQuantityError
	require.ErrorAs(t, err, &rq)
	assert.Equal(t, 3, rq.AlreadyRefunded)
	assert.ErrorIs(t, err, ledger.ErrIllegalArgument)
}

func TestRefundItems_OverRefundRollsBackBatch(t *testing.T) {
	// GIVEN: One sale with two lines
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	addProduct(t, e, "b", "10.00", 10)
	d := sell(t, e, cashSale("100", line("a", 2), line("b", 1)))
	ctx := context.Background()

	// WHEN: The first line is valid but the second over-refunds
	_, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{
		{ItemID: d.Items[0].ID, Quantity: 1},
		{ItemID: d.Items[1].ID, Quantity: 2},
	})

	// THEN: Nothing from the batch persists
	require.ErrorIs(t, err, ledger.ErrIllegalArgument)
	assert.Equal(t, 8, stockOf(t, mem, "a"))

	got, err := e.GetTransaction(ctx, d.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Transaction.Status)
	assert.Equal(t, 0, got.Items[0].RefundedQuantity)

	history, err := e.RefundsForItem(ctx, d.Items[0].ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRefundItems_SameItemTwiceInBatch(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	d := sell(t, e, cashSale("100", line("a", 3)))

	_, err := e.RefundItems(context.Background(), cashier, []ledger.RefundLine{
		{ItemID: d.Items[0].ID, Quantity: 2},
		{ItemID: d.Items[0].ID, Quantity: 2},
	})

	require.ErrorIs(t, err, ledger.ErrIllegalArgument)
	assert.Equal(t, 7, stockOf(t, mem, "a"))
}

func TestRefundItems_BatchAcrossTransactions(t *testing.T) {
	// GIVEN: Sale X (one line) and sale Y (two lines)
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	addProduct(t, e, "b", "20.00", 10)
	x := sell(t, e, cashSale("100", line("a", 2)))
	y := sell(t, e, cashSale("100", line("a", 1), line("b", 1)))
	ctx := context.Background()

	// WHEN: One batch fully refunds X and half of Y
	res, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{
		{ItemID: x.Items[0].ID, Quantity: 2},
		{ItemID: y.Items[1].ID, Quantity: 1},
	})

	// THEN: Both transactions get their own status
	require.NoError(t, err)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, x.Transaction.ID, res.Transactions[0].Transaction.ID)
	assert.Equal(t, ledger.StatusFullyRefunded, res.Transactions[0].Transaction.Status)
	assert.Equal(t, ledger.StatusPartiallyRefunded, res.Transactions[1].Transaction.Status)

	gotY, err := e.GetTransaction(ctx, y.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyRefunded, gotY.Transaction.Status)

	assert.Equal(t, 9, stockOf(t, mem, "a"))
	assert.Equal(t, 10, stockOf(t, mem, "b"))

	// AND: One audit event per touched transaction
	events, err := mem.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 4) // 2 creates + 2 refunds
	assert.Equal(t, ledger.ResourceTransactionItem, events[0].Resource)
	assert.Equal(t, ledger.ResourceTransactionItem, events[1].Resource)
}

func TestRefundItems_MultiLineAuditIsBatched(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	addProduct(t, e, "b", "20.00", 10)
	d := sell(t, e, cashSale("100", line("a", 1), line("b", 1)))
	ctx := context.Background()

	_, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{
		{ItemID: d.Items[0].ID, Quantity: 1},
		{ItemID: d.Items[1].ID, Quantity: 1},
	})
	require.NoError(t, err)

	events, err := mem.RecentAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.ResourceTransaction, events[0].Resource)
	assert.Equal(t, string(d.Transaction.ID), events[0].ResourceID)
	assert.Equal(t, "Refunded 2 transaction item records", events[0].Summary)
}

func TestRefundItems_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.RefundItems(ctx, cashier, nil)
	assert.Equal(t, "items", fieldOf(t, err))

	_, err = e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: "x", Quantity: 0}})
	assert.Equal(t, "items[0].refund_quantity", fieldOf(t, err))

	_, err = e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: "x", Quantity: 1}})
	assert.True(t, ledger.IsNotFound(err))

	_, err = e.RefundsForItem(ctx, "x")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// AUDIT AND RETRY TESTS
// =============================================================================

func TestAuditFailure_DoesNotRollBack(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 5)
	e.Audit = ledger.AuditSinkFunc(func(context.Context, ledger.AuditEvent) error {
		return errors.New("audit store down")
	})

	d, err := e.CreateTransaction(context.Background(), cashier, cashSale("10", line("a", 1)))

	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, mem, "a"))
	got, err := e.GetTransaction(context.Background(), d.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Transaction.Status)
}

func TestAudit_ReceivesActorAfterCommit(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 5)

	var seen []ledger.AuditEvent
	e.Audit = ledger.AuditSinkFunc(func(ctx context.Context, ev ledger.AuditEvent) error {
		// committed before the sink runs
		assert.Equal(t, 4, stockOf(t, mem, "a"))
		seen = append(seen, ev)
		return nil
	})

	sell(t, e, cashSale("10", line("a", 1)))

	require.Len(t, seen, 1)
	assert.Equal(t, cashier.ID, seen[0].ActorID)
	assert.NotEmpty(t, seen[0].DetailsJSON)
}

// conflictingStore fails the first n units of work with a write conflict.
type conflictingStore struct {
	*store.Memory
	n     int
	calls int
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.calls++
	if s.calls <= s.n {
		return fmt.Errorf("write conflict: %w", ledger.ErrConcurrentModification)
	}
	return s.Memory.WithTx(ctx, fn)
}

func TestUnitOfWork_RetriesConcurrentModification(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 5)
	cs := &conflictingStore{Memory: mem, n: 2}
	e.Store = cs

	_, err := e.CreateTransaction(context.Background(), cashier, cashSale("10", line("a", 1)))

	require.NoError(t, err)
	assert.Equal(t, 3, cs.calls)
	assert.Equal(t, 4, stockOf(t, mem, "a"))
}

func TestUnitOfWork_GivesUpAfterMaxAttempts(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 5)
	cs := &conflictingStore{Memory: mem, n: 10}
	e.Store = cs
	e.MaxAttempts = 2

	_, err := e.CreateTransaction(context.Background(), cashier, cashSale("10", line("a", 1)))

	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 2, cs.calls)
	assert.Equal(t, 5, stockOf(t, mem, "a"))
}

func TestUnitOfWork_ClientErrorNotRetried(t *testing.T) {
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 1)
	cs := &conflictingStore{Memory: mem}
	e.Store = cs

	_, err := e.CreateTransaction(context.Background(), cashier, cashSale("100", line("a", 2)))

	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, 1, cs.calls)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentSales_NeverOversell(t *testing.T) {
	// GIVEN: 10 units and 25 cashiers each selling 1 at the same time
	mem := store.NewMemory()
	e := ledger.NewEngine(mem, ledger.StoreAuditSink{Store: mem}, zaptest.NewLogger(t))
	addProduct(t, e, "a", "10.00", 10)
	ctx := context.Background()

	var sold, short atomic.Int32
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := e.CreateTransaction(ctx, cashier, cashSale("10", line("a", 1)))
			switch {
			case err == nil:
				sold.Add(1)
			case errors.Is(err, ledger.ErrInsufficientStock):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}

	// THEN: Exactly the stock on hand was sold
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(10), sold.Load())
	assert.Equal(t, int32(15), short.Load())
	assert.Equal(t, 0, stockOf(t, mem, "a"))
}

func TestConcurrentRefunds_NeverOverRefund(t *testing.T) {
	mem := store.NewMemory()
	e := ledger.NewEngine(mem, ledger.StoreAuditSink{Store: mem}, zaptest.NewLogger(t))
	addProduct(t, e, "a", "10.00", 10)
	ctx := context.Background()
	d := sell(t, e, cashSale("50", line("a", 5)))

	var refunded atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: d.Items[0].ID, Quantity: 1}})
			switch {
			case err == nil:
				refunded.Add(1)
			case errors.Is(err, ledger.ErrIllegalArgument):
			default:
				return err
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(5), refunded.Load())
	assert.Equal(t, 10, stockOf(t, mem, "a"))

	got, err := e.GetTransaction(ctx, d.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFullyRefunded, got.Transaction.Status)
}

// =============================================================================
// READ AND CATALOG TESTS
// =============================================================================

func TestListTransactions_FiltersAndValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	ctx := context.Background()

	first := sell(t, e, cashSale("10", line("a", 1)))
	_, err := e.CreateTransaction(ctx, cashier, ledger.CreateTransactionInput{
		PaymentType:     ledger.PaymentGCash,
		ReferenceNumber: "GC-1",
		Items:           []ledger.LineInput{line("a", 1)},
	})
	require.NoError(t, err)
	last := sell(t, e, cashSale("10", line("a", 1)))

	all, err := e.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, last.Transaction.ID, all[0].ID, "newest first")

	cash, err := e.ListTransactions(ctx, ledger.TransactionFilter{PaymentType: ledger.PaymentCash})
	require.NoError(t, err)
	assert.Len(t, cash, 2)

	from := first.Transaction.CreatedAt.Add(time.Nanosecond)
	later, err := e.ListTransactions(ctx, ledger.TransactionFilter{From: &from})
	require.NoError(t, err)
	assert.Len(t, later, 2)

	page, err := e.ListTransactions(ctx, ledger.TransactionFilter{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.Transaction.ID, page[0].ID)

	to := from.Add(-time.Hour)
	_, err = e.ListTransactions(ctx, ledger.TransactionFilter{From: &from, To: &to})
	assert.Equal(t, "to", fieldOf(t, err))

	_, err = e.ListTransactions(ctx, ledger.TransactionFilter{Status: "PENDING"})
	assert.Equal(t, "status", fieldOf(t, err))
}

func TestAddProduct(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	p, err := e.AddProduct(ctx, ledger.Product{Name: " Lens cloth ", UnitPrice: decimal.RequireFromString("75.005"), Quantity: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Lens cloth", p.Name)
	assert.Equal(t, "75.01", p.UnitPrice.StringFixed(2))

	_, err = e.AddProduct(ctx, ledger.Product{ID: p.ID, Name: "dup", UnitPrice: decimal.NewFromInt(1)})
	assert.Equal(t, "product_id", fieldOf(t, err))

	_, err = e.AddProduct(ctx, ledger.Product{Name: "neg", UnitPrice: decimal.NewFromInt(1), Quantity: -1})
	assert.Equal(t, "quantity", fieldOf(t, err))
}

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestReconcile_CleanLedger(t *testing.T) {
	e, _ := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	ctx := context.Background()
	d := sell(t, e, cashSale("100", line("a", 3)))
	_, err := e.RefundItems(ctx, cashier, []ledger.RefundLine{{ItemID: d.Items[0].ID, Quantity: 1}})
	require.NoError(t, err)
	v := sell(t, e, cashSale("100", line("a", 1)))
	_, err = e.VoidTransaction(ctx, cashier, v.Transaction.ID, "test")
	require.NoError(t, err)

	report, err := e.Reconcile(ctx, time.Time{})

	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Mismatches)
	assert.Equal(t, 2, report.Transactions)
	assert.Equal(t, 2, report.Items)
	assert.Equal(t, "10.00", report.RefundedAmount.StringFixed(2))
}

func TestReconcile_DetectsDrift(t *testing.T) {
	// GIVEN: A line whose counter was bumped without a refund record
	e, mem := newTestEngine(t)
	addProduct(t, e, "a", "10.00", 10)
	addProduct(t, e, "low", "10.00", 0)
	ctx := context.Background()
	d := sell(t, e, cashSale("100", line("a", 2)))

	tampered := d.Items[0]
	tampered.RefundedQuantity = 1
	require.NoError(t, mem.SaveItems(ctx, []ledger.TransactionItem{tampered}))

	// WHEN: Reconciling
	report, err := e.Reconcile(ctx, time.Time{})

	// THEN: Both the counter and the status disagree; low stock is listed
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Mismatches, 2)
	assert.Equal(t, tampered.ID, report.Mismatches[0].ItemID)
	assert.Contains(t, report.Mismatches[1].Problem, "lines imply PARTIALLY_REFUNDED")
	require.Len(t, report.LowStock, 1)
	assert.Equal(t, ledger.ProductID("low"), report.LowStock[0].ID)
}
