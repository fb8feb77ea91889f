package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-pos/ledger"
	"github.com/warp/clinic-pos/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return newTestStore(t) })
}

func TestStore_FilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db")
	ctx := context.Background()

	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveProduct(ctx, ledger.Product{
		ID:        "p-1",
		Name:      "Solution",
		UnitPrice: decimal.RequireFromString("385.50"),
		Quantity:  4,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Close())

	store, err = New(path)
	require.NoError(t, err)
	defer store.Close()

	p, err := store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "385.50", p.UnitPrice.StringFixed(2))
}

// The engine end to end on SQLite: sale, partial refund, reconciliation.
func TestStore_EngineRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	engine := ledger.NewEngine(store, ledger.StoreAuditSink{Store: store}, nil)
	actor := ledger.UserRef{ID: "u-1", Name: "Ana", Role: "cashier"}

	_, err := engine.AddProduct(ctx, ledger.Product{
		ID: "p-1", Name: "Lens", UnitPrice: decimal.RequireFromString("33.33"), Quantity: 10,
	})
	require.NoError(t, err)

	sale, err := engine.CreateTransaction(ctx, actor, ledger.CreateTransactionInput{
		PaymentType: ledger.PaymentCash,
		CashTender:  decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Items: []ledger.LineInput{{
			ProductID: "p-1",
			Quantity:  3,
			Discount:  ledger.Discount{Type: ledger.DiscountPercent, Value: decimal.NewFromInt(10)},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "89.99", sale.Transaction.TotalAmount.StringFixed(2))

	res, err := engine.RefundItems(ctx, actor, []ledger.RefundLine{{ItemID: sale.Items[0].ID, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, "30.00", res.Refunds[0].Amount.StringFixed(2))

	got, err := engine.GetTransaction(ctx, sale.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyRefunded, got.Transaction.Status)
	assert.Equal(t, 1, got.Items[0].RefundedQuantity)

	p, err := store.GetProduct(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 8, p.Quantity)

	report, err := engine.Reconcile(ctx, time.Time{})
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Mismatches)

	events, err := store.RecentAudit(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_RejectsNegativeStock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.SaveProduct(ctx, ledger.Product{ID: "p", Name: "P", Quantity: -1})

	assert.Error(t, err)
}

func TestMapError(t *testing.T) {
	busy := fmt.Errorf("save: %w", sqlite3.Error{Code: sqlite3.ErrBusy})
	assert.True(t, errors.Is(mapError(busy), ledger.ErrConcurrentModification))

	locked := sqlite3.Error{Code: sqlite3.ErrLocked}
	assert.True(t, ledger.IsRetryable(mapError(locked)))

	other := errors.New("disk full")
	assert.Equal(t, other, mapError(other))
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	a := time.Date(2025, 1, 1, 9, 0, 0, 5, time.UTC)
	b := time.Date(2025, 1, 1, 9, 0, 0, 40, time.UTC)

	assert.Less(t, formatTime(a), formatTime(b))
	assert.True(t, a.Equal(parseTime(formatTime(a))))
}
