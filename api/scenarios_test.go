/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:

	Tests that each scenario correctly sets up the expected state:
	- Catalog products exist with stable IDs and opening stock
	- Walkthrough sales end in the expected lifecycle states
	- Stock reflects sales, refunds and voids
	- Loading again resets rather than accumulates

These run against SQLite so they double as store integration tests.
*/
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-pos/ledger"
	"github.com/warp/clinic-pos/store/sqlite"
)

func setupScenarioHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := ledger.NewEngine(store, ledger.StoreAuditSink{Store: store}, nil)
	return NewHandler(engine, store, nil)
}

func loadScenario(t *testing.T, h *Handler, id string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/scenarios/load",
		strings.NewReader(`{"scenario_id":"`+id+`"}`))
	rec := httptest.NewRecorder()
	h.LoadScenario(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_OpticalClinic(t *testing.T) {
	// GIVEN: Optical clinic scenario
	// WHEN: Loading the scenario
	// THEN: Full catalog is present, no sales exist
	h := setupScenarioHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "optical-clinic")

	products, err := h.Store.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, len(opticalCatalog))

	frame, err := h.Store.GetProduct(ctx, "opt-frame-titanium")
	require.NoError(t, err)
	assert.Equal(t, "5800.00", frame.UnitPrice.StringFixed(2))
	assert.Equal(t, 5, frame.Quantity)

	txns, err := h.Engine.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestScenario_PharmacyCounter_LowStock(t *testing.T) {
	h := setupScenarioHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "pharmacy-counter")

	products, err := h.Store.ListProducts(ctx)
	require.NoError(t, err)
	var low []ledger.ProductID
	for _, p := range products {
		if p.IsLowStock() {
			low = append(low, p.ID)
		}
	}
	assert.ElementsMatch(t, []ledger.ProductID{"rx-cetirizine-10", "rx-ors-sachet"}, low)
}

func TestScenario_RefundWalkthrough(t *testing.T) {
	// GIVEN: Refund walkthrough scenario
	// WHEN: Loading the scenario
	// THEN: One sale per lifecycle state, stock and refunds consistent
	h := setupScenarioHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "refund-walkthrough")

	txns, err := h.Engine.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 4)

	statuses := map[ledger.TransactionStatus]int{}
	for _, txn := range txns {
		statuses[txn.Status]++
	}
	assert.Equal(t, map[ledger.TransactionStatus]int{
		ledger.StatusCompleted:         1,
		ledger.StatusPartiallyRefunded: 1,
		ledger.StatusFullyRefunded:     1,
		ledger.StatusVoided:            1,
	}, statuses)

	// Paracetamol: 2 sold and kept, 1 sold then voided
	p, err := h.Store.GetProduct(ctx, "rx-paracetamol-500")
	require.NoError(t, err)
	assert.Equal(t, 198, p.Quantity)

	// Ibuprofen: 3 sold, 1 refunded
	p, err = h.Store.GetProduct(ctx, "rx-ibuprofen-200")
	require.NoError(t, err)
	assert.Equal(t, 118, p.Quantity)

	// ORS: 2 sold, 2 refunded
	p, err = h.Store.GetProduct(ctx, "rx-ors-sachet")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Quantity)

	report, err := h.Engine.Reconcile(ctx, txns[len(txns)-1].CreatedAt.Add(-1))
	require.NoError(t, err)
	assert.True(t, report.OK(), "mismatches: %+v", report.Mismatches)

	events, err := h.Store.RecentAudit(ctx, 100)
	require.NoError(t, err)
	// 4 creates, 2 refund batches, 1 void
	assert.Len(t, events, 7)
}

func TestScenario_ReloadResets(t *testing.T) {
	h := setupScenarioHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "refund-walkthrough")
	loadScenario(t, h, "optical-clinic")

	txns, err := h.Engine.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)

	_, err = h.Store.GetProduct(ctx, "rx-paracetamol-500")
	assert.True(t, ledger.IsNotFound(err))

	h.mu.Lock()
	assert.Equal(t, "optical-clinic", h.currentScenario)
	h.mu.Unlock()
}

func TestScenario_Unknown(t *testing.T) {
	h := setupScenarioHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/scenarios/load",
		strings.NewReader(`{"scenario_id":"nope"}`))
	rec := httptest.NewRecorder()
	h.LoadScenario(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
