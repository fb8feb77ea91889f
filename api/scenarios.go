/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a realistic
	catalog (and, for some, sales history) so the refund and void flows can
	be tried without manual setup.

AVAILABLE SCENARIOS:

	optical-clinic:     Frames, lenses and contact-lens solutions
	pharmacy-counter:   Over-the-counter medicines with low-stock items
	refund-walkthrough: Pharmacy catalog plus one sale per lifecycle state
	                    (completed, partially refunded, fully refunded, voided)

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Add catalog products with stable IDs
 3. Optionally record sales, refunds and voids through the engine, so
    stock and audit entries are exactly what a cashier would produce

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "refund-walkthrough"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - ledger/engine.go: Operations the walkthrough drives
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-pos/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "optical-clinic",
		Name:        "Optical Clinic",
		Description: "Frames, lenses and eye-care consumables",
		Category:    "catalog",
	},
	{
		ID:          "pharmacy-counter",
		Name:        "Pharmacy Counter",
		Description: "Over-the-counter medicines, two items already low on stock",
		Category:    "catalog",
	},
	{
		ID:          "refund-walkthrough",
		Name:        "Refund Walkthrough",
		Description: "Pharmacy catalog with one sale in each lifecycle state",
		Category:    "lifecycle",
	},
}

// demoCashier is the acting user for scenario sales.
var demoCashier = ledger.UserRef{ID: "demo-cashier", Name: "Demo Cashier", Role: "cashier"}

type seedProduct struct {
	id        string
	name      string
	category  string
	price     string
	quantity  int
	threshold int
}

var opticalCatalog = []seedProduct{
	{"opt-frame-classic", "Classic Acetate Frame", "frames", "2450.00", 12, 3},
	{"opt-frame-titanium", "Titanium Rimless Frame", "frames", "5800.00", 5, 2},
	{"opt-lens-sv", "Single Vision Lens (pair)", "lenses", "1200.00", 40, 10},
	{"opt-lens-progressive", "Progressive Lens (pair)", "lenses", "6500.00", 8, 2},
	{"opt-solution-360", "Contact Lens Solution 360ml", "consumables", "385.50", 30, 6},
	{"opt-cloth", "Microfiber Cleaning Cloth", "consumables", "75.00", 100, 20},
}

var pharmacyCatalog = []seedProduct{
	{"rx-paracetamol-500", "Paracetamol 500mg (10s)", "analgesic", "45.00", 200, 40},
	{"rx-ibuprofen-200", "Ibuprofen 200mg (10s)", "analgesic", "68.75", 120, 30},
	{"rx-cetirizine-10", "Cetirizine 10mg (10s)", "antihistamine", "99.00", 8, 10},
	{"rx-ors-sachet", "Oral Rehydration Salts", "electrolyte", "22.50", 3, 15},
	{"rx-vitc-500", "Ascorbic Acid 500mg (30s)", "vitamins", "210.00", 60, 12},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var load func(ctx context.Context) error
	switch req.ScenarioID {
	case "optical-clinic":
		load = func(ctx context.Context) error { return h.seedCatalog(ctx, opticalCatalog) }
	case "pharmacy-counter":
		load = func(ctx context.Context) error { return h.seedCatalog(ctx, pharmacyCatalog) }
	case "refund-walkthrough":
		load = h.loadRefundWalkthrough
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) seedCatalog(ctx context.Context, catalog []seedProduct) error {
	for _, sp := range catalog {
		_, err := h.Engine.AddProduct(ctx, ledger.Product{
			ID:                ledger.ProductID(sp.id),
			Name:              sp.name,
			Category:          sp.category,
			UnitPrice:         decimal.RequireFromString(sp.price),
			Quantity:          sp.quantity,
			LowStockThreshold: sp.threshold,
		})
		if err != nil {
			return fmt.Errorf("add %s: %w", sp.id, err)
		}
	}
	return nil
}

func (h *Handler) loadRefundWalkthrough(ctx context.Context) error {
	if err := h.seedCatalog(ctx, pharmacyCatalog); err != nil {
		return err
	}

	cash := func(amount string) decimal.NullDecimal {
		return decimal.NewNullDecimal(decimal.RequireFromString(amount))
	}
	line := func(id string, qty int) ledger.LineInput {
		return ledger.LineInput{ProductID: ledger.ProductID(id), Quantity: qty}
	}

	// COMPLETED: cash sale with a 10% senior-citizen discount on one line
	_, err := h.Engine.CreateTransaction(ctx, demoCashier, ledger.CreateTransactionInput{
		PaymentType: ledger.PaymentCash,
		CashTender:  cash("500.00"),
		Items: []ledger.LineInput{
			line("rx-paracetamol-500", 2),
			{
				ProductID: "rx-vitc-500",
				Quantity:  1,
				Discount:  ledger.Discount{Type: ledger.DiscountPercent, Value: decimal.NewFromInt(10)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("completed sale: %w", err)
	}

	// PARTIALLY_REFUNDED: GCash sale, one of three packs returned
	partial, err := h.Engine.CreateTransaction(ctx, demoCashier, ledger.CreateTransactionInput{
		PaymentType:     ledger.PaymentGCash,
		ReferenceNumber: "GC-DEMO-0001",
		Items: []ledger.LineInput{
			{
				ProductID: "rx-ibuprofen-200",
				Quantity:  3,
				Discount:  ledger.Discount{Type: ledger.DiscountFixed, Value: decimal.NewFromInt(20)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("partial sale: %w", err)
	}
	_, err = h.Engine.RefundItems(ctx, demoCashier, []ledger.RefundLine{
		{ItemID: partial.Items[0].ID, Quantity: 1, Reason: "unopened, customer changed mind"},
	})
	if err != nil {
		return fmt.Errorf("partial refund: %w", err)
	}

	// FULLY_REFUNDED: both lines returned in one batch
	full, err := h.Engine.CreateTransaction(ctx, demoCashier, ledger.CreateTransactionInput{
		PaymentType: ledger.PaymentCash,
		CashTender:  cash("200.00"),
		Items:       []ledger.LineInput{line("rx-cetirizine-10", 1), line("rx-ors-sachet", 2)},
	})
	if err != nil {
		return fmt.Errorf("full sale: %w", err)
	}
	_, err = h.Engine.RefundItems(ctx, demoCashier, []ledger.RefundLine{
		{ItemID: full.Items[0].ID, Quantity: 1, Reason: "wrong item"},
		{ItemID: full.Items[1].ID, Quantity: 2, Reason: "wrong item"},
	})
	if err != nil {
		return fmt.Errorf("full refund: %w", err)
	}

	// VOIDED: rung up by mistake
	voided, err := h.Engine.CreateTransaction(ctx, demoCashier, ledger.CreateTransactionInput{
		PaymentType: ledger.PaymentCash,
		CashTender:  cash("100.00"),
		Items:       []ledger.LineInput{line("rx-paracetamol-500", 1)},
	})
	if err != nil {
		return fmt.Errorf("voided sale: %w", err)
	}
	_, err = h.Engine.VoidTransaction(ctx, demoCashier, voided.Transaction.ID, "duplicate entry")
	if err != nil {
		return fmt.Errorf("void: %w", err)
	}
	return nil
}
