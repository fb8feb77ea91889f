/*
handlers.go - HTTP API handlers for the clinic point of sale

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every business rule to ledger.Engine.

ENDPOINTS:
  Products:
    GET    /api/products                   List catalog
    POST   /api/products                   Add product with opening stock
    GET    /api/products/{id}              Product details

  Transactions:
    POST   /api/transactions               Record a sale
    GET    /api/transactions               List (from, to, payment_type, status, limit, offset)
    GET    /api/transactions/{id}          Sale with lines
    POST   /api/transactions/{id}/void     Void a completed sale

  Refunds:
    POST   /api/refunds                    Refund a batch of lines
    GET    /api/items/{id}/refunds         Refund history of one line

  Admin:
    GET    /api/audit                      Recent audit events
    GET    /api/admin/reconciliation       Last reconciliation report
    POST   /api/admin/reconciliation/run   Run reconciliation now

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    POST   /api/scenarios/load             Load a demo scenario

ACTING USER:
  Mutating handlers take the acting user from the bearer token (auth.go)
  and pass it to the engine explicitly.

ERROR HANDLING:
  Errors are returned as JSON (ErrorResponse) with a status derived from
  the ledger error category:
  - 400: Validation, insufficient stock, over-refund
  - 401: Missing or invalid token
  - 404: Product / transaction / item not found
  - 409: Lifecycle guard (void a voided sale, refund a voided sale, ...)
  - 503: Write conflict that survived the engine's retries
  - 500: Anything else (details logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/clinic-pos/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the HTTP layer needs beyond the engine.
type Store interface {
	ledger.TxStore
	ledger.AuditStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *ledger.Engine
	Store     Store
	Logger    *zap.Logger
	Scheduler *ReconciliationScheduler // optional

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around engine and store.
func NewHandler(engine *ledger.Engine, store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Store: store, Logger: logger}
}

const maxBodyBytes = 1 << 20

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns the catalog ordered by name.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dtos = append(dtos, toProductDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// CreateProduct adds a catalog entry.
// POST /api/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.Engine.AddProduct(r.Context(), ledger.Product{
		ID:                ledger.ProductID(req.ID),
		Name:              req.Name,
		Category:          req.Category,
		UnitPrice:         req.UnitPrice,
		Quantity:          req.Quantity,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction records a sale.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	details, err := h.Engine.CreateTransaction(r.Context(), actor, req.toInput())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(details.Transaction, details.Items))
}

// ListTransactions returns sale headers, newest first.
// GET /api/transactions?from=2025-01-01&to=2025-01-31&payment_type=CASH&status=COMPLETED&limit=50&offset=0
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{
		PaymentType: ledger.PaymentType(strings.ToUpper(q.Get("payment_type"))),
		Status:      ledger.TransactionStatus(strings.ToUpper(q.Get("status"))),
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from", err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to", err)
		return
	}
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	if filter.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset", err)
		return
	}

	txns, err := h.Engine.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txns))
	for _, t := range txns {
		dtos = append(dtos, toTransactionDTO(t, nil))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransaction returns one sale with its lines.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	details, err := h.Engine.GetTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(details.Transaction, details.Items))
}

// VoidTransaction cancels a completed sale and restocks every line.
// POST /api/transactions/{id}/void
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req VoidTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	details, err := h.Engine.VoidTransaction(r.Context(), actor,
		ledger.TransactionID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(details.Transaction, details.Items))
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// RefundItems refunds a batch of lines atomically.
// POST /api/refunds
func (h *Handler) RefundItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lines := make([]ledger.RefundLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, ledger.RefundLine{
			ItemID:   ledger.ItemID(it.ItemID),
			Quantity: it.Quantity,
			Reason:   it.Reason,
		})
	}

	result, err := h.Engine.RefundItems(r.Context(), actor, lines)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := RefundResponse{
		Refunds:      make([]RefundDTO, 0, len(result.Refunds)),
		Transactions: make([]TransactionDTO, 0, len(result.Transactions)),
	}
	total := decimal.Zero
	for _, rf := range result.Refunds {
		resp.Refunds = append(resp.Refunds, toRefundDTO(rf))
		total = total.Add(rf.Amount)
	}
	resp.TotalRefunded = money(total)
	for _, d := range result.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(d.Transaction, d.Items))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListItemRefunds returns the refund history of one line, oldest first.
// GET /api/items/{id}/refunds
func (h *Handler) ListItemRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.Engine.RefundsForItem(r.Context(), ledger.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]RefundDTO, 0, len(refunds))
	for _, rf := range refunds {
		dtos = append(dtos, toRefundDTO(rf))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListAudit returns recent audit events, newest first.
// GET /api/audit?limit=100
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := h.Store.RecentAudit(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]AuditEventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, AuditEventDTO{
			ID:         e.ID,
			Action:     string(e.Action),
			Resource:   string(e.Resource),
			ResourceID: e.ResourceID,
			ActorID:    string(e.ActorID),
			Summary:    e.Summary,
			Details:    e.DetailsJSON,
			At:         e.At,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliation returns the scheduler's last report.
// GET /api/admin/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "reconciliation scheduler not configured", nil)
		return
	}
	report := h.Scheduler.LastReport()
	if report == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// RunReconciliation runs a sweep synchronously and returns its report.
// POST /api/admin/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "reconciliation scheduler not configured", nil)
		return
	}
	report, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps a ledger error category to a status code.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case ledger.IsNotFound(err):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ledger.ErrInsufficientStock):
		status, code = http.StatusBadRequest, "INSUFFICIENT_STOCK"
	case errors.Is(err, ledger.ErrIllegalArgument):
		status, code = http.StatusBadRequest, "ILLEGAL_ARGUMENT"
	case errors.Is(err, ledger.ErrBadRequest):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, ledger.ErrIllegalState):
		status, code = http.StatusConflict, "ILLEGAL_STATE"
	case ledger.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "CONCURRENT_MODIFICATION"
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var ve *ledger.ValidationError
	if errors.As(err, &ve) {
		resp.Details = map[string]string{"field": ve.Field}
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (ledger.UserRef, bool) {
	actor, ok := actingUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "acting user required", nil)
	}
	return actor, ok
}

// parseTimeParam accepts RFC3339 or a plain date. A plain "to" date covers
// the whole day.
func parseTimeParam(value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseIntParam(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
