/*
engine.go - Sale, void and refund orchestration

PURPOSE:
  The Engine owns the transaction lifecycle. Each mutating call runs in one
  unit of work (TxStore.WithTx) so stock, transaction status, line refund
  counters and refund records commit or roll back together.

OPERATION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │ Create:  validate ─▶ ref unique? ─▶ per line: debit + subtotal   │
  │          ─▶ save transaction + items (COMPLETED) ─▶ audit CREATE │
  │                                                                  │
  │ Void:    lock txn ─▶ guards ─▶ credit every line ─▶ VOIDED       │
  │          ─▶ audit VOID                                           │
  │                                                                  │
  │ Refund:  per line: lock txn ─▶ guards ─▶ credit ─▶ amount        │
  │          ─▶ append refund ─▶ bump refunded qty                   │
  │          then per touched txn: recompute status ─▶ audit REFUND  │
  └──────────────────────────────────────────────────────────────────┘

FAILURE SEMANTICS:
  Any error inside the unit of work rolls back every write made so far,
  so one line with insufficient stock leaves every product untouched.
  ErrConcurrentModification from the store retries the whole unit of work
  up to MaxAttempts. Audit happens after commit and never fails the call.

ACTING USER:
  Every mutation takes an explicit UserRef. There is no ambient
  "current user" lookup.

EXAMPLE:
  engine := ledger.NewEngine(store, ledger.StoreAuditSink{Store: store}, logger)

  sale, err := engine.CreateTransaction(ctx, cashier, ledger.CreateTransactionInput{
      PaymentType: ledger.PaymentCash,
      CashTender:  decimal.NewNullDecimal(decimal.RequireFromString("500.00")),
      Items:       []ledger.LineInput{{ProductID: "frame-01", Quantity: 1}},
  })

  _, err = engine.RefundItems(ctx, cashier, []ledger.RefundLine{
      {ItemID: sale.Items[0].ID, Quantity: 1, Reason: "wrong size"},
  })

SEE ALSO:
  - calculator.go: Money rules
  - status.go:     Transition table and guards
  - stock.go:      Debit / credit
  - refunds.go:    Append-only refund ledger
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/clinic-pos/observability"
)

// =============================================================================
// INPUTS
// =============================================================================

type LineInput struct {
	ProductID ProductID
	Quantity  int
	Discount  Discount
}

type CreateTransactionInput struct {
	PatientID       PatientID
	PaymentType     PaymentType
	CashTender      decimal.NullDecimal
	ReferenceNumber string
	ProofImage      string
	Items           []LineInput
}

// Validate checks request shape and payment rules. Stock, prices and
// reference-number uniqueness are checked inside the unit of work.
func (in CreateTransactionInput) Validate() error {
	switch in.PaymentType {
	case PaymentCash:
		if !in.CashTender.Valid || !in.CashTender.Decimal.IsPositive() {
			return invalid("cash_tender", "cash tender is required for CASH payment")
		}
		if !IsMoney(in.CashTender.Decimal) {
			return invalid("cash_tender", "must have at most 2 decimal places")
		}
	case PaymentGCash:
		if strings.TrimSpace(in.ReferenceNumber) == "" && strings.TrimSpace(in.ProofImage) == "" {
			return invalid("reference_number", "either reference number or proof image is required for GCASH payment")
		}
	default:
		return invalid("payment_type", "must be CASH or GCASH")
	}

	if len(in.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	for i, line := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if line.ProductID == "" {
			return invalid(field+".product_id", "is required")
		}
		if line.Quantity <= 0 {
			return invalid(field+".quantity", "must be greater than zero")
		}
		if err := line.Discount.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return invalid(field+"."+ve.Field, ve.Message)
			}
			return err
		}
	}
	return nil
}

type RefundLine struct {
	ItemID   ItemID
	Quantity int
	Reason   string
}

// RefundResult lists the refunds written and every transaction the batch
// touched, in the order first touched.
type RefundResult struct {
	Refunds      []Refund
	Transactions []TransactionDetails
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    TxStore
	Audit    AuditSink
	Patients PatientDirectory // optional
	Logger   *zap.Logger

	// MaxAttempts bounds how often a unit of work is retried after
	// ErrConcurrentModification.
	MaxAttempts int

	Now   func() time.Time
	NewID func() string
}

// NewEngine wires an engine with UTC clock and UUID ids. A nil audit sink
// logs events; a nil logger discards logs.
func NewEngine(store TxStore, audit AuditSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = LogAuditSink{Logger: logger}
	}
	return &Engine{
		Store:       store,
		Audit:       audit,
		Logger:      logger,
		MaxAttempts: 3,
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateTransaction records a sale. All lines debit stock or none do.
func (e *Engine) CreateTransaction(ctx context.Context, actor UserRef, in CreateTransactionInput) (details *TransactionDetails, err error) {
	start := time.Now()
	defer func() { e.observe("create", start, err) }()

	if actor.IsZero() {
		return nil, invalid("acting_user", "is required")
	}
	in.ReferenceNumber = strings.TrimSpace(in.ReferenceNumber)
	in.ProofImage = strings.TrimSpace(in.ProofImage)
	if err = in.Validate(); err != nil {
		return nil, err
	}
	if err = e.checkPatient(ctx, in.PatientID); err != nil {
		return nil, err
	}

	err = e.inTx(ctx, "create", func(s Store) error {
		if in.ReferenceNumber != "" {
			exists, err := s.ExistsByReferenceNumber(ctx, in.ReferenceNumber)
			if err != nil {
				return fmt.Errorf("check reference number: %w", err)
			}
			if exists {
				return invalid("reference_number", "reference number already used")
			}
		}

		txn := Transaction{
			ID:              TransactionID(e.NewID()),
			CreatedAt:       e.Now(),
			PaymentType:     in.PaymentType,
			ReferenceNumber: in.ReferenceNumber,
			ProofImage:      in.ProofImage,
			Status:          StatusCompleted,
			CreatedBy:       actor.ID,
			PatientID:       in.PatientID,
		}
		if in.PaymentType == PaymentCash {
			txn.CashTender = in.CashTender
		}

		stock := NewStockLedger(s)
		items := make([]TransactionItem, 0, len(in.Items))
		total := decimal.Zero
		for _, line := range in.Items {
			product, err := stock.Debit(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			discount := line.Discount.Normalize()
			subtotal, err := ComputeSubtotal(product.UnitPrice, line.Quantity, discount)
			if err != nil {
				return err
			}
			items = append(items, TransactionItem{
				ID:            ItemID(e.NewID()),
				TransactionID: txn.ID,
				ProductID:     product.ID,
				Quantity:      line.Quantity,
				UnitPrice:     product.UnitPrice,
				Discount:      discount,
				Subtotal:      subtotal,
			})
			total = total.Add(subtotal)
		}
		txn.TotalAmount = total

		if txn.CashTender.Valid && txn.CashTender.Decimal.LessThan(total) {
			return invalid("cash_tender", "cash tender is less than the total amount")
		}

		if err := s.SaveTransaction(ctx, txn); err != nil {
			return fmt.Errorf("save transaction: %w", err)
		}
		if err := s.SaveItems(ctx, items); err != nil {
			return fmt.Errorf("save transaction items: %w", err)
		}
		details = &TransactionDetails{Transaction: txn, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	units := 0
	for _, it := range details.Items {
		units += it.Quantity
	}
	observability.RecordStock("debit", units)
	observability.RecordSale(string(details.Transaction.PaymentType), details.Transaction.TotalAmount.InexactFloat64())

	e.emit(ctx, AuditEvent{
		Action:      AuditCreate,
		Resource:    ResourceTransaction,
		ResourceID:  string(details.Transaction.ID),
		ActorID:     actor.ID,
		Summary:     "Created transaction record",
		DetailsJSON: mustJSON(toTransactionAudit(*details)),
	})
	return details, nil
}

// =============================================================================
// VOID
// =============================================================================

// VoidTransaction cancels a COMPLETED sale and returns every unit to stock.
func (e *Engine) VoidTransaction(ctx context.Context, actor UserRef, id TransactionID, reason string) (details *TransactionDetails, err error) {
	start := time.Now()
	defer func() { e.observe("void", start, err) }()

	if actor.IsZero() {
		return nil, invalid("acting_user", "is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}

	err = e.inTx(ctx, "void", func(s Store) error {
		txn, err := s.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := CheckVoidable(txn); err != nil {
			return err
		}

		items, err := s.ItemsByTransaction(ctx, id)
		if err != nil {
			return fmt.Errorf("load transaction items: %w", err)
		}

		// No refunds exist on a COMPLETED transaction, so the purchased
		// quantity is exactly what left stock.
		stock := NewStockLedger(s)
		for _, it := range items {
			if _, err := stock.Credit(ctx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}

		if err := ValidateTransition(txn, StatusVoided); err != nil {
			return err
		}
		now := e.Now()
		txn.Status = StatusVoided
		txn.VoidedBy = actor.ID
		txn.VoidedAt = &now
		txn.VoidReason = reason
		if err := s.SaveTransaction(ctx, txn); err != nil {
			return fmt.Errorf("save transaction: %w", err)
		}

		details = &TransactionDetails{Transaction: txn, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}

	units := 0
	for _, it := range details.Items {
		units += it.Quantity
	}
	observability.RecordStock("credit", units)

	e.emit(ctx, AuditEvent{
		Action:      AuditVoid,
		Resource:    ResourceTransaction,
		ResourceID:  string(details.Transaction.ID),
		ActorID:     actor.ID,
		Summary:     "Voided transaction record",
		DetailsJSON: mustJSON(toTransactionAudit(*details)),
	})
	return details, nil
}

// =============================================================================
// REFUND
// =============================================================================

// RefundItems refunds a batch of lines atomically. Lines may belong to
// different transactions; each touched transaction gets its status
// recomputed.
func (e *Engine) RefundItems(ctx context.Context, actor UserRef, lines []RefundLine) (result *RefundResult, err error) {
	start := time.Now()
	defer func() { e.observe("refund", start, err) }()

	if actor.IsZero() {
		return nil, invalid("acting_user", "is required")
	}
	if len(lines) == 0 {
		return nil, invalid("items", "at least one item is required")
	}
	for i, line := range lines {
		field := fmt.Sprintf("items[%d]", i)
		if line.ItemID == "" {
			return nil, invalid(field+".transaction_item_id", "is required")
		}
		if line.Quantity <= 0 {
			return nil, invalid(field+".refund_quantity", "must be greater than zero")
		}
	}

	err = e.inTx(ctx, "refund", func(s Store) error {
		res := &RefundResult{}
		stock := NewStockLedger(s)
		refunds := NewRefundLedger(s)

		txns := make(map[TransactionID]Transaction)
		var touched []TransactionID

		for _, line := range lines {
			item, err := s.GetItem(ctx, line.ItemID)
			if err != nil {
				return err
			}

			txn, locked := txns[item.TransactionID]
			if !locked {
				txn, err = s.GetTransactionForUpdate(ctx, item.TransactionID)
				if err != nil {
					return err
				}
				txns[txn.ID] = txn
				touched = append(touched, txn.ID)

				// re-read under the transaction lock
				item, err = s.GetItem(ctx, line.ItemID)
				if err != nil {
					return err
				}
			}
			if err := CheckRefundable(txn); err != nil {
				return err
			}

			already := item.RefundedQuantity
			if already+line.Quantity > item.Quantity {
				return &RefundQuantityError{
					ItemID:          item.ID,
					Purchased:       item.Quantity,
					AlreadyRefunded: already,
					Requested:       line.Quantity,
				}
			}

			if _, err := stock.Credit(ctx, item.ProductID, line.Quantity); err != nil {
				return err
			}

			amount, err := ComputeRefundAmount(item, line.Quantity)
			if err != nil {
				return err
			}
			refund := Refund{
				ID:         RefundID(e.NewID()),
				ItemID:     item.ID,
				Quantity:   line.Quantity,
				Amount:     amount,
				Reason:     strings.TrimSpace(line.Reason),
				RefundedAt: e.Now(),
				IssuedBy:   actor.ID,
			}
			if err := refunds.Append(ctx, refund); err != nil {
				return fmt.Errorf("append refund: %w", err)
			}

			item.RefundedQuantity = already + line.Quantity
			if err := s.SaveItems(ctx, []TransactionItem{item}); err != nil {
				return fmt.Errorf("save transaction item: %w", err)
			}
			res.Refunds = append(res.Refunds, refund)
		}

		for _, id := range touched {
			txn := txns[id]
			items, err := s.ItemsByTransaction(ctx, id)
			if err != nil {
				return fmt.Errorf("load transaction items: %w", err)
			}
			next := DeriveRefundStatus(txn.Status, items)
			if next != txn.Status {
				if err := ValidateTransition(txn, next); err != nil {
					return err
				}
				txn.Status = next
				if err := s.SaveTransaction(ctx, txn); err != nil {
					return fmt.Errorf("save transaction: %w", err)
				}
			}
			res.Transactions = append(res.Transactions, TransactionDetails{Transaction: txn, Items: items})
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	units := 0
	for _, r := range result.Refunds {
		units += r.Quantity
		observability.RecordRefund(r.Amount.InexactFloat64())
	}
	observability.RecordStock("credit", units)

	e.emitRefunds(ctx, actor, result)
	return result, nil
}

type refundBatchAudit struct {
	TransactionID TransactionID     `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	Items         []itemAudit       `json:"items"`
}

// emitRefunds writes one event per transaction: item-level when a single
// line was refunded, transaction-level (batched) otherwise.
func (e *Engine) emitRefunds(ctx context.Context, actor UserRef, result *RefundResult) {
	byItem := make(map[ItemID][]Refund)
	for _, r := range result.Refunds {
		byItem[r.ItemID] = append(byItem[r.ItemID], r)
	}

	for _, d := range result.Transactions {
		var lines []itemAudit
		for _, it := range d.Items {
			rs, ok := byItem[it.ID]
			if !ok {
				continue
			}
			a := toItemAudit(it)
			for _, r := range rs {
				a.Refunds = append(a.Refunds, refundAudit{
					RefundID: r.ID,
					Quantity: r.Quantity,
					Amount:   r.Amount.StringFixed(MoneyScale),
					Reason:   r.Reason,
				})
			}
			lines = append(lines, a)
		}

		if len(lines) == 1 {
			e.emit(ctx, AuditEvent{
				Action:      AuditRefund,
				Resource:    ResourceTransactionItem,
				ResourceID:  string(lines[0].ItemID),
				ActorID:     actor.ID,
				Summary:     "Refunded transaction item record",
				DetailsJSON: mustJSON(lines[0]),
			})
			continue
		}
		e.emit(ctx, AuditEvent{
			Action:     AuditRefund,
			Resource:   ResourceTransaction,
			ResourceID: string(d.Transaction.ID),
			ActorID:    actor.ID,
			Summary:    fmt.Sprintf("Refunded %d transaction item records", len(lines)),
			DetailsJSON: mustJSON(refundBatchAudit{
				TransactionID: d.Transaction.ID,
				Status:        d.Transaction.Status,
				Items:         lines,
			}),
		})
	}
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetTransaction(ctx context.Context, id TransactionID) (*TransactionDetails, error) {
	txn, err := e.Store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := e.Store.ItemsByTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction items: %w", err)
	}
	return &TransactionDetails{Transaction: txn, Items: items}, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (e *Engine) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, invalid("to", "must not be before from")
	}
	if filter.PaymentType != "" && !filter.PaymentType.Valid() {
		return nil, invalid("payment_type", "must be CASH or GCASH")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown transaction status")
	}
	if filter.Offset < 0 {
		return nil, invalid("offset", "must not be negative")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return e.Store.ListTransactions(ctx, filter)
}

// RefundsForItem returns the refund history of one line.
func (e *Engine) RefundsForItem(ctx context.Context, id ItemID) ([]Refund, error) {
	if _, err := e.Store.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return NewRefundLedger(e.Store).Refunds(ctx, id)
}

// =============================================================================
// CATALOG
// =============================================================================

// AddProduct registers a new catalog entry with its opening stock.
func (e *Engine) AddProduct(ctx context.Context, p Product) (Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Product{}, invalid("product_name", "is required")
	}
	if p.UnitPrice.IsNegative() {
		return Product{}, invalid("unit_price", "must not be negative")
	}
	if p.Quantity < 0 {
		return Product{}, invalid("quantity", "must not be negative")
	}
	if p.LowStockThreshold < 0 {
		return Product{}, invalid("low_stock_threshold", "must not be negative")
	}

	if p.ID == "" {
		p.ID = ProductID(e.NewID())
	} else if _, err := e.Store.GetProduct(ctx, p.ID); err == nil {
		return Product{}, invalid("product_id", "product already exists")
	} else if !IsNotFound(err) {
		return Product{}, err
	}
	p.UnitPrice = RoundMoney(p.UnitPrice)
	p.CreatedAt = e.Now()

	if err := e.Store.SaveProduct(ctx, p); err != nil {
		return Product{}, fmt.Errorf("save product: %w", err)
	}
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) checkPatient(ctx context.Context, id PatientID) error {
	if id == "" || e.Patients == nil {
		return nil
	}
	ok, err := e.Patients.PatientExists(ctx, id)
	if err != nil {
		return fmt.Errorf("look up patient: %w", err)
	}
	if !ok {
		return notFound("patient", string(id))
	}
	return nil
}

// inTx runs fn in a unit of work, retrying on ErrConcurrentModification.
func (e *Engine) inTx(ctx context.Context, op string, fn func(Store) error) error {
	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.Store.WithTx(ctx, fn)
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			observability.RecordRetry(op)
			e.Logger.Warn("retrying unit of work",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return err
}

// emit hands an event to the sink. The mutation is already committed, so
// failures are only logged and counted.
func (e *Engine) emit(ctx context.Context, ev AuditEvent) {
	ev.ID = e.NewID()
	ev.At = e.Now()
	if err := e.Audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		observability.RecordAuditFailure(string(ev.Action))
		e.Logger.Error("audit record failed",
			zap.String("action", string(ev.Action)),
			zap.String("resource_id", ev.ResourceID),
			zap.Error(err),
		)
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsClientError(err):
		outcome = "client_error"
		e.Logger.Info("operation rejected", zap.String("operation", op), zap.Error(err))
	case IsRetryable(err):
		outcome = "retryable"
		e.Logger.Warn("operation conflicted", zap.String("operation", op), zap.Error(err))
	default:
		outcome = "error"
		e.Logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
	}
	observability.RecordOperation(op, outcome, time.Since(start))
}
