/*
audit.go - Audit emission hook

PURPOSE:
  After each committed state transition the engine hands an AuditEvent to an
  AuditSink. The engine does not persist audit entries itself and an audit
  failure never undoes a sale, void or refund; it is logged and counted.

EVENTS:
  CREATE  TRANSACTION       full transaction snapshot
  VOID    TRANSACTION       full transaction snapshot incl. void metadata
  REFUND  TRANSACTION_ITEM  one line refunded in a transaction
  REFUND  TRANSACTION       several lines of one transaction (batched)

SINKS:
  LogAuditSink     writes events to zap
  StoreAuditSink   appends to an AuditStore (sqlite/postgres/memory)
  MultiAuditSink   fans out to several sinks, joins their errors
*/
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

type AuditAction string

const (
	AuditCreate AuditAction = "CREATE"
	AuditVoid   AuditAction = "VOID"
	AuditRefund AuditAction = "REFUND"
)

type AuditResource string

const (
	ResourceTransaction     AuditResource = "TRANSACTION"
	ResourceTransactionItem AuditResource = "TRANSACTION_ITEM"
)

type AuditEvent struct {
	ID          string
	Action      AuditAction
	Resource    AuditResource
	ResourceID  string
	ActorID     UserID
	Summary     string
	DetailsJSON json.RawMessage
	At          time.Time
}

// AuditSink receives events after commit.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, e AuditEvent) error

func (f AuditSinkFunc) Record(ctx context.Context, e AuditEvent) error { return f(ctx, e) }

// =============================================================================
// SINKS
// =============================================================================

type LogAuditSink struct {
	Logger *zap.Logger
}

func (s LogAuditSink) Record(_ context.Context, e AuditEvent) error {
	s.Logger.Info("audit",
		zap.String("action", string(e.Action)),
		zap.String("resource", string(e.Resource)),
		zap.String("resource_id", e.ResourceID),
		zap.String("actor", string(e.ActorID)),
		zap.String("summary", e.Summary),
		zap.ByteString("details", e.DetailsJSON),
	)
	return nil
}

type StoreAuditSink struct {
	Store AuditStore
}

func (s StoreAuditSink) Record(ctx context.Context, e AuditEvent) error {
	return s.Store.AppendAudit(ctx, e)
}

type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, e AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// SNAPSHOTS - JSON payloads carried in DetailsJSON
// =============================================================================

type transactionAudit struct {
	TransactionID   TransactionID     `json:"transaction_id"`
	CreatedAt       time.Time         `json:"created_at"`
	TotalAmount     string            `json:"total_amount"`
	PaymentType     PaymentType       `json:"payment_type"`
	CashTender      string            `json:"cash_tender,omitempty"`
	Change          string            `json:"change,omitempty"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Status          TransactionStatus `json:"status"`
	CreatedBy       UserID            `json:"created_by"`
	PatientID       PatientID         `json:"patient_id,omitempty"`
	VoidedBy        UserID            `json:"voided_by,omitempty"`
	VoidedAt        *time.Time        `json:"voided_at,omitempty"`
	VoidReason      string            `json:"void_reason,omitempty"`
	Items           []itemAudit       `json:"items"`
}

type itemAudit struct {
	ItemID           ItemID        `json:"transaction_item_id"`
	ProductID        ProductID     `json:"product_id"`
	Quantity         int           `json:"quantity"`
	UnitPrice        string        `json:"unit_price"`
	DiscountType     DiscountType  `json:"discount_type"`
	DiscountValue    string        `json:"discount_value"`
	Subtotal         string        `json:"subtotal"`
	RefundedQuantity int           `json:"refunded_quantity"`
	Refunds          []refundAudit `json:"refunds,omitempty"`
}

type refundAudit struct {
	RefundID RefundID `json:"refund_id"`
	Quantity int      `json:"refund_quantity"`
	Amount   string   `json:"refund_amount"`
	Reason   string   `json:"refund_reason,omitempty"`
}

func toItemAudit(it TransactionItem) itemAudit {
	d := it.Discount.Normalize()
	return itemAudit{
		ItemID:           it.ID,
		ProductID:        it.ProductID,
		Quantity:         it.Quantity,
		UnitPrice:        it.UnitPrice.StringFixed(MoneyScale),
		DiscountType:     d.Type,
		DiscountValue:    d.Value.String(),
		Subtotal:         it.Subtotal.StringFixed(MoneyScale),
		RefundedQuantity: it.RefundedQuantity,
	}
}

func toTransactionAudit(d TransactionDetails) transactionAudit {
	t := d.Transaction
	a := transactionAudit{
		TransactionID:   t.ID,
		CreatedAt:       t.CreatedAt,
		TotalAmount:     t.TotalAmount.StringFixed(MoneyScale),
		PaymentType:     t.PaymentType,
		ReferenceNumber: t.ReferenceNumber,
		Status:          t.Status,
		CreatedBy:       t.CreatedBy,
		PatientID:       t.PatientID,
		VoidedBy:        t.VoidedBy,
		VoidedAt:        t.VoidedAt,
		VoidReason:      t.VoidReason,
		Items:           make([]itemAudit, 0, len(d.Items)),
	}
	if t.CashTender.Valid {
		a.CashTender = t.CashTender.Decimal.StringFixed(MoneyScale)
		a.Change = t.Change().StringFixed(MoneyScale)
	}
	for _, it := range d.Items {
		a.Items = append(a.Items, toItemAudit(it))
	}
	return a
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
