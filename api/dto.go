/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Requests accept amounts as JSON numbers or strings (decimal.Decimal).
  Responses always render money as strings with two decimals ("1250.00")
  so clients never see float rounding.

VALIDATION:
  Validation is done by the ledger engine, not in DTOs. DTOs are pure data
  carriers; handlers only reject bodies that fail to decode.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-pos/ledger"
)

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID                string    `json:"product_id"`
	Name              string    `json:"product_name"`
	Category          string    `json:"category,omitempty"`
	UnitPrice         string    `json:"unit_price"`
	Quantity          int       `json:"quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	LowStock          bool      `json:"low_stock"`
	Archived          bool      `json:"archived"`
	CreatedAt         time.Time `json:"created_at"`
}

type CreateProductRequest struct {
	ID                string          `json:"product_id,omitempty"`
	Name              string          `json:"product_name"`
	Category          string          `json:"category,omitempty"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Quantity          int             `json:"quantity"`
	LowStockThreshold int             `json:"low_stock_threshold"`
}

func toProductDTO(p ledger.Product) ProductDTO {
	return ProductDTO{
		ID:                string(p.ID),
		Name:              p.Name,
		Category:          p.Category,
		UnitPrice:         money(p.UnitPrice),
		Quantity:          p.Quantity,
		LowStockThreshold: p.LowStockThreshold,
		LowStock:          p.IsLowStock(),
		Archived:          p.Archived,
		CreatedAt:         p.CreatedAt,
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionItemRequest struct {
	ProductID     string           `json:"product_id"`
	Quantity      int              `json:"quantity"`
	DiscountType  string           `json:"discount_type,omitempty"`
	DiscountValue *decimal.Decimal `json:"discount_value,omitempty"`
}

type CreateTransactionRequest struct {
	PatientID       string                   `json:"patient_id,omitempty"`
	PaymentType     string                   `json:"payment_type"`
	CashTender      *decimal.Decimal         `json:"cash_tender,omitempty"`
	ReferenceNumber string                   `json:"reference_number,omitempty"`
	ProofImage      string                   `json:"proof_image,omitempty"`
	Items           []TransactionItemRequest `json:"items"`
}

func (req CreateTransactionRequest) toInput() ledger.CreateTransactionInput {
	in := ledger.CreateTransactionInput{
		PatientID:       ledger.PatientID(req.PatientID),
		PaymentType:     ledger.PaymentType(req.PaymentType),
		ReferenceNumber: req.ReferenceNumber,
		ProofImage:      req.ProofImage,
		Items:           make([]ledger.LineInput, 0, len(req.Items)),
	}
	if req.CashTender != nil {
		in.CashTender = decimal.NewNullDecimal(*req.CashTender)
	}
	for _, it := range req.Items {
		d := ledger.Discount{Type: ledger.DiscountType(it.DiscountType)}
		if it.DiscountValue != nil {
			d.Value = *it.DiscountValue
		}
		in.Items = append(in.Items, ledger.LineInput{
			ProductID: ledger.ProductID(it.ProductID),
			Quantity:  it.Quantity,
			Discount:  d,
		})
	}
	return in
}

type TransactionItemDTO struct {
	ID                 string `json:"transaction_item_id"`
	ProductID          string `json:"product_id"`
	Quantity           int    `json:"quantity"`
	UnitPrice          string `json:"unit_price"`
	DiscountType       string `json:"discount_type"`
	DiscountValue      string `json:"discount_value"`
	Subtotal           string `json:"subtotal"`
	RefundedQuantity   int    `json:"refunded_quantity"`
	RefundableQuantity int    `json:"refundable_quantity"`
}

type TransactionDTO struct {
	ID              string               `json:"transaction_id"`
	CreatedAt       time.Time            `json:"created_at"`
	TotalAmount     string               `json:"total_amount"`
	PaymentType     string               `json:"payment_type"`
	CashTender      string               `json:"cash_tender,omitempty"`
	Change          string               `json:"change,omitempty"`
	ReferenceNumber string               `json:"reference_number,omitempty"`
	ProofImage      string               `json:"proof_image,omitempty"`
	Status          string               `json:"status"`
	CreatedBy       string               `json:"created_by"`
	PatientID       string               `json:"patient_id,omitempty"`
	VoidedBy        string               `json:"voided_by,omitempty"`
	VoidedAt        *time.Time           `json:"voided_at,omitempty"`
	VoidReason      string               `json:"void_reason,omitempty"`
	Items           []TransactionItemDTO `json:"items,omitempty"`
}

func toTransactionDTO(t ledger.Transaction, items []ledger.TransactionItem) TransactionDTO {
	dto := TransactionDTO{
		ID:              string(t.ID),
		CreatedAt:       t.CreatedAt,
		TotalAmount:     money(t.TotalAmount),
		PaymentType:     string(t.PaymentType),
		ReferenceNumber: t.ReferenceNumber,
		ProofImage:      t.ProofImage,
		Status:          string(t.Status),
		CreatedBy:       string(t.CreatedBy),
		PatientID:       string(t.PatientID),
		VoidedBy:        string(t.VoidedBy),
		VoidedAt:        t.VoidedAt,
		VoidReason:      t.VoidReason,
	}
	if t.CashTender.Valid {
		dto.CashTender = money(t.CashTender.Decimal)
		dto.Change = money(t.Change())
	}
	for _, it := range items {
		d := it.Discount.Normalize()
		dto.Items = append(dto.Items, TransactionItemDTO{
			ID:                 string(it.ID),
			ProductID:          string(it.ProductID),
			Quantity:           it.Quantity,
			UnitPrice:          money(it.UnitPrice),
			DiscountType:       string(d.Type),
			DiscountValue:      d.Value.String(),
			Subtotal:           money(it.Subtotal),
			RefundedQuantity:   it.RefundedQuantity,
			RefundableQuantity: it.RefundableQuantity(),
		})
	}
	return dto
}

type VoidTransactionRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// REFUNDS
// =============================================================================

type RefundItemRequest struct {
	ItemID   string `json:"transaction_item_id"`
	Quantity int    `json:"refund_quantity"`
	Reason   string `json:"refund_reason,omitempty"`
}

type RefundRequest struct {
	Items []RefundItemRequest `json:"items"`
}

type RefundDTO struct {
	ID         string    `json:"refund_id"`
	ItemID     string    `json:"transaction_item_id"`
	Quantity   int       `json:"refund_quantity"`
	Amount     string    `json:"refund_amount"`
	Reason     string    `json:"refund_reason,omitempty"`
	RefundedAt time.Time `json:"refunded_at"`
	IssuedBy   string    `json:"issued_by"`
}

func toRefundDTO(r ledger.Refund) RefundDTO {
	return RefundDTO{
		ID:         string(r.ID),
		ItemID:     string(r.ItemID),
		Quantity:   r.Quantity,
		Amount:     money(r.Amount),
		Reason:     r.Reason,
		RefundedAt: r.RefundedAt,
		IssuedBy:   string(r.IssuedBy),
	}
}

type RefundResponse struct {
	Refunds       []RefundDTO      `json:"refunds"`
	TotalRefunded string           `json:"total_refunded"`
	Transactions  []TransactionDTO `json:"transactions"`
}

// =============================================================================
// AUDIT / ADMIN
// =============================================================================

type AuditEventDTO struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	ActorID    string          `json:"actor_id"`
	Summary    string          `json:"summary"`
	Details    json.RawMessage `json:"details,omitempty"`
	At         time.Time       `json:"at"`
}

type MismatchDTO struct {
	TransactionID string `json:"transaction_id"`
	ItemID        string `json:"transaction_item_id,omitempty"`
	Problem       string `json:"problem"`
}

type ReconciliationDTO struct {
	CheckedAt      time.Time     `json:"checked_at"`
	Since          time.Time     `json:"since"`
	Transactions   int           `json:"transactions"`
	Items          int           `json:"items"`
	RefundedAmount string        `json:"refunded_amount"`
	OK             bool          `json:"ok"`
	Mismatches     []MismatchDTO `json:"mismatches"`
	LowStock       []ProductDTO  `json:"low_stock"`
}

func toReconciliationDTO(r *ledger.ReconciliationReport) ReconciliationDTO {
	dto := ReconciliationDTO{
		CheckedAt:      r.CheckedAt,
		Since:          r.Since,
		Transactions:   r.Transactions,
		Items:          r.Items,
		RefundedAmount: money(r.RefundedAmount),
		OK:             r.OK(),
		Mismatches:     make([]MismatchDTO, 0, len(r.Mismatches)),
		LowStock:       make([]ProductDTO, 0, len(r.LowStock)),
	}

	for _, m := range r.Mismatches {
		dto.Mismatches = append(dto.Mismatches, MismatchDTO{
			TransactionID: string(m.TransactionID),
			ItemID:        string(m.ItemID),
			Problem:       m.Problem,
		})
	}
	for _, p := range r.LowStock {
		dto.LowStock = append(dto.LowStock, toProductDTO(p))
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyScale)
}
