/*
status.go - Transaction lifecycle state machine

  ┌───────────┐  void   ┌────────┐
  │ COMPLETED │───────▶ │ VOIDED │ (terminal)
  └───────────┘         └────────┘
        │ refund
        ▼
  ┌────────────────────┐ refund  ┌────────────────┐
  │ PARTIALLY_REFUNDED │───────▶ │ FULLY_REFUNDED │ (terminal)
  └────────────────────┘         └────────────────┘
        ▲        │ refund (more lines/units, still partial)
        └────────┘

  COMPLETED can also jump straight to FULLY_REFUNDED when one refund batch
  covers every unit.

Void is only allowed from COMPLETED. Once any refund exists the
transaction is PARTIALLY_REFUNDED and can no longer be voided, which is
what keeps Void's "credit the full purchased quantity" correct.
*/
package ledger

// AllowedTransitions maps a status to the statuses it may move to.
var AllowedTransitions = map[TransactionStatus][]TransactionStatus{
	StatusCompleted: {
		StatusVoided,
		StatusPartiallyRefunded,
		StatusFullyRefunded,
	},
	StatusPartiallyRefunded: {
		StatusPartiallyRefunded,
		StatusFullyRefunded,
	},
	StatusVoided:        {},
	StatusFullyRefunded: {},
}

// CanTransition checks if a transition from one status to another is allowed.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *StateError if the transition is not allowed.
func ValidateTransition(t Transaction, to TransactionStatus) error {
	if !CanTransition(t.Status, to) {
		return &StateError{
			TransactionID: t.ID,
			Status:        t.Status,
			Message:       "cannot move transaction to " + string(to),
		}
	}
	return nil
}

// CheckVoidable applies the void guards in order.
func CheckVoidable(t Transaction) error {
	switch {
	case t.Status == StatusVoided:
		return &StateError{TransactionID: t.ID, Status: t.Status, Message: "transaction already voided"}
	case t.Status == StatusFullyRefunded:
		return &StateError{TransactionID: t.ID, Status: t.Status, Message: "cannot void refunded transaction"}
	case t.Status != StatusCompleted:
		return &StateError{TransactionID: t.ID, Status: t.Status, Message: "only completed transactions can be voided"}
	}
	return nil
}

// CheckRefundable rejects refunds against voided transactions. Over-refund
// is checked per line, so FULLY_REFUNDED is caught there.
func CheckRefundable(t Transaction) error {
	if t.Status == StatusVoided {
		return &StateError{TransactionID: t.ID, Status: t.Status, Message: "cannot refund voided transaction"}
	}
	return nil
}

// DeriveRefundStatus computes the aggregate status from the lines.
// FULLY_REFUNDED if every line is fully refunded, PARTIALLY_REFUNDED if any
// unit was refunded, otherwise the current status is kept.
func DeriveRefundStatus(current TransactionStatus, items []TransactionItem) TransactionStatus {
	if len(items) == 0 {
		return current
	}
	all, some := true, false
	for _, it := range items {
		if it.RefundedQuantity != it.Quantity {
			all = false
		}
		if it.RefundedQuantity > 0 {
			some = true
		}
	}
	switch {
	case all:
		return StatusFullyRefunded
	case some:
		return StatusPartiallyRefunded
	}
	return current
}
