/*
errors.go - Error taxonomy for the transaction engine

PURPOSE:
  All engine errors in one place. Every structured error unwraps to one
  sentinel so callers (and the HTTP layer) classify with errors.Is().

ERROR CATEGORIES:
  1. Not found        - product / transaction / item does not exist
  2. Insufficient     - a stock debit exceeds on-hand quantity
  3. Bad request      - request shape or business validation failed
  4. Illegal state    - void/refund against a status that forbids it
  5. Illegal argument - refund exceeds the remaining refundable quantity
  6. Concurrency      - the store detected a conflicting writer (retryable)

None of 1-5 are retried by the engine. Category 6 is retried as a whole
operation since every operation runs in a single unit of work.

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced product, transaction or
	// transaction item does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInsufficientStock is returned when a debit exceeds available stock.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrBadRequest is returned for request-shape and validation failures,
	// including a reused reference number.
	ErrBadRequest = errors.New("bad request")

	// ErrIllegalState is returned when the transaction status forbids the
	// requested operation.
	ErrIllegalState = errors.New("illegal state")

	// ErrIllegalArgument is returned when a refund would exceed the
	// purchased quantity.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrConcurrentModification is returned by stores when a serialization
	// conflict aborted the unit of work.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "product", "transaction", "transaction item"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found with id: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	ProductID ProductID
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("not enough stock for product: %s (available %d, requested %d)",
		e.Name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ValidationError is a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrBadRequest }

// StateError reports a lifecycle guard violation.
type StateError struct {
	TransactionID TransactionID
	Status        TransactionStatus
	Message       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s (transaction %s is %s)", e.Message, e.TransactionID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrIllegalState }

// RefundQuantityError reports an over-refund on a single line.
type RefundQuantityError struct {
	ItemID          ItemID
	Purchased       int
	AlreadyRefunded int
	Requested       int
}

func (e *RefundQuantityError) Error() string {
	return fmt.Sprintf("refund exceeds purchased quantity: item %s purchased %d, refunded %d, requested %d",
		e.ItemID, e.Purchased, e.AlreadyRefunded, e.Requested)
}

func (e *RefundQuantityError) Unwrap() error { return ErrIllegalArgument }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrIllegalState) ||
		errors.Is(err, ErrIllegalArgument) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
