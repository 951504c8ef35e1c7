package fulfillment

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ValidationError rejects an order before any side effects occur.
type ValidationError struct {
	OrderID uuid.UUID
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fulfillment: order %s rejected: %s", e.OrderID, e.Reason)
}

// NotFoundError reports an order id with no matching row. It wraps
// storage.ErrNotFound so errors.Is still matches the sentinel.
type NotFoundError struct {
	OrderID uuid.UUID
	Err     error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fulfillment: order %s not found", e.OrderID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// LedgerInvariantViolation indicates an unbalanced journal batch was about to
// be posted. It must never occur; detecting one aborts the unit with nothing
// posted.
type LedgerInvariantViolation struct {
	OrderID uuid.UUID
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

func (e *LedgerInvariantViolation) Error() string {
	return fmt.Sprintf("fulfillment: order %s: journal batch unbalanced: debits %s != credits %s",
		e.OrderID, e.Debits, e.Credits)
}
