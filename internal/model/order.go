// Package model defines the core domain types for Banto.
//
// Types correspond directly to database tables and event payloads. Monetary
// amounts and quantities use decimal arithmetic throughout; float64 is never
// used for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places monetary amounts are rounded to.
const MoneyScale = 4

// RoundMoney rounds a decimal to the ledger's monetary scale.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// TransactionType distinguishes goods from services on an order.
type TransactionType string

const (
	TransactionTypeProduct TransactionType = "PRODUCT"
	TransactionTypeService TransactionType = "SERVICE"
)

// ParseTransactionType normalizes and validates a raw transaction type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PRODUCT":
		return TransactionTypeProduct, nil
	case "SERVICE":
		return TransactionTypeService, nil
	default:
		return "", fmt.Errorf("unsupported transaction_type: %q", raw)
	}
}

// OrderStatus is the lifecycle state of a commercial order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPendingApproval OrderStatus = "PENDING_APPROVAL"
	OrderStatusFulfilled       OrderStatus = "FULFILLED"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusFrozen          OrderStatus = "FROZEN"
)

// Order is an accepted commercial order awaiting fulfillment.
// Status transitions to FULFILLED or FAILED are made by the fulfillment unit;
// PENDING_APPROVAL and FROZEN are set by external governance decisions.
type Order struct {
	ID              uuid.UUID       `json:"id"`
	CustomerEmail   string          `json:"customer_email"`
	TransactionType TransactionType `json:"transaction_type"`
	ItemCode        string          `json:"item_code"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Currency        string          `json:"currency"`
	Status          OrderStatus     `json:"status"`
	FailureReason   *string         `json:"failure_reason,omitempty"`
	FulfilledAt     *time.Time      `json:"fulfilled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Revenue returns quantity x unit price at monetary scale.
func (o Order) Revenue() decimal.Decimal {
	return RoundMoney(o.Quantity.Mul(o.UnitPrice))
}

// Settlement records cash received against a fulfilled order.
type Settlement struct {
	ID         uuid.UUID       `json:"id"`
	OrderID    uuid.UUID       `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ReceivedAt time.Time       `json:"received_at"`
}
