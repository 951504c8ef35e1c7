package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType classifies an inventory movement.
type MovementType string

const (
	MovementTypeReceipt MovementType = "RECEIPT"
	MovementTypeIssue   MovementType = "ISSUE"
)

// InventoryPosition holds the on-hand quantity and weighted average unit cost
// for one item. Mutated only under an exclusive row lock inside the
// fulfillment transaction.
type InventoryPosition struct {
	ItemCode  string          `json:"item_code"`
	OnHand    decimal.Decimal `json:"on_hand"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Receive adds stock at the given unit cost and recomputes the weighted
// average: (on_hand*avg_cost + quantity*unit_cost) / (on_hand + quantity),
// rounded to the monetary scale.
func (p *InventoryPosition) Receive(quantity, unitCost decimal.Decimal) {
	currentValue := p.OnHand.Mul(p.AvgCost)
	incomingValue := quantity.Mul(unitCost)
	newQty := p.OnHand.Add(quantity)

	if newQty.IsZero() {
		p.OnHand = decimal.Zero
		p.AvgCost = decimal.Zero
		return
	}

	p.AvgCost = RoundMoney(currentValue.Add(incomingValue).Div(newQty))
	p.OnHand = newQty
}

// Issue removes stock at the current average cost and returns the cost of
// goods sold for the issued quantity.
func (p *InventoryPosition) Issue(quantity decimal.Decimal) decimal.Decimal {
	cogs := RoundMoney(quantity.Mul(p.AvgCost))
	p.OnHand = p.OnHand.Sub(quantity)
	return cogs
}

// InventoryMovement is an append-only record of stock entering or leaving a
// position.
type InventoryMovement struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	ItemCode  string          `json:"item_code"`
	Type      MovementType    `json:"movement_type"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	CreatedAt time.Time       `json:"created_at"`
}
