package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/oumi-ai/banto/internal/model"
)

// PositionForUpdate locks and returns the inventory position for an item,
// inserting a zeroed row first if none exists. The lock is held for the
// remainder of the transaction, serializing fulfillment of the same item.
func (t *Tx) PositionForUpdate(ctx context.Context, itemCode string) (model.InventoryPosition, error) {
	var p model.InventoryPosition
	err := t.tx.QueryRow(ctx,
		`SELECT item_code, on_hand, avg_cost, updated_at
		 FROM inventory_positions WHERE item_code = $1 FOR UPDATE`,
		itemCode,
	).Scan(&p.ItemCode, &p.OnHand, &p.AvgCost, &p.UpdatedAt)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.InventoryPosition{}, fmt.Errorf("storage: lock position: %w", err)
	}

	now := time.Now().UTC()
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_positions (item_code, on_hand, avg_cost, updated_at)
		 VALUES ($1, 0, 0, $2)`,
		itemCode, now,
	); err != nil {
		return model.InventoryPosition{}, fmt.Errorf("storage: init position: %w", err)
	}
	return model.InventoryPosition{
		ItemCode:  itemCode,
		OnHand:    decimal.Zero,
		AvgCost:   decimal.Zero,
		UpdatedAt: now,
	}, nil
}

// SavePosition writes back an updated position.
func (t *Tx) SavePosition(ctx context.Context, p model.InventoryPosition) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE inventory_positions SET on_hand = $2, avg_cost = $3, updated_at = $4
		 WHERE item_code = $1`,
		p.ItemCode, p.OnHand, p.AvgCost, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: save position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: position %s: %w", p.ItemCode, ErrNotFound)
	}
	return nil
}

// AddMovement appends a RECEIPT or ISSUE movement.
func (t *Tx) AddMovement(ctx context.Context, m model.InventoryMovement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_movements (id, order_id, item_code, movement_type, quantity, unit_cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.OrderID, m.ItemCode, m.Type, m.Quantity, m.UnitCost, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: add movement: %w", err)
	}
	return nil
}

// GetPosition reads a position without locking. Used by reporting and tests.
func (db *DB) GetPosition(ctx context.Context, itemCode string) (model.InventoryPosition, error) {
	var p model.InventoryPosition
	err := db.pool.QueryRow(ctx,
		`SELECT item_code, on_hand, avg_cost, updated_at
		 FROM inventory_positions WHERE item_code = $1`,
		itemCode,
	).Scan(&p.ItemCode, &p.OnHand, &p.AvgCost, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InventoryPosition{}, fmt.Errorf("storage: position %s: %w", itemCode, ErrNotFound)
		}
		return model.InventoryPosition{}, fmt.Errorf("storage: get position: %w", err)
	}
	return p, nil
}

// MovementsByItem returns the movement trail for an item in posting order.
func (db *DB) MovementsByItem(ctx context.Context, itemCode string) ([]model.InventoryMovement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, order_id, item_code, movement_type, quantity, unit_cost, created_at
		 FROM inventory_movements WHERE item_code = $1 ORDER BY created_at ASC, id ASC`,
		itemCode,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: movements by item: %w", err)
	}
	defer rows.Close()

	var movements []model.InventoryMovement
	for rows.Next() {
		var m model.InventoryMovement
		if err := rows.Scan(&m.ID, &m.OrderID, &m.ItemCode, &m.Type, &m.Quantity, &m.UnitCost, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan movement: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}
