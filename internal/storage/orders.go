package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oumi-ai/banto/internal/model"
)

const orderColumns = `id, customer_email, transaction_type, item_code, quantity, unit_price,
	 currency, status, failure_reason, fulfilled_at, created_at, updated_at`

// CreateOrder inserts an order and returns it.
func (db *DB) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = model.OrderStatusNew
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO orders (id, customer_email, transaction_type, item_code, quantity, unit_price,
		 currency, status, failure_reason, fulfilled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.CustomerEmail, o.TransactionType, o.ItemCode, o.Quantity, o.UnitPrice,
		o.Currency, o.Status, o.FailureReason, o.FulfilledAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return model.Order{}, fmt.Errorf("storage: create order: %w", err)
	}
	return o, nil
}

// GetOrder retrieves an order by ID.
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, fmt.Errorf("storage: order %s: %w", id, ErrNotFound)
		}
		return model.Order{}, fmt.Errorf("storage: get order: %w", err)
	}
	return o, nil
}

// MarkOrderFailed sets an order to FAILED with the given reason. It runs on
// the pool, outside any fulfillment transaction, so the failure survives a
// rolled-back unit.
func (db *DB) MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE orders SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1`,
		id, model.OrderStatusFailed, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark order failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: order %s: %w", id, ErrNotFound)
	}
	return nil
}

// OrderForUpdate locks and returns an order row for the duration of the
// transaction, serializing concurrent fulfillment of the same order.
func (t *Tx) OrderForUpdate(ctx context.Context, id uuid.UUID) (model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, fmt.Errorf("storage: order %s: %w", id, ErrNotFound)
		}
		return model.Order{}, fmt.Errorf("storage: lock order: %w", err)
	}
	return o, nil
}

// MarkOrderFulfilled transitions the locked order to FULFILLED.
func (t *Tx) MarkOrderFulfilled(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, fulfilled_at = $3, updated_at = $3 WHERE id = $1`,
		id, model.OrderStatusFulfilled, at,
	)
	if err != nil {
		return fmt.Errorf("storage: mark order fulfilled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: order %s: %w", id, ErrNotFound)
	}
	return nil
}

// FulfilledOrders returns orders fulfilled inside [period.Start, period.End),
// ordered by id for deterministic proration.
func (t *Tx) FulfilledOrders(ctx context.Context, period model.Period) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND fulfilled_at >= $2 AND fulfilled_at < $3
		 ORDER BY id ASC`,
		model.OrderStatusFulfilled, period.Start, period.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fulfilled orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	err := row.Scan(
		&o.ID, &o.CustomerEmail, &o.TransactionType, &o.ItemCode, &o.Quantity, &o.UnitPrice,
		&o.Currency, &o.Status, &o.FailureReason, &o.FulfilledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}
