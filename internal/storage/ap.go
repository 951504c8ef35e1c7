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

const apObligationColumns = `id, order_id, source_type, counterparty, amount, currency, status,
	 due_at, settled_at, period_start, period_end, created_by_agent_id, created_at, updated_at`

// AddObligation inserts a payable obligation.
func (t *Tx) AddObligation(ctx context.Context, o model.ApObligation) (model.ApObligation, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = model.ApStatusOpen
	}

	var periodStart, periodEnd *time.Time
	if o.Period != nil {
		periodStart, periodEnd = &o.Period.Start, &o.Period.End
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO ap_obligations (id, order_id, source_type, counterparty, amount, currency,
		 status, due_at, settled_at, period_start, period_end, created_by_agent_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.OrderID, o.SourceType, o.Counterparty, o.Amount, o.Currency,
		o.Status, o.DueAt, o.SettledAt, periodStart, periodEnd, o.CreatedByAgentID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return model.ApObligation{}, fmt.Errorf("storage: add obligation: %w", err)
	}
	return o, nil
}

// ObligationForUpdate locks and returns an obligation row.
func (t *Tx) ObligationForUpdate(ctx context.Context, id uuid.UUID) (model.ApObligation, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+apObligationColumns+` FROM ap_obligations WHERE id = $1 FOR UPDATE`, id)
	o, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApObligation{}, fmt.Errorf("storage: obligation %s: %w", id, ErrNotFound)
		}
		return model.ApObligation{}, fmt.Errorf("storage: lock obligation: %w", err)
	}
	return o, nil
}

// LatestApBalance returns the most recent balance_after for an obligation's
// subledger, or zero when no entries exist.
func (t *Tx) LatestApBalance(ctx context.Context, obligationID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT balance_after FROM ap_subledger_entries
		 WHERE ap_obligation_id = $1 ORDER BY posted_at DESC, id DESC LIMIT 1`,
		obligationID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("storage: latest ap balance: %w", err)
	}
	return balance, nil
}

// AddApEntry appends a subledger entry carrying its running balance.
func (t *Tx) AddApEntry(ctx context.Context, e model.ApSubledgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.PostedAt.IsZero() {
		e.PostedAt = time.Now().UTC()
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO ap_subledger_entries (id, ap_obligation_id, order_id, entry_type, debit,
		 credit, balance_after, currency, memo, posted_by_agent_id, posted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ApObligationID, e.OrderID, e.EntryType, e.Debit,
		e.Credit, e.BalanceAfter, e.Currency, e.Memo, e.PostedByAgent, e.PostedAt,
	); err != nil {
		return fmt.Errorf("storage: add ap entry: %w", err)
	}
	return nil
}

// MarkObligationSettled transitions an obligation to SETTLED.
func (t *Tx) MarkObligationSettled(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE ap_obligations SET status = $2, settled_at = $3, updated_at = $3 WHERE id = $1`,
		id, model.ApStatusSettled, at,
	)
	if err != nil {
		return fmt.Errorf("storage: mark obligation settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: obligation %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetObligation reads an obligation without locking.
func (db *DB) GetObligation(ctx context.Context, id uuid.UUID) (model.ApObligation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+apObligationColumns+` FROM ap_obligations WHERE id = $1`, id)
	o, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApObligation{}, fmt.Errorf("storage: obligation %s: %w", id, ErrNotFound)
		}
		return model.ApObligation{}, fmt.Errorf("storage: get obligation: %w", err)
	}
	return o, nil
}

// ObligationsByPeriod returns autonomy-payroll obligations tagged with a period key.
func (db *DB) ObligationsByPeriod(ctx context.Context, period model.Period) ([]model.ApObligation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+apObligationColumns+` FROM ap_obligations
		 WHERE source_type = $1 AND period_start = $2 AND period_end = $3
		 ORDER BY order_id ASC`,
		model.ApSourceAutonomyPayroll, period.Start, period.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: obligations by period: %w", err)
	}
	defer rows.Close()

	var obligations []model.ApObligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan obligation: %w", err)
		}
		obligations = append(obligations, o)
	}
	return obligations, rows.Err()
}

// ApEntriesByObligation returns the subledger trail for an obligation in posting order.
func (db *DB) ApEntriesByObligation(ctx context.Context, obligationID uuid.UUID) ([]model.ApSubledgerEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, ap_obligation_id, order_id, entry_type, debit, credit, balance_after,
		 currency, memo, posted_by_agent_id, posted_at
		 FROM ap_subledger_entries WHERE ap_obligation_id = $1
		 ORDER BY posted_at ASC, id ASC`,
		obligationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: ap entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ApSubledgerEntry
	for rows.Next() {
		var e model.ApSubledgerEntry
		if err := rows.Scan(&e.ID, &e.ApObligationID, &e.OrderID, &e.EntryType, &e.Debit,
			&e.Credit, &e.BalanceAfter, &e.Currency, &e.Memo, &e.PostedByAgent, &e.PostedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ap entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanObligation(row pgx.Row) (model.ApObligation, error) {
	var (
		o                      model.ApObligation
		periodStart, periodEnd *time.Time
	)
	err := row.Scan(
		&o.ID, &o.OrderID, &o.SourceType, &o.Counterparty, &o.Amount, &o.Currency, &o.Status,
		&o.DueAt, &o.SettledAt, &periodStart, &periodEnd, &o.CreatedByAgentID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return model.ApObligation{}, err
	}
	if periodStart != nil && periodEnd != nil {
		o.Period = &model.Period{Start: *periodStart, End: *periodEnd}
	}
	return o, nil
}
