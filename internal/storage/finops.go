package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oumi-ai/banto/internal/model"
)

// allocationLockKey is the advisory lock key for the cost allocation engine.
// A single key serializes all runs; overlapping-period runs are unsafe because
// regeneration deletes and rewrites period-tagged rows.
const allocationLockKey = int64(0x62616e746f) // "banto"

// AcquireAllocationLock takes the engine's transaction-scoped advisory lock.
// Returns ErrAllocationRunning when another run holds it.
func (t *Tx) AcquireAllocationLock(ctx context.Context) error {
	var acquired bool
	if err := t.tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, allocationLockKey,
	).Scan(&acquired); err != nil {
		return fmt.Errorf("storage: acquire allocation lock: %w", err)
	}
	if !acquired {
		return ErrAllocationRunning
	}
	return nil
}

// TokenCosts returns TOKEN cost records occurring inside the period.
func (t *Tx) TokenCosts(ctx context.Context, period model.Period) ([]model.CostRecord, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, order_id, skill_id, agent_id, amount, currency, occurred_at
		 FROM finops_token_costs WHERE occurred_at >= $1 AND occurred_at < $2
		 ORDER BY id ASC`,
		period.Start, period.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: token costs: %w", err)
	}
	defer rows.Close()
	return scanCostRecords(rows, model.CostSourceToken)
}

// CloudCosts returns CLOUD cost records occurring inside the period.
func (t *Tx) CloudCosts(ctx context.Context, period model.Period) ([]model.CostRecord, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, order_id, skill_id, NULL::text, amount, currency, occurred_at
		 FROM finops_cloud_costs WHERE occurred_at >= $1 AND occurred_at < $2
		 ORDER BY id ASC`,
		period.Start, period.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cloud costs: %w", err)
	}
	defer rows.Close()
	return scanCostRecords(rows, model.CostSourceCloud)
}

// SubscriptionCosts returns subscription rows whose own window overlaps the period.
func (t *Tx) SubscriptionCosts(ctx context.Context, period model.Period) ([]model.SubscriptionCost, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, vendor, amount, currency, window_start, window_end
		 FROM finops_subscription_costs
		 WHERE window_start < $2 AND window_end > $1
		 ORDER BY id ASC`,
		period.Start, period.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: subscription costs: %w", err)
	}
	defer rows.Close()

	var costs []model.SubscriptionCost
	for rows.Next() {
		var c model.SubscriptionCost
		if err := rows.Scan(&c.ID, &c.Vendor, &c.Amount, &c.Currency, &c.Window.Start, &c.Window.End); err != nil {
			return nil, fmt.Errorf("storage: scan subscription cost: %w", err)
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

// DeletePeriodArtifacts removes all derived rows tagged with the exact period
// key: cost allocations, engine-posted journal lines, and autonomy-payroll
// obligations (subledger entries cascade). Re-running the engine for the same
// period then fully supersedes the prior results.
func (t *Tx) DeletePeriodArtifacts(ctx context.Context, period model.Period) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM finops_cost_allocations WHERE period_start = $1 AND period_end = $2`,
		period.Start, period.End,
	); err != nil {
		return fmt.Errorf("storage: delete period allocations: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM journals WHERE period_start = $1 AND period_end = $2`,
		period.Start, period.End,
	); err != nil {
		return fmt.Errorf("storage: delete period journals: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM ap_obligations
		 WHERE source_type = $1 AND period_start = $2 AND period_end = $3`,
		model.ApSourceAutonomyPayroll, period.Start, period.End,
	); err != nil {
		return fmt.Errorf("storage: delete period obligations: %w", err)
	}
	return nil
}

// AddAllocations appends derived cost allocation rows.
func (t *Tx) AddAllocations(ctx context.Context, allocs []model.CostAllocation) error {
	for _, a := range allocs {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO finops_cost_allocations (id, period_start, period_end, order_id,
			 source_type, source_id, skill_id, allocation_basis, allocated_cost, currency, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			a.ID, a.Period.Start, a.Period.End, a.OrderID,
			a.SourceType, a.SourceID, a.SkillID, a.Basis, a.AllocatedCost, a.Currency, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: add allocation: %w", err)
		}
	}
	return nil
}

// UpsertReconciliation writes the reconciliation record for a period key,
// replacing any prior run's result.
func (t *Tx) UpsertReconciliation(ctx context.Context, r model.PeriodReconciliation) error {
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO finops_period_reconciliations (period_start, period_end, source_total,
		 allocated_total, journal_total, variance_amount, variance_pct, status, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (period_start, period_end) DO UPDATE SET
		 source_total = EXCLUDED.source_total,
		 allocated_total = EXCLUDED.allocated_total,
		 journal_total = EXCLUDED.journal_total,
		 variance_amount = EXCLUDED.variance_amount,
		 variance_pct = EXCLUDED.variance_pct,
		 status = EXCLUDED.status,
		 completed_at = EXCLUDED.completed_at`,
		r.Period.Start, r.Period.End, r.SourceTotal,
		r.AllocatedTotal, r.JournalTotal, r.VarianceAmount, r.VariancePct, r.Status, r.CompletedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert reconciliation: %w", err)
	}
	return nil
}

// AllocationsByPeriod returns the derived allocations for a period key in a
// stable order.
func (db *DB) AllocationsByPeriod(ctx context.Context, period model.Period) ([]model.CostAllocation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, period_start, period_end, order_id, source_type, source_id, skill_id,
		 allocation_basis, allocated_cost, currency, created_at
		 FROM finops_cost_allocations
		 WHERE period_start = $1 AND period_end = $2
		 ORDER BY source_id ASC, order_id ASC, skill_id ASC NULLS LAST`,
		period.Start, period.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: allocations by period: %w", err)
	}
	defer rows.Close()

	var allocs []model.CostAllocation
	for rows.Next() {
		var a model.CostAllocation
		if err := rows.Scan(&a.ID, &a.Period.Start, &a.Period.End, &a.OrderID, &a.SourceType,
			&a.SourceID, &a.SkillID, &a.Basis, &a.AllocatedCost, &a.Currency, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// GetReconciliation returns the reconciliation record for a period key.
func (db *DB) GetReconciliation(ctx context.Context, period model.Period) (model.PeriodReconciliation, error) {
	var r model.PeriodReconciliation
	err := db.pool.QueryRow(ctx,
		`SELECT period_start, period_end, source_total, allocated_total, journal_total,
		 variance_amount, variance_pct, status, completed_at
		 FROM finops_period_reconciliations WHERE period_start = $1 AND period_end = $2`,
		period.Start, period.End,
	).Scan(&r.Period.Start, &r.Period.End, &r.SourceTotal, &r.AllocatedTotal, &r.JournalTotal,
		&r.VarianceAmount, &r.VariancePct, &r.Status, &r.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.PeriodReconciliation{}, fmt.Errorf("storage: reconciliation: %w", ErrNotFound)
		}
		return model.PeriodReconciliation{}, fmt.Errorf("storage: get reconciliation: %w", err)
	}
	return r, nil
}

func scanCostRecords(rows pgx.Rows, sourceType model.CostSourceType) ([]model.CostRecord, error) {
	var records []model.CostRecord
	for rows.Next() {
		var r model.CostRecord
		r.SourceType = sourceType
		if err := rows.Scan(&r.ID, &r.OrderID, &r.SkillID, &r.AgentID, &r.Amount, &r.Currency, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan cost record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
