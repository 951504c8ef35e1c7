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

// GetRoutingPolicy returns the policy for (intent, scope), or ErrNotFound.
// Scope fallback (exact then ANY) is the router's concern, not the store's.
func (db *DB) GetRoutingPolicy(ctx context.Context, intent string, scope model.PolicyScope) (model.SkillRoutingPolicy, error) {
	var (
		p               model.SkillRoutingPolicy
		fallbackID      *string
		fallbackVersion *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, intent, transaction_type, capability, primary_skill_id, primary_skill_version,
		 fallback_skill_id, fallback_skill_version, max_retries, escalation_action_type, created_at
		 FROM skill_routing_policies WHERE intent = $1 AND transaction_type = $2`,
		intent, scope,
	).Scan(
		&p.ID, &p.Intent, &p.Scope, &p.Capability, &p.Primary.SkillID, &p.Primary.Version,
		&fallbackID, &fallbackVersion, &p.MaxRetries, &p.EscalationActionType, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SkillRoutingPolicy{}, fmt.Errorf("storage: routing policy (%s, %s): %w", intent, scope, ErrNotFound)
		}
		return model.SkillRoutingPolicy{}, fmt.Errorf("storage: get routing policy: %w", err)
	}
	if fallbackID != nil && fallbackVersion != nil {
		p.Fallback = &model.SkillRef{SkillID: *fallbackID, Version: *fallbackVersion}
	}
	return p, nil
}

// GetRegistryEntry returns the registry entry for a skill version, or ErrNotFound.
func (db *DB) GetRegistryEntry(ctx context.Context, ref model.SkillRef) (model.SkillRegistryEntry, error) {
	var e model.SkillRegistryEntry
	err := db.pool.QueryRow(ctx,
		`SELECT skill_id, version, capability, approval_status,
		 required_input_fields, required_output_fields, created_at
		 FROM skill_registry WHERE skill_id = $1 AND version = $2`,
		ref.SkillID, ref.Version,
	).Scan(
		&e.SkillID, &e.Version, &e.Capability, &e.ApprovalStatus,
		&e.RequiredInputFields, &e.RequiredOutputFields, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SkillRegistryEntry{}, fmt.Errorf("storage: registry entry %s@%s: %w", ref.SkillID, ref.Version, ErrNotFound)
		}
		return model.SkillRegistryEntry{}, fmt.Errorf("storage: get registry entry: %w", err)
	}
	return e, nil
}

// InsertInvocation durably records one skill attempt. It runs on the pool and
// commits immediately so the audit trail survives a later unit rollback.
func (db *DB) InsertInvocation(ctx context.Context, inv model.SkillInvocation) (model.SkillInvocation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO skill_invocations (id, order_id, attempt_no, skill_id, skill_version, status,
		 fallback_used, failure_reason, escalation_id, input_hash, output_hash, latency_ms,
		 started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inv.ID, inv.OrderID, inv.AttemptNo, inv.Skill.SkillID, inv.Skill.Version, inv.Status,
		inv.FallbackUsed, inv.FailureReason, inv.EscalationID, inv.InputHash, inv.OutputHash,
		inv.LatencyMS, inv.StartedAt, inv.CompletedAt,
	)
	if err != nil {
		return model.SkillInvocation{}, fmt.Errorf("storage: insert invocation: %w", err)
	}
	return inv, nil
}

// InvocationsByOrder returns the attempt trail for an order in attempt order.
func (db *DB) InvocationsByOrder(ctx context.Context, orderID uuid.UUID) ([]model.SkillInvocation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, order_id, attempt_no, skill_id, skill_version, status, fallback_used,
		 failure_reason, escalation_id, input_hash, output_hash, latency_ms, started_at, completed_at
		 FROM skill_invocations WHERE order_id = $1 ORDER BY attempt_no ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: invocations by order: %w", err)
	}
	defer rows.Close()

	var invs []model.SkillInvocation
	for rows.Next() {
		var inv model.SkillInvocation
		if err := rows.Scan(
			&inv.ID, &inv.OrderID, &inv.AttemptNo, &inv.Skill.SkillID, &inv.Skill.Version,
			&inv.Status, &inv.FallbackUsed, &inv.FailureReason, &inv.EscalationID,
			&inv.InputHash, &inv.OutputHash, &inv.LatencyMS, &inv.StartedAt, &inv.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan invocation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// InsertEscalation records a PENDING governance escalation and returns it.
// Runs on the pool for the same durability reason as InsertInvocation.
func (db *DB) InsertEscalation(ctx context.Context, e model.GovernanceEscalation) (model.GovernanceEscalation, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.EscalationStatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO governance_escalations (id, action_type, reference_type, reference_id,
		 status, reason_code, amount, currency, requested_by_agent_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ActionType, e.ReferenceType, e.ReferenceID,
		e.Status, e.ReasonCode, e.Amount, e.Currency, e.RequestedByAgentID, e.CreatedAt,
	)
	if err != nil {
		return model.GovernanceEscalation{}, fmt.Errorf("storage: insert escalation: %w", err)
	}
	return e, nil
}
