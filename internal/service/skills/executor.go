package skills

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oumi-ai/banto/internal/integrity"
	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/telemetry"
)

// Capability is the pluggable skill execution boundary. Implementations are
// not assumed idempotent, so the executor never runs attempts concurrently.
type Capability interface {
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// CapabilityResolver supplies the executable behind a versioned skill.
type CapabilityResolver interface {
	Resolve(ref model.SkillRef) (Capability, bool)
}

// RegistryStore reads skill registry entries.
type RegistryStore interface {
	GetRegistryEntry(ctx context.Context, ref model.SkillRef) (model.SkillRegistryEntry, error)
}

// AuditStore durably records invocations and escalations. Writes commit
// immediately, outside any later fulfillment transaction.
type AuditStore interface {
	InsertInvocation(ctx context.Context, inv model.SkillInvocation) (model.SkillInvocation, error)
	InsertEscalation(ctx context.Context, e model.GovernanceEscalation) (model.GovernanceEscalation, error)
}

// ExecutionError is a recoverable per-attempt failure inside the retry loop.
type ExecutionError struct {
	Skill  model.SkillRef
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("skills: %s@%s: %s", e.Skill.SkillID, e.Skill.Version, e.Reason)
}

// EscalatedError is terminal: the chain is exhausted and a governance
// escalation has been created for external review.
type EscalatedError struct {
	OrderID      uuid.UUID
	EscalationID uuid.UUID
	Reason       string
}

func (e *EscalatedError) Error() string {
	return fmt.Sprintf("skills: order %s escalated (%s): %s", e.OrderID, e.EscalationID, e.Reason)
}

// state is the executor's position in the retry/fallback chain. The chain is
// an explicit finite state machine so exhaustion and escalation are
// structurally visible rather than buried in loop control flow.
type state int

const (
	statePrimary state = iota
	stateFallback
	stateEscalated
)

// Result is the outcome of a successful chain.
type Result struct {
	Output       map[string]any
	Skill        model.SkillRef
	FallbackUsed bool
	Attempts     int
}

// Executor runs the bounded retry -> fallback -> escalate chain for one order.
type Executor struct {
	registry RegistryStore
	audit    AuditStore
	resolver CapabilityResolver
	logger   *slog.Logger
	agentID  string

	attempts metric.Int64Counter
}

// NewExecutor creates an Executor. agentID is recorded on escalations it raises.
func NewExecutor(registry RegistryStore, audit AuditStore, resolver CapabilityResolver, agentID string, logger *slog.Logger) *Executor {
	meter := telemetry.Meter("banto/skills")
	attempts, _ := meter.Int64Counter("banto.skill.attempts",
		metric.WithDescription("Skill attempts by outcome"),
	)
	return &Executor{
		registry: registry,
		audit:    audit,
		resolver: resolver,
		logger:   logger,
		agentID:  agentID,
		attempts: attempts,
	}
}

// Execute runs the chain: up to max_retries+1 sequential primary attempts,
// then at most one fallback attempt, then escalation. Every attempt is
// recorded as a SkillInvocation before the executor decides its next step.
// The terminal failed attempt is recorded as ESCALATED, carrying the id of
// the governance escalation it raised, and *EscalatedError is returned.
func (e *Executor) Execute(ctx context.Context, order model.Order, policy model.SkillRoutingPolicy, input map[string]any) (Result, error) {
	var (
		st              = statePrimary
		primaryAttempts = 0
		attemptNo       = 0
	)

	for {
		var (
			ref      model.SkillRef
			fallback bool
		)
		switch st {
		case statePrimary:
			ref = policy.Primary
			primaryAttempts++
		case stateFallback:
			ref = *policy.Fallback
			fallback = true
		}
		attemptNo++

		output, inv, err := e.attempt(ctx, order, policy, ref, input, attemptNo, fallback)
		if err == nil {
			if recErr := e.record(ctx, inv); recErr != nil {
				return Result{}, recErr
			}
			return Result{Output: output, Skill: ref, FallbackUsed: fallback, Attempts: attemptNo}, nil
		}

		next := nextAfterFailure(st, primaryAttempts, policy)
		if next == stateEscalated {
			return Result{}, e.escalate(ctx, order, policy, inv, err)
		}
		if recErr := e.record(ctx, inv); recErr != nil {
			return Result{}, recErr
		}
		e.logger.Warn("skill attempt failed",
			"order_id", order.ID, "skill_id", ref.SkillID, "attempt_no", attemptNo, "error", err)
		st = next
	}
}

// nextAfterFailure is the FSM transition out of a failed attempt.
func nextAfterFailure(st state, primaryAttempts int, policy model.SkillRoutingPolicy) state {
	if st == statePrimary {
		if primaryAttempts <= policy.MaxRetries {
			return statePrimary
		}
		if policy.Fallback != nil {
			return stateFallback
		}
	}
	return stateEscalated
}

// attempt performs one validated invocation and builds (but does not write)
// its audit row. Verification failures consume an attempt exactly like
// execution failures.
func (e *Executor) attempt(ctx context.Context, order model.Order, policy model.SkillRoutingPolicy, ref model.SkillRef, input map[string]any, attemptNo int, fallback bool) (map[string]any, model.SkillInvocation, error) {
	startedAt := time.Now().UTC()

	output, err := e.invoke(ctx, policy, ref, input)

	inv := model.SkillInvocation{
		OrderID:      order.ID,
		AttemptNo:    attemptNo,
		Skill:        ref,
		Status:       model.InvocationStatusSuccess,
		FallbackUsed: fallback,
		InputHash:    integrity.HashPayload(input),
		LatencyMS:    time.Since(startedAt).Milliseconds(),
		StartedAt:    startedAt,
		CompletedAt:  time.Now().UTC(),
	}
	if output != nil {
		h := integrity.HashPayload(output)
		inv.OutputHash = &h
	}
	if err != nil {
		reason := err.Error()
		inv.Status = model.InvocationStatusFailed
		inv.FailureReason = &reason
	}
	return output, inv, err
}

// record durably writes an audit row. A failed audit write aborts the chain:
// the executor never takes a step it cannot account for.
func (e *Executor) record(ctx context.Context, inv model.SkillInvocation) error {
	if _, err := e.audit.InsertInvocation(ctx, inv); err != nil {
		return fmt.Errorf("skills: record invocation for order %s: %w", inv.OrderID, err)
	}
	outcome := "success"
	if inv.Status != model.InvocationStatusSuccess {
		outcome = "failure"
	}
	e.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("skill_id", inv.Skill.SkillID),
		attribute.String("outcome", outcome),
	))
	return nil
}

// invoke validates the registry contract around a single capability call.
func (e *Executor) invoke(ctx context.Context, policy model.SkillRoutingPolicy, ref model.SkillRef, input map[string]any) (map[string]any, error) {
	entry, err := e.registry.GetRegistryEntry(ctx, ref)
	if err != nil {
		return nil, &ExecutionError{Skill: ref, Reason: fmt.Sprintf("registry lookup: %v", err)}
	}
	if entry.ApprovalStatus != model.ApprovalStatusApproved {
		return nil, &ExecutionError{Skill: ref, Reason: fmt.Sprintf("skill is %s, not APPROVED", entry.ApprovalStatus)}
	}
	if entry.Capability != policy.Capability {
		return nil, &ExecutionError{Skill: ref, Reason: fmt.Sprintf("capability %q does not match policy capability %q", entry.Capability, policy.Capability)}
	}
	if missing := missingField(input, entry.RequiredInputFields); missing != "" {
		return nil, &ExecutionError{Skill: ref, Reason: "missing required input field " + missing}
	}

	capability, ok := e.resolver.Resolve(ref)
	if !ok {
		return nil, &ExecutionError{Skill: ref, Reason: "no executor registered for skill"}
	}

	output, err := capability.Execute(ctx, input)
	if err != nil {
		return nil, &ExecutionError{Skill: ref, Reason: fmt.Sprintf("execute: %v", err)}
	}
	if missing := missingField(output, entry.RequiredOutputFields); missing != "" {
		// Output is still returned so its hash lands in the audit row.
		return output, &ExecutionError{Skill: ref, Reason: "missing required output field " + missing}
	}
	return output, nil
}

// escalate creates the governance escalation and records the terminal failed
// attempt as its ESCALATED audit row.
func (e *Executor) escalate(ctx context.Context, order model.Order, policy model.SkillRoutingPolicy, inv model.SkillInvocation, cause error) error {
	reason := "skill chain exhausted"
	if cause != nil {
		reason = cause.Error()
	}

	escalation, err := e.audit.InsertEscalation(ctx, model.GovernanceEscalation{
		ActionType:         policy.EscalationActionType,
		ReferenceType:      model.EscalationReferenceOrder,
		ReferenceID:        order.ID,
		ReasonCode:         model.EscalationReasonSkillRuntimeError,
		Amount:             order.Revenue(),
		Currency:           order.Currency,
		RequestedByAgentID: e.agentID,
	})
	if err != nil {
		return fmt.Errorf("skills: create escalation for order %s: %w", order.ID, err)
	}

	inv.Status = model.InvocationStatusEscalated
	inv.EscalationID = &escalation.ID
	if err := e.record(ctx, inv); err != nil {
		return err
	}

	e.logger.Error("skill chain exhausted, escalated",
		"order_id", order.ID, "escalation_id", escalation.ID, "reason", reason)

	return &EscalatedError{OrderID: order.ID, EscalationID: escalation.ID, Reason: reason}
}

// missingField returns the first declared field that is absent or empty.
func missingField(payload map[string]any, required []string) string {
	for _, f := range required {
		v, ok := payload[f]
		if !ok || v == nil {
			return f
		}
		if s, isStr := v.(string); isStr && s == "" {
			return f
		}
	}
	return ""
}
