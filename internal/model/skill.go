package model

import (
	"time"

	"github.com/google/uuid"
)

// PolicyScope widens a routing policy to one transaction type or to any.
type PolicyScope string

const (
	PolicyScopeProduct PolicyScope = "PRODUCT"
	PolicyScopeService PolicyScope = "SERVICE"
	PolicyScopeAny     PolicyScope = "ANY"
)

// SkillRef identifies a versioned skill.
type SkillRef struct {
	SkillID string `json:"skill_id"`
	Version string `json:"version"`
}

// SkillRoutingPolicy maps (intent, transaction type scope) to a capability and
// a primary/fallback skill chain. Read-only configuration maintained by an
// external governance component.
type SkillRoutingPolicy struct {
	ID                   uuid.UUID   `json:"id"`
	Intent               string      `json:"intent"`
	Scope                PolicyScope `json:"transaction_type"`
	Capability           string      `json:"capability"`
	Primary              SkillRef    `json:"primary"`
	Fallback             *SkillRef   `json:"fallback,omitempty"`
	MaxRetries           int         `json:"max_retries"`
	EscalationActionType string      `json:"escalation_action_type"`
	CreatedAt            time.Time   `json:"created_at"`
}

// ApprovalStatus is the governance state of a registry entry.
type ApprovalStatus string

const (
	ApprovalStatusDraft    ApprovalStatus = "DRAFT"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRevoked  ApprovalStatus = "REVOKED"
)

// SkillRegistryEntry declares a skill version's capability and its input/output
// contract. Only APPROVED entries may be invoked.
type SkillRegistryEntry struct {
	SkillID              string         `json:"skill_id"`
	Version              string         `json:"version"`
	Capability           string         `json:"capability"`
	ApprovalStatus       ApprovalStatus `json:"approval_status"`
	RequiredInputFields  []string       `json:"required_input_fields"`
	RequiredOutputFields []string       `json:"required_output_fields"`
	CreatedAt            time.Time      `json:"created_at"`
}

// InvocationStatus is the recorded outcome of one skill attempt.
type InvocationStatus string

const (
	InvocationStatusSuccess   InvocationStatus = "SUCCESS"
	InvocationStatusFailed    InvocationStatus = "FAILED"
	InvocationStatusEscalated InvocationStatus = "ESCALATED"
)

// SkillInvocation is one attempt in the retry/fallback chain for an order.
// Append-only: a row is written for every attempt regardless of outcome, and
// committed before the executor decides its next step, so the forensic trail
// survives even when the fulfillment unit later aborts.
type SkillInvocation struct {
	ID            uuid.UUID        `json:"id"`
	OrderID       uuid.UUID        `json:"order_id"`
	AttemptNo     int              `json:"attempt_no"`
	Skill         SkillRef         `json:"skill"`
	Status        InvocationStatus `json:"status"`
	FallbackUsed  bool             `json:"fallback_used"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	EscalationID  *uuid.UUID       `json:"escalation_id,omitempty"`
	InputHash     string           `json:"input_hash"`
	OutputHash    *string          `json:"output_hash,omitempty"`
	LatencyMS     int64            `json:"latency_ms"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
}
