package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscalationStatus is the review state of a governance escalation.
type EscalationStatus string

const (
	EscalationStatusPending  EscalationStatus = "PENDING"
	EscalationStatusApproved EscalationStatus = "APPROVED"
	EscalationStatusRejected EscalationStatus = "REJECTED"
)

// Escalation reference and reason codes used by the fulfillment core.
const (
	EscalationReferenceOrder          = "ORDER"
	EscalationReasonSkillRuntimeError = "SKILL_RUNTIME_FAILURE"
)

// GovernanceEscalation is a review ticket raised when automated retry and
// fallback cannot resolve a failure. Decisions are made externally; this core
// only creates them.
type GovernanceEscalation struct {
	ID                 uuid.UUID        `json:"id"`
	ActionType         string           `json:"action_type"`
	ReferenceType      string           `json:"reference_type"`
	ReferenceID        uuid.UUID        `json:"reference_id"`
	Status             EscalationStatus `json:"status"`
	ReasonCode         string           `json:"reason_code"`
	Amount             decimal.Decimal  `json:"amount"`
	Currency           string           `json:"currency"`
	RequestedByAgentID string           `json:"requested_by_agent_id"`
	CreatedAt          time.Time        `json:"created_at"`
}
