package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CostSourceType classifies a raw operating cost record.
type CostSourceType string

const (
	CostSourceToken        CostSourceType = "TOKEN"
	CostSourceCloud        CostSourceType = "CLOUD"
	CostSourceSubscription CostSourceType = "SUBSCRIPTION"
)

// Period identifies one allocation/reconciliation window [Start, End).
type Period struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// Seconds returns the window length in seconds.
func (p Period) Seconds() float64 {
	return p.End.Sub(p.Start).Seconds()
}

// CostRecord is a normalized cost input to the allocation engine. TOKEN and
// CLOUD records carry their raw amount; SUBSCRIPTION records carry the amount
// already prorated to the allocation window.
type CostRecord struct {
	ID         uuid.UUID       `json:"id"`
	SourceType CostSourceType  `json:"source_type"`
	OrderID    *uuid.UUID      `json:"order_id,omitempty"`
	SkillID    *string         `json:"skill_id,omitempty"`
	AgentID    *string         `json:"agent_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// SubscriptionCost is a raw recurring cost row covering its own window. The
// engine prorates it into a CostRecord by overlap with the allocation window.
type SubscriptionCost struct {
	ID       uuid.UUID       `json:"id"`
	Vendor   string          `json:"vendor"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Window   Period          `json:"window"`
}

// AllocationBasis records how an allocation amount was derived.
type AllocationBasis string

const (
	AllocationBasisDirectOrder  AllocationBasis = "DIRECT_ORDER"
	AllocationBasisRevenueShare AllocationBasis = "REVENUE_SHARE"
)

// CostAllocation is a derived row attributing part of a cost record to an
// order (and optionally a skill). Regenerated wholesale per period key.
type CostAllocation struct {
	ID            uuid.UUID       `json:"id"`
	Period        Period          `json:"period"`
	OrderID       uuid.UUID       `json:"order_id"`
	SourceType    CostSourceType  `json:"source_type"`
	SourceID      uuid.UUID       `json:"source_id"`
	SkillID       *string         `json:"skill_id,omitempty"`
	Basis         AllocationBasis `json:"allocation_basis"`
	AllocatedCost decimal.Decimal `json:"allocated_cost"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ApStatus is the lifecycle state of a payable obligation.
type ApStatus string

const (
	ApStatusOpen      ApStatus = "OPEN"
	ApStatusSettled   ApStatus = "SETTLED"
	ApStatusCancelled ApStatus = "CANCELLED"
)

// AP source and subledger entry types used by the engine.
const (
	ApSourceAutonomyPayroll = "AUTONOMY_PAYROLL"
	ApSourceProcurement     = "PROCUREMENT"

	ApEntryAccrual = "ACCRUAL"
	ApEntryPayment = "PAYMENT"
)

// ApObligation is a payable raised against an order. Its outstanding balance
// is defined by the latest balance_after in its subledger.
type ApObligation struct {
	ID               uuid.UUID       `json:"id"`
	OrderID          uuid.UUID       `json:"order_id"`
	SourceType       string          `json:"source_type"`
	Counterparty     string          `json:"counterparty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           ApStatus        `json:"status"`
	DueAt            time.Time       `json:"due_at"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
	Period           *Period         `json:"period,omitempty"`
	CreatedByAgentID string          `json:"created_by_agent_id"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ApSubledgerEntry is one append-only movement on an obligation, carrying a
// running balance.
type ApSubledgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	ApObligationID uuid.UUID       `json:"ap_obligation_id"`
	OrderID        uuid.UUID       `json:"order_id"`
	EntryType      string          `json:"entry_type"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Currency       string          `json:"currency"`
	Memo           string          `json:"memo"`
	PostedByAgent  string          `json:"posted_by_agent_id"`
	PostedAt       time.Time       `json:"posted_at"`
}

// ReconciliationStatus is the outcome of a period reconciliation.
type ReconciliationStatus string

const (
	ReconciliationBalanced       ReconciliationStatus = "BALANCED"
	ReconciliationOutOfTolerance ReconciliationStatus = "OUT_OF_TOLERANCE"
	ReconciliationNoSourceCosts  ReconciliationStatus = "NO_SOURCE_COSTS"
)

// PeriodReconciliation compares source totals against posted journal totals
// for one period key. Upserted on every engine run.
type PeriodReconciliation struct {
	Period         Period               `json:"period"`
	SourceTotal    decimal.Decimal      `json:"source_total"`
	AllocatedTotal decimal.Decimal      `json:"allocated_total"`
	JournalTotal   decimal.Decimal      `json:"journal_total"`
	VarianceAmount decimal.Decimal      `json:"variance_amount"`
	VariancePct    decimal.Decimal      `json:"variance_pct"`
	Status         ReconciliationStatus `json:"status"`
	CompletedAt    time.Time            `json:"completed_at"`
}
