package finops

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/storage"
)

// Unit is the transactional surface of one engine run or one settlement.
type Unit interface {
	AcquireAllocationLock(ctx context.Context) error
	DeletePeriodArtifacts(ctx context.Context, period model.Period) error
	FulfilledOrders(ctx context.Context, period model.Period) ([]model.Order, error)
	TokenCosts(ctx context.Context, period model.Period) ([]model.CostRecord, error)
	CloudCosts(ctx context.Context, period model.Period) ([]model.CostRecord, error)
	SubscriptionCosts(ctx context.Context, period model.Period) ([]model.SubscriptionCost, error)
	AddAllocations(ctx context.Context, allocs []model.CostAllocation) error
	AddJournalLines(ctx context.Context, lines []model.JournalLine) error
	JournalDebitTotal(ctx context.Context, account string, period model.Period) (decimal.Decimal, error)
	AddObligation(ctx context.Context, o model.ApObligation) (model.ApObligation, error)
	ObligationForUpdate(ctx context.Context, id uuid.UUID) (model.ApObligation, error)
	LatestApBalance(ctx context.Context, obligationID uuid.UUID) (decimal.Decimal, error)
	AddApEntry(ctx context.Context, e model.ApSubledgerEntry) error
	MarkObligationSettled(ctx context.Context, id uuid.UUID, at time.Time) error
	UpsertReconciliation(ctx context.Context, r model.PeriodReconciliation) error
}

// Store opens transactional units for the engine.
type Store interface {
	InUnit(ctx context.Context, fn func(Unit) error) error
}

type pgStore struct {
	db *storage.DB
}

// NewStore adapts the PostgreSQL layer to the engine's Store boundary.
func NewStore(db *storage.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) InUnit(ctx context.Context, fn func(Unit) error) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}
