package fulfillment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/storage"
)

// Unit is the transactional write surface of one fulfillment. All writes made
// through a Unit commit or roll back together.
type Unit interface {
	OrderForUpdate(ctx context.Context, id uuid.UUID) (model.Order, error)
	MarkOrderFulfilled(ctx context.Context, id uuid.UUID, at time.Time) error
	PositionForUpdate(ctx context.Context, itemCode string) (model.InventoryPosition, error)
	SavePosition(ctx context.Context, p model.InventoryPosition) error
	AddMovement(ctx context.Context, m model.InventoryMovement) error
	AddJournalLines(ctx context.Context, lines []model.JournalLine) error
	AddSettlement(ctx context.Context, s model.Settlement) error
}

// Store is the persistence boundary of the fulfillment service. Reads and the
// FAILED transition run outside the unit so they survive a rollback.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (model.Order, error)
	MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error
	InUnit(ctx context.Context, fn func(Unit) error) error
}

type pgStore struct {
	db *storage.DB
}

// NewStore adapts the PostgreSQL layer to the service's Store boundary.
func NewStore(db *storage.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) GetOrder(ctx context.Context, id uuid.UUID) (model.Order, error) {
	return s.db.GetOrder(ctx, id)
}

func (s *pgStore) MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.MarkOrderFailed(ctx, id, reason)
}

func (s *pgStore) InUnit(ctx context.Context, fn func(Unit) error) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		return fn(tx)
	})
}
