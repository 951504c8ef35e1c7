package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oumi-ai/banto/internal/model"
)

// AddJournalLines appends a batch of journal lines inside the transaction.
// Callers are responsible for constructing balanced batches; the balance
// invariant is asserted in tests, not silently re-checked here.
func (t *Tx) AddJournalLines(ctx context.Context, lines []model.JournalLine) error {
	for _, l := range lines {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		if l.PostedAt.IsZero() {
			l.PostedAt = time.Now().UTC()
		}
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO journals (id, order_id, account, debit, credit, memo, period_start, period_end, posted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			l.ID, l.OrderID, l.Account, l.Debit, l.Credit, l.Memo, l.PeriodStart, l.PeriodEnd, l.PostedAt,
		); err != nil {
			return fmt.Errorf("storage: add journal line: %w", err)
		}
	}
	return nil
}

// AddSettlement records cash received for an order.
func (t *Tx) AddSettlement(ctx context.Context, s model.Settlement) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO settlements (id, order_id, amount, currency, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.OrderID, s.Amount, s.Currency, s.ReceivedAt,
	); err != nil {
		return fmt.Errorf("storage: add settlement: %w", err)
	}
	return nil
}

// JournalLinesByOrder returns all journal lines posted for an order.
func (db *DB) JournalLinesByOrder(ctx context.Context, orderID uuid.UUID) ([]model.JournalLine, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, order_id, account, debit, credit, memo, period_start, period_end, posted_at
		 FROM journals WHERE order_id = $1 ORDER BY posted_at ASC, id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: journal lines by order: %w", err)
	}
	defer rows.Close()

	var lines []model.JournalLine
	for rows.Next() {
		var l model.JournalLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.Account, &l.Debit, &l.Credit, &l.Memo,
			&l.PeriodStart, &l.PeriodEnd, &l.PostedAt); err != nil {
			return nil, fmt.Errorf("storage: scan journal line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// JournalDebitTotal sums debits for one account across lines tagged with the
// given period key. The allocation engine uses it for reconciliation.
func (t *Tx) JournalDebitTotal(ctx context.Context, account string, period model.Period) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(debit), 0) FROM journals
		 WHERE account = $1 AND period_start = $2 AND period_end = $3`,
		account, period.Start, period.End,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage: journal debit total: %w", err)
	}
	return total, nil
}
