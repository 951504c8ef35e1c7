package finops

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oumi-ai/banto/internal/model"
)

// SettleResult reports the outcome of an obligation settlement.
type SettleResult struct {
	ObligationID     uuid.UUID       `json:"obligation_id"`
	AlreadySettled   bool            `json:"already_settled"`
	SettledAmount    decimal.Decimal `json:"settled_amount"`
	OutstandingAfter decimal.Decimal `json:"outstanding_after"`
}

// SettleObligation pays off an obligation's full outstanding balance: it posts
// a PAYMENT subledger entry, a balancing liability/cash journal pair, and
// marks the obligation SETTLED. Settling an already-SETTLED obligation with no
// outstanding balance is a no-op reporting AlreadySettled.
func (e *Engine) SettleObligation(ctx context.Context, obligationID uuid.UUID) (SettleResult, error) {
	var res SettleResult
	err := e.store.InUnit(ctx, func(u Unit) error {
		var err error
		res, err = e.settleInUnit(ctx, u, obligationID)
		return err
	})
	if err != nil {
		return SettleResult{}, err
	}
	if !res.AlreadySettled {
		e.logger.Info("obligation settled",
			"obligation_id", res.ObligationID, "amount", res.SettledAmount)
	}
	return res, nil
}

func (e *Engine) settleInUnit(ctx context.Context, u Unit, obligationID uuid.UUID) (SettleResult, error) {
	obligation, err := u.ObligationForUpdate(ctx, obligationID)
	if err != nil {
		return SettleResult{}, err
	}
	outstanding, err := u.LatestApBalance(ctx, obligation.ID)
	if err != nil {
		return SettleResult{}, err
	}

	if obligation.Status == model.ApStatusSettled && !outstanding.IsPositive() {
		return SettleResult{
			ObligationID:     obligation.ID,
			AlreadySettled:   true,
			OutstandingAfter: decimal.Zero,
		}, nil
	}

	now := time.Now().UTC()
	if outstanding.IsPositive() {
		if err := u.AddApEntry(ctx, model.ApSubledgerEntry{
			ApObligationID: obligation.ID,
			OrderID:        obligation.OrderID,
			EntryType:      model.ApEntryPayment,
			Debit:          outstanding,
			BalanceAfter:   decimal.Zero,
			Currency:       obligation.Currency,
			Memo:           "Obligation settled",
			PostedByAgent:  e.cfg.AgentID,
			PostedAt:       now,
		}); err != nil {
			return SettleResult{}, err
		}

		// Settlement journals inherit the obligation's period tag so an
		// engine re-run for the period supersedes them too.
		var periodStart, periodEnd *time.Time
		if obligation.Period != nil {
			periodStart, periodEnd = &obligation.Period.Start, &obligation.Period.End
		}
		if err := u.AddJournalLines(ctx, []model.JournalLine{
			{OrderID: obligation.OrderID, Account: e.liabilityAccount(obligation), Debit: outstanding, Memo: "AP settled", PeriodStart: periodStart, PeriodEnd: periodEnd},
			{OrderID: obligation.OrderID, Account: e.accounts.Cash, Credit: outstanding, Memo: "Cash payment", PeriodStart: periodStart, PeriodEnd: periodEnd},
		}); err != nil {
			return SettleResult{}, err
		}
	}

	if err := u.MarkObligationSettled(ctx, obligation.ID, now); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{
		ObligationID:     obligation.ID,
		SettledAmount:    outstanding,
		OutstandingAfter: decimal.Zero,
	}, nil
}

func (e *Engine) liabilityAccount(o model.ApObligation) string {
	if o.SourceType == model.ApSourceAutonomyPayroll {
		return e.accounts.PayrollPayable
	}
	return e.accounts.AccountsPayable
}
