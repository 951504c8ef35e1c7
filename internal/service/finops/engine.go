// Package finops implements the periodic cost allocation and reconciliation
// engine: it attributes TOKEN, CLOUD, and prorated SUBSCRIPTION costs onto
// fulfilled orders and skills, posts the derived payroll accruals, raises
// matching payable obligations, and reconciles posted totals against source
// totals. A run is idempotent per period key: it deletes and recomputes all
// rows tagged with the exact (period_start, period_end) pair.
package finops

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/telemetry"
)

// Config holds the engine's tunables.
type Config struct {
	ReconciliationTolerancePct decimal.Decimal // Variance threshold for BALANCED.
	SettleImmediately          bool            // Settle payroll obligations in the same run.
	AgentID                    string          // Identity recorded on AP rows.
}

// Engine computes cost allocations for closed periods.
type Engine struct {
	store    Store
	cfg      Config
	accounts model.ChartOfAccounts
	logger   *slog.Logger

	runs metric.Int64Counter
}

// New creates an Engine using the default chart of accounts.
func New(store Store, cfg Config, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("banto/finops")
	runs, _ := meter.Int64Counter("banto.allocation.runs",
		metric.WithDescription("Allocation engine runs by reconciliation status"),
	)
	return &Engine{
		store:    store,
		cfg:      cfg,
		accounts: model.DefaultChartOfAccounts(),
		logger:   logger,
		runs:     runs,
	}
}

// Run executes one allocation pass for [period.Start, period.End) inside a
// single transaction, guarded by an advisory lock so concurrent runs cannot
// interleave their delete-then-recompute cycles. Returns the reconciliation
// record written for the period.
func (e *Engine) Run(ctx context.Context, period model.Period) (model.PeriodReconciliation, error) {
	if !period.End.After(period.Start) {
		return model.PeriodReconciliation{}, fmt.Errorf("finops: period end %s must be after start %s", period.End, period.Start)
	}

	var rec model.PeriodReconciliation
	err := e.store.InUnit(ctx, func(u Unit) error {
		var err error
		rec, err = e.run(ctx, u, period)
		return err
	})
	if err != nil {
		return model.PeriodReconciliation{}, err
	}

	e.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(rec.Status))))
	e.logger.Info("allocation run complete",
		"period_start", period.Start,
		"period_end", period.End,
		"source_total", rec.SourceTotal,
		"allocated_total", rec.AllocatedTotal,
		"journal_total", rec.JournalTotal,
		"status", rec.Status,
	)
	return rec, nil
}

func (e *Engine) run(ctx context.Context, u Unit, period model.Period) (model.PeriodReconciliation, error) {
	if err := u.AcquireAllocationLock(ctx); err != nil {
		return model.PeriodReconciliation{}, err
	}
	if err := u.DeletePeriodArtifacts(ctx, period); err != nil {
		return model.PeriodReconciliation{}, err
	}

	orders, err := u.FulfilledOrders(ctx, period)
	if err != nil {
		return model.PeriodReconciliation{}, err
	}
	tokenCosts, err := u.TokenCosts(ctx, period)
	if err != nil {
		return model.PeriodReconciliation{}, err
	}
	cloudCosts, err := u.CloudCosts(ctx, period)
	if err != nil {
		return model.PeriodReconciliation{}, err
	}
	subscriptions, err := u.SubscriptionCosts(ctx, period)
	if err != nil {
		return model.PeriodReconciliation{}, err
	}

	records := make([]model.CostRecord, 0, len(tokenCosts)+len(cloudCosts)+len(subscriptions))
	records = append(records, tokenCosts...)
	records = append(records, cloudCosts...)
	for _, sub := range subscriptions {
		prorated := prorateSubscription(sub, period)
		if prorated.IsZero() {
			continue
		}
		records = append(records, model.CostRecord{
			ID:         sub.ID,
			SourceType: model.CostSourceSubscription,
			Amount:     prorated,
			Currency:   sub.Currency,
			OccurredAt: sub.Window.Start,
		})
	}

	sourceTotal := decimal.Zero
	for _, r := range records {
		sourceTotal = sourceTotal.Add(r.Amount)
	}

	allocs := e.allocate(period, records, orders, tokenWeights(tokenCosts))
	if err := u.AddAllocations(ctx, allocs); err != nil {
		return model.PeriodReconciliation{}, err
	}

	allocatedTotal := decimal.Zero
	for _, a := range allocs {
		allocatedTotal = allocatedTotal.Add(a.AllocatedCost)
	}

	if err := e.accruePayroll(ctx, u, period, allocs); err != nil {
		return model.PeriodReconciliation{}, err
	}

	journalTotal, err := u.JournalDebitTotal(ctx, e.accounts.PayrollExpense, period)
	if err != nil {
		return model.PeriodReconciliation{}, err
	}

	rec := e.reconcile(period, sourceTotal, allocatedTotal, journalTotal)
	if err := u.UpsertReconciliation(ctx, rec); err != nil {
		return model.PeriodReconciliation{}, err
	}
	return rec, nil
}

// allocate attributes every cost record onto orders and skills. Orders arrive
// sorted by id; the last eligible order absorbs rounding remainders.
func (e *Engine) allocate(period model.Period, records []model.CostRecord, orders []model.Order, skillWeights map[uuid.UUID]map[string]decimal.Decimal) []model.CostAllocation {
	var allocs []model.CostAllocation

	for _, r := range records {
		for _, share := range e.orderShares(r, orders) {
			allocs = append(allocs, e.skillSplit(period, r, share, skillWeights)...)
		}
	}
	return allocs
}

type orderShare struct {
	orderID uuid.UUID
	amount  decimal.Decimal
	basis   model.AllocationBasis
}

// orderShares distributes one record's amount onto orders. A record naming an
// explicit order gets all of it; otherwise the amount is split across eligible
// orders by revenue share, equally when total revenue is zero.
func (e *Engine) orderShares(r model.CostRecord, orders []model.Order) []orderShare {
	if r.OrderID != nil {
		return []orderShare{{orderID: *r.OrderID, amount: r.Amount, basis: model.AllocationBasisDirectOrder}}
	}
	if len(orders) == 0 {
		// Nothing to carry shared costs; the amount stays unallocated and
		// surfaces as reconciliation variance.
		return nil
	}

	weights := make([]decimal.Decimal, len(orders))
	for i, o := range orders {
		weights[i] = o.Revenue()
	}
	amounts := distribute(r.Amount, weights)

	shares := make([]orderShare, 0, len(orders))
	for i, o := range orders {
		if amounts[i].IsZero() {
			continue
		}
		shares = append(shares, orderShare{orderID: o.ID, amount: amounts[i], basis: model.AllocationBasisRevenueShare})
	}
	return shares
}

// skillSplit turns one per-order share into allocation rows. A record naming a
// skill keeps all of it; otherwise the share is split by the order's observed
// token-cost weight per skill (skills in ascending id order, last absorbs the
// remainder); with no skill signal the row carries a null skill.
func (e *Engine) skillSplit(period model.Period, r model.CostRecord, share orderShare, skillWeights map[uuid.UUID]map[string]decimal.Decimal) []model.CostAllocation {
	base := model.CostAllocation{
		Period:     period,
		OrderID:    share.orderID,
		SourceType: r.SourceType,
		SourceID:   r.ID,
		Basis:      share.basis,
		Currency:   r.Currency,
	}

	if r.SkillID != nil {
		a := base
		a.SkillID = r.SkillID
		a.AllocatedCost = share.amount
		return []model.CostAllocation{a}
	}

	bySkill := skillWeights[share.orderID]
	if len(bySkill) == 0 {
		a := base
		a.AllocatedCost = share.amount
		return []model.CostAllocation{a}
	}

	skills := make([]string, 0, len(bySkill))
	for s := range bySkill {
		skills = append(skills, s)
	}
	sort.Strings(skills)

	weights := make([]decimal.Decimal, len(skills))
	for i, s := range skills {
		weights[i] = bySkill[s]
	}
	amounts := distribute(share.amount, weights)

	allocs := make([]model.CostAllocation, 0, len(skills))
	for i, s := range skills {
		if amounts[i].IsZero() {
			continue
		}
		a := base
		skillID := s
		a.SkillID = &skillID
		a.AllocatedCost = amounts[i]
		allocs = append(allocs, a)
	}
	return allocs
}

// tokenWeights aggregates token spend per (order, skill), the weight signal
// for splitting unattributed per-order amounts across skills.
func tokenWeights(tokenCosts []model.CostRecord) map[uuid.UUID]map[string]decimal.Decimal {
	weights := make(map[uuid.UUID]map[string]decimal.Decimal)
	for _, r := range tokenCosts {
		if r.OrderID == nil || r.SkillID == nil {
			continue
		}
		bySkill, ok := weights[*r.OrderID]
		if !ok {
			bySkill = make(map[string]decimal.Decimal)
			weights[*r.OrderID] = bySkill
		}
		bySkill[*r.SkillID] = bySkill[*r.SkillID].Add(r.Amount)
	}
	return weights
}

// accruePayroll posts, per order with a positive allocated total, a balanced
// expense/payable pair plus an AUTONOMY_PAYROLL obligation mirroring the
// amount. All rows carry the period key so a re-run supersedes them.
func (e *Engine) accruePayroll(ctx context.Context, u Unit, period model.Period, allocs []model.CostAllocation) error {
	totals := make(map[uuid.UUID]decimal.Decimal)
	currencies := make(map[uuid.UUID]string)
	for _, a := range allocs {
		totals[a.OrderID] = totals[a.OrderID].Add(a.AllocatedCost)
		if _, ok := currencies[a.OrderID]; !ok {
			currencies[a.OrderID] = a.Currency
		}
	}

	orderIDs := make([]uuid.UUID, 0, len(totals))
	for id := range totals {
		orderIDs = append(orderIDs, id)
	}
	sort.Slice(orderIDs, func(i, j int) bool { return orderIDs[i].String() < orderIDs[j].String() })

	now := time.Now().UTC()
	for _, orderID := range orderIDs {
		amount := totals[orderID]
		if !amount.IsPositive() {
			continue
		}
		currency := currencies[orderID]

		if err := u.AddJournalLines(ctx, []model.JournalLine{
			{OrderID: orderID, Account: e.accounts.PayrollExpense, Debit: amount, Memo: "Autonomy payroll accrued", PeriodStart: &period.Start, PeriodEnd: &period.End},
			{OrderID: orderID, Account: e.accounts.PayrollPayable, Credit: amount, Memo: "Autonomy payroll accrued", PeriodStart: &period.Start, PeriodEnd: &period.End},
		}); err != nil {
			return err
		}

		obligation, err := u.AddObligation(ctx, model.ApObligation{
			OrderID:          orderID,
			SourceType:       model.ApSourceAutonomyPayroll,
			Counterparty:     "autonomy-pool",
			Amount:           amount,
			Currency:         currency,
			Status:           model.ApStatusOpen,
			DueAt:            period.End,
			Period:           &period,
			CreatedByAgentID: e.cfg.AgentID,
		})
		if err != nil {
			return err
		}
		if err := u.AddApEntry(ctx, model.ApSubledgerEntry{
			ApObligationID: obligation.ID,
			OrderID:        orderID,
			EntryType:      model.ApEntryAccrual,
			Credit:         amount,
			BalanceAfter:   amount,
			Currency:       currency,
			Memo:           "Autonomy payroll accrued",
			PostedByAgent:  e.cfg.AgentID,
			PostedAt:       now,
		}); err != nil {
			return err
		}

		if e.cfg.SettleImmediately {
			if _, err := e.settleInUnit(ctx, u, obligation.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) reconcile(period model.Period, sourceTotal, allocatedTotal, journalTotal decimal.Decimal) model.PeriodReconciliation {
	rec := model.PeriodReconciliation{
		Period:         period,
		SourceTotal:    sourceTotal,
		AllocatedTotal: allocatedTotal,
		JournalTotal:   journalTotal,
		VarianceAmount: sourceTotal.Sub(journalTotal).Abs(),
		CompletedAt:    time.Now().UTC(),
	}
	switch {
	case sourceTotal.IsZero():
		rec.VariancePct = decimal.Zero
		rec.Status = model.ReconciliationNoSourceCosts
	default:
		rec.VariancePct = rec.VarianceAmount.Div(sourceTotal)
		if rec.VariancePct.LessThanOrEqual(e.cfg.ReconciliationTolerancePct) {
			rec.Status = model.ReconciliationBalanced
		} else {
			rec.Status = model.ReconciliationOutOfTolerance
		}
	}
	return rec
}
