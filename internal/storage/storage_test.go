package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/storage"
	"github.com/oumi-ai/banto/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createOrder(t *testing.T, status model.OrderStatus) model.Order {
	t.Helper()
	o, err := testDB.CreateOrder(context.Background(), model.Order{
		CustomerEmail:   "buyer@example.com",
		TransactionType: model.TransactionTypeProduct,
		ItemCode:        "ITEM-" + uuid.NewString()[:8],
		Quantity:        d("2"),
		UnitPrice:       d("50.00"),
		Currency:        "USD",
		Status:          status,
	})
	require.NoError(t, err)
	return o
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)

	got, err := testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, got.Status)
	assert.True(t, got.Quantity.Equal(d("2")))

	fulfilledAt := time.Now().UTC()
	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		locked, err := tx.OrderForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, order.ID, locked.ID)
		return tx.MarkOrderFulfilled(ctx, order.ID, fulfilledAt)
	}))

	got, err = testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFulfilled, got.Status)
	require.NotNil(t, got.FulfilledAt)

	period := model.Period{Start: fulfilledAt.Add(-time.Hour), End: fulfilledAt.Add(time.Hour)}
	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		orders, err := tx.FulfilledOrders(ctx, period)
		if err != nil {
			return err
		}
		found := false
		for _, o := range orders {
			if o.ID == order.ID {
				found = true
			}
		}
		assert.True(t, found)
		return nil
	}))
}

func TestMarkOrderFailedSurvivesRollback(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)

	// A failed unit rolls back, then the caller marks the order on the pool.
	err := testDB.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.MarkOrderFulfilled(ctx, order.ID, time.Now().UTC()); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)
	require.NoError(t, testDB.MarkOrderFailed(ctx, order.ID, "skill chain exhausted"))

	got, err := testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "skill chain exhausted", *got.FailureReason)
}

func TestGetOrderNotFound(t *testing.T) {
	_, err := testDB.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRoutingPolicyAndRegistry(t *testing.T) {
	ctx := context.Background()
	policyID := uuid.New()
	intent := "route-" + uuid.NewString()[:8]

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO skill_routing_policies (id, intent, transaction_type, capability,
		 primary_skill_id, primary_skill_version, fallback_skill_id, fallback_skill_version,
		 max_retries, escalation_action_type)
		 VALUES ($1, $2, 'PRODUCT', 'fulfillment-execution', 'ship-v1', '1.0.0', 'ship-v2', '2.0.0', 2, 'fulfillment.review')`,
		policyID, intent)
	require.NoError(t, err)

	policy, err := testDB.GetRoutingPolicy(ctx, intent, model.PolicyScopeProduct)
	require.NoError(t, err)
	assert.Equal(t, policyID, policy.ID)
	assert.Equal(t, model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"}, policy.Primary)
	require.NotNil(t, policy.Fallback)
	assert.Equal(t, "ship-v2", policy.Fallback.SkillID)
	assert.Equal(t, 2, policy.MaxRetries)

	_, err = testDB.GetRoutingPolicy(ctx, intent, model.PolicyScopeService)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.Pool().Exec(ctx,
		`INSERT INTO skill_registry (skill_id, version, capability, approval_status,
		 required_input_fields, required_output_fields)
		 VALUES ('ship-v1', '1.0.0', 'fulfillment-execution', 'APPROVED', '{order_id}', '{confirmation}')
		 ON CONFLICT DO NOTHING`)
	require.NoError(t, err)

	entry, err := testDB.GetRegistryEntry(ctx, model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, entry.ApprovalStatus)
	assert.Equal(t, []string{"order_id"}, entry.RequiredInputFields)
	assert.Equal(t, []string{"confirmation"}, entry.RequiredOutputFields)
}

func TestInvocationAuditTrail(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)

	escalation, err := testDB.InsertEscalation(ctx, model.GovernanceEscalation{
		ActionType:         "fulfillment.review",
		ReferenceType:      model.EscalationReferenceOrder,
		ReferenceID:        order.ID,
		ReasonCode:         model.EscalationReasonSkillRuntimeError,
		Amount:             d("100.00"),
		Currency:           "USD",
		RequestedByAgentID: "ops-agent",
	})
	require.NoError(t, err)
	assert.Equal(t, model.EscalationStatusPending, escalation.Status)

	now := time.Now().UTC()
	reason := "boom"
	for attempt := 1; attempt <= 2; attempt++ {
		inv := model.SkillInvocation{
			OrderID:     order.ID,
			AttemptNo:   attempt,
			Skill:       model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"},
			Status:      model.InvocationStatusFailed,
			InputHash:   "abc",
			StartedAt:   now,
			CompletedAt: now,
		}
		inv.FailureReason = &reason
		if attempt == 2 {
			inv.Status = model.InvocationStatusEscalated
			inv.EscalationID = &escalation.ID
		}
		_, err := testDB.InsertInvocation(ctx, inv)
		require.NoError(t, err)
	}

	trail, err := testDB.InvocationsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.InvocationStatusFailed, trail[0].Status)
	assert.Equal(t, model.InvocationStatusEscalated, trail[1].Status)
	require.NotNil(t, trail[1].EscalationID)
	assert.Equal(t, escalation.ID, *trail[1].EscalationID)
}

func TestInventoryPositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)
	item := order.ItemCode

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		p, err := tx.PositionForUpdate(ctx, item)
		if err != nil {
			return err
		}
		assert.True(t, p.OnHand.IsZero())

		p.Receive(d("2"), d("30.00"))
		if err := tx.AddMovement(ctx, model.InventoryMovement{
			OrderID: order.ID, ItemCode: item, Type: model.MovementTypeReceipt,
			Quantity: d("2"), UnitCost: d("30.00"),
		}); err != nil {
			return err
		}
		cogs := p.Issue(d("2"))
		assert.True(t, cogs.Equal(d("60.00")))
		if err := tx.AddMovement(ctx, model.InventoryMovement{
			OrderID: order.ID, ItemCode: item, Type: model.MovementTypeIssue,
			Quantity: d("2"), UnitCost: p.AvgCost,
		}); err != nil {
			return err
		}
		return tx.SavePosition(ctx, p)
	}))

	p, err := testDB.GetPosition(ctx, item)
	require.NoError(t, err)
	assert.True(t, p.OnHand.IsZero())
	assert.True(t, p.AvgCost.Equal(d("30.00")))

	movements, err := testDB.MovementsByItem(ctx, item)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, model.MovementTypeReceipt, movements[0].Type)
	assert.Equal(t, model.MovementTypeIssue, movements[1].Type)
}

func TestJournalsAndSettlement(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)
	period := model.Period{
		Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.AddJournalLines(ctx, []model.JournalLine{
			{OrderID: order.ID, Account: "6000", Debit: d("40.00"), Memo: "Autonomy payroll accrued", PeriodStart: &period.Start, PeriodEnd: &period.End},
			{OrderID: order.ID, Account: "2200", Credit: d("40.00"), Memo: "Autonomy payroll accrued", PeriodStart: &period.Start, PeriodEnd: &period.End},
		}); err != nil {
			return err
		}
		return tx.AddSettlement(ctx, model.Settlement{
			OrderID: order.ID, Amount: d("100.00"), Currency: "USD", ReceivedAt: time.Now().UTC(),
		})
	}))

	lines, err := testDB.JournalLinesByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	debits, credits := model.BalanceJournalLines(lines)
	assert.True(t, debits.Equal(credits))

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		total, err := tx.JournalDebitTotal(ctx, "6000", period)
		if err != nil {
			return err
		}
		assert.True(t, total.Equal(d("40.00")), "total %s", total)
		return nil
	}))
}

func TestApObligationSubledger(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)
	period := model.Period{
		Start: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	}

	var obligation model.ApObligation
	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		obligation, err = tx.AddObligation(ctx, model.ApObligation{
			OrderID:          order.ID,
			SourceType:       model.ApSourceAutonomyPayroll,
			Counterparty:     "autonomy-pool",
			Amount:           d("40.00"),
			Currency:         "USD",
			DueAt:            period.End,
			Period:           &period,
			CreatedByAgentID: "ops-agent",
		})
		if err != nil {
			return err
		}
		return tx.AddApEntry(ctx, model.ApSubledgerEntry{
			ApObligationID: obligation.ID,
			OrderID:        order.ID,
			EntryType:      model.ApEntryAccrual,
			Credit:         d("40.00"),
			BalanceAfter:   d("40.00"),
			Currency:       "USD",
			PostedByAgent:  "ops-agent",
		})
	}))

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		locked, err := tx.ObligationForUpdate(ctx, obligation.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, model.ApStatusOpen, locked.Status)
		require.NotNil(t, locked.Period)
		assert.True(t, locked.Period.Start.Equal(period.Start))

		balance, err := tx.LatestApBalance(ctx, obligation.ID)
		if err != nil {
			return err
		}
		assert.True(t, balance.Equal(d("40.00")))

		if err := tx.AddApEntry(ctx, model.ApSubledgerEntry{
			ApObligationID: obligation.ID,
			OrderID:        order.ID,
			EntryType:      model.ApEntryPayment,
			Debit:          d("40.00"),
			BalanceAfter:   decimal.Zero,
			Currency:       "USD",
		}); err != nil {
			return err
		}
		return tx.MarkObligationSettled(ctx, obligation.ID, time.Now().UTC())
	}))

	got, err := testDB.GetObligation(ctx, obligation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApStatusSettled, got.Status)
	require.NotNil(t, got.SettledAt)

	entries, err := testDB.ApEntriesByObligation(ctx, obligation.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].BalanceAfter.IsZero())

	obligations, err := testDB.ObligationsByPeriod(ctx, period)
	require.NoError(t, err)
	require.Len(t, obligations, 1)
	assert.Equal(t, obligation.ID, obligations[0].ID)
}

func TestDeletePeriodArtifactsCascades(t *testing.T) {
	ctx := context.Background()
	order := createOrder(t, model.OrderStatusNew)
	period := model.Period{
		Start: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.AddAllocations(ctx, []model.CostAllocation{{
			Period:        period,
			OrderID:       order.ID,
			SourceType:    model.CostSourceCloud,
			SourceID:      uuid.New(),
			Basis:         model.AllocationBasisRevenueShare,
			AllocatedCost: d("10.00"),
			Currency:      "USD",
		}}); err != nil {
			return err
		}
		if err := tx.AddJournalLines(ctx, []model.JournalLine{
			{OrderID: order.ID, Account: "6000", Debit: d("10.00"), PeriodStart: &period.Start, PeriodEnd: &period.End},
			{OrderID: order.ID, Account: "2200", Credit: d("10.00"), PeriodStart: &period.Start, PeriodEnd: &period.End},
		}); err != nil {
			return err
		}
		obligation, err := tx.AddObligation(ctx, model.ApObligation{
			OrderID:      order.ID,
			SourceType:   model.ApSourceAutonomyPayroll,
			Counterparty: "autonomy-pool",
			Amount:       d("10.00"),
			Currency:     "USD",
			DueAt:        period.End,
			Period:       &period,
		})
		if err != nil {
			return err
		}
		return tx.AddApEntry(ctx, model.ApSubledgerEntry{
			ApObligationID: obligation.ID,
			OrderID:        order.ID,
			EntryType:      model.ApEntryAccrual,
			Credit:         d("10.00"),
			BalanceAfter:   d("10.00"),
		})
	}))

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.DeletePeriodArtifacts(ctx, period)
	}))

	allocs, err := testDB.AllocationsByPeriod(ctx, period)
	require.NoError(t, err)
	assert.Empty(t, allocs)

	obligations, err := testDB.ObligationsByPeriod(ctx, period)
	require.NoError(t, err)
	assert.Empty(t, obligations)

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		total, err := tx.JournalDebitTotal(ctx, "6000", period)
		if err != nil {
			return err
		}
		assert.True(t, total.IsZero(), "total %s", total)
		return nil
	}))

	var entryCount int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM ap_subledger_entries WHERE order_id = $1`, order.ID,
	).Scan(&entryCount))
	assert.Zero(t, entryCount, "subledger entries should cascade with their obligation")
}

func TestAllocationLockIsExclusive(t *testing.T) {
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- testDB.WithTx(ctx, func(tx *storage.Tx) error {
			if err := tx.AcquireAllocationLock(ctx); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	err := testDB.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.AcquireAllocationLock(ctx)
	})
	assert.ErrorIs(t, err, storage.ErrAllocationRunning)

	close(release)
	require.NoError(t, <-done)

	// Lock is transaction scoped: released after commit.
	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.AcquireAllocationLock(ctx)
	}))
}

func TestReconciliationUpsert(t *testing.T) {
	ctx := context.Background()
	period := model.Period{
		Start: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	write := func(status model.ReconciliationStatus, source string) {
		require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
			return tx.UpsertReconciliation(ctx, model.PeriodReconciliation{
				Period:         period,
				SourceTotal:    d(source),
				AllocatedTotal: d(source),
				JournalTotal:   d(source),
				VarianceAmount: decimal.Zero,
				VariancePct:    decimal.Zero,
				Status:         status,
			})
		}))
	}

	write(model.ReconciliationOutOfTolerance, "10.00")
	write(model.ReconciliationBalanced, "20.00")

	rec, err := testDB.GetReconciliation(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, model.ReconciliationBalanced, rec.Status)
	assert.True(t, rec.SourceTotal.Equal(d("20.00")))
}

func TestCostSourceQueriesFilterByWindow(t *testing.T) {
	ctx := context.Background()
	period := model.Period{
		Start: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	inside := period.Start.Add(time.Hour)
	outside := period.End.Add(time.Hour)
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO finops_token_costs (id, skill_id, amount, occurred_at) VALUES
		 ($1, 'draft-v1', 5.00, $3), ($2, 'draft-v1', 7.00, $4)`,
		uuid.New(), uuid.New(), inside, outside)
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx,
		`INSERT INTO finops_subscription_costs (id, vendor, amount, window_start, window_end)
		 VALUES ($1, 'acme-saas', 120.00, $2, $3)`,
		uuid.New(), period.Start.AddDate(0, 0, -15), period.Start.AddDate(0, 0, 15))
	require.NoError(t, err)

	require.NoError(t, testDB.WithTx(ctx, func(tx *storage.Tx) error {
		tokens, err := tx.TokenCosts(ctx, period)
		if err != nil {
			return err
		}
		require.Len(t, tokens, 1)
		assert.True(t, tokens[0].Amount.Equal(d("5.00")))
		assert.Equal(t, model.CostSourceToken, tokens[0].SourceType)

		subs, err := tx.SubscriptionCosts(ctx, period)
		if err != nil {
			return err
		}
		require.Len(t, subs, 1)
		assert.Equal(t, "acme-saas", subs[0].Vendor)
		return nil
	}))
}
