package skills

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/storage"
)

type fakePolicyStore struct {
	policies map[string]model.SkillRoutingPolicy // keyed by intent + "/" + scope
}

func (f *fakePolicyStore) GetRoutingPolicy(_ context.Context, intent string, scope model.PolicyScope) (model.SkillRoutingPolicy, error) {
	p, ok := f.policies[intent+"/"+string(scope)]
	if !ok {
		return model.SkillRoutingPolicy{}, storage.ErrNotFound
	}
	return p, nil
}

func TestRouterExactScopeWins(t *testing.T) {
	exact := model.SkillRoutingPolicy{ID: uuid.New(), Intent: "order.fulfill", Scope: model.PolicyScopeProduct}
	wide := model.SkillRoutingPolicy{ID: uuid.New(), Intent: "order.fulfill", Scope: model.PolicyScopeAny}
	r := NewRouter(&fakePolicyStore{policies: map[string]model.SkillRoutingPolicy{
		"order.fulfill/PRODUCT": exact,
		"order.fulfill/ANY":     wide,
	}})

	got, err := r.Route(context.Background(), "order.fulfill", model.TransactionTypeProduct)
	require.NoError(t, err)
	assert.Equal(t, exact.ID, got.ID)
}

func TestRouterFallsBackToAnyScope(t *testing.T) {
	wide := model.SkillRoutingPolicy{ID: uuid.New(), Intent: "order.fulfill", Scope: model.PolicyScopeAny}
	r := NewRouter(&fakePolicyStore{policies: map[string]model.SkillRoutingPolicy{
		"order.fulfill/ANY": wide,
	}})

	got, err := r.Route(context.Background(), "order.fulfill", model.TransactionTypeService)
	require.NoError(t, err)
	assert.Equal(t, wide.ID, got.ID)
}

func TestRouterNoPolicy(t *testing.T) {
	r := NewRouter(&fakePolicyStore{policies: map[string]model.SkillRoutingPolicy{}})

	_, err := r.Route(context.Background(), "order.fulfill", model.TransactionTypeProduct)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRoutingPolicy)
}

type fakeRegistry struct {
	entries map[model.SkillRef]model.SkillRegistryEntry
}

func (f *fakeRegistry) GetRegistryEntry(_ context.Context, ref model.SkillRef) (model.SkillRegistryEntry, error) {
	e, ok := f.entries[ref]
	if !ok {
		return model.SkillRegistryEntry{}, storage.ErrNotFound
	}
	return e, nil
}

type fakeAudit struct {
	invocations []model.SkillInvocation
	escalations []model.GovernanceEscalation
}

func (f *fakeAudit) InsertInvocation(_ context.Context, inv model.SkillInvocation) (model.SkillInvocation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	f.invocations = append(f.invocations, inv)
	return inv, nil
}

func (f *fakeAudit) InsertEscalation(_ context.Context, e model.GovernanceEscalation) (model.GovernanceEscalation, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = model.EscalationStatusPending
	f.escalations = append(f.escalations, e)
	return e, nil
}

type capabilityFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

func (f capabilityFunc) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

type fakeResolver map[model.SkillRef]Capability

func (f fakeResolver) Resolve(ref model.SkillRef) (Capability, bool) {
	c, ok := f[ref]
	return c, ok
}

func approvedEntry(ref model.SkillRef) model.SkillRegistryEntry {
	return model.SkillRegistryEntry{
		SkillID:              ref.SkillID,
		Version:              ref.Version,
		Capability:           "fulfillment-execution",
		ApprovalStatus:       model.ApprovalStatusApproved,
		RequiredInputFields:  []string{"order_id"},
		RequiredOutputFields: []string{"confirmation"},
	}
}

func testOrder() model.Order {
	return model.Order{
		ID:              uuid.New(),
		TransactionType: model.TransactionTypeProduct,
		ItemCode:        "WIDGET-1",
		Quantity:        decimal.RequireFromString("2"),
		UnitPrice:       decimal.RequireFromString("50.00"),
		Currency:        "USD",
		Status:          model.OrderStatusNew,
	}
}

func alwaysFail(_ context.Context, _ map[string]any) (map[string]any, error) {
	return nil, errors.New("boom")
}

func alwaysSucceed(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"confirmation": "ok"}, nil
}

func TestExecutorRetriesThenFallbackSucceeds(t *testing.T) {
	primary := model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"}
	backup := model.SkillRef{SkillID: "ship-v2", Version: "2.0.0"}
	policy := model.SkillRoutingPolicy{
		Intent:               "order.fulfill",
		Capability:           "fulfillment-execution",
		Primary:              primary,
		Fallback:             &backup,
		MaxRetries:           2,
		EscalationActionType: "fulfillment.review",
	}

	audit := &fakeAudit{}
	exec := NewExecutor(
		&fakeRegistry{entries: map[model.SkillRef]model.SkillRegistryEntry{
			primary: approvedEntry(primary),
			backup:  approvedEntry(backup),
		}},
		audit,
		fakeResolver{
			primary: capabilityFunc(alwaysFail),
			backup:  capabilityFunc(alwaysSucceed),
		},
		"ops-agent", slog.Default(),
	)

	res, err := exec.Execute(context.Background(), testOrder(), policy, map[string]any{"order_id": "x"})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, backup, res.Skill)
	assert.Equal(t, 4, res.Attempts)

	// max_retries=2: 3 primary FAILED attempts, then 1 fallback SUCCESS.
	require.Len(t, audit.invocations, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, model.InvocationStatusFailed, audit.invocations[i].Status)
		assert.Equal(t, primary, audit.invocations[i].Skill)
		assert.False(t, audit.invocations[i].FallbackUsed)
		assert.Equal(t, i+1, audit.invocations[i].AttemptNo)
	}
	last := audit.invocations[3]
	assert.Equal(t, model.InvocationStatusSuccess, last.Status)
	assert.True(t, last.FallbackUsed)
	assert.Equal(t, 4, last.AttemptNo)
	require.NotNil(t, last.OutputHash)
	assert.Empty(t, audit.escalations)
}

func TestExecutorNoFallbackEscalates(t *testing.T) {
	primary := model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"}
	policy := model.SkillRoutingPolicy{
		Intent:               "order.fulfill",
		Capability:           "fulfillment-execution",
		Primary:              primary,
		MaxRetries:           0,
		EscalationActionType: "fulfillment.review",
	}

	order := testOrder()
	audit := &fakeAudit{}
	exec := NewExecutor(
		&fakeRegistry{entries: map[model.SkillRef]model.SkillRegistryEntry{primary: approvedEntry(primary)}},
		audit,
		fakeResolver{primary: capabilityFunc(alwaysFail)},
		"ops-agent", slog.Default(),
	)

	_, err := exec.Execute(context.Background(), order, policy, map[string]any{"order_id": "x"})
	require.Error(t, err)

	var escalated *EscalatedError
	require.ErrorAs(t, err, &escalated)
	assert.Equal(t, order.ID, escalated.OrderID)

	// max_retries=0, no fallback: the single failed attempt is recorded as
	// the ESCALATED row, referencing the escalation.
	require.Len(t, audit.invocations, 1)
	inv := audit.invocations[0]
	assert.Equal(t, model.InvocationStatusEscalated, inv.Status)
	assert.Equal(t, 1, inv.AttemptNo)
	require.NotNil(t, inv.EscalationID)

	require.Len(t, audit.escalations, 1)
	esc := audit.escalations[0]
	assert.Equal(t, *inv.EscalationID, esc.ID)
	assert.Equal(t, "fulfillment.review", esc.ActionType)
	assert.Equal(t, model.EscalationReferenceOrder, esc.ReferenceType)
	assert.Equal(t, order.ID, esc.ReferenceID)
	assert.Equal(t, model.EscalationReasonSkillRuntimeError, esc.ReasonCode)
	assert.True(t, esc.Amount.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, "ops-agent", esc.RequestedByAgentID)
}

func TestExecutorRejectsUnapprovedSkill(t *testing.T) {
	primary := model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"}
	entry := approvedEntry(primary)
	entry.ApprovalStatus = model.ApprovalStatusRevoked
	policy := model.SkillRoutingPolicy{
		Capability:           "fulfillment-execution",
		Primary:              primary,
		MaxRetries:           0,
		EscalationActionType: "fulfillment.review",
	}

	audit := &fakeAudit{}
	exec := NewExecutor(
		&fakeRegistry{entries: map[model.SkillRef]model.SkillRegistryEntry{primary: entry}},
		audit,
		fakeResolver{primary: capabilityFunc(alwaysSucceed)},
		"ops-agent", slog.Default(),
	)

	_, err := exec.Execute(context.Background(), testOrder(), policy, map[string]any{"order_id": "x"})
	require.Error(t, err)
	require.Len(t, audit.invocations, 1)
	require.NotNil(t, audit.invocations[0].FailureReason)
	assert.Contains(t, *audit.invocations[0].FailureReason, "not APPROVED")
	assert.Len(t, audit.escalations, 1)
}

func TestExecutorValidationConsumesAttempt(t *testing.T) {
	primary := model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"}
	policy := model.SkillRoutingPolicy{
		Capability:           "fulfillment-execution",
		Primary:              primary,
		MaxRetries:           1,
		EscalationActionType: "fulfillment.review",
	}

	// Capability succeeds but omits the required output field; both attempts
	// consume the retry budget and the chain escalates.
	audit := &fakeAudit{}
	exec := NewExecutor(
		&fakeRegistry{entries: map[model.SkillRef]model.SkillRegistryEntry{primary: approvedEntry(primary)}},
		audit,
		fakeResolver{primary: capabilityFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"unexpected": "value"}, nil
		})},
		"ops-agent", slog.Default(),
	)

	_, err := exec.Execute(context.Background(), testOrder(), policy, map[string]any{"order_id": "x"})
	require.Error(t, err)

	require.Len(t, audit.invocations, 2)
	assert.Equal(t, model.InvocationStatusFailed, audit.invocations[0].Status)
	assert.Equal(t, model.InvocationStatusEscalated, audit.invocations[1].Status)
	// Output was produced, so its hash is preserved even though validation failed.
	assert.NotNil(t, audit.invocations[0].OutputHash)
	require.NotNil(t, audit.invocations[1].FailureReason)
	assert.Contains(t, *audit.invocations[1].FailureReason, "missing required output field confirmation")
}

func TestExecutorMissingInputFieldFails(t *testing.T) {
	primary := model.SkillRef{SkillID: "ship-v1", Version: "1.0.0"}
	policy := model.SkillRoutingPolicy{
		Capability:           "fulfillment-execution",
		Primary:              primary,
		MaxRetries:           0,
		EscalationActionType: "fulfillment.review",
	}

	called := false
	audit := &fakeAudit{}
	exec := NewExecutor(
		&fakeRegistry{entries: map[model.SkillRef]model.SkillRegistryEntry{primary: approvedEntry(primary)}},
		audit,
		fakeResolver{primary: capabilityFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
			called = true
			return map[string]any{"confirmation": "ok"}, nil
		})},
		"ops-agent", slog.Default(),
	)

	_, err := exec.Execute(context.Background(), testOrder(), policy, map[string]any{"order_id": ""})
	require.Error(t, err)
	assert.False(t, called, "capability must not run when required input is empty")
	require.Len(t, audit.invocations, 1)
	require.NotNil(t, audit.invocations[0].FailureReason)
	assert.Contains(t, *audit.invocations[0].FailureReason, "missing required input field order_id")
}
