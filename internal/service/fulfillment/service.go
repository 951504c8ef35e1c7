// Package fulfillment orchestrates order fulfillment: skill routing and
// execution, then inventory costing, journal posting, and settlement as one
// atomic unit of work.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/service/skills"
	"github.com/oumi-ai/banto/internal/storage"
	"github.com/oumi-ai/banto/internal/telemetry"
)

// Router resolves the routing policy for an order.
type Router interface {
	Route(ctx context.Context, intent string, txType model.TransactionType) (model.SkillRoutingPolicy, error)
}

// Executor runs the retry/fallback/escalate chain.
type Executor interface {
	Execute(ctx context.Context, order model.Order, policy model.SkillRoutingPolicy, input map[string]any) (skills.Result, error)
}

// Result is the committed outcome of one fulfillment, used to publish the
// fulfilled event.
type Result struct {
	OrderID       uuid.UUID
	SettledAmount decimal.Decimal
	Currency      string
	COGS          decimal.Decimal
	FallbackUsed  bool
}

// Config holds the fulfillment economics.
type Config struct {
	Intent                 string          // Routing intent for order fulfillment.
	ProcurementMarkupRatio decimal.Decimal // Shortfall procurement unit cost = unit_price * ratio.
	ServiceCostRatio       decimal.Decimal // SERVICE order COGS = revenue * ratio.
}

// Service fulfills orders end to end.
type Service struct {
	store    Store
	router   Router
	executor Executor
	cfg      Config
	accounts model.ChartOfAccounts
	logger   *slog.Logger

	fulfilled metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates a fulfillment Service using the default chart of accounts.
func New(store Store, router Router, executor Executor, cfg Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("banto/fulfillment")
	fulfilled, _ := meter.Int64Counter("banto.orders.fulfilled",
		metric.WithDescription("Orders fulfilled by transaction type"),
	)
	failed, _ := meter.Int64Counter("banto.orders.failed",
		metric.WithDescription("Orders marked FAILED"),
	)
	duration, _ := meter.Float64Histogram("banto.fulfillment.duration",
		metric.WithDescription("End-to-end fulfillment duration"),
		metric.WithUnit("s"),
	)
	return &Service{
		store:     store,
		router:    router,
		executor:  executor,
		cfg:       cfg,
		accounts:  model.DefaultChartOfAccounts(),
		logger:    logger,
		fulfilled: fulfilled,
		failed:    failed,
		duration:  duration,
	}
}

// Fulfill processes one order created event. The skill chain runs first with
// its own durable audit writes; ledger activity then happens inside a single
// transaction. Any failure after routing marks the order FAILED outside the
// transaction, so the reason survives the rollback.
func (s *Service) Fulfill(ctx context.Context, orderID uuid.UUID) (Result, error) {
	started := time.Now()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, &NotFoundError{OrderID: orderID, Err: err}
		}
		return Result{}, fmt.Errorf("fulfillment: load order: %w", err)
	}

	if err := validateOrder(order); err != nil {
		// Bad input, no side effects: duplicate deliveries for an already
		// processed order land here and must not overwrite its state.
		return Result{}, err
	}

	policy, err := s.router.Route(ctx, s.cfg.Intent, order.TransactionType)
	if err != nil {
		// A missing policy is a configuration gap, not an order failure. The
		// order stays NEW so the event can be redelivered once a policy exists.
		return Result{}, err
	}

	execResult, err := s.executor.Execute(ctx, order, policy, executionInput(order))
	if err != nil {
		s.markFailed(ctx, order.ID, err)
		return Result{}, err
	}

	result := Result{OrderID: order.ID, Currency: order.Currency, FallbackUsed: execResult.FallbackUsed}
	if err := s.store.InUnit(ctx, func(u Unit) error {
		r, err := s.settle(ctx, u, order.ID)
		if err != nil {
			return err
		}
		result.SettledAmount = r.SettledAmount
		result.COGS = r.COGS
		return nil
	}); err != nil {
		s.markFailed(ctx, order.ID, err)
		return Result{}, err
	}

	s.fulfilled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transaction_type", string(order.TransactionType)),
	))
	s.duration.Record(ctx, time.Since(started).Seconds())
	s.logger.Info("order fulfilled",
		"order_id", order.ID,
		"transaction_type", order.TransactionType,
		"settled_amount", result.SettledAmount,
		"cogs", result.COGS,
		"fallback_used", result.FallbackUsed,
	)
	return result, nil
}

// settle runs §§inventory costing, journal posting, and settlement inside the
// open unit. The order row is re-locked and re-checked: another worker may
// have finished it between the initial read and the transaction start.
func (s *Service) settle(ctx context.Context, u Unit, orderID uuid.UUID) (Result, error) {
	order, err := u.OrderForUpdate(ctx, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("fulfillment: lock order: %w", err)
	}
	if order.Status != model.OrderStatusNew {
		return Result{}, &ValidationError{OrderID: order.ID, Reason: fmt.Sprintf("status is %s, not NEW", order.Status)}
	}

	revenue := order.Revenue()

	var cogs decimal.Decimal
	switch order.TransactionType {
	case model.TransactionTypeProduct:
		cogs, err = s.relieveInventory(ctx, u, order)
		if err != nil {
			return Result{}, err
		}
	case model.TransactionTypeService:
		cogs = model.RoundMoney(revenue.Mul(s.cfg.ServiceCostRatio))
	default:
		return Result{}, &ValidationError{OrderID: order.ID, Reason: fmt.Sprintf("unsupported transaction_type %q", order.TransactionType)}
	}

	lines := s.journalBatch(order, revenue, cogs)
	debits, credits := model.BalanceJournalLines(lines)
	if !debits.Equal(credits) {
		return Result{}, &LedgerInvariantViolation{OrderID: order.ID, Debits: debits, Credits: credits}
	}
	if err := u.AddJournalLines(ctx, lines); err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	if err := u.AddSettlement(ctx, model.Settlement{
		OrderID:    order.ID,
		Amount:     revenue,
		Currency:   order.Currency,
		ReceivedAt: now,
	}); err != nil {
		return Result{}, err
	}
	if err := u.MarkOrderFulfilled(ctx, order.ID, now); err != nil {
		return Result{}, err
	}

	return Result{OrderID: order.ID, SettledAmount: revenue, Currency: order.Currency, COGS: cogs}, nil
}

// relieveInventory issues the ordered quantity at weighted average cost,
// auto-procuring any shortfall first at unit_price * markup ratio. Returns the
// COGS for the issued quantity.
func (s *Service) relieveInventory(ctx context.Context, u Unit, order model.Order) (decimal.Decimal, error) {
	position, err := u.PositionForUpdate(ctx, order.ItemCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fulfillment: lock position: %w", err)
	}

	if position.OnHand.LessThan(order.Quantity) {
		shortfall := order.Quantity.Sub(position.OnHand)
		procureCost := model.RoundMoney(order.UnitPrice.Mul(s.cfg.ProcurementMarkupRatio))
		position.Receive(shortfall, procureCost)
		if err := u.AddMovement(ctx, model.InventoryMovement{
			OrderID:  order.ID,
			ItemCode: order.ItemCode,
			Type:     model.MovementTypeReceipt,
			Quantity: shortfall,
			UnitCost: procureCost,
		}); err != nil {
			return decimal.Zero, err
		}
		s.logger.Info("procured inventory shortfall",
			"order_id", order.ID, "item_code", order.ItemCode,
			"shortfall", shortfall, "unit_cost", procureCost)
	}

	cogs := position.Issue(order.Quantity)
	if position.OnHand.IsNegative() {
		return decimal.Zero, fmt.Errorf("fulfillment: order %s: item %s on_hand went negative (%s)",
			order.ID, order.ItemCode, position.OnHand)
	}
	if err := u.AddMovement(ctx, model.InventoryMovement{
		OrderID:  order.ID,
		ItemCode: order.ItemCode,
		Type:     model.MovementTypeIssue,
		Quantity: order.Quantity,
		UnitCost: position.AvgCost,
	}); err != nil {
		return decimal.Zero, err
	}
	if err := u.SavePosition(ctx, position); err != nil {
		return decimal.Zero, err
	}
	return cogs, nil
}

// journalBatch builds the fixed six-line batch modeling immediate cash
// settlement: invoice, cost recognition, and cash receipt. Each side totals
// 2*revenue + cogs.
func (s *Service) journalBatch(order model.Order, revenue, cogs decimal.Decimal) []model.JournalLine {
	costAccount := s.accounts.Inventory
	costMemo := "Inventory relieved"
	if order.TransactionType == model.TransactionTypeService {
		costAccount = s.accounts.ServiceClearing
		costMemo = "Service delivery cost recognized"
	}
	return []model.JournalLine{
		{OrderID: order.ID, Account: s.accounts.AccountsReceivable, Debit: revenue, Memo: "Invoice posted"},
		{OrderID: order.ID, Account: s.accounts.Revenue, Credit: revenue, Memo: "Revenue recognized"},
		{OrderID: order.ID, Account: s.accounts.COGS, Debit: cogs, Memo: "COGS recognized"},
		{OrderID: order.ID, Account: costAccount, Credit: cogs, Memo: costMemo},
		{OrderID: order.ID, Account: s.accounts.Cash, Debit: revenue, Memo: "Cash receipt"},
		{OrderID: order.ID, Account: s.accounts.AccountsReceivable, Credit: revenue, Memo: "AR settled"},
	}
}

func (s *Service) markFailed(ctx context.Context, orderID uuid.UUID, cause error) {
	s.failed.Add(ctx, 1)
	if err := s.store.MarkOrderFailed(ctx, orderID, cause.Error()); err != nil {
		s.logger.Error("failed to mark order failed", "order_id", orderID, "error", err)
	}
}

func validateOrder(order model.Order) error {
	if order.Status != model.OrderStatusNew {
		return &ValidationError{OrderID: order.ID, Reason: fmt.Sprintf("status is %s, not NEW", order.Status)}
	}
	if !order.Quantity.IsPositive() {
		return &ValidationError{OrderID: order.ID, Reason: "quantity must be positive"}
	}
	if !order.UnitPrice.IsPositive() {
		return &ValidationError{OrderID: order.ID, Reason: "unit_price must be positive"}
	}
	if _, err := model.ParseTransactionType(string(order.TransactionType)); err != nil {
		return &ValidationError{OrderID: order.ID, Reason: err.Error()}
	}
	return nil
}

// executionInput builds the structured input object handed to the skill chain.
func executionInput(order model.Order) map[string]any {
	return map[string]any{
		"order_id":         order.ID.String(),
		"customer_email":   order.CustomerEmail,
		"transaction_type": string(order.TransactionType),
		"item_code":        order.ItemCode,
		"quantity":         order.Quantity.String(),
		"unit_price":       order.UnitPrice.String(),
		"currency":         order.Currency,
	}
}
