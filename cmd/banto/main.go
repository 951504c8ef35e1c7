// Command banto is the order fulfillment worker. It consumes order created
// events from Redis, runs the skill execution chain, and commits inventory,
// journal, and settlement writes as one transactional unit per order.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oumi-ai/banto/internal/bus"
	"github.com/oumi-ai/banto/internal/config"
	"github.com/oumi-ai/banto/internal/service/fulfillment"
	"github.com/oumi-ai/banto/internal/service/skills"
	"github.com/oumi-ai/banto/internal/storage"
	"github.com/oumi-ai/banto/internal/telemetry"
	"github.com/oumi-ai/banto/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("BANTO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("banto starting", "version", version, "parallelism", cfg.Parallelism)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	eventBus, err := bus.Connect(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer func() { _ = eventBus.Close() }()

	// Skill capabilities are pluggable; the worker ships with the built-in
	// acknowledge capability as the default executor behind every skill.
	registry := skills.NewRegistry()
	registry.RegisterDefault(skills.Acknowledge{})

	router := skills.NewRouter(db)
	executor := skills.NewExecutor(db, db, registry, cfg.RequestingAgentID, logger)
	svc := fulfillment.New(fulfillment.NewStore(db), router, executor, fulfillment.Config{
		Intent:                 cfg.DefaultIntent,
		ProcurementMarkupRatio: cfg.ProcurementMarkupRatio,
		ServiceCostRatio:       cfg.ServiceCostRatio,
	}, logger)

	sub, err := eventBus.SubscribeOrdersCreated(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HealthAddr != "" {
		g.Go(func() error {
			return serveHealth(gctx, cfg.HealthAddr, cfg.ShutdownTimeout, db, logger)
		})
	}

	g.Go(func() error {
		return consume(gctx, sub, eventBus, svc, cfg.Parallelism, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("banto shutting down")
	return err
}

// consume processes order created events with bounded parallelism. Distinct
// orders may fulfill concurrently; per-order and per-item serialization is
// enforced by row locks inside the fulfillment unit.
func consume(ctx context.Context, sub *redis.PubSub, eventBus *bus.Bus, svc *fulfillment.Service, parallelism int, logger *slog.Logger) error {
	sem := semaphore.NewWeighted(int64(parallelism))
	events := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return errors.New("event subscription closed")
			}
			var event bus.OrderCreatedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Error("malformed order created event", "payload", msg.Payload, "error", err)
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func() {
				defer sem.Release(1)
				fulfillOne(ctx, eventBus, svc, event, logger)
			}()
		}
	}
}

func fulfillOne(ctx context.Context, eventBus *bus.Bus, svc *fulfillment.Service, event bus.OrderCreatedEvent, logger *slog.Logger) {
	result, err := svc.Fulfill(ctx, event.OrderID)
	if err != nil {
		logger.Error("fulfillment failed", "order_id", event.OrderID, "error", err)
		return
	}
	if err := eventBus.PublishJSON(ctx, bus.ChannelOrdersFulfilled, bus.OrderFulfilledEvent{
		OrderID:       result.OrderID,
		SettledAmount: result.SettledAmount,
		Currency:      result.Currency,
	}); err != nil {
		logger.Error("publish fulfilled event", "order_id", event.OrderID, "error", err)
	}
}

// serveHealth runs the /healthz listener until the context is cancelled.
func serveHealth(ctx context.Context, addr string, shutdownTimeout time.Duration, db *storage.DB, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("health listener started", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("health listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
