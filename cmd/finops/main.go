// Command finops runs the periodic cost allocation and reconciliation engine
// for one closed period, or settles a single payable obligation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/oumi-ai/banto/internal/config"
	"github.com/oumi-ai/banto/internal/model"
	"github.com/oumi-ai/banto/internal/service/finops"
	"github.com/oumi-ai/banto/internal/storage"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
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
	var (
		startFlag  = flag.String("start", "", "period start (RFC3339, inclusive)")
		endFlag    = flag.String("end", "", "period end (RFC3339, exclusive)")
		settleFlag = flag.Bool("settle", false, "settle payroll obligations in the same run")
		obligation = flag.String("settle-obligation", "", "settle one obligation by id instead of running an allocation")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	engine := finops.New(finops.NewStore(db), finops.Config{
		ReconciliationTolerancePct: cfg.ReconciliationTolerancePct,
		SettleImmediately:          cfg.SettleImmediately || *settleFlag,
		AgentID:                    cfg.RequestingAgentID,
	}, logger)

	if *obligation != "" {
		id, err := uuid.Parse(*obligation)
		if err != nil {
			return fmt.Errorf("parse -settle-obligation: %w", err)
		}
		result, err := engine.SettleObligation(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(result)
	}

	period, err := parsePeriod(*startFlag, *endFlag)
	if err != nil {
		return err
	}

	// The run is idempotent per period key, so retrying the whole unit on a
	// transient serialization failure is safe.
	var rec model.PeriodReconciliation
	err = storage.WithRetry(ctx, 3, 200*time.Millisecond, func() error {
		var runErr error
		rec, runErr = engine.Run(ctx, period)
		return runErr
	})
	if err != nil {
		if errors.Is(err, storage.ErrAllocationRunning) {
			return fmt.Errorf("another allocation run is in progress: %w", err)
		}
		return err
	}
	return printJSON(rec)
}

func parsePeriod(start, end string) (model.Period, error) {
	if start == "" || end == "" {
		return model.Period{}, errors.New("both -start and -end are required")
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return model.Period{}, fmt.Errorf("parse -start: %w", err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return model.Period{}, fmt.Errorf("parse -end: %w", err)
	}
	return model.Period{Start: s.UTC(), End: e.UTC()}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
