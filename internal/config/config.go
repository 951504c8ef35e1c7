// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Database settings.
	DatabaseURL string

	// Redis event bus settings.
	RedisURL string

	// Worker settings.
	HealthAddr  string // Address for the /healthz listener; empty disables it.
	Parallelism int    // Max concurrent fulfillment units.

	// Fulfillment economics.
	ProcurementMarkupRatio decimal.Decimal // Shortfall procurement unit cost = unit_price * ratio.
	ServiceCostRatio       decimal.Decimal // SERVICE order COGS = revenue * ratio.

	// Cost allocation settings.
	ReconciliationTolerancePct decimal.Decimal // Variance threshold for BALANCED status.
	SettleImmediately          bool            // Settle payroll obligations in the same run.
	DefaultIntent              string          // Routing intent for order fulfillment.
	RequestingAgentID          string          // Agent identity recorded on escalations and AP rows.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:                envStr("DATABASE_URL", ""),
		RedisURL:                   envStr("REDIS_URL", "redis://localhost:6379/0"),
		HealthAddr:                 envStr("BANTO_HEALTH_ADDR", ":8090"),
		Parallelism:                envInt("BANTO_PARALLELISM", 4),
		ProcurementMarkupRatio:     envDecimal("BANTO_PROCUREMENT_MARKUP_RATIO", "0.60"),
		ServiceCostRatio:           envDecimal("BANTO_SERVICE_COST_RATIO", "0.30"),
		ReconciliationTolerancePct: envDecimal("BANTO_RECONCILIATION_TOLERANCE_PCT", "0.005"),
		SettleImmediately:          envBool("BANTO_SETTLE_IMMEDIATELY", false),
		DefaultIntent:              envStr("BANTO_FULFILLMENT_INTENT", "order.fulfill"),
		RequestingAgentID:          envStr("BANTO_AGENT_ID", "ops-agent"),
		OTELEndpoint:               envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:               envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:                envStr("OTEL_SERVICE_NAME", "banto"),
		LogLevel:                   envStr("BANTO_LOG_LEVEL", "info"),
		ShutdownTimeout:            envDuration("BANTO_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("config: BANTO_PARALLELISM must be positive")
	}
	if !c.ProcurementMarkupRatio.IsPositive() {
		return fmt.Errorf("config: BANTO_PROCUREMENT_MARKUP_RATIO must be positive")
	}
	if c.ServiceCostRatio.IsNegative() {
		return fmt.Errorf("config: BANTO_SERVICE_COST_RATIO must not be negative")
	}
	if c.ReconciliationTolerancePct.IsNegative() {
		return fmt.Errorf("config: BANTO_RECONCILIATION_TOLERANCE_PCT must not be negative")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDecimal(key, defaultVal string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultVal)
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
