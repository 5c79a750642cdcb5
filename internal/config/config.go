// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config is the process configuration, read from CIRC_* environment
// variables.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
	MigrateOnStart  bool

	OverdueSchedule    string
	HoldExpirySchedule string
	AuditSchedule      string
	SweepTimeout       time.Duration
	DueSoonDays        int

	FeeBlockThreshold decimal.Decimal
	MaxAttempts       int

	OutboxBatchSize   int
	OutboxInterval    time.Duration
	OutboxLease       time.Duration
	OutboxMaxAttempts int

	RedisAddr   string
	RedisDB     int
	RedisStream string
	RedisMaxLen int64

	RateLimitEvery time.Duration
	RateLimitBurst int

	PolicyCacheSize int
	PolicyCacheTTL  time.Duration

	// BootstrapTenant is created at startup when missing.
	BootstrapTenant   string
	BootstrapCurrency string

	OTLPEndpoint string
	ServiceName  string
	LogLevel     string
	LogFormat    string
}

// Load reads an optional .env file, then the environment, and validates the
// result. Variables already set in the environment win over .env.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var p parser
	cfg := &Config{
		HTTPAddr:        p.str("CIRC_HTTP_ADDR", ":8080"),
		ShutdownTimeout: p.duration("CIRC_SHUTDOWN_TIMEOUT", 15*time.Second),

		DatabaseURL:     p.str("CIRC_DATABASE_URL", ""),
		MaxOpenConns:    p.integer("CIRC_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    p.integer("CIRC_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: p.duration("CIRC_DB_CONN_MAX_LIFETIME", 30*time.Minute),
		LockTimeout:     p.duration("CIRC_LOCK_TIMEOUT", 5*time.Second),
		MigrateOnStart:  p.boolean("CIRC_MIGRATE_ON_START", true),

		OverdueSchedule:    p.str("CIRC_OVERDUE_SCHEDULE", "15 0 * * *"),
		HoldExpirySchedule: p.str("CIRC_HOLD_EXPIRY_SCHEDULE", "*/15 * * * *"),
		AuditSchedule:      p.str("CIRC_AUDIT_SCHEDULE", ""),
		SweepTimeout:       p.duration("CIRC_SWEEP_TIMEOUT", 30*time.Minute),
		DueSoonDays:        p.integer("CIRC_DUE_SOON_DAYS", 2),

		FeeBlockThreshold: p.amount("CIRC_FEE_BLOCK_THRESHOLD", decimal.Zero),
		MaxAttempts:       p.integer("CIRC_MAX_ATTEMPTS", 5),

		OutboxBatchSize:   p.integer("CIRC_OUTBOX_BATCH_SIZE", 100),
		OutboxInterval:    p.duration("CIRC_OUTBOX_INTERVAL", 5*time.Second),
		OutboxLease:       p.duration("CIRC_OUTBOX_LEASE", time.Minute),
		OutboxMaxAttempts: p.integer("CIRC_OUTBOX_MAX_ATTEMPTS", 10),

		RedisAddr:   p.str("CIRC_REDIS_ADDR", ""),
		RedisDB:     p.integer("CIRC_REDIS_DB", 0),
		RedisStream: p.str("CIRC_REDIS_STREAM", "circulation.notifications"),
		RedisMaxLen: int64(p.integer("CIRC_REDIS_MAX_LEN", 100000)),

		RateLimitEvery: p.duration("CIRC_RATE_LIMIT_EVERY", 10*time.Millisecond),
		RateLimitBurst: p.integer("CIRC_RATE_LIMIT_BURST", 200),

		PolicyCacheSize: p.integer("CIRC_POLICY_CACHE_SIZE", 128),
		PolicyCacheTTL:  p.duration("CIRC_POLICY_CACHE_TTL", 5*time.Minute),

		BootstrapTenant:   p.str("CIRC_BOOTSTRAP_TENANT", ""),
		BootstrapCurrency: p.str("CIRC_BOOTSTRAP_CURRENCY", "USD"),

		OTLPEndpoint: p.str("CIRC_OTLP_ENDPOINT", ""),
		ServiceName:  p.str("CIRC_SERVICE_NAME", "circulation"),
		LogLevel:     p.str("CIRC_LOG_LEVEL", "info"),
		LogFormat:    p.str("CIRC_LOG_FORMAT", "json"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cron specs.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"CIRC_DB_MAX_OPEN_CONNS":   c.MaxOpenConns,
		"CIRC_MAX_ATTEMPTS":        c.MaxAttempts,
		"CIRC_OUTBOX_BATCH_SIZE":   c.OutboxBatchSize,
		"CIRC_OUTBOX_MAX_ATTEMPTS": c.OutboxMaxAttempts,
		"CIRC_RATE_LIMIT_BURST":    c.RateLimitBurst,
		"CIRC_POLICY_CACHE_SIZE":   c.PolicyCacheSize,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.DueSoonDays < 0 {
		errs = append(errs, fmt.Errorf("CIRC_DUE_SOON_DAYS must not be negative"))
	}
	if c.FeeBlockThreshold.IsNegative() {
		errs = append(errs, fmt.Errorf("CIRC_FEE_BLOCK_THRESHOLD must not be negative"))
	}
	for name, spec := range map[string]string{
		"CIRC_OVERDUE_SCHEDULE":     c.OverdueSchedule,
		"CIRC_HOLD_EXPIRY_SCHEDULE": c.HoldExpirySchedule,
		"CIRC_AUDIT_SCHEDULE":       c.AuditSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("CIRC_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("CIRC_LOG_FORMAT %q is not json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

// parser collects conversion errors so Load reports all of them at once.
type parser struct {
	errs []error
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (p *parser) amount(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a decimal", key, v))
		return def
	}
	return d
}
