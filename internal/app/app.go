// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/libranexus/circulation/internal/api"
	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/audit"
	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/membership"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/ratelimit"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/memory"
	"github.com/libranexus/circulation/internal/store/postgres"
	"github.com/libranexus/circulation/internal/sweeper"
)

// App is the wired circulation core.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Store  store.Store
	Clock  clock.Clock

	Circulation circulation.Service
	Catalog     catalog.Service
	Membership  membership.Service
	Policy      policy.Service
	Auditor     *audit.Auditor
	Dispatcher  *outbox.Dispatcher
	Scheduler   *sweeper.Scheduler

	tenantLimiter *ratelimit.Limiter
	redis         *redis.Client
}

// OpenStore connects to Postgres when a database URL is configured and
// falls back to the in-memory store otherwise.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory store")
		return memory.New(memory.WithLockTimeout(cfg.LockTimeout)), nil
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}
	st, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		LockTimeout:     cfg.LockTimeout,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// New wires the services, the outbox dispatcher and the scheduled jobs on st.
func New(cfg *config.Config, st store.Store, clk clock.Clock, logger *slog.Logger) (*App, error) {
	resolver := policy.NewResolver(cfg.PolicyCacheSize, cfg.PolicyCacheTTL)
	ob := outbox.New(clk)
	hm := holds.NewManager(resolver, ob, clk)
	ledger := fees.NewLedger(clk)

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Clock:  clk,
		Circulation: circulation.NewService(circulation.Dependencies{
			Store:    st,
			Resolver: resolver,
			Holds:    hm,
			Ledger:   ledger,
			Outbox:   ob,
			Clock:    clk,
			Logger:   logger,
		}, circulation.Config{
			FeeBlockThreshold: cfg.FeeBlockThreshold,
			MaxAttempts:       cfg.MaxAttempts,
		}),
		Catalog:       catalog.NewService(st, hm, clk, logger),
		Membership:    membership.NewService(st, clk, ratelimit.New(time.Second, 20, 1024, time.Hour), logger),
		Policy:        policy.NewService(st, resolver, clk),
		Auditor:       audit.New(st, clk, logger),
		Scheduler:     sweeper.NewScheduler(logger, cfg.SweepTimeout),
		tenantLimiter: ratelimit.New(cfg.RateLimitEvery, cfg.RateLimitBurst, 4096, time.Hour),
	}
	a.Auditor.RegisterInvariants()

	sink, err := a.sink(logger)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = outbox.NewDispatcher(st, sink, clk, outbox.DispatcherConfig{
		BatchSize:   cfg.OutboxBatchSize,
		Interval:    cfg.OutboxInterval,
		Lease:       cfg.OutboxLease,
		MaxAttempts: cfg.OutboxMaxAttempts,
	}, logger)

	jobs := []struct {
		spec string
		job  sweeper.Job
	}{
		{cfg.OverdueSchedule, sweeper.NewOverdueSweeper(st, ledger, ob, clk, sweeper.OverdueConfig{DueSoonDays: cfg.DueSoonDays}, logger)},
		{cfg.HoldExpirySchedule, sweeper.NewHoldExpirySweeper(st, hm, clk, logger)},
		{cfg.AuditSchedule, a.Auditor},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := a.Scheduler.Add(j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) sink(logger *slog.Logger) (outbox.Sink, error) {
	if a.Config.RedisAddr == "" {
		return outbox.NewLogSink(logger), nil
	}
	rdb, err := outbox.OpenRedis(a.Config.RedisAddr, a.Config.RedisDB)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	return outbox.NewRedisSink(rdb, a.Config.RedisStream, logger, outbox.WithMaxLen(a.Config.RedisMaxLen)), nil
}

// Bootstrap creates the configured bootstrap tenant when it does not exist.
func (a *App) Bootstrap(ctx context.Context) error {
	id := domain.TenantID(a.Config.BootstrapTenant)
	if id == "" {
		return nil
	}
	return store.InTx(ctx, a.Store, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetTenant(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		a.Logger.Info("creating bootstrap tenant", "tenant", id)
		return tx.InsertTenant(ctx, &domain.Tenant{
			ID:        id,
			Name:      string(id),
			Currency:  a.Config.BootstrapCurrency,
			CreatedAt: a.Clock.Now(),
		})
	})
}

// Router mounts every endpoint under /tenants/{tenant} next to /healthz and
// /metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(api.Metrics())
	r.Use(api.RequestLogger(a.Logger.With("component", "http")))

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Use(api.TenantRateLimit(a.tenantLimiter, "tenant"))
		circulation.NewHandler(a.Circulation).Register(r)
		catalog.NewHandler(a.Catalog).Register(r)
		membership.NewHandler(a.Membership).Register(r)
		policy.NewHandler(a.Policy).Register(r)
	})
	return r
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if p, ok := a.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			status["status"] = "unavailable"
			status["database"] = err.Error()
			api.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, status)
}

// Close releases the datastore and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
