// internal/outbox/dispatcher.go
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

var (
	intentsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_intents_dispatched_total",
		Help: "Notification intents forwarded to the event sink.",
	})
	intentsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_intents_failed_total",
		Help: "Notification intent deliveries that failed and will be retried.",
	})
)

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	BatchSize   int
	Interval    time.Duration
	Lease       time.Duration
	MaxAttempts int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// DispatchResult summarizes one dispatch round.
type DispatchResult struct {
	Claimed    int
	Dispatched int
	Failed     int
}

// Dispatcher forwards committed intents to a sink. Claiming, delivery and
// acknowledgement run in separate steps so no transaction is held while the
// sink is called.
type Dispatcher struct {
	store  store.Store
	sink   Sink
	clock  clock.Clock
	cfg    DispatcherConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st store.Store, sink Sink, clk clock.Clock, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		sink:   sink,
		clock:  clk,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "outbox.dispatcher"),
	}
}

// RunOnce claims one batch, publishes it and records the outcome per intent.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchResult, error) {
	var (
		res     DispatchResult
		claimed []domain.Intent
	)
	err := d.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		claimed, err = tx.ClaimIntents(ctx, d.clock.Now(), d.cfg.Lease, d.cfg.BatchSize, d.cfg.MaxAttempts)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("claim intents: %w", err)
	}
	res.Claimed = len(claimed)

	for _, in := range claimed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pubErr := d.sink.Publish(ctx, in)
		err := d.store.WithinTx(ctx, func(tx store.Tx) error {
			if pubErr != nil {
				return tx.MarkIntentFailed(ctx, in.ID, pubErr.Error())
			}
			return tx.MarkIntentDispatched(ctx, in.ID, d.clock.Now())
		})
		if err != nil {
			return res, fmt.Errorf("acknowledge intent %s: %w", in.ID, err)
		}
		if pubErr != nil {
			res.Failed++
			intentsFailedTotal.Inc()
			d.logger.Warn("intent delivery failed", "intent_id", in.ID, "kind", in.Kind, "attempt", in.Attempts+1, "error", pubErr)
			continue
		}
		res.Dispatched++
		intentsDispatchedTotal.Inc()
	}
	return res, nil
}

// Start runs dispatch rounds on an interval until Stop or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := d.RunOnce(ctx)
				if err != nil && ctx.Err() == nil {
					d.logger.Error("dispatch round failed", "error", err)
					continue
				}
				if res.Claimed > 0 {
					d.logger.Debug("dispatch round", "claimed", res.Claimed, "dispatched", res.Dispatched, "failed", res.Failed)
				}
			}
		}
	}()
	d.logger.Info("dispatcher started", "interval", d.cfg.Interval, "batch_size", d.cfg.BatchSize)
}

// Stop halts the background loop and waits for the current round.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.cancel()
	done := d.done
	d.running = false
	d.mu.Unlock()
	<-done
	d.logger.Info("dispatcher stopped")
}
