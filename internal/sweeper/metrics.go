// internal/sweeper/metrics.go
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var sweepDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "circulation_sweep_duration_seconds",
		Help:    "Duration of background sweeps.",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	},
	[]string{"sweeper"},
)

func observe(name string, start time.Time) {
	sweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

type meters struct {
	processed metric.Int64Counter
}

func newMeters() *meters {
	c, err := otel.Meter("libranexus/sweeper").Int64Counter("circulation.sweep.processed",
		metric.WithDescription("Rows changed by background sweeps by outcome."))
	if err != nil {
		return &meters{}
	}
	return &meters{processed: c}
}

func (m *meters) record(ctx context.Context, sweeper, outcome string, n int) {
	if m.processed == nil || n == 0 {
		return
	}
	m.processed.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("sweeper", sweeper),
		attribute.String("outcome", outcome),
	))
}
