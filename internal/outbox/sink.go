// internal/outbox/sink.go
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/libranexus/circulation/internal/domain"
)

// Sink receives serialized intents for asynchronous delivery downstream.
// Delivery is at least once; recipients deduplicate on the intent's dedup key.
type Sink interface {
	Publish(ctx context.Context, in domain.Intent) error
}

// LogSink writes intents to a structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "outbox.log_sink")}
}

func (s *LogSink) Publish(ctx context.Context, in domain.Intent) error {
	s.logger.InfoContext(ctx, "notification intent",
		"intent_id", in.ID,
		"tenant", in.TenantID,
		"patron_id", in.PatronID,
		"kind", in.Kind,
		"priority", in.Priority,
		"dedup_key", in.DedupKey,
		"payload", string(in.Payload),
	)
	return nil
}

// OpenRedis connects to Redis and verifies the connection with a ping.
func OpenRedis(addr string, db int) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return r, nil
}

// RedisSink appends intents to a Redis stream behind a circuit breaker.
type RedisSink struct {
	rdb     *redis.Client
	stream  string
	maxLen  int64
	breaker *gobreaker.CircuitBreaker
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithMaxLen caps the stream at roughly n entries.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) { s.maxLen = n }
}

// NewRedisSink creates a sink writing to stream. The breaker opens after
// five consecutive failures and probes again after 30 seconds.
func NewRedisSink(rdb *redis.Client, stream string, logger *slog.Logger, opts ...RedisOption) *RedisSink {
	s := &RedisSink{rdb: rdb, stream: stream}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-sink:" + stream,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// ErrSinkUnavailable is returned while the breaker is open.
var ErrSinkUnavailable = errors.New("event sink unavailable")

func (s *RedisSink) Publish(ctx context.Context, in domain.Intent) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"intent_id":  in.ID.String(),
				"tenant":     string(in.TenantID),
				"patron_id":  in.PatronID.String(),
				"kind":       string(in.Kind),
				"priority":   in.Priority,
				"dedup_key":  in.DedupKey,
				"created_at": in.CreatedAt.Format(time.RFC3339Nano),
				"payload":    string(in.Payload),
			},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		return s.rdb.XAdd(ctx, args).Result()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
