// internal/outbox/outbox_test.go
package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	published []domain.Intent
}

func (s *recordingSink) Publish(_ context.Context, in domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("downstream unavailable")
	}
	s.published = append(s.published, in)
	return nil
}

func appendNotice(t *testing.T, seed *fixture.Seed, ob *Outbox, patron uuid.UUID, date string) int {
	t.Helper()
	var written int
	seed.Write(t, func(ctx context.Context, tx store.Tx) (err error) {
		written, err = ob.Append(ctx, tx, Message{
			Tenant:   fixture.Tenant,
			PatronID: patron,
			Kind:     domain.IntentOverdueNotice,
			Payload:  OverdueNotice{Date: date, TotalAccrued: "2.25"},
			Dedup:    []string{date},
		})
		return err
	})
	return written
}

func TestAppendDeduplicatesByKey(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	ob := New(seed.Clock)
	patron := uuid.New()

	// act
	first := appendNotice(t, seed, ob, patron, "2025-01-20")
	second := appendNotice(t, seed, ob, patron, "2025-01-20")
	nextDay := appendNotice(t, seed, ob, patron, "2025-01-21")

	// assert
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 1, nextDay)

	intents := seed.Intents(t, patron)
	require.Len(t, intents, 2)
	var notice OverdueNotice
	require.NoError(t, DecodePayload(intents[0], &notice))
	assert.Equal(t, "2.25", notice.TotalAccrued)
	assert.Equal(t, domain.PriorityNormal, intents[0].Priority)
}

func TestDedupKeyIsStable(t *testing.T) {
	a := DedupKey("overdue_notice", "p", "2025-01-20")
	b := DedupKey("overdue_notice", "p", "2025-01-20")
	c := DedupKey("overdue_notice", "p2", "025-01-20")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDispatcherRetriesFailedDeliveries(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	ob := New(seed.Clock)
	patron := uuid.New()
	appendNotice(t, seed, ob, patron, "2025-01-20")

	sink := &recordingSink{failUntil: 1}
	d := NewDispatcher(seed.Store, sink, seed.Clock, DispatcherConfig{BatchSize: 10, Lease: time.Minute}, discardLogger())
	ctx := context.Background()

	// act
	first, err := d.RunOnce(ctx)
	require.NoError(t, err)
	second, err := d.RunOnce(ctx)
	require.NoError(t, err)
	third, err := d.RunOnce(ctx)
	require.NoError(t, err)

	// assert
	assert.Equal(t, DispatchResult{Claimed: 1, Failed: 1}, first)
	assert.Equal(t, DispatchResult{Claimed: 1, Dispatched: 1}, second)
	assert.Equal(t, DispatchResult{}, third)
	require.Len(t, sink.published, 1)

	intents := seed.Intents(t, patron)
	require.Len(t, intents, 1)
	assert.NotNil(t, intents[0].DispatchedAt)
	assert.Equal(t, 2, intents[0].Attempts)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	seed := fixture.NewSeed(t)
	appendNotice(t, seed, New(seed.Clock), uuid.New(), "2025-01-20")

	sink := &recordingSink{failUntil: 100}
	d := NewDispatcher(seed.Store, sink, seed.Clock, DispatcherConfig{MaxAttempts: 2}, discardLogger())

	for i := 0; i < 4; i++ {
		_, err := d.RunOnce(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 2, sink.calls)
}

func TestRedisSinkAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := NewRedisSink(rdb, "circulation:intents", discardLogger(), WithMaxLen(1000))
	in := domain.Intent{
		ID:        uuid.New(),
		TenantID:  fixture.Tenant,
		PatronID:  uuid.New(),
		Kind:      domain.IntentHoldAvailable,
		Payload:   []byte(`{"title":"Dune"}`),
		Priority:  domain.PriorityHigh,
		DedupKey:  "k1",
		CreatedAt: fixture.Epoch,
	}

	require.NoError(t, sink.Publish(context.Background(), in))

	msgs, err := rdb.XRange(context.Background(), "circulation:intents", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hold_available", msgs[0].Values["kind"])
	assert.Equal(t, "k1", msgs[0].Values["dedup_key"])
	assert.Equal(t, `{"title":"Dune"}`, msgs[0].Values["payload"])
}

func TestRedisSinkOpensBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	sink := NewRedisSink(rdb, "s", discardLogger())
	mr.Close()

	var err error
	for i := 0; i < 6; i++ {
		err = sink.Publish(context.Background(), domain.Intent{ID: uuid.New()})
	}

	assert.ErrorIs(t, err, ErrSinkUnavailable)
}
