// internal/sweeper/holdexpiry.go
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/store"
)

// HoldExpiryResult counts what one sweep did.
type HoldExpiryResult struct {
	Tenants         int
	PickupsExpired  int
	RequestsExpired int
	Failures        int
}

// HoldExpirySweeper expires held items whose pickup window has passed and
// open requests past their own expiration date.
type HoldExpirySweeper struct {
	store  store.Store
	holds  *holds.Manager
	clock  clock.Clock
	logger *slog.Logger
	meter  *meters
}

// NewHoldExpirySweeper creates the hold-expiry sweeper.
func NewHoldExpirySweeper(st store.Store, hm *holds.Manager, clk clock.Clock, logger *slog.Logger) *HoldExpirySweeper {
	return &HoldExpirySweeper{
		store:  st,
		holds:  hm,
		clock:  clk,
		logger: logger.With("component", "sweeper.hold_expiry"),
		meter:  newMeters(),
	}
}

func (s *HoldExpirySweeper) Name() string { return "hold_expiry" }

// Run sweeps every tenant, one request per transaction. A tenant whose
// requests cannot be listed is logged and skipped.
func (s *HoldExpirySweeper) Run(ctx context.Context) (HoldExpiryResult, error) {
	start := time.Now()
	defer func() { observe(s.Name(), start) }()

	var res HoldExpiryResult
	tenants, err := listTenants(ctx, s.store)
	if err != nil {
		return res, err
	}
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Tenants++
		now := s.clock.Now()

		var pickups, open []domain.Request
		err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
			if pickups, err = tx.ExpiredPickups(ctx, t.ID, now); err != nil {
				return err
			}
			open, err = tx.ExpiredOpenRequests(ctx, t.ID, now)
			return err
		})
		if err != nil {
			res.Failures++
			s.logger.ErrorContext(ctx, "failed to list expired requests", "tenant", t.ID, "error", err)
			continue
		}

		for _, r := range pickups {
			expired, err := s.expire(ctx, t.ID, r.ID, now, s.holds.ExpirePickup)
			switch {
			case err != nil:
				res.Failures++
			case expired:
				res.PickupsExpired++
			}
		}
		for _, r := range open {
			expired, err := s.expire(ctx, t.ID, r.ID, now, s.holds.ExpireRequest)
			switch {
			case err != nil:
				res.Failures++
			case expired:
				res.RequestsExpired++
			}
		}
	}
	s.meter.record(ctx, s.Name(), "pickup_expired", res.PickupsExpired)
	s.meter.record(ctx, s.Name(), "request_expired", res.RequestsExpired)
	s.meter.record(ctx, s.Name(), "failures", res.Failures)
	s.logger.InfoContext(ctx, "hold expiry sweep finished",
		"tenants", res.Tenants, "pickups_expired", res.PickupsExpired,
		"requests_expired", res.RequestsExpired, "failures", res.Failures)
	return res, nil
}

// RunJob adapts Run to the scheduler.
func (s *HoldExpirySweeper) RunJob(ctx context.Context) error {
	_, err := s.Run(ctx)
	return err
}

type expireFunc func(ctx context.Context, tx store.Tx, tenant domain.TenantID, id uuid.UUID, asOf time.Time) (bool, error)

// expire runs fn in its own transaction. A request that changed since it
// was listed is left alone and reported as not expired.
func (s *HoldExpirySweeper) expire(ctx context.Context, tenant domain.TenantID, id uuid.UUID, now time.Time, fn expireFunc) (bool, error) {
	var expired bool
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) (err error) {
		expired, err = fn(ctx, tx, tenant, id, now)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "request expiry failed", "tenant", tenant, "request_id", id, "error", err)
		return false, err
	}
	return expired, nil
}
