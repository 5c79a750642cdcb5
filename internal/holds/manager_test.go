// internal/holds/manager_test.go
package holds

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/store"
)

type harness struct {
	seed    *fixture.Seed
	manager *Manager
}

func newHarness(t testing.TB, seed *fixture.Seed) *harness {
	return &harness{
		seed:    seed,
		manager: NewManager(policy.NewResolver(16, time.Minute), outbox.New(seed.Clock), seed.Clock),
	}
}

// lend records an OPEN loan of item to patron without going through checkout.
func (h *harness) lend(t testing.TB, item *domain.Item, patron *domain.Patron) *domain.Loan {
	t.Helper()
	lp, fp := fixture.StandardLoanPolicy(), fixture.StandardFeePolicy()
	var loan *domain.Loan
	h.seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		res, err := tx.GetLoanPolicy(ctx, fixture.Tenant, lp.Code)
		if err != nil {
			return err
		}
		now := h.seed.Clock.Now()
		loan = &domain.Loan{
			ID:       uuid.New(),
			TenantID: fixture.Tenant,
			PatronID: patron.ID,
			ItemID:   item.ID,
			Policy:   domain.NewPolicySnapshot(res, &fp),
			LoanDate: now,
			DueDate:  res.LoanPeriod.AddTo(now),
			Status:   domain.LoanOpen,
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}
		item.Status = domain.ItemCheckedOut
		return tx.UpdateItem(ctx, item)
	})
	return loan
}

func (h *harness) place(t testing.TB, item *domain.Item, patron *domain.Patron, typ domain.RequestType) (*domain.Request, error) {
	t.Helper()
	var req *domain.Request
	err := h.seed.Store.WithinTx(context.Background(), func(tx store.Tx) (err error) {
		req, err = h.manager.Place(context.Background(), tx, PlaceInput{
			Tenant:   fixture.Tenant,
			PatronID: patron.ID,
			ItemID:   item.ID,
			Type:     typ,
		})
		return err
	})
	return req, err
}

func (h *harness) mustPlace(t testing.TB, item *domain.Item, patron *domain.Patron) *domain.Request {
	t.Helper()
	req, err := h.place(t, item, patron, domain.RequestHold)
	require.NoError(t, err)
	return req
}

func (h *harness) cancel(t testing.TB, id uuid.UUID) (*domain.Request, error) {
	t.Helper()
	var req *domain.Request
	err := h.seed.Store.WithinTx(context.Background(), func(tx store.Tx) (err error) {
		req, err = h.manager.Cancel(context.Background(), tx, fixture.Tenant, id, "patron request")
		return err
	})
	return req, err
}

func (h *harness) request(t testing.TB, id uuid.UUID) *domain.Request {
	t.Helper()
	var req *domain.Request
	h.seed.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		req, err = tx.GetRequest(ctx, fixture.Tenant, id)
		return err
	})
	return req
}

func queueIDs(reqs []domain.Request) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestQueueIsFIFOAndCancelShifts(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	h.lend(t, item, seed.Patron(t, "p0"))
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")

	// act
	r1 := h.mustPlace(t, item, p1)
	seed.Clock.Advance(time.Minute)
	r2 := h.mustPlace(t, item, p2)

	// assert
	assert.Equal(t, 1, r1.Position)
	assert.Equal(t, 2, r2.Position)
	assert.Equal(t, domain.RequestOpen, r2.Status)

	_, err := h.cancel(t, r1.ID)
	require.NoError(t, err)

	queue := seed.Queue(t, item.ID)
	require.Len(t, queue, 1)
	assert.Equal(t, r2.ID, queue[0].ID)
	assert.Equal(t, 1, queue[0].Position)
	seed.AssertInvariants(t)
}

func TestElectPromotesHeadOfQueue(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	h.lend(t, item, seed.Patron(t, "p0"))
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")
	r1 := h.mustPlace(t, item, p1)
	seed.Clock.Advance(time.Minute)
	h.mustPlace(t, item, p2)

	var elected *domain.Request
	seed.Write(t, func(ctx context.Context, tx store.Tx) (err error) {
		elected, err = h.manager.Elect(ctx, tx, item, "")
		return err
	})

	require.NotNil(t, elected)
	assert.Equal(t, r1.ID, elected.ID)
	assert.Equal(t, domain.RequestAwaitingPickup, elected.Status)
	require.NotNil(t, elected.HoldShelfExpiration)
	assert.Equal(t, seed.Clock.Now().AddDate(0, 0, 7), *elected.HoldShelfExpiration)
	assert.Equal(t, []domain.IntentKind{domain.IntentHoldAvailable}, seed.IntentKinds(t, p1.ID))

	queue := seed.Queue(t, item.ID)
	require.Len(t, queue, 1)
	assert.Equal(t, 1, queue[0].Position)
}

func TestElectOnEmptyQueue(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")

	seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		elected, err := h.manager.Elect(ctx, tx, item, "")
		assert.Nil(t, elected)
		return err
	})
}

func TestPlaceOnAvailableItemHoldsAtOnce(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	p1 := seed.Patron(t, "p1")

	req := h.mustPlace(t, item, p1)

	assert.Equal(t, domain.RequestAwaitingPickup, req.Status)
	assert.Equal(t, "main", req.PickupLocation)
	assert.Equal(t, domain.ItemAwaitingPickup, seed.GetItem(t, item.ID).Status)
	assert.Equal(t, []domain.IntentKind{domain.IntentHoldAvailable}, seed.IntentKinds(t, p1.ID))
}

func TestPlaceRejections(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	borrower := seed.Patron(t, "p0")
	h.lend(t, item, borrower)
	p1 := seed.Patron(t, "p1")
	h.mustPlace(t, item, p1)

	t.Run("duplicate", func(t *testing.T) {
		_, err := h.place(t, item, p1, domain.RequestHold)
		assert.ErrorIs(t, err, apperr.ErrDuplicateHold)
	})
	t.Run("borrower", func(t *testing.T) {
		_, err := h.place(t, item, borrower, domain.RequestHold)
		assert.ErrorIs(t, err, apperr.ErrItemNotHoldable)
	})
	t.Run("withdrawn item", func(t *testing.T) {
		gone := seed.Item(t, "I-2")
		seed.Write(t, func(ctx context.Context, tx store.Tx) error {
			gone.Status = domain.ItemWithdrawn
			return tx.UpdateItem(ctx, gone)
		})
		_, err := h.place(t, gone, p1, domain.RequestHold)
		assert.ErrorIs(t, err, apperr.ErrItemNotHoldable)
	})
	t.Run("unknown type", func(t *testing.T) {
		_, err := h.place(t, item, seed.Patron(t, "p3"), "SHELF")
		assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	})
	t.Run("unknown item", func(t *testing.T) {
		_, err := h.place(t, &domain.Item{ID: uuid.New()}, p1, domain.RequestHold)
		assert.ErrorIs(t, err, apperr.ErrItemNotFound)
	})
	assert.Len(t, seed.Queue(t, item.ID), 1)
}

func TestCancelHeldRequestReoffers(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")
	held := h.mustPlace(t, item, p1)
	seed.Clock.Advance(time.Minute)
	next := h.mustPlace(t, item, p2)

	cancelled, err := h.cancel(t, held.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, cancelled.Status)
	assert.Equal(t, domain.RequestAwaitingPickup, h.request(t, next.ID).Status)
	assert.Equal(t, domain.ItemAwaitingPickup, seed.GetItem(t, item.ID).Status)

	_, err = h.cancel(t, next.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAvailable, seed.GetItem(t, item.ID).Status)

	_, err = h.cancel(t, next.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyClosed)
	_, err = h.cancel(t, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	seed.AssertInvariants(t)
}

func TestRecallShortensLoan(t *testing.T) {
	lp := fixture.StandardLoanPolicy()
	lp.RecallShortening = domain.Period{Duration: 3, Unit: domain.UnitDays}
	seed := fixture.NewSeedWith(t, lp, fixture.StandardFeePolicy())
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	borrower := seed.Patron(t, "p0")
	loan := h.lend(t, item, borrower)
	seed.Clock.Set(fixture.Day(5))

	req, err := h.place(t, item, seed.Patron(t, "p1"), domain.RequestRecall)

	require.NoError(t, err)
	shortened := seed.GetLoan(t, loan.ID)
	assert.Equal(t, fixture.Day(8), shortened.DueDate)
	assert.True(t, shortened.ShortenedBy(req.ID))
	assert.Equal(t, []domain.IntentKind{domain.IntentRecallNotice}, seed.IntentKinds(t, borrower.ID))
}

func TestRecallWithoutShorteningKeepsDueDate(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	borrower := seed.Patron(t, "p0")
	loan := h.lend(t, item, borrower)

	_, err := h.place(t, item, seed.Patron(t, "p1"), domain.RequestRecall)

	require.NoError(t, err)
	kept := seed.GetLoan(t, loan.ID)
	assert.Equal(t, loan.DueDate, kept.DueDate)
	assert.Nil(t, kept.RecallShortenedBy)
	assert.Equal(t, []domain.IntentKind{domain.IntentRecallNotice}, seed.IntentKinds(t, borrower.ID))
}

func TestExpirePickup(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")
	held := h.mustPlace(t, item, p1)
	seed.Clock.Advance(time.Minute)
	next := h.mustPlace(t, item, p2)

	expire := func(asOf time.Time) (ok bool) {
		seed.Clock.Set(asOf)
		seed.Write(t, func(ctx context.Context, tx store.Tx) (err error) {
			ok, err = h.manager.ExpirePickup(ctx, tx, fixture.Tenant, held.ID, asOf)
			return err
		})
		return ok
	}

	assert.False(t, expire(fixture.Day(3)))
	assert.True(t, expire(fixture.Day(9)))
	assert.False(t, expire(fixture.Day(9)))

	assert.Equal(t, domain.RequestExpired, h.request(t, held.ID).Status)
	assert.Equal(t, domain.RequestAwaitingPickup, h.request(t, next.ID).Status)
	assert.Equal(t, domain.ItemAwaitingPickup, seed.GetItem(t, item.ID).Status)
	assert.Equal(t, []domain.IntentKind{domain.IntentHoldAvailable, domain.IntentHoldExpired}, seed.IntentKinds(t, p1.ID))
	seed.AssertInvariants(t)
}

func TestExpireRequest(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	h.lend(t, item, seed.Patron(t, "p0"))
	p1 := seed.Patron(t, "p1")
	until := fixture.Day(10)
	var req *domain.Request
	seed.Write(t, func(ctx context.Context, tx store.Tx) (err error) {
		req, err = h.manager.Place(ctx, tx, PlaceInput{
			Tenant: fixture.Tenant, PatronID: p1.ID, ItemID: item.ID, Type: domain.RequestHold, Expiration: &until,
		})
		return err
	})

	var expired bool
	seed.Write(t, func(ctx context.Context, tx store.Tx) (err error) {
		expired, err = h.manager.ExpireRequest(ctx, tx, fixture.Tenant, req.ID, fixture.Day(11))
		return err
	})

	assert.True(t, expired)
	assert.Equal(t, domain.RequestExpired, h.request(t, req.ID).Status)
	assert.Empty(t, seed.Queue(t, item.ID))
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)
}

func TestElectRoutesToOtherPickupLocation(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed)
	item := seed.Item(t, "I-1")
	h.lend(t, item, seed.Patron(t, "p0"))
	p1 := seed.Patron(t, "p1")
	var req *domain.Request
	seed.Write(t, func(ctx context.Context, tx store.Tx) (err error) {
		req, err = h.manager.Place(ctx, tx, PlaceInput{
			Tenant: fixture.Tenant, PatronID: p1.ID, ItemID: item.ID, Type: domain.RequestHold, PickupLocation: "branch",
		})
		return err
	})

	seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		elected, err := h.manager.Elect(ctx, tx, item, "main")
		require.NoError(t, err)
		assert.Equal(t, domain.RequestInTransit, elected.Status)
		return nil
	})
	assert.Empty(t, seed.IntentKinds(t, p1.ID))

	seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		arrived, err := h.manager.Arrive(ctx, tx, item)
		require.NoError(t, err)
		assert.Equal(t, req.ID, arrived.ID)
		assert.Equal(t, domain.RequestAwaitingPickup, arrived.Status)
		return nil
	})
	assert.Equal(t, []domain.IntentKind{domain.IntentHoldAvailable}, seed.IntentKinds(t, p1.ID))
}

func TestPlaceThenCancelRestoresQueue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed)
		item := seed.Item(t, "I-1")
		h.lend(t, item, seed.Patron(t, "borrower"))

		n := rapid.IntRange(0, 6).Draw(rt, "queued")
		for i := 0; i < n; i++ {
			seed.Clock.Advance(time.Duration(rapid.IntRange(0, 3).Draw(rt, "gap")) * time.Minute)
			h.mustPlace(t, item, seed.Patron(t, fmt.Sprintf("p%d", i)))
		}
		before := seed.Queue(t, item.ID)

		seed.Clock.Advance(time.Duration(rapid.IntRange(-5, 5).Draw(rt, "offset")) * time.Minute)
		extra := h.mustPlace(t, item, seed.Patron(t, "extra"))
		during := seed.Queue(t, item.ID)
		_, err := h.cancel(t, extra.ID)
		require.NoError(t, err)
		after := seed.Queue(t, item.ID)

		for i, r := range during {
			if r.Position != i+1 {
				rt.Fatalf("position %d at index %d", r.Position, i)
			}
		}
		if len(during) != n+1 {
			rt.Fatalf("queue length %d, want %d", len(during), n+1)
		}
		assert.Equal(t, queueIDs(before), queueIDs(after))
		for i := range after {
			assert.Equal(t, before[i].Position, after[i].Position)
		}
	})
}
