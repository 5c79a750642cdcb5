// internal/circulation/circulation_test.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/store"
)

type harness struct {
	seed *fixture.Seed
	svc  Service
}

func newHarness(t testing.TB, seed *fixture.Seed, cfg Config) *harness {
	t.Helper()
	clk := seed.Clock
	resolver := policy.NewResolver(16, time.Minute)
	ob := outbox.New(clk)
	svc := NewService(Dependencies{
		Store:    seed.Store,
		Resolver: resolver,
		Holds:    holds.NewManager(resolver, ob, clk),
		Ledger:   fees.NewLedger(clk),
		Outbox:   ob,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return &harness{seed: seed, svc: svc}
}

func (h *harness) checkout(t testing.TB, patron *domain.Patron, item *domain.Item) *domain.Loan {
	t.Helper()
	loan, err := h.svc.Checkout(context.Background(), CheckoutInput{
		Tenant:      fixture.Tenant,
		PatronID:    patron.ID,
		ItemBarcode: item.Barcode,
	})
	require.NoError(t, err)
	return loan
}

func (h *harness) checkin(t testing.TB, item *domain.Item, location string) *CheckinOutcome {
	t.Helper()
	out, err := h.svc.Checkin(context.Background(), CheckinInput{
		Tenant:      fixture.Tenant,
		ItemBarcode: item.Barcode,
		Location:    location,
	})
	require.NoError(t, err)
	return out
}

func (h *harness) hold(t testing.TB, patron *domain.Patron, item *domain.Item, typ domain.RequestType) *domain.Request {
	t.Helper()
	req, err := h.svc.PlaceHold(context.Background(), holds.PlaceInput{
		Tenant:   fixture.Tenant,
		PatronID: patron.ID,
		ItemID:   item.ID,
		Type:     typ,
	})
	require.NoError(t, err)
	return req
}

func (h *harness) renew(loan *domain.Loan) (*domain.Loan, error) {
	return h.svc.Renew(context.Background(), fixture.Tenant, loan.ID)
}

func TestCheckoutAndCheckinOnTime(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")

	// act
	loan := h.checkout(t, patron, item)

	// assert
	assert.Equal(t, domain.LoanOpen, loan.Status)
	assert.Equal(t, fixture.Day(15), loan.DueDate)
	assert.Equal(t, "standard", loan.Policy.LoanPolicyCode)
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)

	seed.Clock.Set(fixture.Day(15))
	out := h.checkin(t, item, "")

	assert.Equal(t, domain.LoanClosed, out.Loan.Status)
	require.NotNil(t, out.Loan.ReturnDate)
	assert.Equal(t, fixture.Day(15), *out.Loan.ReturnDate)
	assert.Nil(t, out.Fee)
	assert.Nil(t, out.NextHold)
	assert.Equal(t, domain.ItemAvailable, seed.GetItem(t, item.ID).Status)
	assert.Empty(t, seed.Fees(t, patron.ID))
	assert.Equal(t, []domain.IntentKind{domain.IntentCheckoutReceipt, domain.IntentLoanClosed}, seed.IntentKinds(t, patron.ID))
	seed.AssertInvariants(t)
}

func TestCheckinAccruesOverdueFee(t *testing.T) {
	cases := []struct {
		name     string
		returned time.Time
		want     string
	}{
		{"due date", fixture.Day(15), ""},
		{"one day late", fixture.Day(16), "1.25"},
		{"five days late", fixture.Day(20), "2.25"},
		{"capped", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), "10.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seed := fixture.NewSeed(t)
			h := newHarness(t, seed, Config{})
			item := seed.Item(t, "I-1")
			patron := seed.Patron(t, "p")
			h.checkout(t, patron, item)

			seed.Clock.Set(tc.returned)
			out := h.checkin(t, item, "")

			if tc.want == "" {
				assert.Nil(t, out.Fee)
				return
			}
			require.NotNil(t, out.Fee)
			assert.Equal(t, domain.FeeOverdue, out.Fee.Type)
			assert.Equal(t, domain.FeeOpen, out.Fee.Status)
			assert.True(t, money.MustParse(tc.want).Equal(out.Fee.Amount), "amount %s", out.Fee.Amount)
			assert.True(t, out.Fee.Remaining.Equal(out.Fee.Amount))
			assert.Equal(t, "USD", out.Fee.Currency)

			summary, err := h.svc.PatronFeeSummary(context.Background(), fixture.Tenant, patron.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, summary.OpenFees)
			assert.True(t, money.MustParse(tc.want).Equal(summary.TotalOwed))
			seed.AssertInvariants(t)
		})
	}
}

func TestHoldQueueFIFO(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	p0, p1, p2 := seed.Patron(t, "p0"), seed.Patron(t, "p1"), seed.Patron(t, "p2")
	h.checkout(t, p0, item)

	r1 := h.hold(t, p1, item, domain.RequestHold)
	seed.Clock.Advance(time.Minute)
	r2 := h.hold(t, p2, item, domain.RequestHold)
	assert.Equal(t, 1, r1.Position)
	assert.Equal(t, 2, r2.Position)

	require.NoError(t, h.svc.CancelHold(context.Background(), fixture.Tenant, r1.ID, "changed mind"))
	queue := seed.Queue(t, item.ID)
	require.Len(t, queue, 1)
	assert.Equal(t, r2.ID, queue[0].ID)
	assert.Equal(t, 1, queue[0].Position)

	out := h.checkin(t, item, "")
	require.NotNil(t, out.NextHold)
	assert.Equal(t, p2.ID, out.NextHold.PatronID)
	assert.Equal(t, domain.RequestAwaitingPickup, out.NextHold.Status)
	assert.Equal(t, domain.ItemAwaitingPickup, seed.GetItem(t, item.ID).Status)
	assert.Contains(t, seed.IntentKinds(t, p2.ID), domain.IntentHoldAvailable)

	// nobody but the holder can take the item off the shelf
	_, err := h.svc.Checkout(context.Background(), CheckoutInput{Tenant: fixture.Tenant, PatronID: p1.ID, ItemBarcode: item.Barcode})
	assert.True(t, errors.Is(err, apperr.ErrItemUnavailable), "got %v", err)

	loan := h.checkout(t, p2, item)
	assert.Equal(t, p2.ID, loan.PatronID)
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)

	page, err := h.svc.ListRequests(context.Background(), fixture.Tenant, domain.RequestFilter{ItemID: &item.ID}, domain.PageRequest{})
	require.NoError(t, err)
	statuses := map[uuid.UUID]domain.RequestStatus{}
	for _, r := range page.Items {
		statuses[r.ID] = r.Status
	}
	assert.Equal(t, domain.RequestCancelled, statuses[r1.ID])
	assert.Equal(t, domain.RequestFulfilled, statuses[r2.ID])
	seed.AssertInvariants(t)
}

func TestConcurrentCheckoutLendsOnce(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	patrons := make([]*domain.Patron, 10)
	for i := range patrons {
		patrons[i] = seed.Patron(t, fmt.Sprintf("p%d", i))
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(patrons))
	)
	for i, p := range patrons {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.Checkout(context.Background(), CheckoutInput{
				Tenant:      fixture.Tenant,
				PatronID:    p.ID,
				ItemBarcode: item.Barcode,
			})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrItemUnavailable), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)

	page, err := h.svc.ListLoans(context.Background(), fixture.Tenant, domain.LoanFilter{ItemID: &item.ID}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)
	seed.AssertInvariants(t)
}

func TestRenewBlockedByRecall(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")
	loan := h.checkout(t, p1, item)

	recall := h.hold(t, p2, item, domain.RequestRecall)
	_, err := h.renew(loan)
	assert.True(t, errors.Is(err, apperr.ErrBlockedByRecall), "got %v", err)

	require.NoError(t, h.svc.CancelHold(context.Background(), fixture.Tenant, recall.ID, ""))
	renewed, err := h.renew(loan)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalCount)
	assert.Equal(t, fixture.Day(29), renewed.DueDate)
	assert.Contains(t, seed.IntentKinds(t, p1.ID), domain.IntentLoanRenewed)
}

func TestEachRecallShortensAndBlocksRenewal(t *testing.T) {
	lp := fixture.StandardLoanPolicy()
	lp.RecallShortening = domain.Period{Duration: 3, Unit: domain.UnitDays}
	seed := fixture.NewSeedWith(t, lp, fixture.StandardFeePolicy())
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	p1, p2, p3 := seed.Patron(t, "p1"), seed.Patron(t, "p2"), seed.Patron(t, "p3")
	loan := h.checkout(t, p1, item)

	first := h.hold(t, p2, item, domain.RequestRecall)
	assert.Equal(t, fixture.Day(4), seed.GetLoan(t, loan.ID).DueDate)
	renewed, err := h.renew(loan)
	require.NoError(t, err)
	assert.Equal(t, fixture.Day(18), renewed.DueDate)

	second := h.hold(t, p3, item, domain.RequestRecall)
	shortened := seed.GetLoan(t, loan.ID)
	assert.Equal(t, fixture.Day(4), shortened.DueDate)
	assert.True(t, shortened.ShortenedBy(second.ID))

	_, err = h.renew(loan)
	assert.True(t, errors.Is(err, apperr.ErrBlockedByRecall), "got %v", err)
	assert.Equal(t, 1, seed.GetLoan(t, loan.ID).RenewalCount)

	require.NoError(t, h.svc.CancelHold(context.Background(), fixture.Tenant, first.ID, ""))
	renewed, err = h.renew(loan)
	require.NoError(t, err)
	assert.Equal(t, 2, renewed.RenewalCount)
	assert.Equal(t, fixture.Day(18), renewed.DueDate)
	seed.AssertInvariants(t)
}

func TestOverdueRenewalKeepsEarnedFee(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	loan := h.checkout(t, patron, item)
	seed.Clock.Set(fixture.Day(20))

	// act
	_, err := h.renew(loan)
	require.NoError(t, err)
	sameDay := h.checkin(t, item, "")

	// assert
	assert.Nil(t, sameDay.Fee)
	earned := seed.Fees(t, patron.ID)
	require.Len(t, earned, 1)
	assert.True(t, earned[0].Amount.Equal(money.MustParse("2.25")), "got %s", earned[0].Amount)
	assert.Equal(t, domain.FeeOpen, earned[0].Status)
	seed.AssertInvariants(t)
}

func TestOverdueAfterRenewalStartsNewFee(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	loan := h.checkout(t, patron, item)
	seed.Clock.Set(fixture.Day(20))
	renewed, err := h.renew(loan)
	require.NoError(t, err)

	seed.Clock.Set(renewed.DueDate.AddDate(0, 0, 1))
	out := h.checkin(t, item, "")

	require.NotNil(t, out.Fee)
	assert.True(t, out.Fee.Amount.Equal(money.MustParse("1.25")), "got %s", out.Fee.Amount)
	total := money.Zero
	for _, f := range seed.Fees(t, patron.ID) {
		assert.Equal(t, domain.FeeOverdue, f.Type)
		total = total.Add(f.Amount)
	}
	assert.True(t, total.Equal(money.MustParse("3.50")), "got %s", total)
	seed.AssertInvariants(t)
}

func TestRenewRules(t *testing.T) {
	t.Run("max renewals", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})
		loan := h.checkout(t, seed.Patron(t, "p"), seed.Item(t, "I-1"))
		for i := 1; i <= 3; i++ {
			renewed, err := h.renew(loan)
			require.NoError(t, err)
			assert.Equal(t, i, renewed.RenewalCount)
		}
		_, err := h.renew(loan)
		assert.True(t, errors.Is(err, apperr.ErrMaxRenewalsReached), "got %v", err)
		assert.Equal(t, 3, seed.GetLoan(t, loan.ID).RenewalCount)
		seed.AssertInvariants(t)
	})

	t.Run("policy forbids renewal", func(t *testing.T) {
		lp := fixture.StandardLoanPolicy()
		lp.Renewable = false
		seed := fixture.NewSeedWith(t, lp, fixture.StandardFeePolicy())
		h := newHarness(t, seed, Config{})
		loan := h.checkout(t, seed.Patron(t, "p"), seed.Item(t, "I-1"))

		_, err := h.renew(loan)
		assert.True(t, errors.Is(err, apperr.ErrPolicyForbidsRenewal), "got %v", err)
	})

	t.Run("overdue renewal counts from now", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})
		loan := h.checkout(t, seed.Patron(t, "p"), seed.Item(t, "I-1"))

		seed.Clock.Set(fixture.Day(20))
		renewed, err := h.renew(loan)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC), renewed.DueDate)
	})

	t.Run("closed loan", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})
		item := seed.Item(t, "I-1")
		loan := h.checkout(t, seed.Patron(t, "p"), item)
		h.checkin(t, item, "")

		_, err := h.renew(loan)
		assert.True(t, errors.Is(err, apperr.ErrNotRenewable), "got %v", err)
	})

	t.Run("unknown loan", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})

		_, err := h.svc.Renew(context.Background(), fixture.Tenant, uuid.New())
		assert.True(t, errors.Is(err, apperr.ErrLoanNotFound), "got %v", err)
	})

	t.Run("patron expiry stops extension", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})
		patron := seed.Patron(t, "p")
		loan := h.checkout(t, patron, seed.Item(t, "I-1"))
		expires := fixture.Day(15)
		patron.ExpiresAt = &expires
		seed.Write(t, func(ctx context.Context, tx store.Tx) error { return tx.UpdatePatron(ctx, patron) })

		_, err := h.renew(loan)
		assert.True(t, errors.Is(err, apperr.ErrNotRenewable), "got %v", err)
	})
}

func TestCheckoutRejections(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{FeeBlockThreshold: money.MustParse("5.00")})
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	ctx := context.Background()

	inactive := seed.Patron(t, "inactive")
	inactive.Active = false
	seed.Write(t, func(ctx context.Context, tx store.Tx) error { return tx.UpdatePatron(ctx, inactive) })

	debtor := seed.Patron(t, "debtor")
	_, err := h.svc.ChargeFee(ctx, fees.ChargeInput{
		Tenant:   fixture.Tenant,
		PatronID: debtor.ID,
		Type:     domain.FeeManual,
		Amount:   money.MustParse("6.00"),
	})
	require.NoError(t, err)

	past := fixture.Epoch.Add(-time.Hour)
	cases := []struct {
		name string
		in   CheckoutInput
		want error
	}{
		{"empty barcode", CheckoutInput{PatronID: patron.ID}, apperr.ErrInvalidInput},
		{"unknown barcode", CheckoutInput{PatronID: patron.ID, ItemBarcode: "nope"}, apperr.ErrItemNotFound},
		{"unknown patron", CheckoutInput{PatronID: uuid.New(), ItemBarcode: item.Barcode}, apperr.ErrPatronNotFound},
		{"inactive patron", CheckoutInput{PatronID: inactive.ID, ItemBarcode: item.Barcode}, apperr.ErrPatronBlocked},
		{"fees over threshold", CheckoutInput{PatronID: debtor.ID, ItemBarcode: item.Barcode}, apperr.ErrPatronBlocked},
		{"override in the past", CheckoutInput{PatronID: patron.ID, ItemBarcode: item.Barcode, OverrideDue: &past}, apperr.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Tenant = fixture.Tenant
			_, err := h.svc.Checkout(ctx, tc.in)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	assert.Equal(t, domain.ItemAvailable, seed.GetItem(t, item.ID).Status)

	h.checkout(t, patron, item)
	_, err = h.svc.Checkout(ctx, CheckoutInput{Tenant: fixture.Tenant, PatronID: debtor.ID, ItemBarcode: item.Barcode})
	assert.True(t, errors.Is(err, apperr.ErrItemUnavailable), "got %v", err)
}

func TestCheckoutDueDateLimits(t *testing.T) {
	t.Run("patron expiry", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})
		patron := seed.Patron(t, "p")
		expires := fixture.Day(10)
		patron.ExpiresAt = &expires
		seed.Write(t, func(ctx context.Context, tx store.Tx) error { return tx.UpdatePatron(ctx, patron) })

		loan := h.checkout(t, patron, seed.Item(t, "I-1"))
		assert.Equal(t, fixture.Day(10), loan.DueDate)
	})

	t.Run("fixed due date", func(t *testing.T) {
		lp := fixture.StandardLoanPolicy()
		lp.FixedDueDates = []domain.FixedDueDate{{From: fixture.Day(1), To: fixture.Day(31), Due: fixture.Day(8)}}
		seed := fixture.NewSeedWith(t, lp, fixture.StandardFeePolicy())
		h := newHarness(t, seed, Config{})

		loan := h.checkout(t, seed.Patron(t, "p"), seed.Item(t, "I-1"))
		assert.Equal(t, fixture.Day(8), loan.DueDate)
	})

	t.Run("override", func(t *testing.T) {
		seed := fixture.NewSeed(t)
		h := newHarness(t, seed, Config{})
		item := seed.Item(t, "I-1")
		due := fixture.Day(3)

		loan, err := h.svc.Checkout(context.Background(), CheckoutInput{
			Tenant:      fixture.Tenant,
			PatronID:    seed.Patron(t, "p").ID,
			ItemBarcode: item.Barcode,
			OverrideDue: &due,
		})
		require.NoError(t, err)
		assert.Equal(t, due, loan.DueDate)
	})
}

func TestCheckinWithoutLoan(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")

	_, err := h.svc.Checkin(context.Background(), CheckinInput{Tenant: fixture.Tenant, ItemBarcode: item.Barcode})
	assert.True(t, errors.Is(err, apperr.ErrNoOpenLoan), "got %v", err)
}

func TestPayToClose(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	patron := seed.Patron(t, "p")
	ctx := context.Background()

	fee, err := h.svc.ChargeFee(ctx, fees.ChargeInput{
		Tenant:   fixture.Tenant,
		PatronID: patron.ID,
		Type:     domain.FeeManual,
		Amount:   money.MustParse("15.00"),
	})
	require.NoError(t, err)

	payment, err := h.svc.PayFee(ctx, fixture.Tenant, fee.ID, domain.PayCash, money.MustParse("5.00"), "")
	require.NoError(t, err)
	assert.True(t, money.MustParse("10.00").Equal(payment.Balance))
	assert.Equal(t, domain.FeeOpen, seed.GetFee(t, fee.ID).Status)

	payment, err = h.svc.PayFee(ctx, fixture.Tenant, fee.ID, domain.PayCash, money.MustParse("10.00"), "")
	require.NoError(t, err)
	assert.True(t, payment.Balance.IsZero())
	closed := seed.GetFee(t, fee.ID)
	assert.Equal(t, domain.FeeClosed, closed.Status)
	assert.NotNil(t, closed.ClosedDate)

	_, err = h.svc.PayFee(ctx, fixture.Tenant, fee.ID, domain.PayCash, money.MustParse("0.01"), "")
	assert.True(t, errors.Is(err, apperr.ErrFeeAlreadyClosed), "got %v", err)
	seed.AssertInvariants(t)
}

func TestWaiveFee(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	patron := seed.Patron(t, "p")
	ctx := context.Background()
	fee, err := h.svc.ChargeFee(ctx, fees.ChargeInput{
		Tenant:   fixture.Tenant,
		PatronID: patron.ID,
		Type:     domain.FeeProcessing,
		Amount:   money.MustParse("4.00"),
	})
	require.NoError(t, err)

	payment, err := h.svc.WaiveFee(ctx, fixture.Tenant, fee.ID, "", nil, "first offence")
	require.NoError(t, err)
	assert.Equal(t, domain.PayWaive, payment.Method)
	assert.True(t, money.MustParse("4.00").Equal(payment.Amount))
	assert.Equal(t, domain.FeeClosed, seed.GetFee(t, fee.ID).Status)
}

func TestDeclareLost(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")
	loan := h.checkout(t, p1, item)
	req := h.hold(t, p2, item, domain.RequestHold)

	seed.Clock.Set(fixture.Day(20))
	out, err := h.svc.DeclareLost(context.Background(), fixture.Tenant, loan.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.LoanClosed, out.Loan.Status)
	assert.Equal(t, domain.ItemLost, out.Item.Status)
	assert.Equal(t, domain.ItemLost, seed.GetItem(t, item.ID).Status)
	amounts := map[domain.FeeType]string{}
	for _, f := range out.Fees {
		amounts[f.Type] = money.Format(f.Amount)
	}
	assert.Equal(t, map[domain.FeeType]string{
		domain.FeeOverdue:            "2.25",
		domain.FeeLostItem:           "40.00",
		domain.FeeLostItemProcessing: "5.00",
	}, amounts)
	assert.Len(t, seed.Fees(t, p1.ID), 3)
	assert.Empty(t, seed.Queue(t, item.ID))

	page, err := h.svc.ListRequests(context.Background(), fixture.Tenant, domain.RequestFilter{PatronID: &p2.ID}, domain.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, req.ID, page.Items[0].ID)
	assert.Equal(t, domain.RequestCancelled, page.Items[0].Status)

	_, err = h.svc.DeclareLost(context.Background(), fixture.Tenant, loan.ID)
	assert.True(t, errors.Is(err, apperr.ErrNoOpenLoan), "got %v", err)
	seed.AssertInvariants(t)
}

func TestDeclareDamaged(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	loan := h.checkout(t, patron, item)

	out, err := h.svc.DeclareDamaged(context.Background(), fixture.Tenant, loan.ID)
	require.NoError(t, err)

	require.Len(t, out.Fees, 1)
	assert.Equal(t, domain.FeeDamagedItem, out.Fees[0].Type)
	assert.Equal(t, "15.00", money.Format(out.Fees[0].Amount))
	assert.Equal(t, domain.ItemDamaged, seed.GetItem(t, item.ID).Status)
}

func TestCheckinRoutesItemToPickupLocation(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	item := seed.Item(t, "I-1")
	p1, p2 := seed.Patron(t, "p1"), seed.Patron(t, "p2")
	h.checkout(t, p1, item)
	_, err := h.svc.PlaceHold(context.Background(), holds.PlaceInput{
		Tenant:         fixture.Tenant,
		PatronID:       p2.ID,
		ItemID:         item.ID,
		Type:           domain.RequestHold,
		PickupLocation: "branch",
	})
	require.NoError(t, err)

	out := h.checkin(t, item, "main")
	require.NotNil(t, out.NextHold)
	assert.Equal(t, domain.RequestInTransit, out.NextHold.Status)
	assert.Equal(t, domain.ItemInTransit, seed.GetItem(t, item.ID).Status)

	arrived, err := h.svc.ReceiveInTransit(context.Background(), fixture.Tenant, item.Barcode)
	require.NoError(t, err)
	require.NotNil(t, arrived.Hold)
	assert.Equal(t, p2.ID, arrived.Hold.PatronID)
	assert.Equal(t, domain.RequestAwaitingPickup, arrived.Hold.Status)
	assert.Equal(t, domain.ItemAwaitingPickup, arrived.Item.Status)

	_, err = h.svc.ReceiveInTransit(context.Background(), fixture.Tenant, item.Barcode)
	assert.True(t, errors.Is(err, apperr.ErrIllegalTransition), "got %v", err)
	seed.AssertInvariants(t)
}

func TestListLoansOverdueFilter(t *testing.T) {
	seed := fixture.NewSeed(t)
	h := newHarness(t, seed, Config{})
	patron := seed.Patron(t, "p")
	h.checkout(t, patron, seed.Item(t, "I-1"))
	seed.Clock.Set(fixture.Day(10))
	h.checkout(t, patron, seed.Item(t, "I-2"))
	seed.Clock.Set(fixture.Day(17))

	overdue := true
	page, err := h.svc.ListLoans(context.Background(), fixture.Tenant,
		domain.LoanFilter{PatronID: &patron.ID, Overdue: &overdue}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	all, err := h.svc.ListLoans(context.Background(), fixture.Tenant,
		domain.LoanFilter{PatronID: &patron.ID}, domain.PageRequest{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
	assert.Len(t, all.Items, 1)
}
