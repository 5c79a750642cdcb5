// internal/store/postgres/postgres_test.go
package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/sweeper"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostgres runs one migrated container for the whole package.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"docker.io/postgres:17-alpine",
			tcpostgres.WithDatabase("circulation_test"),
			tcpostgres.WithUsername("circulation"),
			tcpostgres.WithPassword("test-password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable", "timezone=UTC")
		if containerErr == nil {
			containerErr = Migrate(containerDSN, discardLogger())
		}
	})
	require.NoError(t, containerErr)
	return containerDSN
}

// newSeed empties every table and primes tenant T1.
func newSeed(t *testing.T) (*fixture.Seed, *Store) {
	t.Helper()
	dsn := startPostgres(t)
	ctx := context.Background()
	st, err := Open(ctx, Config{DSN: dsn, MaxOpenConns: 8, LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.db.ExecContext(ctx, `TRUNCATE tenants, items, patron_groups, patrons, loan_policies,
		fee_policies, circulation_rules, policy_defaults, loans, requests, fees, payments, intents CASCADE`)
	require.NoError(t, err)
	return fixture.NewSeedOn(t, st, fixture.StandardLoanPolicy(), fixture.StandardFeePolicy()), st
}

type services struct {
	circ    circulation.Service
	fees    fees.Service
	overdue *sweeper.OverdueSweeper
	expiry  *sweeper.HoldExpirySweeper
}

func newServices(seed *fixture.Seed) services {
	clk := seed.Clock
	resolver := policy.NewResolver(16, time.Minute)
	ob := outbox.New(clk)
	hm := holds.NewManager(resolver, ob, clk)
	ledger := fees.NewLedger(clk)
	return services{
		circ: circulation.NewService(circulation.Dependencies{
			Store:    seed.Store,
			Resolver: resolver,
			Holds:    hm,
			Ledger:   ledger,
			Outbox:   ob,
			Clock:    clk,
			Logger:   discardLogger(),
		}, circulation.Config{}),
		fees:    fees.NewService(seed.Store, ledger, clk),
		overdue: sweeper.NewOverdueSweeper(seed.Store, ledger, ob, clk, sweeper.OverdueConfig{}, discardLogger()),
		expiry:  sweeper.NewHoldExpirySweeper(seed.Store, hm, clk, discardLogger()),
	}
}

func checkout(t *testing.T, svc circulation.Service, patron *domain.Patron, item *domain.Item) *domain.Loan {
	t.Helper()
	loan, err := svc.Checkout(context.Background(), circulation.CheckoutInput{
		Tenant:      fixture.Tenant,
		PatronID:    patron.ID,
		ItemBarcode: item.Barcode,
	})
	require.NoError(t, err)
	return loan
}

func TestCheckoutCheckinRoundTrip(t *testing.T) {
	// arrange
	seed, _ := newSeed(t)
	svc := newServices(seed)
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")

	// act
	loan := checkout(t, svc.circ, patron, item)

	// assert
	stored := seed.GetLoan(t, loan.ID)
	assert.Equal(t, fixture.Day(15), stored.DueDate)
	assert.Equal(t, "standard", stored.Policy.LoanPolicyCode)
	assert.True(t, money.MustParse("0.25").Equal(stored.Policy.FeeRates[domain.FeeOverdue].PerDay))
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)

	other := seed.Patron(t, "q")
	_, err := svc.circ.Checkout(context.Background(), circulation.CheckoutInput{
		Tenant: fixture.Tenant, PatronID: other.ID, ItemBarcode: item.Barcode,
	})
	assert.ErrorIs(t, err, apperr.ErrItemUnavailable)

	seed.Clock.Set(fixture.Day(16))
	out, err := svc.circ.Checkin(context.Background(), circulation.CheckinInput{Tenant: fixture.Tenant, ItemBarcode: item.Barcode})
	require.NoError(t, err)
	assert.Equal(t, domain.LoanClosed, out.Loan.Status)
	require.NotNil(t, out.Fee)
	assert.True(t, money.MustParse("1.25").Equal(out.Fee.Amount), out.Fee.Amount.String())
	assert.Equal(t, domain.ItemAvailable, seed.GetItem(t, item.ID).Status)
	assert.Equal(t, []domain.IntentKind{domain.IntentCheckoutReceipt, domain.IntentLoanClosed}, seed.IntentKinds(t, patron.ID))
	seed.AssertInvariants(t)
}

func TestConcurrentCheckoutHasOneWinner(t *testing.T) {
	seed, _ := newSeed(t)
	svc := newServices(seed)
	item := seed.Item(t, "I-1")
	patrons := make([]*domain.Patron, 8)
	for i := range patrons {
		patrons[i] = seed.Patron(t, "p"+string(rune('a'+i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, p := range patrons {
		wg.Add(1)
		go func(p *domain.Patron) {
			defer wg.Done()
			_, err := svc.circ.Checkout(context.Background(), circulation.CheckoutInput{
				Tenant: fixture.Tenant, PatronID: p.ID, ItemBarcode: item.Barcode,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrItemUnavailable) || apperr.IsRetryable(err), "got %v", err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	seed.AssertInvariants(t)
}

func TestHoldQueueAndExpiry(t *testing.T) {
	seed, _ := newSeed(t)
	svc := newServices(seed)
	ctx := context.Background()
	item := seed.Item(t, "I-1")
	p0, p1, p2 := seed.Patron(t, "p0"), seed.Patron(t, "p1"), seed.Patron(t, "p2")
	checkout(t, svc.circ, p0, item)

	r1, err := svc.circ.PlaceHold(ctx, holds.PlaceInput{Tenant: fixture.Tenant, PatronID: p1.ID, ItemID: item.ID, Type: domain.RequestHold})
	require.NoError(t, err)
	seed.Clock.Advance(time.Minute)
	r2, err := svc.circ.PlaceHold(ctx, holds.PlaceInput{Tenant: fixture.Tenant, PatronID: p2.ID, ItemID: item.ID, Type: domain.RequestHold})
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Position)
	assert.Equal(t, 2, r2.Position)

	_, err = svc.circ.PlaceHold(ctx, holds.PlaceInput{Tenant: fixture.Tenant, PatronID: p1.ID, ItemID: item.ID, Type: domain.RequestHold})
	assert.ErrorIs(t, err, apperr.ErrDuplicateHold)

	page, err := svc.circ.ListRequests(ctx, fixture.Tenant, domain.RequestFilter{ItemID: &item.ID}, domain.PageRequest{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, r2.ID, page.Items[0].ID)
	assert.Equal(t, 2, page.Items[0].Position)

	out, err := svc.circ.Checkin(ctx, circulation.CheckinInput{Tenant: fixture.Tenant, ItemBarcode: item.Barcode})
	require.NoError(t, err)
	require.NotNil(t, out.NextHold)
	assert.Equal(t, r1.ID, out.NextHold.ID)
	assert.Equal(t, domain.ItemAwaitingPickup, seed.GetItem(t, item.ID).Status)

	seed.Clock.Set(fixture.Day(30))
	res, err := svc.expiry.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PickupsExpired)

	queue := seed.Queue(t, item.ID)
	assert.Empty(t, queue)
	seed.AssertInvariants(t)
}

func TestOverdueAccrualAndPayment(t *testing.T) {
	seed, _ := newSeed(t)
	svc := newServices(seed)
	ctx := context.Background()
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	loan := checkout(t, svc.circ, patron, item)

	seed.Clock.Set(fixture.Day(17))
	res, err := svc.overdue.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Marked)
	assert.Equal(t, domain.LoanOverdue, seed.GetLoan(t, loan.ID).Status)

	overdue := true
	page, err := svc.circ.ListLoans(ctx, fixture.Tenant, domain.LoanFilter{Overdue: &overdue}, domain.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, loan.ID, page.Items[0].ID)

	owed := seed.Fees(t, patron.ID)
	require.Len(t, owed, 1)
	assert.True(t, money.MustParse("1.50").Equal(owed[0].Amount), owed[0].Amount.String())

	payment, fee, err := svc.fees.Pay(ctx, fixture.Tenant, owed[0].ID, domain.PayCash, money.MustParse("0.50"), "")
	require.NoError(t, err)
	assert.True(t, money.MustParse("1.00").Equal(payment.Balance))
	assert.True(t, money.MustParse("1.00").Equal(fee.Remaining))

	payments, err := svc.fees.Payments(ctx, fixture.Tenant, fee.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PayCash, payments[0].Method)
	seed.AssertInvariants(t)
}

type recordingSink struct {
	mu   sync.Mutex
	seen []domain.Intent
}

func (s *recordingSink) Publish(_ context.Context, in domain.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, in)
	return nil
}

func TestDispatcherDrainsIntentsOnce(t *testing.T) {
	seed, _ := newSeed(t)
	svc := newServices(seed)
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	checkout(t, svc.circ, patron, item)

	sink := &recordingSink{}
	d := outbox.NewDispatcher(seed.Store, sink, seed.Clock, outbox.DispatcherConfig{BatchSize: 10, Lease: time.Minute}, discardLogger())
	first, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Dispatched)

	second, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Dispatched)

	require.Len(t, sink.seen, 1)
	var receipt outbox.CheckoutReceipt
	require.NoError(t, outbox.DecodePayload(sink.seen[0], &receipt))
	assert.Equal(t, item.Barcode, receipt.Barcode)

	intents := seed.Intents(t, patron.ID)
	require.Len(t, intents, 1)
	assert.NotNil(t, intents[0].DispatchedAt)
	assert.Equal(t, 1, intents[0].Attempts)
}

func TestMapErr(t *testing.T) {
	assert.Nil(t, mapErr(nil))
	plain := errors.New("boom")
	assert.Equal(t, plain, mapErr(plain))
}
