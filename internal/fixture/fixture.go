// internal/fixture/fixture.go
package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/memory"
)

// Tenant is the tenant every fixture writes into.
const Tenant domain.TenantID = "T1"

// Epoch is 2025-01-01 09:00 UTC.
var Epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// Day returns Epoch moved to 2025-01-day at the same time of day.
func Day(day int) time.Time {
	return time.Date(2025, 1, day, 9, 0, 0, 0, time.UTC)
}

// StandardLoanPolicy is 14 days, renewable up to 3 times, no grace.
func StandardLoanPolicy() domain.LoanPolicy {
	return domain.LoanPolicy{
		TenantID:    Tenant,
		Code:        "standard",
		Name:        "Standard loan",
		LoanPeriod:  domain.Period{Duration: 14, Unit: domain.UnitDays},
		Renewable:   true,
		MaxRenewals: 3,
		Active:      true,
	}
}

// StandardFeePolicy charges $1.00 + $0.25/day capped at $10 for overdue items.
func StandardFeePolicy() domain.FeePolicy {
	return domain.FeePolicy{
		TenantID: Tenant,
		Code:     "standard-fees",
		Name:     "Standard fees",
		Rates: map[domain.FeeType]domain.FeeRate{
			domain.FeeOverdue: {
				Initial: money.MustParse("1.00"),
				PerDay:  money.MustParse("0.25"),
				Max:     money.MustParse("10.00"),
			},
			domain.FeeLostItem:           {Initial: money.MustParse("40.00")},
			domain.FeeLostItemProcessing: {Initial: money.MustParse("5.00")},
			domain.FeeDamagedItem:        {Initial: money.MustParse("15.00")},
		},
		Active: true,
	}
}

// Seed is a store primed with one tenant and its default policies.
type Seed struct {
	Store store.Store
	Clock *clock.Fake
}

// NewSeed creates the tenant T1 with StandardLoanPolicy and StandardFeePolicy
// as defaults and a fake clock at Epoch.
func NewSeed(t testing.TB) *Seed {
	return NewSeedWith(t, StandardLoanPolicy(), StandardFeePolicy())
}

// NewSeedWith is NewSeed with custom default policies.
func NewSeedWith(t testing.TB, lp domain.LoanPolicy, fp domain.FeePolicy) *Seed {
	t.Helper()
	return NewSeedOn(t, memory.New(memory.WithLockTimeout(5*time.Second)), lp, fp)
}

// NewSeedOn primes an empty st the way NewSeedWith primes a memory store.
func NewSeedOn(t testing.TB, st store.Store, lp domain.LoanPolicy, fp domain.FeePolicy) *Seed {
	t.Helper()
	s := &Seed{Store: st, Clock: clock.NewFake(Epoch)}
	lp.TenantID, fp.TenantID = Tenant, Tenant
	s.Write(t, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertTenant(ctx, &domain.Tenant{ID: Tenant, Name: "Tenant One", Currency: "USD", CreatedAt: Epoch}); err != nil {
			return err
		}
		if err := tx.PutLoanPolicy(ctx, &lp); err != nil {
			return err
		}
		if err := tx.PutFeePolicy(ctx, &fp); err != nil {
			return err
		}
		return tx.PutDefaults(ctx, &domain.PolicyDefaults{TenantID: Tenant, LoanPolicyCode: lp.Code, FeePolicyCode: fp.Code})
	})
	return s
}

// Write runs fn in a committed transaction and fails the test on error.
func (s *Seed) Write(t testing.TB, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Store.WithinTx(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

// Read runs fn in a read-only transaction and fails the test on error.
func (s *Seed) Read(t testing.TB, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Store.ReadOnly(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

// Item inserts an AVAILABLE book with the given barcode.
func (s *Seed) Item(t testing.TB, barcode string) *domain.Item {
	t.Helper()
	item := &domain.Item{
		ID:           uuid.New(),
		TenantID:     Tenant,
		HoldingRef:   "holding-" + barcode,
		Title:        "Title " + barcode,
		Barcode:      barcode,
		MaterialType: "book",
		Location:     "main",
		Status:       domain.ItemAvailable,
		CreatedAt:    s.Clock.Now(),
		UpdatedAt:    s.Clock.Now(),
	}
	s.Write(t, func(ctx context.Context, tx store.Tx) error { return tx.InsertItem(ctx, item) })
	return item
}

// Patron inserts an active undergraduate patron without expiration.
func (s *Seed) Patron(t testing.TB, name string) *domain.Patron {
	t.Helper()
	p := &domain.Patron{
		ID:          uuid.New(),
		TenantID:    Tenant,
		Email:       name + "@example.org",
		Name:        name,
		Active:      true,
		PatronGroup: "undergraduate",
		CreatedAt:   s.Clock.Now(),
		UpdatedAt:   s.Clock.Now(),
	}
	s.Write(t, func(ctx context.Context, tx store.Tx) error { return tx.InsertPatron(ctx, p) })
	return p
}

// GetItem reads the committed item.
func (s *Seed) GetItem(t testing.TB, id uuid.UUID) *domain.Item {
	t.Helper()
	var item *domain.Item
	s.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		item, err = tx.GetItem(ctx, Tenant, id)
		return err
	})
	return item
}

// GetLoan reads the committed loan.
func (s *Seed) GetLoan(t testing.TB, id uuid.UUID) *domain.Loan {
	t.Helper()
	var loan *domain.Loan
	s.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		loan, err = tx.GetLoan(ctx, Tenant, id)
		return err
	})
	return loan
}

// GetFee reads the committed fee.
func (s *Seed) GetFee(t testing.TB, id uuid.UUID) *domain.Fee {
	t.Helper()
	var fee *domain.Fee
	s.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		fee, err = tx.GetFee(ctx, Tenant, id)
		return err
	})
	return fee
}

// Queue returns the item's OPEN requests with derived positions.
func (s *Seed) Queue(t testing.TB, itemID uuid.UUID) []domain.Request {
	t.Helper()
	var reqs []domain.Request
	s.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		reqs, err = tx.RequestsForItem(ctx, Tenant, itemID, domain.RequestOpen)
		return err
	})
	return reqs
}

// Intents returns the patron's notification intents.
func (s *Seed) Intents(t testing.TB, patronID uuid.UUID) []domain.Intent {
	t.Helper()
	var out []domain.Intent
	s.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		out, err = tx.IntentsForPatron(ctx, Tenant, patronID)
		return err
	})
	return out
}

// IntentKinds returns the kinds of the patron's intents in creation order.
func (s *Seed) IntentKinds(t testing.TB, patronID uuid.UUID) []domain.IntentKind {
	t.Helper()
	var kinds []domain.IntentKind
	for _, in := range s.Intents(t, patronID) {
		kinds = append(kinds, in.Kind)
	}
	return kinds
}

// Fees returns the patron's fees.
func (s *Seed) Fees(t testing.TB, patronID uuid.UUID) []domain.Fee {
	t.Helper()
	var out []domain.Fee
	s.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		out, err = tx.FeesForPatron(ctx, Tenant, patronID)
		return err
	})
	return out
}

// AssertInvariants fails the test when any counted invariant is broken.
func (s *Seed) AssertInvariants(t testing.TB) {
	t.Helper()
	s.Read(t, func(ctx context.Context, tx store.Tx) error {
		checks := map[string]func(context.Context, domain.TenantID) (int, error){
			"multiple active loans":     tx.CountItemsWithMultipleActiveLoans,
			"multiple awaiting pickup":  tx.CountItemsWithMultipleAwaitingPickup,
			"duplicate open requests":   tx.CountDuplicateOpenRequests,
			"unbalanced fees":           tx.CountUnbalancedFees,
			"fee status mismatch":       tx.CountFeeStatusMismatches,
			"payment sum mismatch":      tx.CountPaymentSumMismatches,
			"loans over renewal cap":    tx.CountLoansOverRenewalCap,
		}
		for name, count := range checks {
			n, err := count(ctx, Tenant)
			require.NoError(t, err, name)
			require.Zero(t, n, name)
		}
		return nil
	})
}
