// internal/audit/audit_test.go
package audit_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/audit"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fees"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/money"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newAuditor(seed *fixture.Seed) *audit.Auditor {
	a := audit.New(seed.Store, seed.Clock, discard)
	a.RegisterInvariants()
	return a
}

func TestThresholdHolds(t *testing.T) {
	cases := []struct {
		threshold audit.Threshold
		n         int
		want      bool
	}{
		{audit.Threshold{Operator: "==", Value: 0}, 0, true},
		{audit.Threshold{Operator: "==", Value: 0}, 1, false},
		{audit.Threshold{Operator: "<", Value: 3}, 2, true},
		{audit.Threshold{Operator: "<=", Value: 3}, 3, true},
		{audit.Threshold{Operator: ">", Value: 3}, 3, false},
		{audit.Threshold{Operator: ">=", Value: 3}, 3, true},
		{audit.Threshold{Operator: "!=", Value: 3}, 0, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s%d/%d", c.threshold.Operator, c.threshold.Value, c.n), func(t *testing.T) {
			assert.Equal(t, c.want, c.threshold.Holds(c.n))
		})
	}
}

func TestRunOnCleanStoreIsHealthy(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	a := newAuditor(seed)

	// act
	report, err := a.Run(context.Background())

	// assert
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 1, report.Tenants)
	assert.Equal(t, 7, report.Checks)
	assert.Len(t, a.Checks(), 7)

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "OK: 7 checks held for 1 tenants")
}

func TestRunReportsUnbalancedFee(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	patron := seed.Patron(t, "ada")
	seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertFee(ctx, &domain.Fee{
			ID:         uuid.New(),
			TenantID:   fixture.Tenant,
			PatronID:   patron.ID,
			Type:       domain.FeeManual,
			Amount:     money.MustParse("5.00"),
			PaidAmount: money.Zero,
			Remaining:  money.MustParse("4.00"),
			Status:     domain.FeeOpen,
			FeeDate:    fixture.Epoch,
			Currency:   "USD",
			UpdatedAt:  fixture.Epoch,
		})
	})
	a := newAuditor(seed)

	// act
	report, err := a.Run(context.Background())

	// assert
	require.NoError(t, err)
	require.False(t, report.Healthy())
	require.Len(t, report.Violations, 1)
	v := report.Violations[0]
	assert.Equal(t, fixture.Tenant, v.Tenant)
	assert.Equal(t, "fee_balance", v.Check)
	assert.Equal(t, "== 0", v.Expected)
	assert.Equal(t, 1, v.Actual)

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "T1/fee_balance: expected == 0, got 1")
}

func TestRunRecordsCheckErrors(t *testing.T) {
	seed := fixture.NewSeed(t)
	a := audit.New(seed.Store, seed.Clock, discard)
	a.Register(audit.Check{
		Name: "broken",
		Count: func(context.Context, store.Tx, domain.TenantID) (int, error) {
			return 0, errors.New("boom")
		},
		Threshold: audit.Threshold{Operator: "==", Value: 0},
	})

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "boom", report.Errors[0].Error)
	assert.False(t, report.Healthy())
}

func TestRunHonorsCancellation(t *testing.T) {
	seed := fixture.NewSeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAuditor(seed).Run(ctx)
	assert.Error(t, err)
}

func TestConcurrentCheckoutExperimentHolds(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	clk := seed.Clock
	resolver := policy.NewResolver(16, time.Minute)
	ob := outbox.New(clk)
	svc := circulation.NewService(circulation.Dependencies{
		Store:    seed.Store,
		Resolver: resolver,
		Holds:    holds.NewManager(resolver, ob, clk),
		Ledger:   fees.NewLedger(clk),
		Outbox:   ob,
		Clock:    clk,
		Logger:   discard,
	}, circulation.Config{})
	item := seed.Item(t, "I-RACE")
	patrons := make([]uuid.UUID, 8)
	for i := range patrons {
		patrons[i] = seed.Patron(t, fmt.Sprintf("p%d", i)).ID
	}
	a := newAuditor(seed)

	// act
	result, err := a.RunExperiment(context.Background(),
		audit.ConcurrentCheckoutExperiment(svc, fixture.Tenant, item.Barcode, patrons))

	// assert
	require.NoError(t, err)
	assert.True(t, result.SteadyStateOK)
	assert.True(t, result.HypothesisHeld, "failures: %v", result.Failures)
	assert.True(t, result.After.Healthy())
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)
}

func TestExperimentStopsWhenSteadyStateBroken(t *testing.T) {
	seed := fixture.NewSeed(t)
	a := audit.New(seed.Store, seed.Clock, discard)
	a.Register(audit.Check{
		Name:      "always_one",
		Count:     func(context.Context, store.Tx, domain.TenantID) (int, error) { return 1, nil },
		Threshold: audit.Threshold{Operator: "==", Value: 0},
	})
	ran := false

	result, err := a.RunExperiment(context.Background(), audit.Experiment{
		Name: "noop",
		Method: []audit.Action{{Name: "mark", Execute: func(context.Context) error {
			ran = true
			return nil
		}}},
	})

	require.NoError(t, err)
	assert.False(t, result.SteadyStateOK)
	assert.False(t, result.HypothesisHeld)
	assert.False(t, ran)
	assert.Nil(t, result.After)
}

func TestRunJobFailsOnViolations(t *testing.T) {
	seed := fixture.NewSeed(t)
	a := newAuditor(seed)
	assert.Equal(t, "audit", a.Name())
	require.NoError(t, a.RunJob(context.Background()))

	a.Register(audit.Check{
		Name:      "always_one",
		Count:     func(context.Context, store.Tx, domain.TenantID) (int, error) { return 1, nil },
		Threshold: audit.Threshold{Operator: "==", Value: 0},
	})
	assert.ErrorContains(t, a.RunJob(context.Background()), "1 violations")
}
