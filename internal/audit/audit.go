// internal/audit/audit.go
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

// Check counts rows of one tenant that break a circulation invariant.
type Check struct {
	Name      string
	Count     func(ctx context.Context, tx store.Tx, tenant domain.TenantID) (int, error)
	Threshold Threshold
}

// Threshold is the condition a healthy count satisfies.
type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    int
}

// Holds reports whether n satisfies the threshold.
func (t Threshold) Holds(n int) bool {
	switch t.Operator {
	case ">":
		return n > t.Value
	case "<":
		return n < t.Value
	case ">=":
		return n >= t.Value
	case "<=":
		return n <= t.Value
	case "==":
		return n == t.Value
	default:
		return false
	}
}

// Violation is a check that failed for a tenant.
type Violation struct {
	Tenant    domain.TenantID `json:"tenant"`
	Check     string          `json:"check"`
	Expected  string          `json:"expected"`
	Actual    int             `json:"actual"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorEvent is a check that could not be evaluated.
type ErrorEvent struct {
	Tenant    domain.TenantID `json:"tenant"`
	Check     string          `json:"check"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// Report is the outcome of one audit run across all tenants.
type Report struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Tenants    int           `json:"tenants"`
	Checks     int           `json:"checks"`
	Violations []Violation   `json:"violations"`
	Errors     []ErrorEvent  `json:"errors"`
}

// Healthy reports whether every check held and none failed to run.
func (r *Report) Healthy() bool {
	return len(r.Violations) == 0 && len(r.Errors) == 0
}

// Print writes a human readable summary of the report.
func (r *Report) Print(w io.Writer) {
	if r.Healthy() {
		fmt.Fprintf(w, "OK: %d checks held for %d tenants\n", r.Checks, r.Tenants)
	} else {
		fmt.Fprintf(w, "FAILED: %d violations, %d errors across %d tenants\n", len(r.Violations), len(r.Errors), r.Tenants)
	}
	for _, v := range r.Violations {
		fmt.Fprintf(w, "   - %s/%s: expected %s, got %d\n", v.Tenant, v.Check, v.Expected, v.Actual)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "   - %s/%s: %s\n", e.Tenant, e.Check, e.Error)
	}
	fmt.Fprintf(w, "Duration: %s\n", r.Duration)
}

// Auditor evaluates registered checks against every tenant.
type Auditor struct {
	store  store.Store
	clock  clock.Clock
	tracer trace.Tracer
	logger *slog.Logger

	mu     sync.Mutex
	checks []Check
}

// New returns an auditor with no checks; see RegisterInvariants.
func New(st store.Store, clk clock.Clock, logger *slog.Logger) *Auditor {
	return &Auditor{
		store:  st,
		clock:  clk,
		tracer: otel.Tracer("libranexus/audit"),
		logger: logger.With("component", "audit"),
	}
}

// Register adds a check.
func (a *Auditor) Register(c Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, c)
}

// Checks returns the registered checks.
func (a *Auditor) Checks() []Check {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Check(nil), a.checks...)
}

// Run evaluates every check for every tenant. Each tenant is read from one
// consistent snapshot.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.run")
	defer span.End()

	checks := a.Checks()
	report := &Report{StartTime: a.clock.Now(), Checks: len(checks)}

	var tenants []domain.Tenant
	err := a.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		tenants, err = tx.ListTenants(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	report.Tenants = len(tenants)

	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := a.store.ReadOnly(ctx, func(tx store.Tx) error {
			a.runTenant(ctx, tx, t.ID, checks, report)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to audit tenant %s: %w", t.ID, err)
		}
	}

	report.EndTime = a.clock.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	span.SetAttributes(
		attribute.Int("tenants", report.Tenants),
		attribute.Int("violations", len(report.Violations)),
	)
	if !report.Healthy() {
		a.logger.WarnContext(ctx, "audit found problems",
			"violations", len(report.Violations), "errors", len(report.Errors))
	}
	return report, nil
}

func (a *Auditor) runTenant(ctx context.Context, tx store.Tx, tenant domain.TenantID, checks []Check, report *Report) {
	for _, c := range checks {
		n, err := c.Count(ctx, tx, tenant)
		if err != nil {
			report.Errors = append(report.Errors, ErrorEvent{
				Tenant: tenant, Check: c.Name, Error: err.Error(), Timestamp: a.clock.Now(),
			})
			continue
		}
		if !c.Threshold.Holds(n) {
			report.Violations = append(report.Violations, Violation{
				Tenant:    tenant,
				Check:     c.Name,
				Expected:  c.Threshold.Operator + " " + fmt.Sprint(c.Threshold.Value),
				Actual:    n,
				Timestamp: a.clock.Now(),
			})
		}
	}
}

// RegisterInvariants registers the datastore invariant checks, each
// expecting zero offending rows.
func (a *Auditor) RegisterInvariants() {
	for _, c := range []struct {
		name  string
		count func(store.InvariantCounter, context.Context, domain.TenantID) (int, error)
	}{
		{"single_active_loan_per_item", store.InvariantCounter.CountItemsWithMultipleActiveLoans},
		{"single_pickup_per_item", store.InvariantCounter.CountItemsWithMultipleAwaitingPickup},
		{"single_open_request_per_patron_item", store.InvariantCounter.CountDuplicateOpenRequests},
		{"fee_balance", store.InvariantCounter.CountUnbalancedFees},
		{"fee_status", store.InvariantCounter.CountFeeStatusMismatches},
		{"payment_sum", store.InvariantCounter.CountPaymentSumMismatches},
		{"renewal_cap", store.InvariantCounter.CountLoansOverRenewalCap},
	} {
		count := c.count
		a.Register(Check{
			Name: c.name,
			Count: func(ctx context.Context, tx store.Tx, tenant domain.TenantID) (int, error) {
				return count(tx, ctx, tenant)
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		})
	}
}

func (a *Auditor) Name() string { return "audit" }

// RunJob runs an audit and fails when it is not healthy.
func (a *Auditor) RunJob(ctx context.Context) error {
	report, err := a.Run(ctx)
	if err != nil {
		return err
	}
	if !report.Healthy() {
		return fmt.Errorf("audit found %d violations and %d errors", len(report.Violations), len(report.Errors))
	}
	return nil
}
