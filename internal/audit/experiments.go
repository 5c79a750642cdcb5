// internal/audit/experiments.go
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
)

// Experiment drives load against the core and checks that the datastore
// invariants survive it.
type Experiment struct {
	Name       string
	Hypothesis string
	Method     []Action
	Validation []Assertion
}

// Action is one step of an experiment's method.
type Action struct {
	Name    string
	Execute func(ctx context.Context) error
}

// Assertion is evaluated after the method ran.
type Assertion struct {
	Message string
	Check   func() bool
}

// ExperimentResult records the phases of one experiment run.
type ExperimentResult struct {
	Experiment     string        `json:"experiment"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	SteadyStateOK  bool          `json:"steady_state_ok"`
	HypothesisHeld bool          `json:"hypothesis_held"`
	Before         *Report       `json:"before"`
	After          *Report       `json:"after"`
	Failures       []string      `json:"failures"`
	Duration       time.Duration `json:"duration"`
}

// RunExperiment audits, runs the method, then audits again. The hypothesis
// holds when both audits are healthy and every assertion passes.
func (a *Auditor) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := a.tracer.Start(ctx, "audit.experiment")
	defer span.End()

	result := &ExperimentResult{Experiment: exp.Name, StartTime: a.clock.Now()}
	a.logger.InfoContext(ctx, "starting experiment", "name", exp.Name, "hypothesis", exp.Hypothesis)

	before, err := a.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify steady state: %w", err)
	}
	result.Before = before
	result.SteadyStateOK = before.Healthy()
	if !result.SteadyStateOK {
		result.Failures = append(result.Failures, "steady state not met before method")
		return a.finish(result), nil
	}

	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", action.Name, err))
		}
	}

	after, err := a.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to audit after method: %w", err)
	}
	result.After = after
	if !after.Healthy() {
		result.Failures = append(result.Failures, "invariants violated after method")
	}
	for _, as := range exp.Validation {
		if !as.Check() {
			result.Failures = append(result.Failures, as.Message)
		}
	}
	result.HypothesisHeld = len(result.Failures) == 0
	return a.finish(result), nil
}

func (a *Auditor) finish(r *ExperimentResult) *ExperimentResult {
	r.EndTime = a.clock.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	a.logger.Info("experiment finished",
		"name", r.Experiment, "hypothesis_held", r.HypothesisHeld, "failures", len(r.Failures))
	return r
}

// ConcurrentCheckoutExperiment races one checkout per patron for the same
// item. Exactly one must win and the rest must see ItemUnavailable.
func ConcurrentCheckoutExperiment(svc circulation.Service, tenant domain.TenantID, barcode string, patrons []uuid.UUID) Experiment {
	var won, unavailable, other atomic.Int64

	return Experiment{
		Name:       "concurrent-checkout-race",
		Hypothesis: "Concurrent checkouts of one item produce exactly one loan",
		Method: []Action{{
			Name: "concurrent-checkout",
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				start := make(chan struct{})
				for _, id := range patrons {
					wg.Add(1)
					go func(patronID uuid.UUID) {
						defer wg.Done()
						<-start
						_, err := svc.Checkout(ctx, circulation.CheckoutInput{
							Tenant:      tenant,
							PatronID:    patronID,
							ItemBarcode: barcode,
						})
						switch {
						case err == nil:
							won.Add(1)
						case errors.Is(err, apperr.ErrItemUnavailable):
							unavailable.Add(1)
						default:
							other.Add(1)
						}
					}(id)
				}
				close(start)
				wg.Wait()
				return nil
			},
		}},
		Validation: []Assertion{
			{
				Message: "exactly one checkout should succeed",
				Check:   func() bool { return won.Load() == 1 },
			},
			{
				Message: "losing checkouts should fail with item unavailable",
				Check:   func() bool { return other.Load() == 0 && unavailable.Load() == int64(len(patrons)-1) },
			},
		},
	}
}
