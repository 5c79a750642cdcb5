// internal/policy/resolver.go
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_policy_cache_hits_total",
		Help: "Policy rule set lookups served from the cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_policy_cache_misses_total",
		Help: "Policy rule set lookups that loaded from the datastore.",
	})
)

// Source is the read side of the policy tables.
type Source interface {
	ListRules(ctx context.Context, tenant domain.TenantID) ([]domain.CirculationRule, error)
	GetDefaults(ctx context.Context, tenant domain.TenantID) (*domain.PolicyDefaults, error)
	GetLoanPolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.LoanPolicy, error)
	GetFeePolicy(ctx context.Context, tenant domain.TenantID, code string) (*domain.FeePolicy, error)
}

// Query holds the inputs of a policy resolution.
type Query struct {
	Tenant       domain.TenantID
	PatronGroup  string
	MaterialType string
	Location     string
	ItemStatus   domain.ItemStatus
}

// Resolution is the effective policy pair. RuleID is nil when the tenant
// default applied.
type Resolution struct {
	Loan   *domain.LoanPolicy
	Fee    *domain.FeePolicy
	RuleID *uuid.UUID
}

// Snapshot copies the resolution into a loan policy snapshot.
func (r *Resolution) Snapshot() domain.PolicySnapshot {
	return domain.NewPolicySnapshot(r.Loan, r.Fee)
}

type compiledRule struct {
	rule domain.CirculationRule
	loan *domain.LoanPolicy
	fee  *domain.FeePolicy
}

// ruleSet is the tenant's rule table with its policies loaded. Rules whose
// policies are missing or inactive are dropped at compile time.
type ruleSet struct {
	rules       []compiledRule
	defaultLoan *domain.LoanPolicy
	defaultFee  *domain.FeePolicy
}

// Resolver evaluates circulation rules with a per-tenant cache of compiled
// rule sets.
type Resolver struct {
	cache  *expirable.LRU[domain.TenantID, *ruleSet]
	tracer trace.Tracer
}

// NewResolver creates a resolver caching up to size tenants for ttl.
func NewResolver(size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 128
	}
	return &Resolver{
		cache:  expirable.NewLRU[domain.TenantID, *ruleSet](size, nil, ttl),
		tracer: otel.Tracer("libranexus/policy"),
	}
}

// Resolve returns the first matching rule's policy pair, or the tenant
// default when no rule matches.
func (r *Resolver) Resolve(ctx context.Context, src Source, q Query) (*Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "policy.resolve",
		trace.WithAttributes(
			attribute.String("tenant.id", string(q.Tenant)),
			attribute.String("patron.group", q.PatronGroup),
			attribute.String("material.type", q.MaterialType),
		),
	)
	defer span.End()

	set, err := r.ruleSet(ctx, src, q.Tenant)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, cr := range set.rules {
		if cr.rule.Matches(q.PatronGroup, q.MaterialType, q.Location, q.ItemStatus) {
			id := cr.rule.ID
			span.SetAttributes(attribute.String("rule.id", id.String()))
			return &Resolution{Loan: cr.loan, Fee: cr.fee, RuleID: &id}, nil
		}
	}

	if set.defaultLoan == nil || set.defaultFee == nil {
		return nil, apperr.ErrNoApplicablePolicy.With(
			"tenant %s has no rule for group=%q material=%q location=%q and no usable default",
			q.Tenant, q.PatronGroup, q.MaterialType, q.Location)
	}
	span.SetAttributes(attribute.Bool("default.applied", true))
	return &Resolution{Loan: set.defaultLoan, Fee: set.defaultFee}, nil
}

// Invalidate drops the cached rule set of tenant.
func (r *Resolver) Invalidate(tenant domain.TenantID) {
	r.cache.Remove(tenant)
}

func (r *Resolver) ruleSet(ctx context.Context, src Source, tenant domain.TenantID) (*ruleSet, error) {
	if set, ok := r.cache.Get(tenant); ok {
		cacheHitsTotal.Inc()
		return set, nil
	}
	cacheMissesTotal.Inc()

	set, err := compile(ctx, src, tenant)
	if err != nil {
		return nil, err
	}
	r.cache.Add(tenant, set)
	return set, nil
}

func compile(ctx context.Context, src Source, tenant domain.TenantID) (*ruleSet, error) {
	rules, err := src.ListRules(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list circulation rules: %w", err)
	}

	loans := map[string]*domain.LoanPolicy{}
	fees := map[string]*domain.FeePolicy{}
	loadLoan := func(code string) (*domain.LoanPolicy, error) {
		if p, ok := loans[code]; ok {
			return p, nil
		}
		p, err := src.GetLoanPolicy(ctx, tenant, code)
		if errors.Is(err, apperr.ErrNotFound) {
			p, err = nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load loan policy %s: %w", code, err)
		}
		if p != nil && !p.Active {
			p = nil
		}
		loans[code] = p
		return p, nil
	}
	loadFee := func(code string) (*domain.FeePolicy, error) {
		if p, ok := fees[code]; ok {
			return p, nil
		}
		p, err := src.GetFeePolicy(ctx, tenant, code)
		if errors.Is(err, apperr.ErrNotFound) {
			p, err = nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load fee policy %s: %w", code, err)
		}
		if p != nil && !p.Active {
			p = nil
		}
		fees[code] = p
		return p, nil
	}

	set := &ruleSet{}
	for _, rule := range rules {
		lp, err := loadLoan(rule.LoanPolicyCode)
		if err != nil {
			return nil, err
		}
		fp, err := loadFee(rule.FeePolicyCode)
		if err != nil {
			return nil, err
		}
		if lp == nil || fp == nil {
			continue
		}
		set.rules = append(set.rules, compiledRule{rule: rule, loan: lp, fee: fp})
	}

	defaults, err := src.GetDefaults(ctx, tenant)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return set, nil
	case err != nil:
		return nil, fmt.Errorf("load default policies: %w", err)
	}
	if set.defaultLoan, err = loadLoan(defaults.LoanPolicyCode); err != nil {
		return nil, err
	}
	if set.defaultFee, err = loadFee(defaults.FeePolicyCode); err != nil {
		return nil, err
	}
	return set, nil
}
