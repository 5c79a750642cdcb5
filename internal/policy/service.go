// internal/policy/service.go
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

// Service administers loan policies, fee policies and circulation rules.
type Service interface {
	PutLoanPolicy(ctx context.Context, tenant domain.TenantID, p domain.LoanPolicy) (*domain.LoanPolicy, error)
	PutFeePolicy(ctx context.Context, tenant domain.TenantID, p domain.FeePolicy) (*domain.FeePolicy, error)
	PutRules(ctx context.Context, tenant domain.TenantID, rules []domain.CirculationRule) ([]domain.CirculationRule, error)
	PutDefaults(ctx context.Context, tenant domain.TenantID, loanPolicyCode, feePolicyCode string) error
	Resolve(ctx context.Context, q Query) (*Resolution, error)
}

type service struct {
	store    store.Store
	resolver *Resolver
	clock    clock.Clock
	validate *validator.Validate
}

// NewService creates a policy administration service that keeps resolver's
// cache in step with every write.
func NewService(st store.Store, resolver *Resolver, clk clock.Clock) Service {
	return &service{
		store:    st,
		resolver: resolver,
		clock:    clk,
		validate: validator.New(),
	}
}

// PutLoanPolicy creates or replaces a loan policy. Loans already issued keep
// their snapshot.
func (s *service) PutLoanPolicy(ctx context.Context, tenant domain.TenantID, p domain.LoanPolicy) (*domain.LoanPolicy, error) {
	p.TenantID = tenant
	p.UpdatedAt = s.clock.Now()
	if err := s.validate.Struct(p); err != nil {
		return nil, apperr.ErrInvalidInput.Wrap(err)
	}
	if err := p.Validate(); err != nil {
		return nil, apperr.ErrInvalidInput.Wrap(err)
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.PutLoanPolicy(ctx, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store loan policy: %w", err)
	}
	s.resolver.Invalidate(tenant)
	return &p, nil
}

// PutFeePolicy creates or replaces a fee policy.
func (s *service) PutFeePolicy(ctx context.Context, tenant domain.TenantID, p domain.FeePolicy) (*domain.FeePolicy, error) {
	p.TenantID = tenant
	p.UpdatedAt = s.clock.Now()
	if err := s.validate.Struct(p); err != nil {
		return nil, apperr.ErrInvalidInput.Wrap(err)
	}
	if err := p.Validate(); err != nil {
		return nil, apperr.ErrInvalidInput.Wrap(err)
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.PutFeePolicy(ctx, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store fee policy: %w", err)
	}
	s.resolver.Invalidate(tenant)
	return &p, nil
}

// PutRules replaces the tenant's rule table. Rules are evaluated in Position
// order; equal positions keep their input order.
func (s *service) PutRules(ctx context.Context, tenant domain.TenantID, rules []domain.CirculationRule) ([]domain.CirculationRule, error) {
	out := make([]domain.CirculationRule, len(rules))
	for i, r := range rules {
		if err := s.validate.Struct(r); err != nil {
			return nil, apperr.ErrInvalidInput.Wrap(fmt.Errorf("rule %d: %w", i, err))
		}
		if r.ItemStatus != "" && !r.ItemStatus.Valid() {
			return nil, apperr.ErrInvalidInput.With("rule %d: unknown item status %q", i, r.ItemStatus)
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.TenantID = tenant
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	for i := range out {
		out[i].Position = i + 1
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.ReplaceRules(ctx, tenant, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store circulation rules: %w", err)
	}
	s.resolver.Invalidate(tenant)
	return out, nil
}

// PutDefaults sets the tenant's fallback policy pair. Both policies must exist.
func (s *service) PutDefaults(ctx context.Context, tenant domain.TenantID, loanPolicyCode, feePolicyCode string) error {
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetLoanPolicy(ctx, tenant, loanPolicyCode); err != nil {
			return err
		}
		if _, err := tx.GetFeePolicy(ctx, tenant, feePolicyCode); err != nil {
			return err
		}
		return tx.PutDefaults(ctx, &domain.PolicyDefaults{
			TenantID:       tenant,
			LoanPolicyCode: loanPolicyCode,
			FeePolicyCode:  feePolicyCode,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to store default policies: %w", err)
	}
	s.resolver.Invalidate(tenant)
	return nil
}

// Resolve evaluates the rules against a fresh read-only snapshot.
func (s *service) Resolve(ctx context.Context, q Query) (*Resolution, error) {
	var res *Resolution
	err := s.store.ReadOnly(ctx, func(tx store.Tx) error {
		var err error
		res, err = s.resolver.Resolve(ctx, tx, q)
		return err
	})
	return res, err
}
