// internal/membership/implementation.go
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/ratelimit"
	"github.com/libranexus/circulation/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// service implements the Service interface.
type service struct {
	store   store.Store
	clock   clock.Clock
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewService creates a new membership service instance. Registrations are
// throttled per tenant by limiter; a nil limiter disables throttling.
func NewService(st store.Store, clk clock.Clock, limiter *ratelimit.Limiter, logger *slog.Logger) Service {
	return &service{
		store:   st,
		clock:   clk,
		limiter: limiter,
		logger:  logger.With("component", "membership"),
	}
}

// AddPatronGroup creates a patron group referenced by circulation rules.
func (s *service) AddPatronGroup(ctx context.Context, g domain.PatronGroup) (*domain.PatronGroup, error) {
	g.Code = strings.TrimSpace(g.Code)
	if g.Code == "" {
		return nil, apperr.ErrInvalidInput.With("patron group code is required")
	}
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetTenant(ctx, g.TenantID); err != nil {
			return err
		}
		return tx.InsertPatronGroup(ctx, &g)
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &g, nil
}

// RegisterPatron creates a new active patron in an existing group.
func (s *service) RegisterPatron(ctx context.Context, in RegisterInput) (*domain.Patron, error) {
	if err := s.limiter.Check("register:" + string(in.Tenant)); err != nil {
		return nil, err
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validate.Struct(in); err != nil {
		return nil, apperr.ErrInvalidInput.With("%v", err)
	}
	now := s.clock.Now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, apperr.ErrInvalidInput.With("expiration %s is in the past", in.ExpiresAt.Format(time.RFC3339))
	}

	patron := &domain.Patron{
		ID:          uuid.New(),
		TenantID:    in.Tenant,
		Barcode:     strings.TrimSpace(in.Barcode),
		Email:       in.Email,
		Name:        in.Name,
		Active:      true,
		ExpiresAt:   in.ExpiresAt,
		PatronGroup: in.PatronGroup,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		if err := requireGroup(ctx, tx, in.Tenant, in.PatronGroup); err != nil {
			return err
		}
		return tx.InsertPatron(ctx, patron)
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.logger.InfoContext(ctx, "patron registered", "tenant", in.Tenant, "patron_id", patron.ID, "group", patron.PatronGroup)
	return patron, nil
}

// GetPatron retrieves a patron by ID.
func (s *service) GetPatron(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error) {
	var p *domain.Patron
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		p, err = tx.GetPatron(ctx, tenant, id)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return p, nil
}

// UpdatePatronGroup moves the patron to another group. Existing loans keep
// the policy snapshot taken at checkout.
func (s *service) UpdatePatronGroup(ctx context.Context, tenant domain.TenantID, id uuid.UUID, group string) (*domain.Patron, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, apperr.ErrInvalidInput.With("patron group is required")
	}
	return s.update(ctx, tenant, id, func(ctx context.Context, tx store.Tx, p *domain.Patron) error {
		if err := requireGroup(ctx, tx, tenant, group); err != nil {
			return err
		}
		p.PatronGroup = group
		return nil
	})
}

// Deactivate blocks the patron from borrowing and requesting.
func (s *service) Deactivate(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error) {
	return s.update(ctx, tenant, id, func(_ context.Context, _ store.Tx, p *domain.Patron) error {
		p.Active = false
		return nil
	})
}

// RenewMembership extends the patron's expiration to until and reactivates
// the patron.
func (s *service) RenewMembership(ctx context.Context, tenant domain.TenantID, id uuid.UUID, until time.Time) (*domain.Patron, error) {
	if !until.After(s.clock.Now()) {
		return nil, apperr.ErrInvalidInput.With("expiration %s is in the past", until.Format(time.RFC3339))
	}
	return s.update(ctx, tenant, id, func(_ context.Context, _ store.Tx, p *domain.Patron) error {
		if p.ExpiresAt != nil && until.Before(*p.ExpiresAt) {
			return apperr.ErrInvalidInput.With("expiration %s would shorten the membership", until.Format(time.RFC3339))
		}
		p.ExpiresAt = &until
		p.Active = true
		return nil
	})
}

func (s *service) update(ctx context.Context, tenant domain.TenantID, id uuid.UUID, fn func(ctx context.Context, tx store.Tx, p *domain.Patron) error) (*domain.Patron, error) {
	var out *domain.Patron
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPatron(ctx, tenant, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, p); err != nil {
			return err
		}
		p.UpdatedAt = s.clock.Now()
		if err := tx.UpdatePatron(ctx, p); err != nil {
			return fmt.Errorf("failed to update patron: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.logger.InfoContext(ctx, "patron updated", "tenant", tenant, "patron_id", id,
		"active", out.Active, "group", out.PatronGroup)
	return out, nil
}

func requireGroup(ctx context.Context, tx store.Tx, tenant domain.TenantID, code string) error {
	if _, err := tx.GetPatronGroup(ctx, tenant, code); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return apperr.ErrInvalidInput.With("unknown patron group %s", code)
		}
		return err
	}
	return nil
}
