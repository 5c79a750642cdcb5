// internal/membership/service.go
package membership

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
)

// Service defines the interface for the membership service.
type Service interface {
	AddPatronGroup(ctx context.Context, g domain.PatronGroup) (*domain.PatronGroup, error)
	RegisterPatron(ctx context.Context, in RegisterInput) (*domain.Patron, error)
	GetPatron(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error)
	UpdatePatronGroup(ctx context.Context, tenant domain.TenantID, id uuid.UUID, group string) (*domain.Patron, error)
	Deactivate(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Patron, error)
	RenewMembership(ctx context.Context, tenant domain.TenantID, id uuid.UUID, until time.Time) (*domain.Patron, error)
}
