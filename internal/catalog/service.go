// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddItem(ctx context.Context, in AddItemInput) (*domain.Item, error)
	GetItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error)
	GetItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error)
	MarkMissing(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*StatusChange, error)
	Withdraw(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*StatusChange, error)
}
