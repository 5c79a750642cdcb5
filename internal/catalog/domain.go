// internal/catalog/domain.go
package catalog

import (
	"github.com/libranexus/circulation/internal/domain"
)

// AddItemInput registers a physical copy. Bibliographic data beyond the
// title and holding reference stays outside the circulation core.
type AddItemInput struct {
	Tenant       domain.TenantID   `json:"-"`
	HoldingRef   string            `json:"holding_ref" validate:"required"`
	Title        string            `json:"title" validate:"required"`
	Barcode      string            `json:"barcode" validate:"required"`
	MaterialType string            `json:"material_type" validate:"required"`
	Location     string            `json:"effective_location" validate:"required"`
	Status       domain.ItemStatus `json:"status" validate:"omitempty,oneof=AVAILABLE ON_ORDER IN_PROCESS"`
}

// StatusChange is the result of a manual status event.
type StatusChange struct {
	Item              *domain.Item `json:"item"`
	CancelledRequests int          `json:"cancelled_requests"`
}
