// internal/membership/domain.go
package membership

import (
	"time"

	"github.com/libranexus/circulation/internal/domain"
)

// RegisterInput describes a new patron.
type RegisterInput struct {
	Tenant      domain.TenantID `json:"-"`
	Email       string          `json:"email" validate:"required,email"`
	Name        string          `json:"name" validate:"required"`
	Barcode     string          `json:"barcode"`
	PatronGroup string          `json:"patron_group" validate:"required"`
	ExpiresAt   *time.Time      `json:"expires_at"`
}
