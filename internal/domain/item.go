// internal/domain/item.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TenantID partitions every entity of the circulation core.
type TenantID string

// Tenant is an isolated library instance.
type Tenant struct {
	ID        TenantID  `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Currency  string    `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ItemStatus is the circulation status of a physical copy.
type ItemStatus string

const (
	ItemAvailable      ItemStatus = "AVAILABLE"
	ItemCheckedOut     ItemStatus = "CHECKED_OUT"
	ItemAwaitingPickup ItemStatus = "AWAITING_PICKUP"
	ItemInTransit      ItemStatus = "IN_TRANSIT"
	ItemOnOrder        ItemStatus = "ON_ORDER"
	ItemInProcess      ItemStatus = "IN_PROCESS"
	ItemMissing        ItemStatus = "MISSING"
	ItemWithdrawn      ItemStatus = "WITHDRAWN"
	ItemLost           ItemStatus = "LOST"
	ItemDamaged        ItemStatus = "DAMAGED"
)

// ItemStatuses lists every item status.
var ItemStatuses = []ItemStatus{
	ItemAvailable, ItemCheckedOut, ItemAwaitingPickup, ItemInTransit, ItemOnOrder,
	ItemInProcess, ItemMissing, ItemWithdrawn, ItemLost, ItemDamaged,
}

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	for _, v := range ItemStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Item represents a physical copy that circulates.
type Item struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TenantID     TenantID   `json:"tenant_id" db:"tenant_id"`
	HoldingRef   string     `json:"holding_ref" db:"holding_ref"`
	Title        string     `json:"title" db:"title"`
	Barcode      string     `json:"barcode,omitempty" db:"barcode"`
	MaterialType string     `json:"material_type" db:"material_type"`
	Location     string     `json:"effective_location" db:"effective_location"`
	Status       ItemStatus `json:"status" db:"status"`
	Version      int        `json:"version" db:"version"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Patron is a user entitled to borrow.
type Patron struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TenantID    TenantID   `json:"tenant_id" db:"tenant_id"`
	Barcode     string     `json:"barcode,omitempty" db:"barcode"`
	Email       string     `json:"email" db:"email"`
	Name        string     `json:"name" db:"name"`
	Active      bool       `json:"active" db:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	PatronGroup string     `json:"patron_group" db:"patron_group"`
	Version     int        `json:"version" db:"version"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// CanBorrow reports whether the patron is active and not expired at now.
func (p *Patron) CanBorrow(now time.Time) bool {
	if !p.Active {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// PatronGroup is a classification referenced by circulation rules.
type PatronGroup struct {
	TenantID    TenantID `json:"tenant_id" db:"tenant_id"`
	Code        string   `json:"code" db:"code"`
	Description string   `json:"description" db:"description"`
}
