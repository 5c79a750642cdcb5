// internal/domain/request.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RequestType is the kind of claim a patron places on an item.
type RequestType string

const (
	RequestHold   RequestType = "HOLD"
	RequestRecall RequestType = "RECALL"
	RequestPage   RequestType = "PAGE"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	return t == RequestHold || t == RequestRecall || t == RequestPage
}

// RequestStatus is the state of a request.
type RequestStatus string

const (
	RequestOpen           RequestStatus = "OPEN"
	RequestAwaitingPickup RequestStatus = "AWAITING_PICKUP"
	RequestInTransit      RequestStatus = "IN_TRANSIT"
	RequestFulfilled      RequestStatus = "FULFILLED"
	RequestCancelled      RequestStatus = "CANCELLED"
	RequestExpired        RequestStatus = "EXPIRED"
)

// IsClosed reports whether the request has left the queue for good.
func (s RequestStatus) IsClosed() bool {
	return s == RequestFulfilled || s == RequestCancelled || s == RequestExpired
}

// Request is an advance claim on an item.
type Request struct {
	ID                  uuid.UUID     `json:"id"`
	TenantID            TenantID      `json:"tenant_id"`
	PatronID            uuid.UUID     `json:"patron_id"`
	ItemID              uuid.UUID     `json:"item_id"`
	Type                RequestType   `json:"request_type"`
	RequestDate         time.Time     `json:"request_date"`
	ExpirationDate      *time.Time    `json:"expiration_date,omitempty"`
	PickupLocation      string        `json:"pickup_location"`
	Status              RequestStatus `json:"status"`
	HoldShelfExpiration *time.Time    `json:"hold_shelf_expiration,omitempty"`
	CancellationReason  string        `json:"cancellation_reason,omitempty"`
	Position            int           `json:"position,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Before orders requests FIFO by request date, ties broken by identifier.
func (r *Request) Before(o *Request) bool {
	if !r.RequestDate.Equal(o.RequestDate) {
		return r.RequestDate.Before(o.RequestDate)
	}
	return r.ID.String() < o.ID.String()
}

// RequestFilter narrows list_requests.
type RequestFilter struct {
	PatronID *uuid.UUID
	ItemID   *uuid.UUID
	Status   RequestStatus
}
