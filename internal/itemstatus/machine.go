// internal/itemstatus/machine.go
package itemstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
)

// Event is a circulation event that may move an item to another status.
type Event string

const (
	Checkout          Event = "checkout"
	PlaceHoldPriority Event = "place-hold-priority"
	Checkin           Event = "checkin"
	CheckinWithHold   Event = "checkin-with-hold"
	CheckinInTransit  Event = "checkin-in-transit"
	DeclareLost       Event = "declared-lost"
	DeclareDamaged    Event = "declared-damaged"
	Pickup            Event = "pickup"
	PickupExpired     Event = "pickup-window-expired"
	PickupExpiredNext Event = "pickup-window-expired-next"
	Arrive            Event = "arrive"
	ArriveWithHold    Event = "arrive-with-hold"
	DeclareMissing    Event = "declared-missing"
	Withdraw          Event = "withdraw"
)

type edge struct {
	from  domain.ItemStatus
	event Event
}

var transitions = map[edge]domain.ItemStatus{
	{domain.ItemAvailable, Checkout}:                 domain.ItemCheckedOut,
	{domain.ItemAvailable, PlaceHoldPriority}:        domain.ItemAwaitingPickup,
	{domain.ItemCheckedOut, Checkin}:                 domain.ItemAvailable,
	{domain.ItemCheckedOut, CheckinWithHold}:         domain.ItemAwaitingPickup,
	{domain.ItemCheckedOut, CheckinInTransit}:        domain.ItemInTransit,
	{domain.ItemCheckedOut, DeclareLost}:             domain.ItemLost,
	{domain.ItemCheckedOut, DeclareDamaged}:          domain.ItemDamaged,
	{domain.ItemAwaitingPickup, Pickup}:              domain.ItemCheckedOut,
	{domain.ItemAwaitingPickup, PickupExpired}:       domain.ItemAvailable,
	{domain.ItemAwaitingPickup, PickupExpiredNext}:   domain.ItemAwaitingPickup,
	{domain.ItemInTransit, Arrive}:                   domain.ItemAvailable,
	{domain.ItemInTransit, ArriveWithHold}:           domain.ItemAwaitingPickup,
}

// Transition returns the status an item in from moves to on event, or
// ErrIllegalTransition. Declared-missing and withdraw apply from any status.
func Transition(from domain.ItemStatus, event Event) (domain.ItemStatus, error) {
	switch event {
	case DeclareMissing:
		return domain.ItemMissing, nil
	case Withdraw:
		return domain.ItemWithdrawn, nil
	}
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, apperr.ErrIllegalTransition.With("item status %s does not accept %s", from, event)
	}
	return to, nil
}

// Apply transitions item in place.
func Apply(item *domain.Item, event Event) error {
	to, err := Transition(item.Status, event)
	if err != nil {
		return err
	}
	item.Status = to
	return nil
}

// Updater persists an item.
type Updater interface {
	UpdateItem(ctx context.Context, item *domain.Item) error
}

// Move applies event to item and persists the new status.
func Move(ctx context.Context, repo Updater, item *domain.Item, event Event, at time.Time) error {
	if err := Apply(item, event); err != nil {
		return err
	}
	item.UpdatedAt = at
	if err := repo.UpdateItem(ctx, item); err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	return nil
}

// Holdable reports whether requests may be placed on an item in status s.
func Holdable(s domain.ItemStatus) bool {
	switch s {
	case domain.ItemWithdrawn, domain.ItemLost, domain.ItemMissing, domain.ItemDamaged:
		return false
	}
	return true
}
