// internal/holds/manager.go
package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/itemstatus"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/store"
)

// PlaceInput describes a new request.
type PlaceInput struct {
	Tenant         domain.TenantID
	PatronID       uuid.UUID
	ItemID         uuid.UUID
	Type           domain.RequestType
	PickupLocation string
	Expiration     *time.Time
}

// Manager maintains per-item FIFO request queues. Every method runs inside
// the caller's transaction and serializes on the item row.
type Manager struct {
	resolver *policy.Resolver
	outbox   *outbox.Outbox
	clock    clock.Clock
	tracer   trace.Tracer
}

// NewManager creates a hold queue manager.
func NewManager(resolver *policy.Resolver, ob *outbox.Outbox, clk clock.Clock) *Manager {
	return &Manager{
		resolver: resolver,
		outbox:   ob,
		clock:    clk,
		tracer:   otel.Tracer("libranexus/holds"),
	}
}

// active lists the statuses of requests that still claim the item.
var active = []domain.RequestStatus{domain.RequestOpen, domain.RequestAwaitingPickup, domain.RequestInTransit}

// Place appends a request to the item's queue. An AVAILABLE item with no
// queue is held for the requester at once. A recall shortens the active loan
// when its policy carries a recall shortening.
func (m *Manager) Place(ctx context.Context, tx store.Tx, in PlaceInput) (*domain.Request, error) {
	ctx, span := m.tracer.Start(ctx, "holds.place", trace.WithAttributes(
		attribute.String("item.id", in.ItemID.String()),
		attribute.String("request.type", string(in.Type)),
	))
	defer span.End()

	if !in.Type.Valid() {
		return nil, apperr.ErrInvalidInput.With("unknown request type %q", in.Type)
	}
	patron, err := tx.GetPatron(ctx, in.Tenant, in.PatronID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if !patron.CanBorrow(now) {
		return nil, apperr.ErrPatronBlocked.With("patron %s is inactive or expired", patron.ID)
	}
	if in.Expiration != nil && !in.Expiration.After(now) {
		return nil, apperr.ErrInvalidInput.With("request expiration %s is in the past", in.Expiration.Format(time.RFC3339))
	}

	item, err := tx.LockItem(ctx, in.Tenant, in.ItemID)
	if err != nil {
		return nil, err
	}
	if !itemstatus.Holdable(item.Status) {
		return nil, apperr.ErrItemNotHoldable.With("item %s is %s", item.ID, item.Status)
	}

	claims, err := tx.RequestsForItem(ctx, in.Tenant, item.ID, active...)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	for _, r := range claims {
		if r.PatronID == patron.ID {
			return nil, apperr.ErrDuplicateHold.With("patron %s already has request %s on item %s", patron.ID, r.ID, item.ID)
		}
	}

	loan, err := tx.ActiveLoanForItem(ctx, in.Tenant, item.ID)
	switch {
	case errors.Is(err, apperr.ErrNoOpenLoan):
		loan = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load active loan: %w", err)
	case loan.PatronID == patron.ID:
		return nil, apperr.ErrItemNotHoldable.With("item %s is on loan to the requesting patron", item.ID)
	}

	pickup := in.PickupLocation
	if pickup == "" {
		pickup = item.Location
	}
	req := &domain.Request{
		ID:             uuid.New(),
		TenantID:       in.Tenant,
		PatronID:       patron.ID,
		ItemID:         item.ID,
		Type:           in.Type,
		RequestDate:    now,
		ExpirationDate: in.Expiration,
		PickupLocation: pickup,
		Status:         domain.RequestOpen,
		UpdatedAt:      now,
	}
	if err := tx.InsertRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to insert request: %w", err)
	}

	if item.Status == domain.ItemAvailable && len(claims) == 0 {
		elected, err := m.Elect(ctx, tx, item, "")
		if err != nil {
			return nil, err
		}
		if elected != nil {
			if err := itemstatus.Move(ctx, tx, item, itemstatus.PlaceHoldPriority, now); err != nil {
				return nil, err
			}
		}
	}

	if in.Type == domain.RequestRecall && loan != nil {
		if err := m.recall(ctx, tx, loan, item, req, now); err != nil {
			return nil, err
		}
	}

	return tx.GetRequest(ctx, in.Tenant, req.ID)
}

// recall applies the snapshot's recall shortening to the loan on behalf of
// req and notifies the borrower. Every recall shortens anew; the loan records
// the latest one.
func (m *Manager) recall(ctx context.Context, tx store.Tx, loan *domain.Loan, item *domain.Item, req *domain.Request, now time.Time) error {
	if shortening := loan.Policy.RecallShortening; !shortening.IsZero() {
		due := shortening.AddTo(now)
		if due.Before(loan.LoanDate) {
			due = loan.LoanDate
		}
		if due.Before(loan.DueDate) {
			loan.DueDate = due
		}
		id := req.ID
		loan.RecallShortenedBy = &id
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to shorten loan: %w", err)
		}
	}
	_, err := m.outbox.Append(ctx, tx, outbox.Message{
		Tenant:   loan.TenantID,
		PatronID: loan.PatronID,
		Kind:     domain.IntentRecallNotice,
		Priority: domain.PriorityHigh,
		Payload: outbox.RecallNotice{
			LoanID:    loan.ID,
			ItemID:    item.ID,
			Title:     item.Title,
			RequestID: req.ID,
			DueDate:   loan.DueDate,
		},
		Dedup: []string{req.ID.String()},
	})
	return err
}

// Elect promotes the first OPEN request of the item's queue. The request
// goes IN_TRANSIT when at is set and differs from its pickup location,
// otherwise AWAITING_PICKUP with a hold-shelf expiration. Elect returns nil
// when the queue is empty. The caller moves the item.
func (m *Manager) Elect(ctx context.Context, tx store.Tx, item *domain.Item, at string) (*domain.Request, error) {
	queue, err := tx.RequestsForItem(ctx, item.TenantID, item.ID, domain.RequestOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if len(queue) == 0 {
		return nil, nil
	}
	req := queue[0]
	if at != "" && req.PickupLocation != "" && at != req.PickupLocation {
		req.Status = domain.RequestInTransit
		req.Position = 0
		req.UpdatedAt = m.clock.Now()
		if err := tx.UpdateRequest(ctx, &req); err != nil {
			return nil, fmt.Errorf("failed to route request: %w", err)
		}
		return &req, nil
	}
	if err := m.awaitPickup(ctx, tx, item, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Arrive finishes a transit: the IN_TRANSIT request of the item becomes
// AWAITING_PICKUP, or the queue is elected anew.
func (m *Manager) Arrive(ctx context.Context, tx store.Tx, item *domain.Item) (*domain.Request, error) {
	routed, err := tx.RequestsForItem(ctx, item.TenantID, item.ID, domain.RequestInTransit)
	if err != nil {
		return nil, fmt.Errorf("failed to load routed requests: %w", err)
	}
	if len(routed) == 0 {
		return m.Elect(ctx, tx, item, "")
	}
	req := routed[0]
	if err := m.awaitPickup(ctx, tx, item, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (m *Manager) awaitPickup(ctx context.Context, tx store.Tx, item *domain.Item, req *domain.Request) error {
	period, err := m.shelfPeriod(ctx, tx, item, req.PatronID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	expires := period.AddTo(now)
	req.Status = domain.RequestAwaitingPickup
	req.HoldShelfExpiration = &expires
	req.Position = 0
	req.UpdatedAt = now
	if err := tx.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to elect request: %w", err)
	}
	_, err = m.outbox.Append(ctx, tx, outbox.Message{
		Tenant:   req.TenantID,
		PatronID: req.PatronID,
		Kind:     domain.IntentHoldAvailable,
		Priority: domain.PriorityHigh,
		Payload: outbox.HoldAvailable{
			RequestID:      req.ID,
			ItemID:         item.ID,
			Title:          item.Title,
			PickupLocation: req.PickupLocation,
			PickupBy:       expires,
		},
		Dedup: []string{req.ID.String()},
	})
	return err
}

// shelfPeriod resolves the pickup window for the holder. Without an
// applicable policy the default window applies.
func (m *Manager) shelfPeriod(ctx context.Context, tx store.Tx, item *domain.Item, patronID uuid.UUID) (domain.Period, error) {
	patron, err := tx.GetPatron(ctx, item.TenantID, patronID)
	if err != nil {
		return domain.Period{}, err
	}
	res, err := m.resolver.Resolve(ctx, tx, policy.Query{
		Tenant:       item.TenantID,
		PatronGroup:  patron.PatronGroup,
		MaterialType: item.MaterialType,
		Location:     item.Location,
		ItemStatus:   item.Status,
	})
	if errors.Is(err, apperr.ErrNoApplicablePolicy) {
		return domain.DefaultHoldShelfPeriod, nil
	}
	if err != nil {
		return domain.Period{}, err
	}
	if res.Loan.HoldShelfPeriod.IsZero() {
		return domain.DefaultHoldShelfPeriod, nil
	}
	return res.Loan.HoldShelfPeriod, nil
}

// Cancel closes a request. Cancelling the request an item is held for
// offers the item to the next in line.
func (m *Manager) Cancel(ctx context.Context, tx store.Tx, tenant domain.TenantID, requestID uuid.UUID, reason string) (*domain.Request, error) {
	req, err := tx.GetRequest(ctx, tenant, requestID)
	if err != nil {
		return nil, err
	}
	item, err := tx.LockItem(ctx, tenant, req.ItemID)
	if err != nil {
		return nil, err
	}
	if req, err = tx.GetRequest(ctx, tenant, requestID); err != nil {
		return nil, err
	}
	if req.Status.IsClosed() {
		return nil, apperr.ErrAlreadyClosed.With("request %s is %s", req.ID, req.Status)
	}

	wasHeld := req.Status == domain.RequestAwaitingPickup
	now := m.clock.Now()
	req.Status = domain.RequestCancelled
	req.CancellationReason = reason
	req.Position = 0
	req.UpdatedAt = now
	if err := tx.UpdateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to cancel request: %w", err)
	}
	if wasHeld && item.Status == domain.ItemAwaitingPickup {
		if err := m.reoffer(ctx, tx, item, now); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// reoffer elects the next holder for an item whose hold lapsed, or returns
// it to the shelf.
func (m *Manager) reoffer(ctx context.Context, tx store.Tx, item *domain.Item, now time.Time) error {
	next, err := m.Elect(ctx, tx, item, "")
	if err != nil {
		return err
	}
	event := itemstatus.PickupExpired
	if next != nil {
		event = itemstatus.PickupExpiredNext
	}
	return itemstatus.Move(ctx, tx, item, event, now)
}

// ExpirePickup expires a hold whose pickup window closed before asOf and
// re-elects. It reports false when the request no longer qualifies.
func (m *Manager) ExpirePickup(ctx context.Context, tx store.Tx, tenant domain.TenantID, requestID uuid.UUID, asOf time.Time) (bool, error) {
	req, err := tx.GetRequest(ctx, tenant, requestID)
	if err != nil {
		return false, err
	}
	item, err := tx.LockItem(ctx, tenant, req.ItemID)
	if err != nil {
		return false, err
	}
	if req, err = tx.GetRequest(ctx, tenant, requestID); err != nil {
		return false, err
	}
	if req.Status != domain.RequestAwaitingPickup || req.HoldShelfExpiration == nil || !req.HoldShelfExpiration.Before(asOf) {
		return false, nil
	}
	if err := m.expire(ctx, tx, item, req, "pickup window elapsed"); err != nil {
		return false, err
	}
	if item.Status == domain.ItemAwaitingPickup {
		if err := m.reoffer(ctx, tx, item, m.clock.Now()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ExpireRequest expires an OPEN request whose own expiration date passed
// before asOf. It reports false when the request no longer qualifies.
func (m *Manager) ExpireRequest(ctx context.Context, tx store.Tx, tenant domain.TenantID, requestID uuid.UUID, asOf time.Time) (bool, error) {
	req, err := tx.GetRequest(ctx, tenant, requestID)
	if err != nil {
		return false, err
	}
	item, err := tx.LockItem(ctx, tenant, req.ItemID)
	if err != nil {
		return false, err
	}
	if req, err = tx.GetRequest(ctx, tenant, requestID); err != nil {
		return false, err
	}
	if req.Status != domain.RequestOpen || req.ExpirationDate == nil || !req.ExpirationDate.Before(asOf) {
		return false, nil
	}
	return true, m.expire(ctx, tx, item, req, "request expired")
}

func (m *Manager) expire(ctx context.Context, tx store.Tx, item *domain.Item, req *domain.Request, reason string) error {
	req.Status = domain.RequestExpired
	req.Position = 0
	req.UpdatedAt = m.clock.Now()
	if err := tx.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to expire request: %w", err)
	}
	_, err := m.outbox.Append(ctx, tx, outbox.Message{
		Tenant:   req.TenantID,
		PatronID: req.PatronID,
		Kind:     domain.IntentHoldExpired,
		Payload: outbox.HoldExpired{
			RequestID: req.ID,
			ItemID:    item.ID,
			Title:     item.Title,
			Reason:    reason,
		},
		Dedup: []string{req.ID.String()},
	})
	return err
}

// CancelAll closes every active request on the item, used when the item
// leaves circulation.
func (m *Manager) CancelAll(ctx context.Context, tx store.Tx, item *domain.Item, reason string) (int, error) {
	claims, err := tx.RequestsForItem(ctx, item.TenantID, item.ID, active...)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue: %w", err)
	}
	now := m.clock.Now()
	for i := range claims {
		req := &claims[i]
		req.Status = domain.RequestCancelled
		req.CancellationReason = reason
		req.Position = 0
		req.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return i, fmt.Errorf("failed to cancel request %s: %w", req.ID, err)
		}
	}
	return len(claims), nil
}

// Queue returns the item's OPEN requests with their positions.
func (m *Manager) Queue(ctx context.Context, tx store.Tx, tenant domain.TenantID, itemID uuid.UUID) ([]domain.Request, error) {
	if _, err := tx.GetItem(ctx, tenant, itemID); err != nil {
		return nil, err
	}
	return tx.RequestsForItem(ctx, tenant, itemID, domain.RequestOpen)
}

// HeldFor returns the AWAITING_PICKUP request of the item when it belongs
// to patronID.
func HeldFor(ctx context.Context, tx store.Tx, item *domain.Item, patronID uuid.UUID) (*domain.Request, error) {
	held, err := tx.RequestsForItem(ctx, item.TenantID, item.ID, domain.RequestAwaitingPickup)
	if err != nil {
		return nil, fmt.Errorf("failed to load held request: %w", err)
	}
	for i := range held {
		if held[i].PatronID == patronID {
			return &held[i], nil
		}
	}
	return nil, nil
}
