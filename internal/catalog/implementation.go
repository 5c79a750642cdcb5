// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/itemstatus"
	"github.com/libranexus/circulation/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// service implements the Service interface.
type service struct {
	store  store.Store
	holds  *holds.Manager
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(st store.Store, hm *holds.Manager, clk clock.Clock, logger *slog.Logger) Service {
	return &service{
		store:  st,
		holds:  hm,
		clock:  clk,
		logger: logger.With("component", "catalog"),
		tracer: otel.Tracer("libranexus/catalog"),
	}
}

// AddItem registers a new item. Items start AVAILABLE unless the input
// places them ON_ORDER or IN_PROCESS.
func (s *service) AddItem(ctx context.Context, in AddItemInput) (*domain.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_item", trace.WithAttributes(attribute.String("tenant", string(in.Tenant))))
	defer span.End()

	in.Barcode = strings.TrimSpace(in.Barcode)
	if err := validate.Struct(in); err != nil {
		return nil, apperr.ErrInvalidInput.With("%v", err)
	}
	if in.Status == "" {
		in.Status = domain.ItemAvailable
	}

	now := s.clock.Now()
	item := &domain.Item{
		ID:           uuid.New(),
		TenantID:     in.Tenant,
		HoldingRef:   in.HoldingRef,
		Title:        in.Title,
		Barcode:      in.Barcode,
		MaterialType: in.MaterialType,
		Location:     in.Location,
		Status:       in.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetTenant(ctx, in.Tenant); err != nil {
			return err
		}
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.logger.InfoContext(ctx, "item added", "tenant", in.Tenant, "item_id", item.ID, "barcode", item.Barcode)
	return item, nil
}

// GetItem retrieves an item by its ID.
func (s *service) GetItem(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*domain.Item, error) {
	var item *domain.Item
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		item, err = tx.GetItem(ctx, tenant, id)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return item, nil
}

// GetItemByBarcode retrieves an item by its barcode.
func (s *service) GetItemByBarcode(ctx context.Context, tenant domain.TenantID, barcode string) (*domain.Item, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, apperr.ErrInvalidInput.With("barcode is required")
	}
	var item *domain.Item
	err := s.store.ReadOnly(ctx, func(tx store.Tx) (err error) {
		item, err = tx.GetItemByBarcode(ctx, tenant, barcode)
		return err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return item, nil
}

// MarkMissing records that the item cannot be found on the shelf.
func (s *service) MarkMissing(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*StatusChange, error) {
	return s.retire(ctx, tenant, id, itemstatus.DeclareMissing, "item missing")
}

// Withdraw removes the item from circulation.
func (s *service) Withdraw(ctx context.Context, tenant domain.TenantID, id uuid.UUID) (*StatusChange, error) {
	return s.retire(ctx, tenant, id, itemstatus.Withdraw, "item withdrawn")
}

// retire moves the item out of circulation and cancels every request that
// still claims it. Items on loan must be declared lost or damaged instead.
func (s *service) retire(ctx context.Context, tenant domain.TenantID, id uuid.UUID, event itemstatus.Event, reason string) (*StatusChange, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.retire", trace.WithAttributes(
		attribute.String("tenant", string(tenant)),
		attribute.String("item.id", id.String()),
		attribute.String("event", string(event)),
	))
	defer span.End()

	var out *StatusChange
	err := store.InTx(ctx, s.store, func(ctx context.Context, tx store.Tx) error {
		item, err := tx.LockItem(ctx, tenant, id)
		if err != nil {
			return err
		}
		loan, err := tx.ActiveLoanForItem(ctx, tenant, item.ID)
		switch {
		case errors.Is(err, apperr.ErrNoOpenLoan):
		case err != nil:
			return fmt.Errorf("failed to load active loan: %w", err)
		default:
			return apperr.ErrItemUnavailable.With("item %s is on loan %s", item.ID, loan.ID)
		}

		cancelled, err := s.holds.CancelAll(ctx, tx, item, reason)
		if err != nil {
			return err
		}
		if err := itemstatus.Move(ctx, tx, item, event, s.clock.Now()); err != nil {
			return err
		}
		out = &StatusChange{Item: item, CancelledRequests: cancelled}
		return nil
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.logger.InfoContext(ctx, "item retired", "tenant", tenant, "item_id", id,
		"status", out.Item.Status, "cancelled_requests", out.CancelledRequests)
	return out, nil
}
