// internal/catalog/catalog_test.go
package catalog

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/holds"
	"github.com/libranexus/circulation/internal/outbox"
	"github.com/libranexus/circulation/internal/policy"
	"github.com/libranexus/circulation/internal/store"
)

func newTestService(seed *fixture.Seed) (Service, *holds.Manager) {
	ob := outbox.New(seed.Clock)
	hm := holds.NewManager(policy.NewResolver(16, time.Minute), ob, seed.Clock)
	return NewService(seed.Store, hm, seed.Clock, slog.New(slog.NewTextHandler(io.Discard, nil))), hm
}

func validInput(barcode string) AddItemInput {
	return AddItemInput{
		Tenant:       fixture.Tenant,
		HoldingRef:   "h-" + barcode,
		Title:        "A Title",
		Barcode:      barcode,
		MaterialType: "book",
		Location:     "main",
	}
}

func TestAddItem(t *testing.T) {
	seed := fixture.NewSeed(t)
	svc, _ := newTestService(seed)
	ctx := context.Background()

	item, err := svc.AddItem(ctx, validInput("B-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ItemAvailable, item.Status)

	found, err := svc.GetItemByBarcode(ctx, fixture.Tenant, " B-1 ")
	require.NoError(t, err)
	assert.Equal(t, item.ID, found.ID)

	onOrder := validInput("B-2")
	onOrder.Status = domain.ItemOnOrder
	item, err = svc.AddItem(ctx, onOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemOnOrder, item.Status)

	_, err = svc.AddItem(ctx, validInput("B-1"))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	checkedOut := validInput("B-3")
	checkedOut.Status = domain.ItemCheckedOut
	_, err = svc.AddItem(ctx, checkedOut)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	missingTitle := validInput("B-4")
	missingTitle.Title = ""
	_, err = svc.AddItem(ctx, missingTitle)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	unknownTenant := validInput("B-5")
	unknownTenant.Tenant = "nope"
	_, err = svc.AddItem(ctx, unknownTenant)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestWithdrawCancelsRequests(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	svc, hm := newTestService(seed)
	item := seed.Item(t, "I-1")
	a := seed.Patron(t, "a")
	b := seed.Patron(t, "b")
	for _, p := range []*domain.Patron{a, b} {
		seed.Write(t, func(ctx context.Context, tx store.Tx) error {
			_, err := hm.Place(ctx, tx, holds.PlaceInput{Tenant: fixture.Tenant, PatronID: p.ID, ItemID: item.ID, Type: domain.RequestHold})
			return err
		})
	}
	require.Equal(t, domain.ItemAwaitingPickup, seed.GetItem(t, item.ID).Status)

	// act
	out, err := svc.Withdraw(context.Background(), fixture.Tenant, item.ID)

	// assert
	require.NoError(t, err)
	assert.Equal(t, 2, out.CancelledRequests)
	assert.Equal(t, domain.ItemWithdrawn, out.Item.Status)
	assert.Empty(t, seed.Queue(t, item.ID))
	seed.AssertInvariants(t)

	seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		_, err := hm.Place(ctx, tx, holds.PlaceInput{Tenant: fixture.Tenant, PatronID: a.ID, ItemID: item.ID, Type: domain.RequestHold})
		assert.ErrorIs(t, err, apperr.ErrItemNotHoldable)
		return nil
	})
}

func TestRetireRejectsItemOnLoan(t *testing.T) {
	seed := fixture.NewSeed(t)
	svc, _ := newTestService(seed)
	item := seed.Item(t, "I-1")
	patron := seed.Patron(t, "p")
	seed.Write(t, func(ctx context.Context, tx store.Tx) error {
		item.Status = domain.ItemCheckedOut
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		return tx.InsertLoan(ctx, &domain.Loan{
			ID:        uuid.New(),
			TenantID:  fixture.Tenant,
			PatronID:  patron.ID,
			ItemID:    item.ID,
			LoanDate:  fixture.Epoch,
			DueDate:   fixture.Day(15),
			Status:    domain.LoanOpen,
			UpdatedAt: fixture.Epoch,
		})
	})

	_, err := svc.MarkMissing(context.Background(), fixture.Tenant, item.ID)
	assert.ErrorIs(t, err, apperr.ErrItemUnavailable)
	assert.Equal(t, domain.ItemCheckedOut, seed.GetItem(t, item.ID).Status)
}

func TestHTTPItems(t *testing.T) {
	seed := fixture.NewSeed(t)
	svc, _ := newTestService(seed)
	r := chi.NewRouter()
	r.Route("/tenants/{tenant}", NewHandler(svc).Register)

	body := `{"holding_ref":"h","title":"T","barcode":"B-9","material_type":"book","effective_location":"main"}`
	req := httptest.NewRequest(http.MethodPost, "/tenants/T1/items", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/T1/items?barcode=B-9", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenants/T1/items?barcode=none", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tenants/T1/items/xyz/missing", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
