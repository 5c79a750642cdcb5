// internal/store/memory/memory_test.go
package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/apperr"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fixture"
	"github.com/libranexus/circulation/internal/store"
)

func TestGetRequestDerivesQueuePosition(t *testing.T) {
	// arrange
	seed := fixture.NewSeed(t)
	item := seed.Item(t, "I-1")
	var ids []uuid.UUID
	for i, name := range []string{"p1", "p2", "p3"} {
		req := &domain.Request{
			ID:          uuid.New(),
			TenantID:    fixture.Tenant,
			PatronID:    seed.Patron(t, name).ID,
			ItemID:      item.ID,
			Type:        domain.RequestHold,
			RequestDate: fixture.Day(1).Add(time.Duration(i) * time.Hour),
			Status:      domain.RequestOpen,
			UpdatedAt:   fixture.Day(1),
		}
		seed.Write(t, func(ctx context.Context, tx store.Tx) error { return tx.InsertRequest(ctx, req) })
		ids = append(ids, req.ID)
	}

	// act
	var third *domain.Request
	seed.Read(t, func(ctx context.Context, tx store.Tx) (err error) {
		third, err = tx.GetRequest(ctx, fixture.Tenant, ids[2])
		return err
	})

	// assert
	require.NotNil(t, third)
	assert.Equal(t, 3, third.Position)

	err := seed.Store.ReadOnly(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetRequest(context.Background(), "other", ids[0])
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
