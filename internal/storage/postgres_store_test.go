package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

// Runs against a real PostGIS database when TEST_PG_DSN is set.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.DB().ExecContext(ctx, `TRUNCATE users, restaurants RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func seedPostgres(t *testing.T, s *PostgresStore) {
	t.Helper()
	ctx := context.Background()
	for _, q := range []string{
		`INSERT INTO users (id, user_type) VALUES (1, 'courier'), (2, 'customer')`,
		`INSERT INTO couriers (id, user_id, name, is_available, is_approved, location)
			VALUES (1, 1, 'c1', TRUE, TRUE, ST_SetSRID(ST_MakePoint(0.01, 0), 4326)::geography)`,
		`INSERT INTO customers (id, user_id, name) VALUES (1, 2, 'alice')`,
		`INSERT INTO restaurants (id, name, location) VALUES (1, 'noodles', ST_SetSRID(ST_MakePoint(0, 0), 4326)::geography)`,
		`INSERT INTO orders (id, customer_id, restaurant_id, items_total) VALUES (1, 1, 1, 1000)`,
	} {
		_, err := s.DB().ExecContext(ctx, q)
		require.NoError(t, err)
	}
}

func TestPostgresAssignmentTxAndEarnings(t *testing.T) {
	s := newTestPostgres(t)
	seedPostgres(t, s)
	ctx := context.Background()

	d := &models.Delivery{OrderID: 1, Status: models.DeliveryPending, Pickup: &models.Point{}, Dropoff: &models.Point{Lat: 0.02}}
	require.NoError(t, s.CreateDelivery(ctx, d))

	hits, err := NewPostgresGeo(s.DB()).Nearest(ctx, models.Point{}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.InDelta(t, 1113, hits[0].DistanceMeters, 5)

	err = s.WithTx(ctx, func(tx Store) error {
		got, err := tx.GetDelivery(ctx, d.ID)
		if err != nil {
			return err
		}
		won, err := tx.ClaimCourier(ctx, 1)
		require.True(t, won)
		if err != nil {
			return err
		}
		now := time.Now()
		got.CourierID, got.Status, got.AssignedAt = &hits[0].CourierID, models.DeliveryAssigned, &now
		if err := tx.UpdateDelivery(ctx, got); err != nil {
			return err
		}
		return tx.SetOrderCourier(ctx, 1, 1)
	})
	require.NoError(t, err)

	c, err := s.GetCourier(ctx, 1)
	require.NoError(t, err)
	require.False(t, c.IsAvailable)
	o, err := s.GetOrder(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), *o.CourierID)
	require.Equal(t, "noodles", o.RestaurantName)

	ok, err := s.CreateEarnings(ctx, &models.Earnings{CourierID: 1, OrderID: 1, Amount: 800, CommissionRate: 20})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CreateEarnings(ctx, &models.Earnings{CourierID: 1, OrderID: 1, Amount: 800, CommissionRate: 20})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresGeoUpsertLeavesClaimedCourier(t *testing.T) {
	s := newTestPostgres(t)
	seedPostgres(t, s)
	ctx := context.Background()

	won, err := s.ClaimCourier(ctx, 1)
	require.NoError(t, err)
	require.True(t, won)

	g := NewPostgresGeo(s.DB())
	require.NoError(t, g.Upsert(ctx, 1, models.Point{Lat: 0, Lng: 0.02}, true))

	c, err := s.GetCourier(ctx, 1)
	require.NoError(t, err)
	require.False(t, c.IsAvailable)
	require.InDelta(t, 0.02, c.Location.Lng, 1e-6)
	hits, err := g.Nearest(ctx, models.Point{}, 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}
