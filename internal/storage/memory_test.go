package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutCourier(models.Courier{ID: 1, IsAvailable: true})
	s.PutOrder(models.Order{ID: 10})
	s.PutDelivery(models.Delivery{ID: 5, OrderID: 10, Status: models.DeliveryPending})

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Store) error {
		won, err := tx.ClaimCourier(ctx, 1)
		require.NoError(t, err)
		require.True(t, won)
		d, err := tx.GetDelivery(ctx, 5)
		require.NoError(t, err)
		d.Status = models.DeliveryAssigned
		require.NoError(t, tx.UpdateDelivery(ctx, d))
		require.NoError(t, tx.SetOrderCourier(ctx, 10, 1))
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, _ := s.GetCourier(ctx, 1)
	require.True(t, c.IsAvailable)
	d, _ := s.GetDelivery(ctx, 5)
	require.Equal(t, models.DeliveryPending, d.Status)
	o, _ := s.GetOrder(ctx, 10)
	require.Nil(t, o.CourierID)
}

func TestClaimCourierOnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutCourier(models.Courier{ID: 7, IsAvailable: true})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(ctx, func(tx Store) error {
				won, err := tx.ClaimCourier(ctx, 7)
				if err != nil {
					return err
				}
				if won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	_, err := s.ClaimCourier(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateEarningsUniquePerCourierAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &models.Earnings{CourierID: 1, OrderID: 2, Amount: 800}
	ok, err := s.CreateEarnings(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CreateEarnings(ctx, &models.Earnings{CourierID: 1, OrderID: 2, Amount: 800})
	require.NoError(t, err)
	require.False(t, ok)

	rows, err := s.ListEarnings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestEarningsSummarySplitsToday(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	_, _ = s.CreateEarnings(ctx, &models.Earnings{CourierID: 1, OrderID: 1, Amount: 500, CreatedAt: dayStart.Add(-time.Hour)})
	_, _ = s.CreateEarnings(ctx, &models.Earnings{CourierID: 1, OrderID: 2, Amount: 300, CreatedAt: dayStart.Add(time.Minute)})
	_, _ = s.CreateEarnings(ctx, &models.Earnings{CourierID: 2, OrderID: 3, Amount: 900, CreatedAt: dayStart.Add(time.Minute)})

	sum, err := s.EarningsSummary(ctx, 1, dayStart)
	require.NoError(t, err)
	require.Equal(t, models.EarningsSummary{Total: 800, Today: 300}, sum)
}

func TestNearbyPendingReturnsTenNearestOfFifteen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	// inserted farthest first so ordering cannot come from insertion order
	for i := 15; i >= 1; i-- {
		s.PutDelivery(models.Delivery{
			ID:      int64(i),
			OrderID: int64(100 + i),
			Status:  models.DeliveryPending,
			Pickup:  &models.Point{Lat: 0, Lng: float64(i) * 0.01},
		})
	}
	s.PutDelivery(models.Delivery{ID: 99, OrderID: 999, Status: models.DeliveryAssigned, Pickup: &models.Point{}})

	got, err := s.NearbyPending(ctx, models.Point{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, d := range got {
		require.Equal(t, int64(i+1), d.ID)
		if i > 0 {
			require.GreaterOrEqual(t, d.DistanceMeters, got[i-1].DistanceMeters)
		}
	}
}

func TestActiveDeliveryForCustomerFollowsOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	courier := int64(3)
	s.PutOrder(models.Order{ID: 1, CustomerID: 20})
	s.PutOrder(models.Order{ID: 2, CustomerID: 21})
	s.PutDelivery(models.Delivery{ID: 1, OrderID: 1, Status: models.DeliveryDelivered})
	s.PutDelivery(models.Delivery{ID: 2, OrderID: 2, Status: models.DeliveryAccepted, CourierID: &courier})

	d, err := s.ActiveDeliveryForCustomer(ctx, 20)
	require.NoError(t, err)
	require.Nil(t, d)

	d, err = s.ActiveDeliveryForCustomer(ctx, 21)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, int64(2), d.ID)

	d, err = s.ActiveDeliveryForCourier(ctx, courier)
	require.NoError(t, err)
	require.Equal(t, int64(2), d.ID)
}

func TestListTrackingNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendTracking(ctx, &models.Tracking{
			DeliveryID:  42,
			CourierID:   7,
			Location:    models.Point{Lat: float64(i), Lng: 1},
			LastUpdated: base.Add(time.Duration(i) * time.Second),
		}))
	}
	rows, err := s.ListTracking(ctx, 42, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 2.0, rows[0].Location.Lat)
	require.Equal(t, 1.0, rows[1].Location.Lat)
}

func TestSetPromotionActiveIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutPromotion(models.Promotion{ID: 1, IsActive: false})

	flipped, err := s.SetPromotionActive(ctx, 1, true)
	require.NoError(t, err)
	require.True(t, flipped)

	flipped, err = s.SetPromotionActive(ctx, 1, true)
	require.NoError(t, err)
	require.False(t, flipped)
}

func TestDeviceTokensSkipsDeactivated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutCustomerUser(1, "a", "b")
	s.PutCustomerUser(2, "c")

	require.NoError(t, s.DeactivateDeviceTokens(ctx, []string{"b"}))
	toks, err := s.DeviceTokens(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, toks)
	require.False(t, s.TokenActive("b"))
}
