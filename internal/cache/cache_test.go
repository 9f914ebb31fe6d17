package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
)

func TestRedisSetGetExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	c := NewRedis(rc)
	ctx := context.Background()

	loc := models.LiveLocation{Lat: 1.5, Lng: 2.5, Timestamp: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, c.Set(ctx, CourierLocationKey(7), loc, 10*time.Minute))
	require.Equal(t, 10*time.Minute, mr.TTL("courier:7"))

	var got models.LiveLocation
	ok, err := c.Get(ctx, "courier:7", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, loc, got)

	mr.FastForward(11 * time.Minute)
	ok, err = c.Get(ctx, "courier:7", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	c := NewRedis(rc)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, PromotionKey(1), "x", time.Hour))
	require.NoError(t, c.Set(ctx, MenuItemKey(4), "y", time.Hour))
	require.NoError(t, c.Delete(ctx, PromotionKey(1), MenuItemKey(4), "missing"))
	require.False(t, mr.Exists("promotion_1"))
	require.False(t, mr.Exists("menu_item_4"))
}

func TestMemoryExpiresWithClock(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, CustomerLocationKey(3), models.LiveLocation{Lat: 1}, time.Minute))
	var got models.LiveLocation
	ok, err := c.Get(ctx, "customer:3", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1.0, got.Lat)

	now = now.Add(time.Minute)
	ok, err = c.Get(ctx, "customer:3", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyFormats(t *testing.T) {
	require.Equal(t, "restaurant_promotions_9", RestaurantPromotionsKey(9))
	require.Equal(t, "promotion_2", PromotionKey(2))
}
