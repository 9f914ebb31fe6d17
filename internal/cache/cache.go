package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores JSON values under string keys with a TTL. Writes are
// last-writer-wins.
type Cache interface {
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	// Get decodes the value into dst and reports whether the key was present.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

func CourierLocationKey(id int64) string  { return "courier:" + strconv.FormatInt(id, 10) }
func CustomerLocationKey(id int64) string { return "customer:" + strconv.FormatInt(id, 10) }
func PromotionKey(id int64) string        { return "promotion_" + strconv.FormatInt(id, 10) }
func RestaurantPromotionsKey(id int64) string {
	return "restaurant_promotions_" + strconv.FormatInt(id, 10)
}
func MenuItemKey(id int64) string { return "menu_item_" + strconv.FormatInt(id, 10) }

type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis { return &Redis{client: client} }

func (r *Redis) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, b, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, dst)
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

type memItem struct {
	val     []byte
	expires time.Time
}

// Memory is a process-local Cache for tests and single-node runs.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

// WithClock swaps the time source; used by tests to expire entries.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	it := memItem{val: b}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	it, ok := m.items[key]
	if ok && !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(it.val, dst)
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}
