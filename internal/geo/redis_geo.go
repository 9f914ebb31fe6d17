package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-dispatch/internal/models"
)

// earthRadiusKm covers every point from any origin.
const earthRadiusKm = 20040

// RedisGeo implements Geo using Redis GEO commands. Every known courier
// position lives in key; key+":available" is a second GEO set holding
// only available couriers, so Nearest never has to skip busy ones.
// The availability flag itself sits in a per-courier meta hash.
type RedisGeo struct {
	client    redis.UniversalClient
	key       string
	available string
	radiusKm  float64
}

// NewRedisGeo builds the store. radiusKm <= 0 searches the whole set; a
// positive value is an operational cutoff past which couriers are never
// offered.
func NewRedisGeo(client redis.UniversalClient, key string, radiusKm float64) *RedisGeo {
	if radiusKm <= 0 {
		radiusKm = earthRadiusKm
	}
	return &RedisGeo{client: client, key: key, available: key + ":available", radiusKm: radiusKm}
}

// KEYS: positions, available set, meta hash. ARGV: lng, lat, member,
// seed flag, updated.
var upsertScript = redis.NewScript(`
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[3])
redis.call('HSETNX', KEYS[3], 'available', ARGV[4])
redis.call('HSET', KEYS[3], 'updated', ARGV[5])
if redis.call('HGET', KEYS[3], 'available') == 'true' then
  redis.call('ZADD', KEYS[2], redis.call('ZSCORE', KEYS[1], ARGV[3]), ARGV[3])
else
  redis.call('ZREM', KEYS[2], ARGV[3])
end
return 1
`)

// KEYS as above. ARGV: member, flag. The GEO score is the geohash, so
// copying it moves the position into the available set unchanged.
var availabilityScript = redis.NewScript(`
redis.call('HSET', KEYS[3], 'available', ARGV[2])
if ARGV[2] == 'true' then
  local pos = redis.call('ZSCORE', KEYS[1], ARGV[1])
  if pos then
    redis.call('ZADD', KEYS[2], pos, ARGV[1])
  end
else
  redis.call('ZREM', KEYS[2], ARGV[1])
end
return 1
`)

func (r *RedisGeo) keys(courierID int64) []string {
	return []string{r.key, r.available, metaKey(courierID)}
}

func (r *RedisGeo) Upsert(ctx context.Context, courierID int64, p models.Point, available bool) error {
	return upsertScript.Run(ctx, r.client, r.keys(courierID),
		p.Lng, p.Lat, strconv.FormatInt(courierID, 10),
		strconv.FormatBool(available), time.Now().UTC().Format(time.RFC3339),
	).Err()
}

func (r *RedisGeo) SetAvailable(ctx context.Context, courierID int64, available bool) error {
	return availabilityScript.Run(ctx, r.client, r.keys(courierID),
		strconv.FormatInt(courierID, 10), strconv.FormatBool(available),
	).Err()
}

func (r *RedisGeo) Nearest(ctx context.Context, p models.Point, limit int) ([]models.CourierDistance, error) {
	count := 0
	if limit > 0 {
		count = limit + 1
	}
	for {
		q := &redis.GeoRadiusQuery{
			Radius:    r.radiusKm * 1000,
			Unit:      "m",
			WithCoord: true,
			WithDist:  true,
			Sort:      "ASC",
		}
		if count > 0 {
			q.Count = count
		}
		res, err := r.client.GeoRadius(ctx, r.available, p.Lng, p.Lat, q).Result()
		if err != nil {
			return nil, fmt.Errorf("georadius %s: %w", r.available, err)
		}
		// a tie at the cut could hide a lower id further out
		if count > 0 && len(res) == count && res[count-1].Dist == res[limit-1].Dist {
			count *= 2
			continue
		}

		out := make([]models.CourierDistance, 0, len(res))
		for _, g := range res {
			id, err := strconv.ParseInt(g.Name, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, models.CourierDistance{
				CourierID:      id,
				Location:       models.Point{Lat: g.Latitude, Lng: g.Longitude},
				DistanceMeters: g.Dist,
			})
		}
		SortByDistance(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}
}

func metaKey(id int64) string { return "courier:meta:" + strconv.FormatInt(id, 10) }
