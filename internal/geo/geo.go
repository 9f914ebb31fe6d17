package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// Geo is the GeoStore capability the matcher ranks candidates with.
// Nearest returns available couriers ordered by ascending distance, ties
// broken by lowest courier id.
//
// Upsert moves a courier. Its available flag only seeds a courier the
// store has not seen; after that availability changes only through
// SetAvailable, whose callers hold the courier row.
type Geo interface {
	Nearest(ctx context.Context, p models.Point, limit int) ([]models.CourierDistance, error)
	Upsert(ctx context.Context, courierID int64, p models.Point, available bool) error
	SetAvailable(ctx context.Context, courierID int64, available bool) error
}

type entry struct {
	loc       models.Point
	available bool
	updated   time.Time
}

// Index is an in-memory Geo.
type Index struct {
	mu       sync.RWMutex
	couriers map[int64]entry
}

func NewIndex() *Index {
	return &Index{couriers: make(map[int64]entry)}
}

func (g *Index) Upsert(_ context.Context, courierID int64, p models.Point, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.couriers[courierID]; ok {
		available = e.available
	}
	g.couriers[courierID] = entry{loc: p, available: available, updated: time.Now()}
	return nil
}

func (g *Index) SetAvailable(_ context.Context, courierID int64, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.couriers[courierID]
	if !ok {
		return nil
	}
	e.available = available
	g.couriers[courierID] = e
	return nil
}

// naive scan; fine for tests and single-node dev
func (g *Index) Nearest(_ context.Context, p models.Point, limit int) ([]models.CourierDistance, error) {
	g.mu.RLock()
	arr := make([]models.CourierDistance, 0, len(g.couriers))
	for id, e := range g.couriers {
		if !e.available {
			continue
		}
		arr = append(arr, models.CourierDistance{
			CourierID:      id,
			Location:       e.loc,
			DistanceMeters: Haversine(p.Lat, p.Lng, e.loc.Lat, e.loc.Lng),
		})
	}
	g.mu.RUnlock()

	SortByDistance(arr)
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	return arr, nil
}

// SortByDistance orders hits by distance, then courier id.
func SortByDistance(hits []models.CourierDistance) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].CourierID < hits[j].CourierID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two points.
func Distance(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}
