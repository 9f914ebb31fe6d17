package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/cache"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

const DefaultLocationTTL = 10 * time.Minute

var (
	ErrCourierNotFound  = errors.New("courier not found")
	ErrCustomerNotFound = errors.New("customer not found")
)

// Store is the slice of storage the channels write to.
type Store interface {
	UpdateCourierLocation(ctx context.Context, id int64, p models.Point, at time.Time) (models.Courier, error)
	ActiveDeliveryForCourier(ctx context.Context, courierID int64) (*models.Delivery, error)
	AppendTracking(ctx context.Context, t *models.Tracking) error
	UpdateCustomerLocation(ctx context.Context, id int64, p models.Point, at time.Time) error
	ActiveDeliveryForCustomer(ctx context.Context, customerID int64) (*models.Delivery, error)
}

// LocationPublisher forwards accepted courier positions to the location
// stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// Service processes location frames and relays them through the Hub.
// Geo and Stream are optional.
type Service struct {
	Store       Store
	Hub         *Hub
	Cache       cache.Cache
	Geo         geo.Geo
	Stream      LocationPublisher
	LocationTTL time.Duration
	Log         *zap.Logger
	Now         func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) ttl() time.Duration {
	if s.LocationTTL <= 0 {
		return DefaultLocationTTL
	}
	return s.LocationTTL
}

// CourierLocation records a courier position. When the courier has an
// active delivery a tracking row is appended and observers of that
// delivery get a location_update. The returned delivery is that active
// delivery, if any.
func (s *Service) CourierLocation(ctx context.Context, courierID int64, p models.Point) (*models.Delivery, error) {
	now := s.now()
	c, err := s.Store.UpdateCourierLocation(ctx, courierID, p, now)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrCourierNotFound, courierID)
	}
	if err != nil {
		return nil, err
	}

	d, err := s.Store.ActiveDeliveryForCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if d != nil {
		row := &models.Tracking{DeliveryID: d.ID, CourierID: courierID, Location: p, LastUpdated: now}
		if err := s.Store.AppendTracking(ctx, row); err != nil {
			return nil, err
		}
		s.Hub.Publish(Delivery(d.ID), LocationUpdate{Type: TypeLocationUpdate, Lat: p.Lat, Lng: p.Lng, Timestamp: now})
	}

	log := s.logger()
	live := models.LiveLocation{Lat: p.Lat, Lng: p.Lng, Timestamp: now}
	if err := s.Cache.Set(ctx, cache.CourierLocationKey(courierID), live, s.ttl()); err != nil {
		log.Warn("cache courier location", zap.Int64("courier_id", courierID), zap.Error(err))
	}
	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, courierID, p, c.IsAvailable); err != nil {
			log.Warn("geo upsert", zap.Int64("courier_id", courierID), zap.Error(err))
		}
	}
	if s.Stream != nil {
		ev := models.LocationEvent{CourierID: courierID, Lat: p.Lat, Lng: p.Lng, Available: c.IsAvailable, At: now}
		if d != nil {
			ev.DeliveryID = &d.ID
		}
		if err := s.Stream.PublishLocation(ctx, ev); err != nil {
			log.Warn("publish location", zap.Int64("courier_id", courierID), zap.Error(err))
		}
	}
	return d, nil
}

// CustomerLocation records a customer position and, when their in-progress
// delivery has a courier, tells that courier and the delivery observers.
// It reports the delivery and whether a courier was notified.
func (s *Service) CustomerLocation(ctx context.Context, customerID int64, p models.Point) (*models.Delivery, bool, error) {
	now := s.now()
	err := s.Store.UpdateCustomerLocation(ctx, customerID, p, now)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: %d", ErrCustomerNotFound, customerID)
	}
	if err != nil {
		return nil, false, err
	}

	d, err := s.Store.ActiveDeliveryForCustomer(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	notified := false
	if d != nil && d.CourierID != nil {
		ev := CustomerLocationUpdate{Type: TypeCustomerLocationUpdate, CustomerID: customerID, Lat: p.Lat, Lng: p.Lng, Timestamp: now}
		s.Hub.Publish(Courier(*d.CourierID), ev)
		s.Hub.Publish(Delivery(d.ID), ev)
		notified = true
	}

	live := models.LiveLocation{Lat: p.Lat, Lng: p.Lng, Timestamp: now}
	if err := s.Cache.Set(ctx, cache.CustomerLocationKey(customerID), live, s.ttl()); err != nil {
		s.logger().Warn("cache customer location", zap.Int64("customer_id", customerID), zap.Error(err))
	}
	return d, notified, nil
}

// LastCourierLocation reads the cached live position.
func (s *Service) LastCourierLocation(ctx context.Context, courierID int64) (models.LiveLocation, bool, error) {
	var live models.LiveLocation
	ok, err := s.Cache.Get(ctx, cache.CourierLocationKey(courierID), &live)
	return live, ok, err
}

func countFrame(role string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.LocationUpdates.WithLabelValues(role, outcome).Inc()
}
