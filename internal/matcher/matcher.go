package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/eta"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

var (
	ErrNotFound           = errors.New("delivery not found")
	ErrCourierNotFound    = errors.New("courier not found")
	ErrForbidden          = errors.New("you are not assigned to this delivery")
	ErrNoCourierAvailable = errors.New("no courier available")
	ErrNotAssignable      = errors.New("delivery is not awaiting a courier")
	ErrNoPickup           = errors.New("delivery has no pickup location")
	ErrInvalidStatus      = errors.New("invalid delivery status")
)

// errRaceLost means the candidate was claimed by a concurrent assignment.
var errRaceLost = errors.New("courier claimed concurrently")

const DefaultNearbyLimit = 10

type Options struct {
	// TopN is how many candidates one GeoStore query fetches.
	TopN int
	// MaxRounds bounds the re-queries after every candidate of a round was
	// lost to concurrent assignments.
	MaxRounds     int
	NearbyLimit   int
	CommissionPct float64
	ETA           *eta.Estimator
}

// Engine assigns couriers to deliveries and drives the courier-facing
// delivery workflow.
type Engine struct {
	store   storage.Store
	geo     geo.Geo
	machine delivery.Machine
	pub     *delivery.Publisher
	log     *zap.Logger
	opts    Options
	now     func() time.Time
}

func NewEngine(store storage.Store, g geo.Geo, pub *delivery.Publisher, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TopN <= 0 {
		opts.TopN = 8
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 3
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = DefaultNearbyLimit
	}
	if opts.ETA == nil {
		opts.ETA = &eta.Estimator{}
	}
	return &Engine{
		store:   store,
		geo:     g,
		machine: delivery.NewMachine(opts.CommissionPct),
		pub:     pub,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}
}

func assignable(d models.Delivery) bool {
	return (d.Status == models.DeliveryPending || d.Status == models.DeliveryDeclined) && d.CourierID == nil
}

func (e *Engine) getDelivery(ctx context.Context, tx storage.Store, id int64) (models.Delivery, error) {
	d, err := tx.GetDelivery(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return d, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return d, err
}

// AssignNearest gives the delivery to the nearest available courier. A
// candidate lost to a concurrent assignment is skipped silently; once no
// candidate is left the result is ErrNoCourierAvailable.
func (e *Engine) AssignNearest(ctx context.Context, deliveryID int64) (models.Delivery, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	d, err := e.getDelivery(ctx, e.store, deliveryID)
	if err != nil {
		return d, err
	}
	if !assignable(d) {
		return d, fmt.Errorf("%w: %d is %s", ErrNotAssignable, deliveryID, d.Status)
	}
	if d.Pickup == nil {
		return d, fmt.Errorf("%w: %d", ErrNoPickup, deliveryID)
	}

	tried := make(map[int64]bool)
	for round := 0; round < e.opts.MaxRounds; round++ {
		hits, err := e.geo.Nearest(ctx, *d.Pickup, e.opts.TopN+len(tried))
		if err != nil {
			return d, fmt.Errorf("nearest couriers: %w", err)
		}
		fresh := 0
		for _, h := range hits {
			if tried[h.CourierID] {
				continue
			}
			fresh++
			tried[h.CourierID] = true

			assigned, events, err := e.claim(ctx, deliveryID, h.CourierID)
			if errors.Is(err, errRaceLost) {
				observability.MatchRaceLost.Inc()
				// keep the index honest for the next query
				_ = e.geo.SetAvailable(ctx, h.CourierID, false)
				continue
			}
			if err != nil {
				return d, err
			}
			if err := e.geo.SetAvailable(ctx, h.CourierID, false); err != nil {
				e.log.Warn("geo availability update failed", zap.Int64("courier_id", h.CourierID), zap.Error(err))
			}
			e.pub.Publish(ctx, events...)
			observability.MatchesTotal.Inc()
			e.log.Info("courier assigned",
				zap.Int64("delivery_id", deliveryID),
				zap.Int64("courier_id", h.CourierID),
				zap.Float64("distance_m", h.DistanceMeters),
			)
			return assigned, nil
		}
		if fresh == 0 {
			break
		}
	}
	observability.MatchNoCourier.Inc()
	return d, ErrNoCourierAvailable
}

// claim runs the three-part assignment atomically: delivery, order mirror
// and courier availability.
func (e *Engine) claim(ctx context.Context, deliveryID, courierID int64) (models.Delivery, []delivery.Event, error) {
	var (
		d      models.Delivery
		events []delivery.Event
	)
	err := e.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		d, err = e.getDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if !assignable(d) {
			return fmt.Errorf("%w: %d is %s", ErrNotAssignable, deliveryID, d.Status)
		}
		won, err := tx.ClaimCourier(ctx, courierID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && !won) {
			return errRaceLost
		}
		if err != nil {
			return err
		}
		events, err = e.attach(ctx, tx, &d, courierID)
		return err
	})
	return d, events, err
}

// attach assigns the courier and mirrors it onto the order.
func (e *Engine) attach(ctx context.Context, tx storage.Store, d *models.Delivery, courierID int64) ([]delivery.Event, error) {
	d.CourierID = &courierID
	out, err := e.machine.Transition(ctx, tx, d, models.DeliveryAssigned)
	if err != nil {
		return nil, err
	}
	if err := tx.SetOrderCourier(ctx, d.OrderID, courierID); err != nil {
		return nil, fmt.Errorf("order %d: %w", d.OrderID, err)
	}
	order, err := tx.GetOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	ev, err := delivery.OrderUpdated(ctx, tx, order, delivery.EventOrderUpdate, e.now())
	if err != nil {
		return nil, err
	}
	return append(out.Events, ev), nil
}

// AssignManual is the staff override. It follows the same path as
// automatic assignment except that the courier does not need to be
// available; a previously assigned courier is released.
func (e *Engine) AssignManual(ctx context.Context, deliveryID, courierID int64) (models.Delivery, error) {
	var (
		d        models.Delivery
		events   []delivery.Event
		released *int64
	)
	err := e.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		if _, err := tx.GetCourier(ctx, courierID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrCourierNotFound, courierID)
			}
			return err
		}
		d, err = e.getDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if d.HasCourier(courierID) && d.Status == models.DeliveryAssigned {
			return nil
		}
		if d.Status == models.DeliveryAssigned && d.CourierID != nil {
			prev := *d.CourierID
			if err := tx.SetCourierAvailable(ctx, prev, true); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			released = &prev
			d.CourierID = nil
			d.Status = models.DeliveryPending
		}
		if !assignable(d) {
			return fmt.Errorf("%w: %d is %s", delivery.ErrInvalidTransition, deliveryID, d.Status)
		}
		if err := tx.SetCourierAvailable(ctx, courierID, false); err != nil {
			return err
		}
		events, err = e.attach(ctx, tx, &d, courierID)
		return err
	})
	if err != nil {
		return d, err
	}
	if released != nil {
		_ = e.geo.SetAvailable(ctx, *released, true)
	}
	_ = e.geo.SetAvailable(ctx, courierID, false)
	e.pub.Publish(ctx, events...)
	return d, nil
}

// Accept moves an assigned delivery to accepted for its own courier.
func (e *Engine) Accept(ctx context.Context, deliveryID, courierID int64) (models.Delivery, error) {
	return e.respond(ctx, deliveryID, courierID, models.DeliveryAccepted)
}

// Decline hands the delivery back: status declined, courier cleared. The
// courier stays unavailable and nothing re-matches automatically.
func (e *Engine) Decline(ctx context.Context, deliveryID, courierID int64) (models.Delivery, error) {
	return e.respond(ctx, deliveryID, courierID, models.DeliveryDeclined)
}

func (e *Engine) respond(ctx context.Context, deliveryID, courierID int64, to models.DeliveryStatus) (models.Delivery, error) {
	var d models.Delivery
	err := e.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		d, err = e.getDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if d.Status != models.DeliveryAssigned || !d.HasCourier(courierID) {
			return ErrForbidden
		}
		_, err = e.machine.Transition(ctx, tx, &d, to)
		return err
	})
	return d, err
}

// UpdateStatus is the generic progress setter. When courierID is non-nil
// the caller must be the delivery's courier. Assignment, acceptance and
// decline have their own operations and are rejected here.
func (e *Engine) UpdateStatus(ctx context.Context, deliveryID int64, to models.DeliveryStatus, courierID *int64) (models.Delivery, error) {
	if !to.Valid() {
		return models.Delivery{}, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	switch to {
	case models.DeliveryAssigned, models.DeliveryAccepted, models.DeliveryDeclined:
		return models.Delivery{}, fmt.Errorf("%w: use the %s operation", delivery.ErrInvalidTransition, to)
	}

	var (
		d   models.Delivery
		out delivery.Outcome
	)
	err := e.store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		d, err = e.getDelivery(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		if courierID != nil && d.Status != to && !d.HasCourier(*courierID) {
			return ErrForbidden
		}
		out, err = e.machine.Transition(ctx, tx, &d, to)
		return err
	})
	if err != nil {
		return d, err
	}
	if out.Released != nil {
		if err := e.geo.SetAvailable(ctx, *out.Released, true); err != nil {
			e.log.Warn("geo availability update failed", zap.Int64("courier_id", *out.Released), zap.Error(err))
		}
	}
	e.pub.Publish(ctx, out.Events...)
	return d, nil
}

// NearbyPending lists pending deliveries closest to p with an ETA from p
// to each pickup.
func (e *Engine) NearbyPending(ctx context.Context, p models.Point, limit int) ([]models.PendingDelivery, error) {
	if limit <= 0 {
		limit = e.opts.NearbyLimit
	}
	list, err := e.store.NearbyPending(ctx, p, limit)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Pickup != nil {
			list[i].ETASeconds = e.opts.ETA.Seconds(ctx, p, *list[i].Pickup)
		}
	}
	return list, nil
}
