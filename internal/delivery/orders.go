package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
)

// AssignArgs are the delivery.assign_nearest job arguments.
type AssignArgs struct {
	DeliveryID int64 `json:"delivery_id"`
}

// AssignJob builds the nearest-courier job for a delivery. The key keeps
// at most one pending assignment per delivery.
func AssignJob(deliveryID int64) (tasks.Job, error) {
	j, err := tasks.NewJob(tasks.AssignNearest, AssignArgs{DeliveryID: deliveryID})
	if err != nil {
		return tasks.Job{}, err
	}
	return j.WithKey("assign_delivery_" + strconv.FormatInt(deliveryID, 10)), nil
}

// OrderService handles the order events that start a delivery.
type OrderService struct {
	store storage.Store
	queue tasks.Queue
	pub   *Publisher
	log   *zap.Logger
	now   func() time.Time
}

func NewOrderService(store storage.Store, queue tasks.Queue, pub *Publisher, log *zap.Logger) *OrderService {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderService{store: store, queue: queue, pub: pub, log: log, now: time.Now}
}

// Placed announces a freshly created order to staff.
func (s *OrderService) Placed(ctx context.Context, orderID int64) error {
	var ev AdminOrderEvent
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("order %d: %w", orderID, err)
		}
		ev, err = OrderUpdated(ctx, tx, o, EventNewOrder, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.pub.Publish(ctx, ev)
	return nil
}

// Accept marks the order accepted by the restaurant, opens its pending
// delivery and queues nearest-courier assignment. Accepting an already
// accepted order returns its existing delivery.
func (s *OrderService) Accept(ctx context.Context, orderID int64) (models.Delivery, error) {
	var (
		d      models.Delivery
		events []Event
	)
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("order %d: %w", orderID, err)
		}
		existing, err := tx.GetDeliveryByOrder(ctx, orderID)
		switch {
		case err == nil:
			d = existing
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if o.Status != models.OrderPending && o.Status != models.OrderAccepted {
			return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, orderID, o.Status)
		}
		if o.RestaurantPoint == nil {
			return fmt.Errorf("order %d: restaurant has no location", orderID)
		}

		if o.Status != models.OrderAccepted {
			if err := tx.SetOrderStatus(ctx, orderID, models.OrderAccepted); err != nil {
				return err
			}
			o.Status = models.OrderAccepted
			ev, err := OrderUpdated(ctx, tx, o, EventOrderUpdate, s.now())
			if err != nil {
				return err
			}
			events = append(events, ev, CustomerNotice{UserID: o.CustomerUserID, OrderID: o.ID, Title: "Accepted"})
		}

		d = models.Delivery{OrderID: orderID, Status: models.DeliveryPending, Pickup: o.RestaurantPoint, Dropoff: o.DeliveryPoint}
		return tx.CreateDelivery(ctx, &d)
	})
	if err != nil {
		return models.Delivery{}, err
	}
	s.pub.Publish(ctx, events...)

	if d.Status == models.DeliveryPending {
		job, err := AssignJob(d.ID)
		if err == nil {
			err = s.queue.Enqueue(ctx, job)
		}
		if err != nil {
			// the delivery stays pending for the auto-assign endpoint
			s.log.Error("enqueue assignment", zap.Int64("delivery_id", d.ID), zap.Error(err))
		}
	}
	return d, nil
}
