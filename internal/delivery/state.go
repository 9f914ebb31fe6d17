package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[models.DeliveryStatus][]models.DeliveryStatus{
	models.DeliveryPending:  {models.DeliveryAssigned, models.DeliveryCancelled},
	models.DeliveryAssigned: {models.DeliveryAccepted, models.DeliveryDeclined, models.DeliveryCancelled},
	models.DeliveryDeclined: {models.DeliveryAssigned, models.DeliveryCancelled},
	models.DeliveryAccepted: {models.DeliveryPickedUp, models.DeliveryCancelled},
	models.DeliveryPickedUp: {models.DeliveryDelivered, models.DeliveryCancelled},
}

// CanTransition reports whether from->to is a legal move. Delivered and
// cancelled have no exits.
func CanTransition(from, to models.DeliveryStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func Terminal(s models.DeliveryStatus) bool {
	return s == models.DeliveryDelivered || s == models.DeliveryCancelled
}

// DefaultCommissionPct is the platform cut of the items total.
const DefaultCommissionPct = 20.0

// CourierShare is the courier payout for an order total in cents.
func CourierShare(itemsTotal int64, commissionPct float64) int64 {
	return int64(math.Round(float64(itemsTotal) * (100 - commissionPct) / 100))
}

// Machine applies delivery transitions and their side effects inside a
// caller-owned transaction.
type Machine struct {
	CommissionPct float64
	Now           func() time.Time
}

func NewMachine(commissionPct float64) Machine {
	if commissionPct <= 0 || commissionPct >= 100 {
		commissionPct = DefaultCommissionPct
	}
	return Machine{CommissionPct: commissionPct, Now: time.Now}
}

// Outcome is what a transition did besides changing the status.
type Outcome struct {
	Changed bool
	// Released is the courier made available again, if any.
	Released *int64
	Events   []Event
}

// Transition moves d to the target status. For assigned the caller sets
// d.CourierID beforehand. Same-status moves are no-ops. On delivered or
// cancelled the courier is released and detached from both the delivery
// and the order; a decline only detaches. On delivered the earnings row
// is created once and the order is marked delivered.
func (m Machine) Transition(ctx context.Context, tx storage.Store, d *models.Delivery, to models.DeliveryStatus) (Outcome, error) {
	var out Outcome
	if d.Status == to {
		return out, nil
	}
	if !CanTransition(d.Status, to) {
		return out, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	now := m.Now()

	switch to {
	case models.DeliveryAssigned:
		if d.CourierID == nil {
			return out, fmt.Errorf("%w: assigned without courier", ErrInvalidTransition)
		}
		d.AssignedAt = &now
	case models.DeliveryDeclined:
		if d.CourierID != nil {
			if err := detachOrder(ctx, tx, d.OrderID); err != nil {
				return out, err
			}
		}
		d.CourierID = nil
	case models.DeliveryDelivered, models.DeliveryCancelled:
		if d.CourierID != nil {
			courier := *d.CourierID
			if err := tx.SetCourierAvailable(ctx, courier, true); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return out, err
			}
			out.Released = &courier
			if to == models.DeliveryDelivered {
				evs, err := m.settle(ctx, tx, d.OrderID, courier, now)
				if err != nil {
					return out, err
				}
				out.Events = append(out.Events, evs...)
			}
			if err := detachOrder(ctx, tx, d.OrderID); err != nil {
				return out, err
			}
			d.CourierID = nil
		}
	}

	d.Status = to
	if err := tx.UpdateDelivery(ctx, *d); err != nil {
		return out, err
	}
	out.Changed = true
	observability.DeliveryTransitions.WithLabelValues(string(to)).Inc()
	if out.Released != nil {
		observability.CouriersReleased.Inc()
	}
	return out, nil
}

// detachOrder clears the courier mirrored onto the order.
func detachOrder(ctx context.Context, tx storage.Store, orderID int64) error {
	if err := tx.ClearOrderCourier(ctx, orderID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("order %d: %w", orderID, err)
	}
	return nil
}

// settle records the courier payout and marks the order delivered.
func (m Machine) settle(ctx context.Context, tx storage.Store, orderID, courierID int64, now time.Time) ([]Event, error) {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, err)
	}
	e := &models.Earnings{
		CourierID:      courierID,
		OrderID:        orderID,
		Amount:         CourierShare(order.ItemsTotal, m.CommissionPct),
		CommissionRate: m.CommissionPct,
		CreatedAt:      now,
	}
	inserted, err := tx.CreateEarnings(ctx, e)
	if err != nil {
		return nil, err
	}
	if inserted {
		if err := tx.CreditCourier(ctx, courierID, e.Amount); err != nil {
			return nil, err
		}
	}

	if order.Status == models.OrderDelivered {
		return nil, nil
	}
	if err := tx.SetOrderStatus(ctx, orderID, models.OrderDelivered); err != nil {
		return nil, err
	}
	order.Status = models.OrderDelivered
	admin, err := OrderUpdated(ctx, tx, order, EventOrderUpdate, now)
	if err != nil {
		return nil, err
	}
	return []Event{admin, CustomerNotice{UserID: order.CustomerUserID, OrderID: order.ID, Title: "Delivered"}}, nil
}
