package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
)

const (
	EventNewOrder    = "new_order"
	EventOrderUpdate = "order_update"
)

// Event is a domain event produced by a transition. Events are published
// after the transaction that produced them commits.
type Event interface{ event() }

// AdminOrderEvent is broadcast to staff whenever an order is saved.
type AdminOrderEvent struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id"`
	OrderID        int64  `json:"order_id"`
	Customer       string `json:"customer"`
	Restaurant     string `json:"restaurant"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	RedirectURL    string `json:"redirect_url"`
}

// CustomerNotice asks for a push to the order's customer.
type CustomerNotice struct {
	UserID  int64
	OrderID int64
	Title   string
}

func (AdminOrderEvent) event() {}
func (CustomerNotice) event()  {}

// OrderUpdated persists the notification record for an order save and
// returns the matching admin event.
func OrderUpdated(ctx context.Context, tx storage.Orders, o models.Order, typ string, now time.Time) (AdminOrderEvent, error) {
	var msg string
	if typ == EventNewOrder {
		msg = fmt.Sprintf("A new order has been placed by %s for %s.", o.CustomerName, o.RestaurantName)
	} else {
		msg = fmt.Sprintf("Order #%d status changed to: %s.", o.ID, strings.ToUpper(string(o.Status)))
	}
	n := models.Notification{
		ID:        uuid.NewString(),
		EventType: typ,
		Message:   msg,
		OrderID:   o.ID,
		CreatedAt: now,
	}
	if err := tx.CreateNotification(ctx, n); err != nil {
		return AdminOrderEvent{}, err
	}
	return AdminOrderEvent{
		Type:           typ,
		NotificationID: n.ID,
		OrderID:        o.ID,
		Customer:       o.CustomerName,
		Restaurant:     o.RestaurantName,
		Status:         string(o.Status),
		Message:        msg,
		RedirectURL:    fmt.Sprintf("/admin/orders/order/%d/change/", o.ID),
	}, nil
}

// AdminBroadcaster fans events out to connected staff.
type AdminBroadcaster interface {
	BroadcastAdmin(v any)
}

// Publisher routes committed events to their sinks. Failures are logged;
// the state change they describe has already happened.
type Publisher struct {
	admin AdminBroadcaster
	queue tasks.Queue
	log   *zap.Logger
}

func NewPublisher(admin AdminBroadcaster, queue tasks.Queue, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{admin: admin, queue: queue, log: log}
}

func (p *Publisher) Publish(ctx context.Context, events ...Event) {
	if p == nil {
		return
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case AdminOrderEvent:
			if p.admin != nil {
				p.admin.BroadcastAdmin(e)
			}
		case CustomerNotice:
			if p.queue == nil || e.UserID == 0 {
				continue
			}
			job, err := tasks.NewJob(tasks.NotifyUser, notify.UserArgs{
				UserID: e.UserID,
				Msg:    notify.OrderMessage(e.OrderID, e.Title),
			})
			if err == nil {
				err = p.queue.Enqueue(ctx, job)
			}
			if err != nil {
				p.log.Error("enqueue customer notice", zap.Int64("order_id", e.OrderID), zap.Error(err))
			}
		}
	}
}
