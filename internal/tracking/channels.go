package tracking

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/observability"
)

// The Serve* methods own conn until the peer disconnects. Work triggered by
// a frame runs on a context detached from the request so a disconnect never
// interrupts a write already in progress.

func (s *Service) open(conn *websocket.Conn, role string, groups ...GroupID) *Session {
	sess := newSession(conn, s.Hub, s.logger().With(zap.String("role", role)))
	for _, g := range groups {
		sess.join(g)
	}
	return sess
}

func track(role string) func() {
	g := observability.WSConnections.WithLabelValues(role)
	g.Inc()
	return g.Dec
}

func (s *Service) ServeCourier(ctx context.Context, conn *websocket.Conn, courierID int64) {
	defer track("courier")()
	ctx = context.WithoutCancel(ctx)
	sess := s.open(conn, "courier", Courier(courierID))
	sess.Deliver(Notice{Type: TypeConnectionEstablished, Message: fmt.Sprintf("Connected to courier %d", courierID)})

	sess.serve(func(data []byte) {
		p, err := parseLocation(data)
		if err == nil {
			_, err = s.CourierLocation(ctx, courierID, p)
		}
		countFrame("courier", err)
		if err != nil {
			sess.Deliver(Notice{Type: TypeError, Message: err.Error()})
			return
		}
		sess.Deliver(LocationReceived{Type: TypeLocationReceived, Lat: p.Lat, Lng: p.Lng})
	})
}

func (s *Service) ServeCustomer(ctx context.Context, conn *websocket.Conn, customerID int64) {
	defer track("customer")()
	ctx = context.WithoutCancel(ctx)
	sess := s.open(conn, "customer", Customer(customerID))
	sess.Deliver(Notice{Type: TypeConnectionEstablished, Message: fmt.Sprintf("Connected as customer %d", customerID)})

	sess.serve(func(data []byte) {
		p, err := parseLocation(data)
		if err != nil {
			countFrame("customer", err)
			sess.Deliver(Notice{Type: TypeError, Message: err.Error()})
			return
		}
		d, notified, err := s.CustomerLocation(ctx, customerID, p)
		countFrame("customer", err)
		if err != nil {
			sess.Deliver(Notice{Type: TypeError, Message: err.Error()})
			return
		}
		ack := CustomerLocationReceived{Type: TypeLocationReceived, Lat: p.Lat, Lng: p.Lng, CourierNotified: notified}
		if d != nil {
			ack.DeliveryID = &d.ID
		}
		sess.Deliver(ack)
	})
}

// ServeObserver relays broadcasts for one delivery. It is read-only.
func (s *Service) ServeObserver(ctx context.Context, conn *websocket.Conn, deliveryID int64) {
	defer track("observer")()
	sess := s.open(conn, "observer", Delivery(deliveryID))
	sess.Deliver(Notice{Type: TypeConnectionEstablished, Message: fmt.Sprintf("Connected to delivery %d tracking", deliveryID)})

	sess.serve(func([]byte) {
		sess.Deliver(Notice{Type: TypeInfo, Message: "This WebSocket is for receiving tracking updates only."})
	})
}

// ServeAdmin streams order events to staff. Inbound frames are ignored.
func (s *Service) ServeAdmin(ctx context.Context, conn *websocket.Conn) {
	defer track("admin")()
	sess := s.open(conn, "admin", Admin())
	sess.Deliver(Notice{Type: TypeConnectionEstablished, Message: "Connected to admin notifications"})
	sess.serve(func([]byte) {})
}
