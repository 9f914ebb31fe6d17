package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/auth"
)

// selfOrStaff requires the path id to match the actor's own profile.
func selfOrStaff(a auth.Actor, id int64) bool {
	switch x := a.(type) {
	case auth.Staff:
		return true
	case auth.Courier:
		return x.CourierID == id
	case auth.Customer:
		return x.CustomerID == id
	}
	return false
}

func (s *Server) handleCourierWS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !selfOrStaff(actor(r), id) {
		s.writeError(w, r, errNotOwner)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.Tracking.ServeCourier(r.Context(), conn, id)
}

func (s *Server) handleCustomerWS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !selfOrStaff(actor(r), id) {
		s.writeError(w, r, errNotOwner)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.Tracking.ServeCustomer(r.Context(), conn, id)
}

// canObserve allows staff, the delivery's courier and the order's customer.
func (s *Server) canObserve(ctx context.Context, a auth.Actor, deliveryID int64) error {
	d, err := s.Store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	switch x := a.(type) {
	case auth.Staff:
		return nil
	case auth.Courier:
		if d.HasCourier(x.CourierID) {
			return nil
		}
	case auth.Customer:
		o, err := s.Store.GetOrder(ctx, d.OrderID)
		if err != nil {
			return err
		}
		if o.CustomerID == x.CustomerID {
			return nil
		}
	}
	return errNotOwner
}

func (s *Server) handleDeliveryWS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err == nil {
		err = s.canObserve(r.Context(), actor(r), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.Tracking.ServeObserver(r.Context(), conn, id)
}

func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.Tracking.ServeAdmin(r.Context(), conn)
}
