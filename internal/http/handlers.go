package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/models"
)

const defaultTrackingLimit = 50

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id", errBadRequest)
	}
	return id, nil
}

func actor(r *http.Request) auth.Actor {
	a, _ := auth.FromContext(r.Context())
	return a
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// ownsOrder lets staff through and requires restaurants to own the order.
func (s *Server) ownsOrder(ctx context.Context, a auth.Actor, orderID int64) error {
	rest, ok := a.(auth.Restaurant)
	if !ok {
		return nil
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.RestaurantID != rest.RestaurantID {
		return errNotOwner
	}
	return nil
}

func (s *Server) handleOrderPlaced(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err == nil {
		err = s.Orders.Placed(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrderAccept(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err == nil {
		err = s.ownsOrder(r.Context(), actor(r), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Orders.Accept(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lng are required", errBadRequest))
		return
	}
	list, err := s.Engine.NearbyPending(r.Context(), models.Point{Lat: lat, Lng: lng}, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type assignRequest struct {
	CourierID int64 `json:"courier_id"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req assignRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CourierID == 0 {
		s.writeError(w, r, fmt.Errorf("%w: courier_id is required", errBadRequest))
		return
	}
	d, err := s.Store.GetDelivery(r.Context(), id)
	if err == nil {
		err = s.ownsOrder(r.Context(), actor(r), d.OrderID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err = s.Engine.AssignManual(r.Context(), id, req.CourierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err == nil {
		_, err = s.Store.GetDelivery(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := delivery.AssignJob(id)
	if err == nil {
		err = s.Queue.Enqueue(r.Context(), job)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "delivery_id": id})
}

func (s *Server) courierAction(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, int64) (models.Delivery, error)) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c := actor(r).(auth.Courier)
	d, err := op(r.Context(), id, c.CourierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.courierAction(w, r, s.Engine.Accept)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.courierAction(w, r, s.Engine.Decline)
}

type statusRequest struct {
	Status models.DeliveryStatus `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var courierID *int64
	if c, ok := actor(r).(auth.Courier); ok {
		courierID = &c.CourierID
	}
	d, err := s.Engine.UpdateStatus(r.Context(), id, req.Status, courierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := defaultTrackingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	if _, err := s.Store.GetDelivery(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.Store.ListTracking(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCourierLocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	live, ok, err := s.Tracking.LastCourierLocation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no recent location for courier"})
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	c := actor(r).(auth.Courier)
	rows, err := s.Store.ListEarnings(r.Context(), c.CourierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleEarningsSummary(w http.ResponseWriter, r *http.Request) {
	c := actor(r).(auth.Courier)
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sum, err := s.Store.EarningsSummary(r.Context(), c.CourierID, dayStart)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handlePromotionSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.Store.GetPromotion(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rest, ok := actor(r).(auth.Restaurant); ok && rest.RestaurantID != p.RestaurantID {
		s.writeError(w, r, errNotOwner)
		return
	}
	if err := s.Scheduler.OnSave(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled", "promotion_id": id})
}
