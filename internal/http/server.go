package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/promotions"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
	"github.com/example/courier-dispatch/internal/tracking"
)

// Deps are the components the API fronts.
type Deps struct {
	Store     storage.Store
	Engine    *matcher.Engine
	Orders    *delivery.OrderService
	Tracking  *tracking.Service
	Scheduler *promotions.Scheduler
	Queue     tasks.Queue
	Auth      *auth.Verifier
}

type Server struct {
	Deps
	logger   *zap.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Deps:   d,
		logger: logger,
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the bearer token is the gate, not the origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	staff := []string{auth.RoleStaff}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Handle("/orders/{id:[0-9]+}/placed", s.authed(s.handleOrderPlaced, staff...)).Methods(http.MethodPost)
	api.Handle("/orders/{id:[0-9]+}/accept", s.authed(s.handleOrderAccept, auth.RoleRestaurant, auth.RoleStaff)).Methods(http.MethodPost)

	api.Handle("/deliveries/nearby", s.authed(s.handleNearby, auth.RoleCourier)).Methods(http.MethodGet)
	api.Handle("/deliveries/{id:[0-9]+}/assign", s.authed(s.handleAssign, auth.RoleStaff, auth.RoleRestaurant)).Methods(http.MethodPost)
	api.Handle("/deliveries/{id:[0-9]+}/auto-assign", s.authed(s.handleAutoAssign, staff...)).Methods(http.MethodPost)
	api.Handle("/deliveries/{id:[0-9]+}/accept", s.authed(s.handleAccept, auth.RoleCourier)).Methods(http.MethodPost)
	api.Handle("/deliveries/{id:[0-9]+}/decline", s.authed(s.handleDecline, auth.RoleCourier)).Methods(http.MethodPost)
	api.Handle("/deliveries/{id:[0-9]+}/status", s.authed(s.handleStatus, auth.RoleCourier, auth.RoleStaff)).Methods(http.MethodPatch)
	api.Handle("/deliveries/{id:[0-9]+}/tracking", s.authed(s.handleTracking)).Methods(http.MethodGet)

	api.Handle("/couriers/{id:[0-9]+}/location", s.authed(s.handleCourierLocation)).Methods(http.MethodGet)
	api.Handle("/earnings", s.authed(s.handleEarnings, auth.RoleCourier)).Methods(http.MethodGet)
	api.Handle("/earnings/summary", s.authed(s.handleEarningsSummary, auth.RoleCourier)).Methods(http.MethodGet)
	api.Handle("/promotions/{id:[0-9]+}/schedule", s.authed(s.handlePromotionSchedule, auth.RoleRestaurant, auth.RoleStaff)).Methods(http.MethodPost)

	s.mux.Handle("/ws/courier/{id:[0-9]+}", s.authed(s.handleCourierWS, auth.RoleCourier, auth.RoleStaff))
	s.mux.Handle("/ws/customer/{id:[0-9]+}", s.authed(s.handleCustomerWS, auth.RoleCustomer, auth.RoleStaff))
	s.mux.Handle("/ws/delivery/{id:[0-9]+}", s.authed(s.handleDeliveryWS))
	s.mux.Handle("/ws/admin", s.authed(s.handleAdminWS, staff...))

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
