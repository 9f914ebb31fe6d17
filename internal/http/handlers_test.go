package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/cache"
	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/promotions"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
	"github.com/example/courier-dispatch/internal/tracking"
)

const secret = "test-secret"

type fixture struct {
	store  *storage.MemoryStore
	queue  *tasks.MemoryQueue
	verify *auth.Verifier
	srv    *httptest.Server
}

func ptr(v int64) *int64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		queue:  tasks.NewMemoryQueue(time.Minute),
		verify: auth.NewVerifier(secret),
	}
	hub := tracking.NewHub()
	idx := geo.NewIndex()
	c := cache.NewMemory()
	pub := delivery.NewPublisher(hub, f.queue, nil)
	s := NewServer(Deps{
		Store:     f.store,
		Engine:    matcher.NewEngine(f.store, idx, pub, nil, matcher.Options{CommissionPct: 20}),
		Orders:    delivery.NewOrderService(f.store, f.queue, pub, nil),
		Tracking:  &tracking.Service{Store: f.store, Hub: hub, Cache: c, Geo: idx},
		Scheduler: promotions.NewScheduler(f.store, f.queue, c, nil),
		Queue:     f.queue,
		Auth:      f.verify,
	}, nil)
	f.srv = httptest.NewServer(s)
	t.Cleanup(f.srv.Close)

	pickup := models.Point{Lat: 12.97, Lng: 77.59}
	f.store.PutCourier(models.Courier{ID: 5, UserID: 50, IsApproved: true})
	f.store.PutCourier(models.Courier{ID: 6, UserID: 60, IsApproved: true})
	f.store.PutOrder(models.Order{ID: 420, CustomerID: 3, RestaurantID: 8, CustomerName: "alice", RestaurantName: "noodles",
		RestaurantPoint: &pickup, Status: models.OrderAccepted, ItemsTotal: 1500})
	f.store.PutDelivery(models.Delivery{ID: 42, OrderID: 420, CourierID: ptr(5), Status: models.DeliveryAssigned, Pickup: &pickup})
	return f
}

func (f *fixture) token(t *testing.T, a auth.Actor) string {
	t.Helper()
	tok, err := f.verify.Issue(a, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path string, a auth.Actor, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if a != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, a))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/deliveries/42/accept", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, body["error"])

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/deliveries/42/accept", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	require.Equal(t, http.StatusUnauthorized, raw.StatusCode)
}

func TestRoleGate(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/deliveries/42/accept", auth.Customer{User: 30, CustomerID: 3}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/deliveries/42/auto-assign", auth.Courier{User: 50, CourierID: 5}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAcceptByAssignedCourierOnly(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/deliveries/42/accept", auth.Courier{User: 60, CourierID: 6}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/deliveries/42/accept", auth.Courier{User: 50, CourierID: 5}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(models.DeliveryAccepted), body["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/deliveries/404/accept", auth.Courier{User: 50, CourierID: 5}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusUpdate(t *testing.T) {
	f := newFixture(t)
	courier := auth.Courier{User: 50, CourierID: 5}

	resp, _ := f.do(t, http.MethodPatch, "/api/v1/deliveries/42/status", courier, map[string]string{"status": "teleported"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPatch, "/api/v1/deliveries/42/status", courier, map[string]string{"status": "delivered"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := f.do(t, http.MethodPatch, "/api/v1/deliveries/42/status", auth.Staff{User: 1}, map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(models.DeliveryCancelled), body["status"])
}

func TestManualAssignOwnership(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/deliveries/42/assign", auth.Restaurant{User: 90, RestaurantID: 9}, map[string]int64{"courier_id": 6})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/deliveries/42/assign", auth.Restaurant{User: 80, RestaurantID: 8}, map[string]int64{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/deliveries/42/assign", auth.Restaurant{User: 80, RestaurantID: 8}, map[string]int64{"courier_id": 6})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(6), body["courier_id"])
}

func TestAutoAssignQueuesJob(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/deliveries/42/auto-assign", auth.Staff{User: 1}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "queued", body["status"])

	jobs := f.queue.Pending()
	require.Len(t, jobs, 1)
	require.Equal(t, tasks.AssignNearest, jobs[0].Name)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/deliveries/77/auto-assign", auth.Staff{User: 1}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNearbyRequiresCoordinates(t *testing.T) {
	f := newFixture(t)
	courier := auth.Courier{User: 50, CourierID: 5}
	pickup := models.Point{Lat: 12.98, Lng: 77.6}
	f.store.PutOrder(models.Order{ID: 500, Status: models.OrderAccepted})
	f.store.PutDelivery(models.Delivery{ID: 50, OrderID: 500, Status: models.DeliveryPending, Pickup: &pickup})

	resp, _ := f.do(t, http.MethodGet, "/api/v1/deliveries/nearby", courier, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/deliveries/nearby?lat=12.97&lng=77.59", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, courier))
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusOK, raw.StatusCode)

	var list []models.PendingDelivery
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&list))
	require.Len(t, list, 1)
	require.Equal(t, int64(50), list[0].ID)
}

func TestOrderAcceptOwnership(t *testing.T) {
	f := newFixture(t)
	pickup := models.Point{Lat: 1, Lng: 1}
	f.store.PutOrder(models.Order{ID: 600, RestaurantID: 8, RestaurantPoint: &pickup, Status: models.OrderPending})

	resp, _ := f.do(t, http.MethodPost, "/api/v1/orders/600/accept", auth.Restaurant{User: 90, RestaurantID: 9}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/orders/600/accept", auth.Restaurant{User: 80, RestaurantID: 8}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(models.DeliveryPending), body["status"])

	var names []string
	for _, j := range f.queue.Pending() {
		names = append(names, j.Name)
	}
	require.Contains(t, names, tasks.AssignNearest)
}

func TestCourierLocationNotFound(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/couriers/5/location", auth.Staff{User: 1}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "no recent location for courier", body["error"])
}

func TestAdminSocketReceivesOrderEvents(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/admin?token=" + f.token(t, auth.Staff{User: 1})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	read := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	require.Equal(t, tracking.TypeConnectionEstablished, read()["type"])

	resp, _ := f.do(t, http.MethodPost, "/api/v1/orders/420/placed", auth.Staff{User: 1}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ev := read()
	require.Equal(t, delivery.EventNewOrder, ev["type"])
	require.Equal(t, float64(420), ev["order_id"])
}

func TestCourierSocketRejectsOtherCourier(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/courier/5?token=" + f.token(t, auth.Courier{User: 60, CourierID: 6})
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeliverySocketLimitedToParticipants(t *testing.T) {
	f := newFixture(t)
	dial := func(path string, a auth.Actor) int {
		url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path + "?token=" + f.token(t, a)
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			conn.Close()
		}
		return resp.StatusCode
	}

	require.Equal(t, http.StatusSwitchingProtocols, dial("/ws/delivery/42", auth.Staff{User: 1}))
	require.Equal(t, http.StatusSwitchingProtocols, dial("/ws/delivery/42", auth.Courier{User: 50, CourierID: 5}))
	require.Equal(t, http.StatusSwitchingProtocols, dial("/ws/delivery/42", auth.Customer{User: 30, CustomerID: 3}))

	require.Equal(t, http.StatusForbidden, dial("/ws/delivery/42", auth.Courier{User: 60, CourierID: 6}))
	require.Equal(t, http.StatusForbidden, dial("/ws/delivery/42", auth.Customer{User: 40, CustomerID: 4}))
	require.Equal(t, http.StatusForbidden, dial("/ws/delivery/42", auth.Restaurant{User: 80, RestaurantID: 8}))
	require.Equal(t, http.StatusNotFound, dial("/ws/delivery/404", auth.Staff{User: 1}))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
