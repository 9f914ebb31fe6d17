package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/cache"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/storage"
)

type fakeStream struct {
	mu  sync.Mutex
	got []models.LocationEvent
}

func (f *fakeStream) PublishLocation(_ context.Context, ev models.LocationEvent) error {
	f.mu.Lock()
	f.got = append(f.got, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) events() []models.LocationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LocationEvent(nil), f.got...)
}

type fixture struct {
	store  *storage.MemoryStore
	cache  *cache.Memory
	stream *fakeStream
	svc    *Service
	url    string
}

func ptr(v int64) *int64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		cache:  cache.NewMemory(),
		stream: &fakeStream{},
	}
	f.svc = &Service{Store: f.store, Hub: NewHub(), Cache: f.cache, Geo: geo.NewIndex(), Stream: f.stream}

	upgrader := websocket.Upgrader{}
	id := func(r *http.Request, name string) int64 {
		v, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
		return v
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws/courier/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			f.svc.ServeCourier(r.Context(), conn, id(r, "id"))
		}
	})
	r.HandleFunc("/ws/customer/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			f.svc.ServeCustomer(r.Context(), conn, id(r, "id"))
		}
	})
	r.HandleFunc("/ws/delivery/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			f.svc.ServeObserver(r.Context(), conn, id(r, "id"))
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")

	f.store.PutCourier(models.Courier{ID: 5, UserID: 50})
	f.store.PutCustomer(models.Customer{ID: 3, UserID: 30})
	f.store.PutOrder(models.Order{ID: 420, CustomerID: 3, Status: models.OrderAccepted})
	f.store.PutDelivery(models.Delivery{ID: 42, OrderID: 420, CourierID: ptr(5), Status: models.DeliveryAssigned})
	return f
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	msg := read(t, conn)
	require.Equal(t, TypeConnectionEstablished, msg["type"])
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestCourierLocationReachesDeliveryObservers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	observer := f.dial(t, "/ws/delivery/42")
	courier := f.dial(t, "/ws/courier/5")

	require.NoError(t, courier.WriteJSON(map[string]float64{"lat": 12.9, "lng": 77.6}))
	ack := read(t, courier)
	require.Equal(t, TypeLocationReceived, ack["type"])
	require.Equal(t, 12.9, ack["lat"])

	ev := read(t, observer)
	require.Equal(t, TypeLocationUpdate, ev["type"])
	require.Equal(t, 12.9, ev["lat"])
	require.Equal(t, 77.6, ev["lng"])
	require.NotEmpty(t, ev["timestamp"])

	rows, err := f.store.ListTracking(ctx, 42, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.Point{Lat: 12.9, Lng: 77.6}, rows[0].Location)

	var live models.LiveLocation
	ok, err := f.cache.Get(ctx, cache.CourierLocationKey(5), &live)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 12.9, live.Lat)
	require.False(t, live.Timestamp.IsZero())

	ok, _ = f.cache.Get(ctx, cache.CustomerLocationKey(3), &live)
	require.False(t, ok)

	events := f.stream.events()
	require.Len(t, events, 1)
	require.Equal(t, int64(42), *events[0].DeliveryID)
}

func TestCourierWithoutActiveDeliveryOnlyCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutCourier(models.Courier{ID: 6, IsAvailable: true})
	courier := f.dial(t, "/ws/courier/6")

	require.NoError(t, courier.WriteJSON(map[string]float64{"lat": 1.5, "lng": 2.5}))
	require.Equal(t, TypeLocationReceived, read(t, courier)["type"])

	rows, _ := f.store.ListTracking(ctx, 42, 0)
	require.Empty(t, rows)
	hits, _ := f.svc.Geo.Nearest(ctx, models.Point{Lat: 1.5, Lng: 2.5}, 1)
	require.Equal(t, int64(6), hits[0].CourierID)
	_, ok, _ := f.svc.LastCourierLocation(ctx, 6)
	require.True(t, ok)
}

func TestInvalidFramesReportErrorAndKeepConnection(t *testing.T) {
	f := newFixture(t)
	courier := f.dial(t, "/ws/courier/5")

	require.NoError(t, courier.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := read(t, courier)
	require.Equal(t, TypeError, msg["type"])
	require.Equal(t, ErrBadPayload.Error(), msg["message"])

	require.NoError(t, courier.WriteJSON(map[string]float64{"lat": 0, "lng": 77.6}))
	msg = read(t, courier)
	require.Equal(t, TypeError, msg["type"])
	require.Equal(t, ErrMissingCoords.Error(), msg["message"])

	require.NoError(t, courier.WriteJSON(map[string]float64{"lat": 12.9, "lng": 77.6}))
	require.Equal(t, TypeLocationReceived, read(t, courier)["type"])
}

func TestUnknownCourierGetsErrorEvent(t *testing.T) {
	f := newFixture(t)
	courier := f.dial(t, "/ws/courier/99")
	require.NoError(t, courier.WriteJSON(map[string]float64{"lat": 12.9, "lng": 77.6}))
	msg := read(t, courier)
	require.Equal(t, TypeError, msg["type"])
	require.Contains(t, msg["message"], "courier not found")
}

func TestCustomerLocationNotifiesCourierAndObservers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	courier := f.dial(t, "/ws/courier/5")
	observer := f.dial(t, "/ws/delivery/42")
	customer := f.dial(t, "/ws/customer/3")

	require.NoError(t, customer.WriteJSON(map[string]float64{"lat": 12.95, "lng": 77.65}))
	ack := read(t, customer)
	require.Equal(t, TypeLocationReceived, ack["type"])
	require.Equal(t, float64(42), ack["delivery_id"])
	require.Equal(t, true, ack["courier_notified"])

	for _, conn := range []*websocket.Conn{courier, observer} {
		ev := read(t, conn)
		require.Equal(t, TypeCustomerLocationUpdate, ev["type"])
		require.Equal(t, float64(3), ev["customer_id"])
	}

	ok, _ := f.cache.Get(ctx, cache.CustomerLocationKey(3), &models.LiveLocation{})
	require.True(t, ok)
}

func TestCustomerWithoutDeliveryIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.store.PutCustomer(models.Customer{ID: 4})
	customer := f.dial(t, "/ws/customer/4")

	require.NoError(t, customer.WriteJSON(map[string]float64{"lat": 1, "lng": 1}))
	ack := read(t, customer)
	require.Nil(t, ack["delivery_id"])
	require.Equal(t, false, ack["courier_notified"])
}

func TestObserverIsReadOnly(t *testing.T) {
	f := newFixture(t)
	observer := f.dial(t, "/ws/delivery/42")
	require.NoError(t, observer.WriteJSON(map[string]float64{"lat": 1, "lng": 1}))
	require.Equal(t, TypeInfo, read(t, observer)["type"])
}

func TestDisconnectLeavesGroups(t *testing.T) {
	f := newFixture(t)
	observer := f.dial(t, "/ws/delivery/42")
	require.Equal(t, 1, f.svc.Hub.Members(Delivery(42)))

	require.NoError(t, observer.Close())
	require.Eventually(t, func() bool { return f.svc.Hub.Members(Delivery(42)) == 0 }, 2*time.Second, 10*time.Millisecond)
}

type stuck struct{}

func (stuck) Deliver(any) bool { return false }

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) Deliver(any) bool {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return true
}

func TestHubPublishSkipsFullSubscribers(t *testing.T) {
	h := NewHub()
	c := &counter{}
	h.Join(Delivery(1), stuck{})
	h.Join(Delivery(1), c)
	h.Join(Delivery(2), &counter{})

	require.Equal(t, 1, h.Publish(Delivery(1), "x"))
	require.Equal(t, 1, c.n)

	h.Leave(Delivery(1), c)
	h.Leave(Delivery(1), c)
	require.Equal(t, 1, h.Members(Delivery(1)))

	h.BroadcastAdmin("nobody listening")
	require.Equal(t, "delivery_1", Delivery(1).String())
	require.Equal(t, "admin_notifications", Admin().String())
}

func TestParseLocation(t *testing.T) {
	p, err := parseLocation([]byte(`{"lat":12.9,"lng":77.6}`))
	require.NoError(t, err)
	require.Equal(t, models.Point{Lat: 12.9, Lng: 77.6}, p)

	_, err = parseLocation([]byte(`{"lat":12.9}`))
	require.ErrorIs(t, err, ErrMissingCoords)
	_, err = parseLocation([]byte(`{"lat":95,"lng":1}`))
	require.ErrorIs(t, err, ErrCoordsOutRange)
}

// claimingStore lets a matcher claim the courier between the location
// write and the geo update of the same frame.
type claimingStore struct {
	*storage.MemoryStore
	geo geo.Geo
}

func (s claimingStore) ActiveDeliveryForCourier(ctx context.Context, courierID int64) (*models.Delivery, error) {
	if ok, err := s.ClaimCourier(ctx, courierID); err != nil || !ok {
		return nil, err
	}
	if err := s.geo.SetAvailable(ctx, courierID, false); err != nil {
		return nil, err
	}
	return s.MemoryStore.ActiveDeliveryForCourier(ctx, courierID)
}

func TestCourierLocationDoesNotRevertConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	start := models.Point{Lat: 12.90, Lng: 77.60}
	store.PutCourier(models.Courier{ID: 7, UserID: 70, Location: &start, IsAvailable: true, IsApproved: true})
	require.NoError(t, idx.Upsert(ctx, 7, start, true))

	svc := &Service{Store: claimingStore{MemoryStore: store, geo: idx}, Hub: NewHub(), Cache: cache.NewMemory(), Geo: idx}
	_, err := svc.CourierLocation(ctx, 7, models.Point{Lat: 12.91, Lng: 77.60})
	require.NoError(t, err)

	c, err := store.GetCourier(ctx, 7)
	require.NoError(t, err)
	require.False(t, c.IsAvailable)

	hits, err := idx.Nearest(ctx, start, 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}
