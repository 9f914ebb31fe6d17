package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

type memState struct {
	mu sync.Mutex

	seq           int64
	deliveries    map[int64]models.Delivery
	tracking      []models.Tracking
	couriers      map[int64]models.Courier
	customers     map[int64]models.Customer
	orders        map[int64]models.Order
	earnings      []models.Earnings
	promotions    map[int64]models.Promotion
	menuItems     map[int64][]int64
	customerUsers []int64
	tokens        map[string]deviceToken
	notifications []models.Notification
}

type deviceToken struct {
	userID int64
	active bool
}

// MemoryStore is a Store kept in process memory. Transactions hold the
// store lock for their whole duration and restore a snapshot on error.
type MemoryStore struct {
	st   *memState
	inTx bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		deliveries: make(map[int64]models.Delivery),
		couriers:   make(map[int64]models.Courier),
		customers:  make(map[int64]models.Customer),
		orders:     make(map[int64]models.Order),
		promotions: make(map[int64]models.Promotion),
		menuItems:  make(map[int64][]int64),
		tokens:     make(map[string]deviceToken),
	}}
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.st.mu.Lock()
	return m.st.mu.Unlock
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	snap := m.st.snapshot()
	if err := fn(&MemoryStore{st: m.st, inTx: true}); err != nil {
		m.st.restore(snap)
		return err
	}
	return nil
}

func (s *memState) snapshot() *memState {
	cp := &memState{
		seq:           s.seq,
		deliveries:    make(map[int64]models.Delivery, len(s.deliveries)),
		tracking:      append([]models.Tracking(nil), s.tracking...),
		couriers:      make(map[int64]models.Courier, len(s.couriers)),
		customers:     make(map[int64]models.Customer, len(s.customers)),
		orders:        make(map[int64]models.Order, len(s.orders)),
		earnings:      append([]models.Earnings(nil), s.earnings...),
		promotions:    make(map[int64]models.Promotion, len(s.promotions)),
		menuItems:     s.menuItems,
		customerUsers: s.customerUsers,
		tokens:        make(map[string]deviceToken, len(s.tokens)),
		notifications: append([]models.Notification(nil), s.notifications...),
	}
	for k, v := range s.deliveries {
		cp.deliveries[k] = v.Clone()
	}
	for k, v := range s.couriers {
		cp.couriers[k] = v
	}
	for k, v := range s.customers {
		cp.customers[k] = v
	}
	for k, v := range s.orders {
		cp.orders[k] = v
	}
	for k, v := range s.promotions {
		cp.promotions[k] = v
	}
	for k, v := range s.tokens {
		cp.tokens[k] = v
	}
	return cp
}

func (s *memState) restore(cp *memState) {
	s.seq = cp.seq
	s.deliveries = cp.deliveries
	s.tracking = cp.tracking
	s.couriers = cp.couriers
	s.customers = cp.customers
	s.orders = cp.orders
	s.earnings = cp.earnings
	s.promotions = cp.promotions
	s.tokens = cp.tokens
	s.notifications = cp.notifications
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

// Seeding helpers used by tests and the local dev server.

func (m *MemoryStore) PutCourier(c models.Courier) {
	defer m.lock()()
	m.st.couriers[c.ID] = c
}

func (m *MemoryStore) PutCustomer(c models.Customer) {
	defer m.lock()()
	m.st.customers[c.ID] = c
}

func (m *MemoryStore) PutOrder(o models.Order) {
	defer m.lock()()
	m.st.orders[o.ID] = o
}

func (m *MemoryStore) PutDelivery(d models.Delivery) {
	defer m.lock()()
	if d.ID > m.st.seq {
		m.st.seq = d.ID
	}
	m.st.deliveries[d.ID] = d.Clone()
}

func (m *MemoryStore) PutPromotion(p models.Promotion, menuItems ...int64) {
	defer m.lock()()
	m.st.promotions[p.ID] = p
	m.st.menuItems[p.ID] = append([]int64(nil), menuItems...)
}

func (m *MemoryStore) PutCustomerUser(userID int64, tokens ...string) {
	defer m.lock()()
	m.st.customerUsers = append(m.st.customerUsers, userID)
	for _, t := range tokens {
		m.st.tokens[t] = deviceToken{userID: userID, active: true}
	}
}

func (m *MemoryStore) PutDeviceToken(userID int64, token string) {
	defer m.lock()()
	m.st.tokens[token] = deviceToken{userID: userID, active: true}
}

// TokenActive reports a device token's state; unknown tokens are inactive.
func (m *MemoryStore) TokenActive(token string) bool {
	defer m.lock()()
	return m.st.tokens[token].active
}

func (m *MemoryStore) Notifications() []models.Notification {
	defer m.lock()()
	return append([]models.Notification(nil), m.st.notifications...)
}

// Deliveries

func (m *MemoryStore) CreateDelivery(_ context.Context, d *models.Delivery) error {
	defer m.lock()()
	for _, existing := range m.st.deliveries {
		if existing.OrderID == d.OrderID {
			return fmt.Errorf("delivery for order %d already exists", d.OrderID)
		}
	}
	d.ID = m.st.nextID()
	d.UpdatedAt = time.Now()
	m.st.deliveries[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id int64) (models.Delivery, error) {
	defer m.lock()()
	d, ok := m.st.deliveries[id]
	if !ok {
		return models.Delivery{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetDeliveryByOrder(_ context.Context, orderID int64) (models.Delivery, error) {
	defer m.lock()()
	for _, d := range m.st.deliveries {
		if d.OrderID == orderID {
			return d.Clone(), nil
		}
	}
	return models.Delivery{}, ErrNotFound
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, d models.Delivery) error {
	defer m.lock()()
	if _, ok := m.st.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	d.UpdatedAt = time.Now()
	m.st.deliveries[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) ActiveDeliveryForCourier(_ context.Context, courierID int64) (*models.Delivery, error) {
	defer m.lock()()
	return m.st.firstActive(func(d models.Delivery) bool { return d.HasCourier(courierID) }), nil
}

func (m *MemoryStore) ActiveDeliveryForCustomer(_ context.Context, customerID int64) (*models.Delivery, error) {
	defer m.lock()()
	return m.st.firstActive(func(d models.Delivery) bool {
		o, ok := m.st.orders[d.OrderID]
		return ok && o.CustomerID == customerID
	}), nil
}

func (s *memState) firstActive(match func(models.Delivery) bool) *models.Delivery {
	var best *models.Delivery
	for _, d := range s.deliveries {
		if !d.Status.Active() || !match(d) {
			continue
		}
		if best == nil || d.ID < best.ID {
			c := d.Clone()
			best = &c
		}
	}
	return best
}

func (m *MemoryStore) NearbyPending(_ context.Context, p models.Point, limit int) ([]models.PendingDelivery, error) {
	defer m.lock()()
	out := make([]models.PendingDelivery, 0)
	for _, d := range m.st.deliveries {
		if d.Status != models.DeliveryPending || d.Pickup == nil {
			continue
		}
		out = append(out, models.PendingDelivery{
			Delivery:       d.Clone(),
			DistanceMeters: geo.Distance(p, *d.Pickup),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendTracking(_ context.Context, t *models.Tracking) error {
	defer m.lock()()
	t.ID = m.st.nextID()
	if t.LastUpdated.IsZero() {
		t.LastUpdated = time.Now()
	}
	m.st.tracking = append(m.st.tracking, *t)
	return nil
}

func (m *MemoryStore) ListTracking(_ context.Context, deliveryID int64, limit int) ([]models.Tracking, error) {
	defer m.lock()()
	out := make([]models.Tracking, 0)
	for i := len(m.st.tracking) - 1; i >= 0; i-- {
		t := m.st.tracking[i]
		if t.DeliveryID != deliveryID {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Couriers

func (m *MemoryStore) GetCourier(_ context.Context, id int64) (models.Courier, error) {
	defer m.lock()()
	c, ok := m.st.couriers[id]
	if !ok {
		return models.Courier{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ClaimCourier(_ context.Context, id int64) (bool, error) {
	defer m.lock()()
	c, ok := m.st.couriers[id]
	if !ok {
		return false, ErrNotFound
	}
	if !c.IsAvailable {
		return false, nil
	}
	c.IsAvailable = false
	m.st.couriers[id] = c
	return true, nil
}

func (m *MemoryStore) SetCourierAvailable(_ context.Context, id int64, available bool) error {
	defer m.lock()()
	c, ok := m.st.couriers[id]
	if !ok {
		return ErrNotFound
	}
	c.IsAvailable = available
	m.st.couriers[id] = c
	return nil
}

func (m *MemoryStore) UpdateCourierLocation(_ context.Context, id int64, p models.Point, at time.Time) (models.Courier, error) {
	defer m.lock()()
	c, ok := m.st.couriers[id]
	if !ok {
		return models.Courier{}, ErrNotFound
	}
	c.Location = &p
	c.LastUpdated = &at
	m.st.couriers[id] = c
	return c, nil
}

func (m *MemoryStore) CreditCourier(_ context.Context, id int64, amount int64) error {
	defer m.lock()()
	c, ok := m.st.couriers[id]
	if !ok {
		return ErrNotFound
	}
	c.EarningsBalance += amount
	m.st.couriers[id] = c
	return nil
}

func (m *MemoryStore) GetCustomer(_ context.Context, id int64) (models.Customer, error) {
	defer m.lock()()
	c, ok := m.st.customers[id]
	if !ok {
		return models.Customer{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) UpdateCustomerLocation(_ context.Context, id int64, p models.Point, at time.Time) error {
	defer m.lock()()
	c, ok := m.st.customers[id]
	if !ok {
		return ErrNotFound
	}
	c.Location = &p
	c.LastUpdated = &at
	m.st.customers[id] = c
	return nil
}

// Orders

func (m *MemoryStore) GetOrder(_ context.Context, id int64) (models.Order, error) {
	defer m.lock()()
	o, ok := m.st.orders[id]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) SetOrderCourier(_ context.Context, orderID, courierID int64) error {
	defer m.lock()()
	o, ok := m.st.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.CourierID = &courierID
	m.st.orders[orderID] = o
	return nil
}

func (m *MemoryStore) ClearOrderCourier(_ context.Context, orderID int64) error {
	defer m.lock()()
	o, ok := m.st.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.CourierID = nil
	m.st.orders[orderID] = o
	return nil
}

func (m *MemoryStore) SetOrderStatus(_ context.Context, orderID int64, status models.OrderStatus) error {
	defer m.lock()()
	o, ok := m.st.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	m.st.orders[orderID] = o
	return nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n models.Notification) error {
	defer m.lock()()
	m.st.notifications = append(m.st.notifications, n)
	return nil
}

// Earnings

func (m *MemoryStore) CreateEarnings(_ context.Context, e *models.Earnings) (bool, error) {
	defer m.lock()()
	for _, existing := range m.st.earnings {
		if existing.CourierID == e.CourierID && existing.OrderID == e.OrderID {
			return false, nil
		}
	}
	e.ID = m.st.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.st.earnings = append(m.st.earnings, *e)
	return true, nil
}

func (m *MemoryStore) ListEarnings(_ context.Context, courierID int64) ([]models.Earnings, error) {
	defer m.lock()()
	out := make([]models.Earnings, 0)
	for _, e := range m.st.earnings {
		if e.CourierID == courierID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) EarningsSummary(_ context.Context, courierID int64, dayStart time.Time) (models.EarningsSummary, error) {
	defer m.lock()()
	var s models.EarningsSummary
	for _, e := range m.st.earnings {
		if e.CourierID != courierID {
			continue
		}
		s.Total += e.Amount
		if !e.CreatedAt.Before(dayStart) {
			s.Today += e.Amount
		}
	}
	return s, nil
}

// Promotions

func (m *MemoryStore) GetPromotion(_ context.Context, id int64) (models.Promotion, error) {
	defer m.lock()()
	p, ok := m.st.promotions[id]
	if !ok {
		return models.Promotion{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) SetPromotionActive(_ context.Context, id int64, active bool) (bool, error) {
	defer m.lock()()
	p, ok := m.st.promotions[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.IsActive == active {
		return false, nil
	}
	p.IsActive = active
	m.st.promotions[id] = p
	return true, nil
}

func (m *MemoryStore) ListExpiredActivePromotions(_ context.Context, now time.Time) ([]models.Promotion, error) {
	defer m.lock()()
	return m.st.filterPromotions(func(p models.Promotion) bool {
		return p.IsActive && p.EndDate.Before(now)
	}), nil
}

func (m *MemoryStore) ListDuePromotions(_ context.Context, now time.Time) ([]models.Promotion, error) {
	defer m.lock()()
	return m.st.filterPromotions(func(p models.Promotion) bool {
		return !p.IsActive && p.InWindow(now)
	}), nil
}

func (m *MemoryStore) ListPromotionsEndingBetween(_ context.Context, from, to time.Time) ([]models.Promotion, error) {
	defer m.lock()()
	return m.st.filterPromotions(func(p models.Promotion) bool {
		return p.IsActive && p.EndDate.After(from) && !p.EndDate.After(to)
	}), nil
}

func (s *memState) filterPromotions(keep func(models.Promotion) bool) []models.Promotion {
	out := make([]models.Promotion, 0)
	for _, p := range s.promotions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) MarkPromotionReminded(_ context.Context, id int64, at time.Time) error {
	defer m.lock()()
	p, ok := m.st.promotions[id]
	if !ok {
		return ErrNotFound
	}
	p.LastRemindedAt = &at
	m.st.promotions[id] = p
	return nil
}

func (m *MemoryStore) PromotionMenuItems(_ context.Context, id int64) ([]int64, error) {
	defer m.lock()()
	return append([]int64(nil), m.st.menuItems[id]...), nil
}

// Users

func (m *MemoryStore) CustomerUserIDs(_ context.Context) ([]int64, error) {
	defer m.lock()()
	return append([]int64(nil), m.st.customerUsers...), nil
}

func (m *MemoryStore) DeviceTokens(_ context.Context, userIDs []int64) ([]string, error) {
	defer m.lock()()
	want := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		want[id] = struct{}{}
	}
	out := make([]string, 0)
	for tok, dt := range m.st.tokens {
		if _, ok := want[dt.userID]; ok && dt.active {
			out = append(out, tok)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DeactivateDeviceTokens(_ context.Context, tokens []string) error {
	defer m.lock()()
	for _, t := range tokens {
		if dt, ok := m.st.tokens[t]; ok {
			dt.active = false
			m.st.tokens[t] = dt
		}
	}
	return nil
}
