package models

import "time"

// Point is a WGS84 coordinate. Distances between points are geodesic.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryAccepted  DeliveryStatus = "accepted"
	DeliveryDeclined  DeliveryStatus = "declined"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Active reports whether a courier is working the delivery in this status.
func (s DeliveryStatus) Active() bool {
	return s == DeliveryAssigned || s == DeliveryAccepted || s == DeliveryPickedUp
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryAssigned, DeliveryAccepted, DeliveryDeclined,
		DeliveryPickedUp, DeliveryDelivered, DeliveryCancelled:
		return true
	}
	return false
}

// Delivery is the dispatch record of exactly one order.
type Delivery struct {
	ID         int64          `json:"id"`
	OrderID    int64          `json:"order_id"`
	CourierID  *int64         `json:"courier_id"`
	Status     DeliveryStatus `json:"status"`
	Pickup     *Point         `json:"pickup_location"`
	Dropoff    *Point         `json:"dropoff_location"`
	AssignedAt *time.Time     `json:"assigned_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (d Delivery) Clone() Delivery {
	out := d
	if d.CourierID != nil {
		v := *d.CourierID
		out.CourierID = &v
	}
	if d.Pickup != nil {
		p := *d.Pickup
		out.Pickup = &p
	}
	if d.Dropoff != nil {
		p := *d.Dropoff
		out.Dropoff = &p
	}
	if d.AssignedAt != nil {
		t := *d.AssignedAt
		out.AssignedAt = &t
	}
	return out
}

// HasCourier reports whether id is the courier attached to the delivery.
func (d Delivery) HasCourier(id int64) bool {
	return d.CourierID != nil && *d.CourierID == id
}

// PendingDelivery is a pending delivery annotated with its distance to a query point.
type PendingDelivery struct {
	Delivery
	DistanceMeters float64 `json:"distance_m"`
	ETASeconds     float64 `json:"eta_seconds,omitempty"`
}

// Tracking is one courier location observation for a delivery.
type Tracking struct {
	ID          int64     `json:"id"`
	DeliveryID  int64     `json:"delivery_id"`
	CourierID   int64     `json:"courier_id"`
	Location    Point     `json:"location"`
	LastUpdated time.Time `json:"last_updated"`
}

type Courier struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	Name            string     `json:"name"`
	Location        *Point     `json:"current_location"`
	LastUpdated     *time.Time `json:"last_updated"`
	IsAvailable     bool       `json:"is_available"`
	IsApproved      bool       `json:"is_approved"`
	Rating          float64    `json:"rating"`
	EarningsBalance int64      `json:"earnings_balance"`
}

type Customer struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Name        string     `json:"name"`
	Location    *Point     `json:"current_location"`
	LastUpdated *time.Time `json:"last_updated"`
}

// CourierDistance is a GeoStore nearest-neighbour hit.
type CourierDistance struct {
	CourierID      int64   `json:"courier_id"`
	Location       Point   `json:"location"`
	DistanceMeters float64 `json:"distance_m"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAccepted  OrderStatus = "accepted"
	OrderPreparing OrderStatus = "preparing"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is the subset of an order the dispatch core reads and writes.
type Order struct {
	ID              int64       `json:"id"`
	CustomerID      int64       `json:"customer_id"`
	CustomerUserID  int64       `json:"customer_user_id"`
	CustomerName    string      `json:"customer"`
	RestaurantID    int64       `json:"restaurant_id"`
	RestaurantName  string      `json:"restaurant"`
	RestaurantPoint *Point      `json:"restaurant_location"`
	DeliveryPoint   *Point      `json:"delivery_location"`
	CourierID       *int64      `json:"courier_id"`
	Status          OrderStatus `json:"status"`
	ItemsTotal      int64       `json:"items_total"`
}

// Earnings is a courier payout for one delivered order. Amounts are in cents.
type Earnings struct {
	ID             int64     `json:"id"`
	CourierID      int64     `json:"courier_id"`
	OrderID        int64     `json:"order_id"`
	Amount         int64     `json:"amount"`
	CommissionRate float64   `json:"commission_rate"`
	CreatedAt      time.Time `json:"created_at"`
}

type EarningsSummary struct {
	Total int64 `json:"total_earnings"`
	Today int64 `json:"today_earnings"`
}

type Promotion struct {
	ID             int64      `json:"id"`
	RestaurantID   int64      `json:"restaurant_id"`
	Name           string     `json:"name"`
	Discount       float64    `json:"discount"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        time.Time  `json:"end_date"`
	IsActive       bool       `json:"is_active"`
	LastRemindedAt *time.Time `json:"last_reminded_at"`
}

// InWindow reports whether t falls inside [StartDate, EndDate].
func (p Promotion) InWindow(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

// Notification is the persisted record behind an admin broadcast.
type Notification struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	OrderID   int64     `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LiveLocation is the last-known position kept in the short-TTL cache.
type LiveLocation struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationEvent is a courier position published on the location stream.
type LocationEvent struct {
	CourierID  int64     `json:"courier_id"`
	DeliveryID *int64    `json:"delivery_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Available  bool      `json:"available"`
	At         time.Time `json:"at"`
}
