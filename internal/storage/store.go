package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// Deliveries persists delivery requests and their tracking log.
type Deliveries interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	// GetDelivery locks the row for the rest of the transaction when called
	// inside WithTx.
	GetDelivery(ctx context.Context, id int64) (models.Delivery, error)
	GetDeliveryByOrder(ctx context.Context, orderID int64) (models.Delivery, error)
	UpdateDelivery(ctx context.Context, d models.Delivery) error
	ActiveDeliveryForCourier(ctx context.Context, courierID int64) (*models.Delivery, error)
	ActiveDeliveryForCustomer(ctx context.Context, customerID int64) (*models.Delivery, error)
	NearbyPending(ctx context.Context, p models.Point, limit int) ([]models.PendingDelivery, error)
	AppendTracking(ctx context.Context, t *models.Tracking) error
	ListTracking(ctx context.Context, deliveryID int64, limit int) ([]models.Tracking, error)
}

// Couriers covers the courier and customer profile fields the core mutates.
type Couriers interface {
	GetCourier(ctx context.Context, id int64) (models.Courier, error)
	// ClaimCourier flips is_available true->false and reports whether this
	// caller won the flip.
	ClaimCourier(ctx context.Context, id int64) (bool, error)
	SetCourierAvailable(ctx context.Context, id int64, available bool) error
	UpdateCourierLocation(ctx context.Context, id int64, p models.Point, at time.Time) (models.Courier, error)
	CreditCourier(ctx context.Context, id int64, amount int64) error
	GetCustomer(ctx context.Context, id int64) (models.Customer, error)
	UpdateCustomerLocation(ctx context.Context, id int64, p models.Point, at time.Time) error
}

type Orders interface {
	GetOrder(ctx context.Context, id int64) (models.Order, error)
	SetOrderCourier(ctx context.Context, orderID, courierID int64) error
	ClearOrderCourier(ctx context.Context, orderID int64) error
	SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error
	CreateNotification(ctx context.Context, n models.Notification) error
}

type Earnings interface {
	// CreateEarnings inserts unless a row for (courier, order) exists and
	// reports whether it inserted.
	CreateEarnings(ctx context.Context, e *models.Earnings) (bool, error)
	ListEarnings(ctx context.Context, courierID int64) ([]models.Earnings, error)
	EarningsSummary(ctx context.Context, courierID int64, dayStart time.Time) (models.EarningsSummary, error)
}

type Promotions interface {
	GetPromotion(ctx context.Context, id int64) (models.Promotion, error)
	// SetPromotionActive flips is_active to active only if it currently holds
	// the opposite value and reports whether it flipped.
	SetPromotionActive(ctx context.Context, id int64, active bool) (bool, error)
	ListExpiredActivePromotions(ctx context.Context, now time.Time) ([]models.Promotion, error)
	ListDuePromotions(ctx context.Context, now time.Time) ([]models.Promotion, error)
	ListPromotionsEndingBetween(ctx context.Context, from, to time.Time) ([]models.Promotion, error)
	MarkPromotionReminded(ctx context.Context, id int64, at time.Time) error
	PromotionMenuItems(ctx context.Context, id int64) ([]int64, error)
}

type Users interface {
	CustomerUserIDs(ctx context.Context) ([]int64, error)
	DeviceTokens(ctx context.Context, userIDs []int64) ([]string, error)
	DeactivateDeviceTokens(ctx context.Context, tokens []string) error
}

// Store is the relational capability. WithTx runs fn against a
// transactional view; returning an error rolls every write back.
type Store interface {
	Deliveries
	Couriers
	Orders
	Earnings
	Promotions
	Users
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
