package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/courier-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on PostgreSQL + PostGIS. Points are stored
// as geography so distances are ellipsoidal metres.
type PostgresStore struct {
	db *sql.DB
	q  querier
	tx bool
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, q: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if p.tx {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&PostgresStore{db: p.db, q: tx, tx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const pointSQL = "ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography"

func pointArg(lngArg, latArg string) string { return fmt.Sprintf(pointSQL, lngArg, latArg) }

type nullPoint struct{ lat, lng sql.NullFloat64 }

func (n nullPoint) point() *models.Point {
	if !n.lat.Valid || !n.lng.Valid {
		return nil
	}
	return &models.Point{Lat: n.lat.Float64, Lng: n.lng.Float64}
}

func pointParams(p *models.Point) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Lng, p.Lat
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// Deliveries

const deliveryColumns = `id, order_id, courier_id, status,
	ST_Y(pickup::geometry), ST_X(pickup::geometry),
	ST_Y(dropoff::geometry), ST_X(dropoff::geometry),
	assigned_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanDelivery(row rowScanner, extra ...any) (models.Delivery, error) {
	var (
		d        models.Delivery
		courier  sql.NullInt64
		pickup   nullPoint
		dropoff  nullPoint
		assigned sql.NullTime
	)
	dest := []any{&d.ID, &d.OrderID, &courier, &d.Status,
		&pickup.lat, &pickup.lng, &dropoff.lat, &dropoff.lng,
		&assigned, &d.UpdatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Delivery{}, ErrNotFound
		}
		return models.Delivery{}, err
	}
	d.CourierID = intPtr(courier)
	d.Pickup = pickup.point()
	d.Dropoff = dropoff.point()
	d.AssignedAt = timePtr(assigned)
	return d, nil
}

func (p *PostgresStore) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	pLng, pLat := pointParams(d.Pickup)
	dLng, dLat := pointParams(d.Dropoff)
	q := `INSERT INTO deliveries (order_id, courier_id, status, pickup, dropoff, updated_at)
		VALUES ($1, $2, $3, ` + pointArg("$4::float8", "$5::float8") + `, ` + pointArg("$6::float8", "$7::float8") + `, NOW())
		RETURNING id, updated_at`
	return p.q.QueryRowContext(ctx, q, d.OrderID, nullInt(d.CourierID), d.Status, pLng, pLat, dLng, dLat).
		Scan(&d.ID, &d.UpdatedAt)
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id int64) (models.Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	if p.tx {
		q += ` FOR UPDATE`
	}
	return scanDelivery(p.q.QueryRowContext(ctx, q, id))
}

func (p *PostgresStore) GetDeliveryByOrder(ctx context.Context, orderID int64) (models.Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE order_id = $1`
	return scanDelivery(p.q.QueryRowContext(ctx, q, orderID))
}

func (p *PostgresStore) UpdateDelivery(ctx context.Context, d models.Delivery) error {
	var assigned sql.NullTime
	if d.AssignedAt != nil {
		assigned = sql.NullTime{Time: *d.AssignedAt, Valid: true}
	}
	res, err := p.q.ExecContext(ctx, `UPDATE deliveries
		SET courier_id = $1, status = $2, assigned_at = $3, updated_at = NOW()
		WHERE id = $4`, nullInt(d.CourierID), d.Status, assigned, d.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

var activeStatuses = pq.Array([]string{
	string(models.DeliveryAssigned), string(models.DeliveryAccepted), string(models.DeliveryPickedUp),
})

func (p *PostgresStore) ActiveDeliveryForCourier(ctx context.Context, courierID int64) (*models.Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE courier_id = $1 AND status = ANY($2) ORDER BY id LIMIT 1`
	return optionalDelivery(scanDelivery(p.q.QueryRowContext(ctx, q, courierID, activeStatuses)))
}

func (p *PostgresStore) ActiveDeliveryForCustomer(ctx context.Context, customerID int64) (*models.Delivery, error) {
	q := `SELECT ` + prefixed("d", deliveryColumns) + ` FROM deliveries d
		JOIN orders o ON o.id = d.order_id
		WHERE o.customer_id = $1 AND d.status = ANY($2) ORDER BY d.id LIMIT 1`
	return optionalDelivery(scanDelivery(p.q.QueryRowContext(ctx, q, customerID, activeStatuses)))
}

func prefixed(alias, cols string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.order_id, %[1]s.courier_id, %[1]s.status,
	ST_Y(%[1]s.pickup::geometry), ST_X(%[1]s.pickup::geometry),
	ST_Y(%[1]s.dropoff::geometry), ST_X(%[1]s.dropoff::geometry),
	%[1]s.assigned_at, %[1]s.updated_at`, alias)
}

func optionalDelivery(d models.Delivery, err error) (*models.Delivery, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) NearbyPending(ctx context.Context, pt models.Point, limit int) ([]models.PendingDelivery, error) {
	q := `SELECT ` + deliveryColumns + `, ST_Distance(pickup, ` + pointArg("$1", "$2") + `) AS dist
		FROM deliveries
		WHERE status = 'pending' AND pickup IS NOT NULL
		ORDER BY dist, id
		LIMIT $3`
	rows, err := p.q.QueryContext(ctx, q, pt.Lng, pt.Lat, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.PendingDelivery, 0, limit)
	for rows.Next() {
		var dist float64
		d, err := scanDelivery(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PendingDelivery{Delivery: d, DistanceMeters: dist})
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendTracking(ctx context.Context, t *models.Tracking) error {
	if t.LastUpdated.IsZero() {
		t.LastUpdated = time.Now()
	}
	q := `INSERT INTO delivery_tracking (delivery_id, courier_id, location, last_updated)
		VALUES ($1, $2, ` + pointArg("$3", "$4") + `, $5) RETURNING id`
	return p.q.QueryRowContext(ctx, q, t.DeliveryID, t.CourierID, t.Location.Lng, t.Location.Lat, t.LastUpdated).Scan(&t.ID)
}

func (p *PostgresStore) ListTracking(ctx context.Context, deliveryID int64, limit int) ([]models.Tracking, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT id, delivery_id, courier_id,
		ST_Y(location::geometry), ST_X(location::geometry), last_updated
		FROM delivery_tracking WHERE delivery_id = $1
		ORDER BY last_updated DESC, id DESC LIMIT $2`, deliveryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Tracking, 0)
	for rows.Next() {
		var t models.Tracking
		if err := rows.Scan(&t.ID, &t.DeliveryID, &t.CourierID, &t.Location.Lat, &t.Location.Lng, &t.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Couriers

func (p *PostgresStore) GetCourier(ctx context.Context, id int64) (models.Courier, error) {
	var (
		c       models.Courier
		loc     nullPoint
		updated sql.NullTime
	)
	err := p.q.QueryRowContext(ctx, `SELECT id, user_id, name,
		ST_Y(location::geometry), ST_X(location::geometry), last_updated,
		is_available, is_approved, rating, earnings_balance
		FROM couriers WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.Name, &loc.lat, &loc.lng, &updated,
			&c.IsAvailable, &c.IsApproved, &c.Rating, &c.EarningsBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Courier{}, ErrNotFound
	}
	if err != nil {
		return models.Courier{}, err
	}
	c.Location = loc.point()
	c.LastUpdated = timePtr(updated)
	return c, nil
}

func (p *PostgresStore) ClaimCourier(ctx context.Context, id int64) (bool, error) {
	res, err := p.q.ExecContext(ctx, `UPDATE couriers SET is_available = FALSE
		WHERE id = $1 AND is_available = TRUE`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.GetCourier(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) SetCourierAvailable(ctx context.Context, id int64, available bool) error {
	res, err := p.q.ExecContext(ctx, `UPDATE couriers SET is_available = $1 WHERE id = $2`, available, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) UpdateCourierLocation(ctx context.Context, id int64, pt models.Point, at time.Time) (models.Courier, error) {
	res, err := p.q.ExecContext(ctx, `UPDATE couriers SET location = `+pointArg("$1", "$2")+`, last_updated = $3
		WHERE id = $4`, pt.Lng, pt.Lat, at, id)
	if err != nil {
		return models.Courier{}, err
	}
	if err := expectOne(res); err != nil {
		return models.Courier{}, err
	}
	return p.GetCourier(ctx, id)
}

func (p *PostgresStore) CreditCourier(ctx context.Context, id int64, amount int64) error {
	res, err := p.q.ExecContext(ctx, `UPDATE couriers SET earnings_balance = earnings_balance + $1 WHERE id = $2`, amount, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) GetCustomer(ctx context.Context, id int64) (models.Customer, error) {
	var (
		c       models.Customer
		loc     nullPoint
		updated sql.NullTime
	)
	err := p.q.QueryRowContext(ctx, `SELECT id, user_id, name,
		ST_Y(location::geometry), ST_X(location::geometry), last_updated
		FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.Name, &loc.lat, &loc.lng, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Customer{}, ErrNotFound
	}
	if err != nil {
		return models.Customer{}, err
	}
	c.Location = loc.point()
	c.LastUpdated = timePtr(updated)
	return c, nil
}

func (p *PostgresStore) UpdateCustomerLocation(ctx context.Context, id int64, pt models.Point, at time.Time) error {
	res, err := p.q.ExecContext(ctx, `UPDATE customers SET location = `+pointArg("$1", "$2")+`, last_updated = $3
		WHERE id = $4`, pt.Lng, pt.Lat, at, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Orders

func (p *PostgresStore) GetOrder(ctx context.Context, id int64) (models.Order, error) {
	var (
		o       models.Order
		courier sql.NullInt64
		rest    nullPoint
		dest    nullPoint
	)
	err := p.q.QueryRowContext(ctx, `SELECT o.id, o.customer_id, c.user_id, c.name,
		o.restaurant_id, r.name, ST_Y(r.location::geometry), ST_X(r.location::geometry),
		ST_Y(o.delivery_location::geometry), ST_X(o.delivery_location::geometry),
		o.courier_id, o.status, o.items_total
		FROM orders o
		JOIN customers c ON c.id = o.customer_id
		JOIN restaurants r ON r.id = o.restaurant_id
		WHERE o.id = $1`, id).
		Scan(&o.ID, &o.CustomerID, &o.CustomerUserID, &o.CustomerName,
			&o.RestaurantID, &o.RestaurantName, &rest.lat, &rest.lng,
			&dest.lat, &dest.lng, &courier, &o.Status, &o.ItemsTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	if err != nil {
		return models.Order{}, err
	}
	o.RestaurantPoint = rest.point()
	o.DeliveryPoint = dest.point()
	o.CourierID = intPtr(courier)
	return o, nil
}

func (p *PostgresStore) SetOrderCourier(ctx context.Context, orderID, courierID int64) error {
	res, err := p.q.ExecContext(ctx, `UPDATE orders SET courier_id = $1 WHERE id = $2`, courierID, orderID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) ClearOrderCourier(ctx context.Context, orderID int64) error {
	res, err := p.q.ExecContext(ctx, `UPDATE orders SET courier_id = NULL WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	res, err := p.q.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, status, orderID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n models.Notification) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO notifications (id, event_type, message, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`, n.ID, n.EventType, n.Message, n.OrderID, n.CreatedAt)
	return err
}

// Earnings

func (p *PostgresStore) CreateEarnings(ctx context.Context, e *models.Earnings) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := p.q.QueryRowContext(ctx, `INSERT INTO courier_earnings (courier_id, order_id, amount, commission_rate, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (courier_id, order_id) DO NOTHING
		RETURNING id`, e.CourierID, e.OrderID, e.Amount, e.CommissionRate, e.CreatedAt).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) ListEarnings(ctx context.Context, courierID int64) ([]models.Earnings, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT id, courier_id, order_id, amount, commission_rate, created_at
		FROM courier_earnings WHERE courier_id = $1 ORDER BY created_at DESC`, courierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Earnings, 0)
	for rows.Next() {
		var e models.Earnings
		if err := rows.Scan(&e.ID, &e.CourierID, &e.OrderID, &e.Amount, &e.CommissionRate, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) EarningsSummary(ctx context.Context, courierID int64, dayStart time.Time) (models.EarningsSummary, error) {
	var s models.EarningsSummary
	err := p.q.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(amount), 0),
		COALESCE(SUM(amount) FILTER (WHERE created_at >= $2), 0)
		FROM courier_earnings WHERE courier_id = $1`, courierID, dayStart).Scan(&s.Total, &s.Today)
	return s, err
}

// Promotions

const promotionColumns = `id, restaurant_id, name, discount, start_date, end_date, is_active, last_reminded_at`

func scanPromotion(row rowScanner) (models.Promotion, error) {
	var (
		pr       models.Promotion
		reminded sql.NullTime
	)
	err := row.Scan(&pr.ID, &pr.RestaurantID, &pr.Name, &pr.Discount, &pr.StartDate, &pr.EndDate, &pr.IsActive, &reminded)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Promotion{}, ErrNotFound
	}
	if err != nil {
		return models.Promotion{}, err
	}
	pr.LastRemindedAt = timePtr(reminded)
	return pr, nil
}

func (p *PostgresStore) GetPromotion(ctx context.Context, id int64) (models.Promotion, error) {
	return scanPromotion(p.q.QueryRowContext(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id))
}

func (p *PostgresStore) SetPromotionActive(ctx context.Context, id int64, active bool) (bool, error) {
	res, err := p.q.ExecContext(ctx, `UPDATE promotions SET is_active = $1 WHERE id = $2 AND is_active <> $1`, active, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetPromotion(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) listPromotions(ctx context.Context, where string, args ...any) ([]models.Promotion, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Promotion, 0)
	for rows.Next() {
		pr, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListExpiredActivePromotions(ctx context.Context, now time.Time) ([]models.Promotion, error) {
	return p.listPromotions(ctx, `is_active AND end_date < $1`, now)
}

func (p *PostgresStore) ListDuePromotions(ctx context.Context, now time.Time) ([]models.Promotion, error) {
	return p.listPromotions(ctx, `NOT is_active AND start_date <= $1 AND end_date >= $1`, now)
}

func (p *PostgresStore) ListPromotionsEndingBetween(ctx context.Context, from, to time.Time) ([]models.Promotion, error) {
	return p.listPromotions(ctx, `is_active AND end_date > $1 AND end_date <= $2`, from, to)
}

func (p *PostgresStore) MarkPromotionReminded(ctx context.Context, id int64, at time.Time) error {
	res, err := p.q.ExecContext(ctx, `UPDATE promotions SET last_reminded_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) PromotionMenuItems(ctx context.Context, id int64) ([]int64, error) {
	return p.int64s(ctx, `SELECT id FROM menu_items WHERE promotion_id = $1 ORDER BY id`, id)
}

// Users

func (p *PostgresStore) CustomerUserIDs(ctx context.Context) ([]int64, error) {
	return p.int64s(ctx, `SELECT id FROM users WHERE user_type = 'customer' AND NOT is_staff ORDER BY id`)
}

func (p *PostgresStore) DeviceTokens(ctx context.Context, userIDs []int64) ([]string, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT token FROM device_tokens
		WHERE active AND user_id = ANY($1) ORDER BY token`, pq.Array(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeactivateDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := p.q.ExecContext(ctx, `UPDATE device_tokens SET active = FALSE WHERE token = ANY($1)`, pq.Array(tokens))
	return err
}

func (p *PostgresStore) int64s(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := p.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
