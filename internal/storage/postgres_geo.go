package storage

import (
	"context"
	"database/sql"

	"github.com/example/courier-dispatch/internal/models"
)

// PostgresGeo answers nearest-courier queries straight from the couriers
// table. Distances come from PostGIS on the geography column.
type PostgresGeo struct {
	db *sql.DB
}

func NewPostgresGeo(db *sql.DB) *PostgresGeo { return &PostgresGeo{db: db} }

func (g *PostgresGeo) Nearest(ctx context.Context, p models.Point, limit int) ([]models.CourierDistance, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := g.db.QueryContext(ctx, `SELECT id,
		ST_Y(location::geometry), ST_X(location::geometry),
		ST_Distance(location, `+pointArg("$1", "$2")+`) AS dist
		FROM couriers
		WHERE is_available AND location IS NOT NULL
		ORDER BY dist, id
		LIMIT $3`, p.Lng, p.Lat, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.CourierDistance, 0, limit)
	for rows.Next() {
		var h models.CourierDistance
		if err := rows.Scan(&h.CourierID, &h.Location.Lat, &h.Location.Lng, &h.DistanceMeters); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Upsert only moves the courier. is_available belongs to the Store's claim
// and release paths.
func (g *PostgresGeo) Upsert(ctx context.Context, courierID int64, p models.Point, _ bool) error {
	_, err := g.db.ExecContext(ctx, `UPDATE couriers
		SET location = `+pointArg("$1", "$2")+`, last_updated = NOW()
		WHERE id = $3`, p.Lng, p.Lat, courierID)
	return err
}

// SetAvailable is a no-op: availability already lives on the couriers row
// and the Store mutates it inside the assignment transaction.
func (g *PostgresGeo) SetAvailable(context.Context, int64, bool) error { return nil }
