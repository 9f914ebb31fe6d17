package tracking

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

const (
	TypeConnectionEstablished  = "connection_established"
	TypeLocationReceived       = "location_received"
	TypeLocationUpdate         = "location_update"
	TypeCustomerLocationUpdate = "customer_location_update"
	TypeInfo                   = "info"
	TypeError                  = "error"
)

var (
	ErrBadPayload     = errors.New("invalid JSON payload")
	ErrMissingCoords  = errors.New("lat and lng are required")
	ErrCoordsOutRange = errors.New("lat must be within [-90,90] and lng within [-180,180]")
)

// Notice carries connection_established, info and error frames.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type LocationUpdate struct {
	Type      string    `json:"type"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type CustomerLocationUpdate struct {
	Type       string    `json:"type"`
	CustomerID int64     `json:"customer_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Timestamp  time.Time `json:"timestamp"`
}

type LocationReceived struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// CustomerLocationReceived also tells the customer whether a courier heard
// about the move.
type CustomerLocationReceived struct {
	Type            string  `json:"type"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	DeliveryID      *int64  `json:"delivery_id"`
	CourierNotified bool    `json:"courier_notified"`
}

type locationFrame struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// parseLocation accepts {lat, lng}. Both must be present and non-zero.
func parseLocation(data []byte) (models.Point, error) {
	var f locationFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return models.Point{}, ErrBadPayload
	}
	if f.Lat == nil || f.Lng == nil || *f.Lat == 0 || *f.Lng == 0 {
		return models.Point{}, ErrMissingCoords
	}
	if *f.Lat < -90 || *f.Lat > 90 || *f.Lng < -180 || *f.Lng > 180 {
		return models.Point{}, ErrCoordsOutRange
	}
	return models.Point{Lat: *f.Lat, Lng: *f.Lng}, nil
}
