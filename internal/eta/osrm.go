package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/example/courier-dispatch/internal/models"
)

// DefaultProfile is the OSRM routing profile couriers travel with.
const DefaultProfile = "driving"

var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient asks an OSRM server for courier travel times. Gateway errors
// and 5xx responses are retried a couple of times; anything else fails
// fast so the estimator can fall back to straight-line distance.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
	Retries  uint64
	Backoff  time.Duration
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: endpoint,
		Profile:  DefaultProfile,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Retries:  2,
		Backoff:  50 * time.Millisecond,
	}
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Point) string {
	profile := o.Profile
	if profile == "" {
		profile = DefaultProfile
	}
	// OSRM takes lng,lat pairs
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lng, from.Lat, to.Lng, to.Lat)
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Point) (float64, error) {
	url := o.routeURL(from, to)
	var seconds float64
	b := retry.WithMaxRetries(o.Retries, retry.NewConstant(o.Backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := o.Client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(fmt.Errorf("osrm: status %d", resp.StatusCode))
		}

		var out routeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("osrm: decode: %w", err)
		}
		if out.Code != "Ok" || len(out.Routes) == 0 {
			return fmt.Errorf("%w: %s", ErrNoRoute, out.Code)
		}
		seconds = out.Routes[0].Duration
		return nil
	})
	return seconds, err
}
