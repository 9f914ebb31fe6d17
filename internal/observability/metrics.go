package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier_dispatch"

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of courier assignments"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Nearest-courier assignment latency seconds"})
	MatchNoCourier   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_no_courier_total", Help: "Assignments that found no available courier"})
	MatchRaceLost    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_race_lost_total", Help: "Candidates lost to a concurrent assignment"})
	CouriersReleased = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "couriers_released_total", Help: "Couriers returned to the available pool"})

	DeliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "delivery_transitions_total", Help: "Delivery status transitions"},
		[]string{"to"},
	)

	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open tracking connections"},
		[]string{"role"},
	)
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location frames processed"},
		[]string{"role", "outcome"},
	)
	HubPublishDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "hub_publish_dropped_total", Help: "Events dropped because a connection buffer was full"})

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tasks_processed_total", Help: "Background jobs by outcome"},
		[]string{"job", "outcome"},
	)
	PromotionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "promotion_transitions_total", Help: "Promotion activations and deactivations"},
		[]string{"direction", "source"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Push notification deliveries per token"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
