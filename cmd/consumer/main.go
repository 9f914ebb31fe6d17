package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total courier location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index update failures after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

// LocationUpdater is the slice of geo.Geo the projector writes to.
type LocationUpdater interface {
	Upsert(ctx context.Context, courierID int64, p models.Point, available bool) error
}

func main() {
	var metricsAddr, configPath string
	pflag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	pflag.StringVar(&configPath, "config", "", "path to a TOML config file")
	pflag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		l, _ := zap.NewProduction()
		l.Fatal("load config", zap.Error(err))
	}
	logger, err := logging.NewLogger("courier-geo-projector", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	updater := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoRadiusKm)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup),
	)
	if err := consume(ctx, r, updater, time.Second, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends. Read failures back off exponentially from
// base up to 30s; a successful read resets the backoff.
func consume(ctx context.Context, r messageReader, up LocationUpdater, base time.Duration, logger *zap.Logger) error {
	for {
		var m kafka.Message
		read := retry.WithCappedDuration(30*time.Second, retry.NewExponential(base))
		err := retry.Do(ctx, read, func(ctx context.Context) error {
			var err error
			m, err = r.ReadMessage(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warn("kafka read error", zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msgsConsumed.Inc()
		handleMessage(ctx, up, m.Value, logger)
	}
}

func handleMessage(ctx context.Context, up LocationUpdater, value []byte, logger *zap.Logger) {
	ev, err := ingest.DecodeLocation(value)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid message", zap.Error(err))
		return
	}
	if err := project(ctx, up, ev, 3, 200*time.Millisecond); err != nil {
		geoErrors.Inc()
		logger.Error("geo update failed", zap.Int64("courier_id", ev.CourierID), zap.Error(err))
		return
	}
	geoUpdates.Inc()
}

// project writes one event to the geo index, retrying attempts-1 times
// with exponential backoff starting at base.
func project(ctx context.Context, up LocationUpdater, ev models.LocationEvent, attempts uint64, base time.Duration) error {
	var retries uint64
	if attempts > 0 {
		retries = attempts - 1
	}
	b := retry.WithMaxRetries(retries, retry.NewExponential(base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := up.Upsert(ctx, ev.CourierID, models.Point{Lat: ev.Lat, Lng: ev.Lng}, ev.Available); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
