package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/cache"
	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/eta"
	"github.com/example/courier-dispatch/internal/geo"
	httpapi "github.com/example/courier-dispatch/internal/http"
	"github.com/example/courier-dispatch/internal/ingest"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/promotions"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
	"github.com/example/courier-dispatch/internal/tracking"
)

func main() {
	configPath := pflag.String("config", "", "path to a TOML config file")
	pflag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		// logger depends on config; fall back to a default one
		l, _ := zap.NewProduction()
		l.Fatal("load config", zap.Error(err))
	}
	logger, err := logging.NewLogger("courier-dispatch", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	var (
		store    storage.Store
		geoStore geo.Geo
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = pg
		geoStore = storage.NewPostgresGeo(pg.DB())
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
		geoStore = geo.NewIndex()
	}

	var (
		c     cache.Cache = cache.NewMemory()
		queue tasks.Queue = tasks.NewMemoryQueue(cfg.VisibilityTimeout)
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		c = cache.NewRedis(rc)
		queue = tasks.NewRedisQueue(rc, cfg.RedisQueueName, cfg.VisibilityTimeout)
		if cfg.UseRedisGeo {
			geoStore = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoRadiusKm)
		}
	}

	hub := tracking.NewHub()
	pub := delivery.NewPublisher(hub, queue, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	engine := matcher.NewEngine(store, geoStore, pub, logger, matcher.Options{
		TopN:          cfg.MatcherTopN,
		NearbyLimit:   cfg.NearbyLimit,
		CommissionPct: cfg.CommissionPct,
		ETA:           estimator,
	})

	trackingSvc := &tracking.Service{
		Store:       store,
		Hub:         hub,
		Cache:       c,
		Geo:         geoStore,
		LocationTTL: cfg.LocationTTL,
		Log:         logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer producer.Close()
		trackingSvc.Stream = producer
	}

	var gw notify.Gateway = notify.LogGateway{Log: logger}
	if cfg.FCMProjectID != "" {
		fcm, err := notify.NewFCMGateway(ctx, cfg.FCMProjectID, cfg.FCMCredentialsFile)
		if err != nil {
			return err
		}
		gw = fcm
	}
	notifier := notify.NewService(store, gw, logger)
	scheduler := promotions.NewScheduler(store, queue, c, logger).WithReminderWindow(cfg.ReminderWindow)

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	api := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Engine:    engine,
		Orders:    delivery.NewOrderService(store, queue, pub, logger),
		Tracking:  trackingSvc,
		Scheduler: scheduler,
		Queue:     queue,
		Auth:      auth.NewVerifier(cfg.JWTSecret),
	}, logger)

	var wg sync.WaitGroup
	if cfg.WorkerEnabled {
		runner := tasks.NewRunner(queue, tasks.RetryPolicy{MaxRetries: uint64(cfg.MaxRetries), Base: cfg.RetryBase}, logger)
		engine.Register(runner)
		notifier.Register(runner)
		scheduler.Register(runner)
		sweeper := &promotions.Sweeper{Scheduler: scheduler, Interval: cfg.SweepInterval, Log: logger}

		wg.Add(2)
		go func() { defer wg.Done(); runner.Run(ctx, cfg.Workers, cfg.PollInterval) }()
		go func() { defer wg.Done(); sweeper.Run(ctx) }()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("courier-dispatch listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}
