package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Defaults come first, then an optional TOML file, then environment
// variables, so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `toml:"http_addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	RedisAddr      string  `toml:"redis_addr"`
	RedisPassword  string  `toml:"redis_password"`
	RedisGeoKey    string  `toml:"redis_geo_key"`
	// GeoRadiusKm caps how far the redis index searches; 0 means no cap.
	GeoRadiusKm    float64 `toml:"geo_radius_km"`
	UseRedisGeo    bool    `toml:"use_redis_geo"`
	RedisQueueName string  `toml:"redis_queue_name"`

	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
	KafkaGroup   string   `toml:"kafka_group"`

	PGDSN string `toml:"pg_dsn"`

	JWTSecret string `toml:"jwt_secret"`

	MatcherTopN     int     `toml:"matcher_top_n"`
	NearbyLimit     int     `toml:"nearby_limit"`
	DefaultSpeedMps float64 `toml:"default_speed_mps"`
	OSRMEndpoint    string  `toml:"osrm_endpoint"`
	CommissionPct   float64 `toml:"commission_pct"`

	WorkerEnabled     bool          `toml:"worker_enabled"`
	Workers           int           `toml:"workers"`
	PollInterval      time.Duration `toml:"poll_interval"`
	VisibilityTimeout time.Duration `toml:"visibility_timeout"`
	RetryBase         time.Duration `toml:"retry_base"`
	MaxRetries        int           `toml:"max_retries"`
	SweepInterval     time.Duration `toml:"sweep_interval"`
	ReminderWindow    time.Duration `toml:"reminder_window"`
	LocationTTL       time.Duration `toml:"location_ttl"`

	FCMProjectID       string `toml:"fcm_project_id"`
	FCMCredentialsFile string `toml:"fcm_credentials_file"`

	LogLevel      string `toml:"log_level"`
	RunMigrations bool   `toml:"run_migrations"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "couriers_geo",
		RedisQueueName:    "tasks",
		KafkaTopic:        "courier-locations",
		KafkaGroup:        "courier-geo-projector",
		MatcherTopN:       8,
		NearbyLimit:       10,
		DefaultSpeedMps:   8,
		CommissionPct:     20,
		WorkerEnabled:     true,
		Workers:           4,
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: 5 * time.Minute,
		RetryBase:         60 * time.Second,
		MaxRetries:        3,
		SweepInterval:     time.Hour,
		ReminderWindow:    24 * time.Hour,
		LocationTTL:       10 * time.Minute,
		LogLevel:          "info",
	}
}

// LoadServerConfig builds the configuration. path may be empty; when set it
// names a TOML file whose values sit between defaults and the environment.
// A .env file in the working directory is loaded if present.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	_ = godotenv.Load()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", path, err))
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setFloatFromEnv(&cfg.GeoRadiusKm, "GEO_RADIUS_KM", &errs)
	setBoolFromEnv(&cfg.UseRedisGeo, "USE_REDIS_GEO", &errs)
	setStringFromEnv(&cfg.RedisQueueName, "REDIS_QUEUE_NAME")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.CommissionPct, "EARNINGS_COMMISSION_PCT", &errs)

	setBoolFromEnv(&cfg.WorkerEnabled, "WORKER_ENABLED", &errs)
	setIntFromEnv(&cfg.Workers, "WORKERS", &errs)
	setDurationFromEnv(&cfg.PollInterval, "TASK_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.VisibilityTimeout, "TASK_VISIBILITY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RetryBase, "TASK_RETRY_BASE", &errs)
	setIntFromEnv(&cfg.MaxRetries, "TASK_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReminderWindow, "PROMOTION_REMINDER_WINDOW", &errs)
	setDurationFromEnv(&cfg.LocationTTL, "LOCATION_TTL", &errs)

	setStringFromEnv(&cfg.FCMProjectID, "FCM_PROJECT_ID")
	setStringFromEnv(&cfg.FCMCredentialsFile, "FCM_CREDENTIALS_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}
	if cfg.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be > 0"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("TASK_MAX_RETRIES must be >= 0"))
	}
	if cfg.CommissionPct < 0 || cfg.CommissionPct > 100 {
		errs = append(errs, fmt.Errorf("EARNINGS_COMMISSION_PCT must be within [0,100]"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
