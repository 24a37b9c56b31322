// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// DBURL enables the PostgreSQL account registry when set; otherwise the
	// in-memory registry seeded from ProvidersFile is used.
	DBURL         string `env:"DB_URL"`
	RedisURL      string `env:"REDIS_URL"`
	ProvidersFile string `env:"PROVIDERS_FILE" envDefault:"configs/providers.yaml"`

	// Routing
	RoutingStrategy string  `env:"ROUTING_STRATEGY" envDefault:"weighted"`
	WeightCapacity  float64 `env:"WEIGHT_CAPACITY" envDefault:"0.4"`
	WeightHealth    float64 `env:"WEIGHT_HEALTH" envDefault:"0.3"`
	WeightLatency   float64 `env:"WEIGHT_LATENCY" envDefault:"0.2"`
	WeightError     float64 `env:"WEIGHT_ERROR" envDefault:"0.1"`

	// Dispatch
	MaxRetries         int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBackoffStep   time.Duration `env:"RETRY_BACKOFF_STEP" envDefault:"1s"`
	DispatchTimeout    time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	DefaultSendTimeout time.Duration `env:"DEFAULT_SEND_TIMEOUT" envDefault:"120s"`
	MaxConcurrency     int64         `env:"MAX_CONCURRENCY" envDefault:"32"`
	NoCapacityBackoff  time.Duration `env:"NO_CAPACITY_BACKOFF" envDefault:"250ms"`
	QueueTTL           time.Duration `env:"QUEUE_TTL" envDefault:"5m"`
	QueueSweepInterval time.Duration `env:"QUEUE_SWEEP_INTERVAL" envDefault:"30s"`

	// Health
	BreakerCooldown   time.Duration `env:"BREAKER_COOLDOWN" envDefault:"60s"`
	BreakerThreshold  int           `env:"BREAKER_THRESHOLD" envDefault:"3"`
	ProbeInterval     time.Duration `env:"PROBE_INTERVAL" envDefault:"60s"`
	ProbeTimeout      time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`
	ProbesEnabled     bool          `env:"PROBES_ENABLED" envDefault:"true"`
	PersistMaxElapsed time.Duration `env:"PERSIST_MAX_ELAPSED" envDefault:"10s"`

	// HTTP surface
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"180s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Admin guard for /v1/stats; argon2id hash of the password.
	AdminUsername     string `env:"ADMIN_USERNAME"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-router"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// AdminEnabled returns true if the stats endpoint should require auth.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != ""
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// Weights returns the selector scoring weights in a single struct.
func (c Config) Weights() ScoreWeights {
	return ScoreWeights{
		Capacity: c.WeightCapacity,
		Health:   c.WeightHealth,
		Latency:  c.WeightLatency,
		Error:    c.WeightError,
	}
}

// ScoreWeights holds the composite-score weighting of the account selector.
type ScoreWeights struct {
	Capacity float64
	Health   float64
	Latency  float64
	Error    float64
}
