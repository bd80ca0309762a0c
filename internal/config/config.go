// Package config assembles the frozen runtime configuration for both
// binaries from environment variables, with optional .env overrides for
// local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the full configuration record. It is populated once at
// startup and passed by value afterwards; nothing mutates it at runtime.
//
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// External collaborators
	NATSURL  string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisURL string `env:"REDIS_URL" envDefault:"localhost:6379"`
	MongoURL string `env:"MONGO_URL" envDefault:"mongodb://localhost:27017"`
	MongoDB  string `env:"MONGO_DB" envDefault:"optionstream"`

	// Enrichment worker pool
	WorkerCount    int           `env:"WORKER_COUNT" envDefault:"8"`
	RetryBudget    int           `env:"ENRICH_RETRY_BUDGET" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"ENRICH_RETRY_BASE_DELAY" envDefault:"5s"`
	TaskQueueKey   string        `env:"TASK_QUEUE_KEY" envDefault:"tasks:enrichment"`
	DLQKey         string        `env:"DLQ_KEY" envDefault:"dlq:enrichment"`
	// Lease duration for in-flight tasks; a worker crash makes the task
	// visible again after this long.
	TaskLeaseDuration time.Duration `env:"TASK_LEASE_DURATION" envDefault:"60s"`

	// Cache TTLs per key kind
	LatestTTL      time.Duration `env:"CACHE_LATEST_TTL" envDefault:"300s"`
	SurfaceTTL     time.Duration `env:"CACHE_SURFACE_TTL" envDefault:"300s"`
	IdempotencyTTL time.Duration `env:"CACHE_IDEMPOTENCY_TTL" envDefault:"1h"`

	// Derived-analytics parameters
	OHLCWindows     []int         `env:"OHLC_WINDOWS" envDefault:"1,5,15"` // minutes
	SurfaceLookback time.Duration `env:"IV_SURFACE_LOOKBACK" envDefault:"5m"`

	// Operation timeouts (every blocking call carries one)
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	CacheTimeout   time.Duration `env:"CACHE_TIMEOUT" envDefault:"1s"`
	BusTimeout     time.Duration `env:"BUS_TIMEOUT" envDefault:"5s"`
	EnqueueTimeout time.Duration `env:"ENQUEUE_TIMEOUT" envDefault:"2s"`

	// Gateway
	GatewayAddr    string        `env:"GATEWAY_ADDR" envDefault:":3002"`
	MaxConnections int           `env:"GATEWAY_MAX_CONNECTIONS" envDefault:"5000"`
	SendBufferSize int           `env:"GATEWAY_SEND_BUFFER" envDefault:"256"`
	ClientMsgRate  float64       `env:"GATEWAY_CLIENT_MSG_RATE" envDefault:"10"`
	ClientMsgBurst int           `env:"GATEWAY_CLIENT_MSG_BURST" envDefault:"100"`
	DrainGrace     time.Duration `env:"GATEWAY_DRAIN_GRACE" envDefault:"30s"`

	// Enricher metrics endpoint
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. The .env file is optional; in containers the environment
// alone is used.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("No .env file found, using environment only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("ENRICH_RETRY_BUDGET must be >= 0, got %d", c.RetryBudget)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("GATEWAY_SEND_BUFFER must be >= 1, got %d", c.SendBufferSize)
	}
	for _, w := range c.OHLCWindows {
		if w < 1 {
			return fmt.Errorf("OHLC_WINDOWS entries must be positive minutes, got %d", w)
		}
	}
	return nil
}

// Print logs the effective configuration at startup. Connection URLs are
// logged as-is; none of them carry credentials in our deployments.
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("nats_url", c.NATSURL).
		Str("redis_url", c.RedisURL).
		Str("mongo_url", c.MongoURL).
		Int("worker_count", c.WorkerCount).
		Int("retry_budget", c.RetryBudget).
		Dur("retry_base_delay", c.RetryBaseDelay).
		Ints("ohlc_windows", c.OHLCWindows).
		Dur("surface_lookback", c.SurfaceLookback).
		Str("gateway_addr", c.GatewayAddr).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBufferSize).
		Msg("Configuration loaded")
}
