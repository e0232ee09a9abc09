// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Dispatch DispatchConfig
	Gateway  GatewayConfig
	AMQP     AMQPConfig
	Redis    RedisConfig
	Log      LogConfig
	Worker   WorkerConfig

	// DotEnvLoaded is true when a .env file was found and applied.
	DotEnvLoaded bool `ignored:"true"`
}

type ServerConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

type DBConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD"`
	Name     string `envconfig:"DB_NAME" default:"campaigns"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
}

// DispatchConfig holds the batching and retry policy.
type DispatchConfig struct {
	BatchSize     int           `envconfig:"DISPATCH_BATCH_SIZE" default:"50"`
	BatchDelay    time.Duration `envconfig:"DISPATCH_BATCH_DELAY" default:"1s"`
	PollInterval  time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"30s"`
	MaxRetries    int           `envconfig:"DISPATCH_MAX_RETRIES" default:"3"`
	BackoffCap    time.Duration `envconfig:"DISPATCH_BACKOFF_CAP" default:"5m"`
	StaleAfter    time.Duration `envconfig:"DISPATCH_STALE_AFTER" default:"10m"`
	DefaultSender string        `envconfig:"DISPATCH_DEFAULT_SENDER" default:"SMSLEOPARD"`
	CountryCode   string        `envconfig:"DISPATCH_COUNTRY_CODE" default:"1"`
}

type GatewayConfig struct {
	URL     string        `envconfig:"GATEWAY_URL"`
	APIKey  string        `envconfig:"GATEWAY_API_KEY"`
	Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	Mock    bool          `envconfig:"GATEWAY_MOCK" default:"false"`
	// MockFailureRate is the share of messages the mock gateway fails.
	MockFailureRate float64 `envconfig:"GATEWAY_MOCK_FAILURE_RATE" default:"0.1"`
}

type AMQPConfig struct {
	URL         string `envconfig:"AMQP_URL"`
	EventsQueue string `envconfig:"AMQP_EVENTS_QUEUE" default:"campaign_job_events"`
}

type RedisConfig struct {
	URL         string        `envconfig:"REDIS_URL"`
	TickLockKey string        `envconfig:"REDIS_TICK_LOCK_KEY" default:"campaign-dispatch:worker-tick"`
	TickLockTTL time.Duration `envconfig:"REDIS_TICK_LOCK_TTL" default:"25s"`

	// JobLockPrefix + job id is held while a process works on that job.
	JobLockPrefix string        `envconfig:"REDIS_JOB_LOCK_PREFIX" default:"campaign-dispatch:job:"`
	JobLockTTL    time.Duration `envconfig:"REDIS_JOB_LOCK_TTL" default:"1m"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

type WorkerConfig struct {
	// Embedded runs the queue worker inside the HTTP server process.
	Embedded bool `envconfig:"WORKER_EMBEDDED" default:"true"`
}

func (c *DBConfig) BuildDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// Load reads an optional .env file, then the process environment.
func Load(files ...string) (Config, error) {
	loaded := true
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
		loaded = false
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	cfg.DotEnvLoaded = loaded

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects policy values the dispatcher cannot run with.
func (c Config) Validate() error {
	d := c.Dispatch
	switch {
	case d.BatchSize <= 0:
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", d.BatchSize)
	case d.BatchDelay < 0:
		return fmt.Errorf("DISPATCH_BATCH_DELAY must not be negative, got %s", d.BatchDelay)
	case d.PollInterval <= 0:
		return fmt.Errorf("DISPATCH_POLL_INTERVAL must be positive, got %s", d.PollInterval)
	case d.MaxRetries < 0:
		return fmt.Errorf("DISPATCH_MAX_RETRIES must not be negative, got %d", d.MaxRetries)
	case d.BackoffCap <= 0:
		return fmt.Errorf("DISPATCH_BACKOFF_CAP must be positive, got %s", d.BackoffCap)
	case d.StaleAfter < 0:
		return fmt.Errorf("DISPATCH_STALE_AFTER must not be negative, got %s", d.StaleAfter)
	}
	if c.Redis.URL != "" && c.Redis.JobLockTTL <= 0 {
		return fmt.Errorf("REDIS_JOB_LOCK_TTL must be positive, got %s", c.Redis.JobLockTTL)
	}
	if !c.Gateway.Mock && c.Gateway.URL == "" {
		return errors.New("GATEWAY_URL is required unless GATEWAY_MOCK is set")
	}
	if c.Gateway.MockFailureRate < 0 || c.Gateway.MockFailureRate > 1 {
		return fmt.Errorf("GATEWAY_MOCK_FAILURE_RATE must be within [0,1], got %v", c.Gateway.MockFailureRate)
	}
	return nil
}
