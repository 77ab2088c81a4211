// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8000"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	// GraceWindow is how long a disconnected session stays resumable.
	GraceWindow time.Duration `envconfig:"SESSION_GRACE_WINDOW" default:"60s"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	BadgerPath  string `envconfig:"BADGER_PATH" default:"./data/badger"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	NATSURL   string `envconfig:"NATS_URL"`

	ClientURL  string `envconfig:"CLIENT_URL" default:"*"`
	ServerName string `envconfig:"SERVER_NAME"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "relay-1"
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			errs = append(errs, errors.New("BADGER_PATH is required for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must be positive"))
	}
	if c.GraceWindow <= 0 {
		errs = append(errs, errors.New("SESSION_GRACE_WINDOW must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TapConfig configures the relay tap process.
type TapConfig struct {
	NATSURL string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`

	// Queue is the NATS queue group shared by tap replicas.
	Queue string `envconfig:"TAP_QUEUE" default:"relaytap"`

	// RedisAddr enables offense counting and mutes when set.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// BlockedTerms replaces the built-in blocklist when set.
	BlockedTerms []string `envconfig:"BLOCKED_TERMS"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

func LoadTap() (TapConfig, error) {
	_ = godotenv.Load()

	var cfg TapConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return TapConfig{}, fmt.Errorf("config: %w", err)
	}
	if cfg.NATSURL == "" {
		return TapConfig{}, errors.New("config: NATS_URL is required for the relay tap")
	}
	return cfg, nil
}
