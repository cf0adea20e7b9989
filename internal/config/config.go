// Package config reads server settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer string `env:"JWT_ISSUER"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"none"`
	DatabaseURL    string `env:"DATABASE_URL"`

	MaxSessionsPerHost int           `env:"MAX_SESSIONS_PER_HOST" envDefault:"3"`
	AuthTimeout        time.Duration `env:"AUTH_TIMEOUT"          envDefault:"10s"`
	ReadTimeout        time.Duration `env:"WS_READ_TIMEOUT"       envDefault:"90s"`
	DisconnectGrace    time.Duration `env:"DISCONNECT_GRACE"      envDefault:"2m"`
	IdleTimeout        time.Duration `env:"SESSION_IDLE_TIMEOUT"  envDefault:"6h"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL"        envDefault:"30s"`
	EventLogSize       int           `env:"EVENT_LOG_SIZE"        envDefault:"1000"`
	OutboxSize         int           `env:"OUTBOX_SIZE"           envDefault:"64"`
	PersistQueueSize   int           `env:"PERSIST_QUEUE_SIZE"    envDefault:"1024"`
	PersistMaxRetry    time.Duration `env:"PERSIST_MAX_RETRY"     envDefault:"30s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for driver %q", c.DatabaseDriver)
		}
	case DriverNone:
	default:
		return fmt.Errorf("config: unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.MaxSessionsPerHost < 1 {
		return errors.New("config: MAX_SESSIONS_PER_HOST must be at least 1")
	}
	if c.EventLogSize < 1 || c.OutboxSize < 1 || c.PersistQueueSize < 1 {
		return errors.New("config: EVENT_LOG_SIZE, OUTBOX_SIZE and PERSIST_QUEUE_SIZE must be positive")
	}
	return nil
}
