/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (Default())
  2. Optional TOML file
  3. Environment variables with prefix LEDGER

EXAMPLE FILE:
  [http]
  port = 8080

  [store]
  driver = "postgres"
  postgres_dsn = "postgres://ledger@localhost/ledger?sslmode=disable"
  max_conns = 20

  [anchor]
  mode = "hashchain"
  timeout = "3s"

  [reconcile]
  schedule = "@every 15m"

  [log]
  level = "info"
  format = "json"

ENVIRONMENT:
  LEDGER_HTTP_PORT, LEDGER_STORE_DRIVER, LEDGER_STORE_SQLITE_PATH,
  LEDGER_STORE_POSTGRES_DSN, LEDGER_STORE_MAX_CONNS, LEDGER_STORE_MIN_CONNS,
  LEDGER_ANCHOR_MODE, LEDGER_ANCHOR_URL, LEDGER_ANCHOR_KEY,
  LEDGER_ANCHOR_TIMEOUT, LEDGER_RECONCILE_SCHEDULE, LEDGER_LOG_LEVEL,
  LEDGER_LOG_FORMAT
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGER"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	AnchorHashChain = "hashchain"
	AnchorHTTP      = "http"
)

// Duration lets TOML carry "3s" style durations.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Decode is used by envconfig.
func (d *Duration) Decode(value string) error {
	return d.UnmarshalText([]byte(value))
}

type Config struct {
	HTTP      HTTPConfig      `toml:"http" split_words:"true"`
	Store     StoreConfig     `toml:"store" split_words:"true"`
	Anchor    AnchorConfig    `toml:"anchor" split_words:"true"`
	Reconcile ReconcileConfig `toml:"reconcile" split_words:"true"`
	Log       LogConfig       `toml:"log" split_words:"true"`
}

type HTTPConfig struct {
	Port           int      `toml:"port" split_words:"true"`
	AllowedOrigins []string `toml:"allowed_origins" split_words:"true"`
}

type StoreConfig struct {
	Driver      string `toml:"driver" split_words:"true"`
	SqlitePath  string `toml:"sqlite_path" split_words:"true"`
	PostgresDSN string `toml:"postgres_dsn" split_words:"true"`
	MaxConns    int32  `toml:"max_conns" split_words:"true"`
	MinConns    int32  `toml:"min_conns" split_words:"true"`
}

type AnchorConfig struct {
	Mode    string   `toml:"mode" split_words:"true"`
	URL     string   `toml:"url" split_words:"true"`
	Key     string   `toml:"key" split_words:"true"`
	Timeout Duration `toml:"timeout" split_words:"true"`
}

type ReconcileConfig struct {
	// Schedule is a cron spec; empty disables the scheduled job.
	Schedule string `toml:"schedule" split_words:"true"`
}

type LogConfig struct {
	Level  string `toml:"level" split_words:"true"`
	Format string `toml:"format" split_words:"true"` // text or json
}

// Default returns a configuration that runs without any file or env.
func Default() Config {
	return Config{
		HTTP:      HTTPConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Store:     StoreConfig{Driver: DriverSQLite, SqlitePath: "./data/ledger.db", MaxConns: 10, MinConns: 1},
		Anchor:    AnchorConfig{Mode: AnchorHashChain, Timeout: Duration{5 * time.Second}},
		Reconcile: ReconcileConfig{Schedule: "@every 1h"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load applies the file at path (skipped when path is empty) and then the
// environment on top of Default(), and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SqlitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
		if c.Store.MaxConns <= 0 || c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
			errs = append(errs, fmt.Errorf("store.min_conns/max_conns invalid: %d/%d", c.Store.MinConns, c.Store.MaxConns))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Anchor.Mode {
	case AnchorHashChain:
		if len(c.Anchor.Key) > 64 {
			errs = append(errs, errors.New("anchor.key longer than 64 bytes"))
		}
	case AnchorHTTP:
		if c.Anchor.URL == "" {
			errs = append(errs, errors.New("anchor.url is required for http anchoring"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown anchor.mode %q", c.Anchor.Mode))
	}
	if c.Anchor.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("anchor.timeout must be positive"))
	}

	if c.Reconcile.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Logger builds the logrus logger described by the log section.
func (c Config) Logger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
