package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/community-ledger/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Anchor.Timeout.Duration)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
[http]
port = 9090

[store]
driver = "postgres"
postgres_dsn = "postgres://ledger@db/ledger"
max_conns = 20
min_conns = 2

[anchor]
mode = "http"
url = "http://anchor.local/receipts"
timeout = "1500ms"

[reconcile]
schedule = "@every 15m"

[log]
level = "debug"
format = "json"
`)
	t.Setenv("LEDGER_HTTP_PORT", "7070")
	t.Setenv("LEDGER_ANCHOR_TIMEOUT", "2s")
	t.Setenv("LEDGER_STORE_MAX_CONNS", "40")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port, "env overrides file")
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://ledger@db/ledger", cfg.Store.PostgresDSN)
	assert.Equal(t, int32(40), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, config.AnchorHTTP, cfg.Anchor.Mode)
	assert.Equal(t, 2*time.Second, cfg.Anchor.Timeout.Duration)
	assert.Equal(t, "@every 15m", cfg.Reconcile.Schedule)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeFile(t, `
[store]
drvier = "sqlite"
`)
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "unknown keys")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"defaults ok", func(c *config.Config) {}, ""},
		{"memory driver", func(c *config.Config) { c.Store.Driver = config.DriverMemory }, ""},
		{"bad port", func(c *config.Config) { c.HTTP.Port = 0 }, "http.port"},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without path", func(c *config.Config) { c.Store.SqlitePath = "" }, "sqlite_path"},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = config.DriverPostgres }, "postgres_dsn"},
		{"http anchor without url", func(c *config.Config) { c.Anchor.Mode = config.AnchorHTTP }, "anchor.url"},
		{"zero timeout", func(c *config.Config) { c.Anchor.Timeout.Duration = 0 }, "anchor.timeout"},
		{"bad cron", func(c *config.Config) { c.Reconcile.Schedule = "every tuesday" }, "reconcile.schedule"},
		{"disabled cron", func(c *config.Config) { c.Reconcile.Schedule = "" }, ""},
		{"bad level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = -1
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.port")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	logger := cfg.Logger()
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
