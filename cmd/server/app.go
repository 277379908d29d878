package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/community-ledger/anchor"
	"github.com/warp/community-ledger/config"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/metrics"
	"github.com/warp/community-ledger/service"
	"github.com/warp/community-ledger/storage"
	"github.com/warp/community-ledger/storage/memory"
	"github.com/warp/community-ledger/storage/postgres"
	"github.com/warp/community-ledger/storage/sqlite"
)

// app holds the dependencies shared by every command.
type app struct {
	store    storage.Store
	chain    *anchor.HashChain // nil unless anchoring with the hash chain
	registry *prometheus.Registry
	svc      *service.Service
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a := &app{store: store, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var anchorer ledger.Anchorer
	switch cfg.Anchor.Mode {
	case config.AnchorHTTP:
		anchorer = anchor.NewHTTPClient(cfg.Anchor.URL, nil)
	default:
		a.chain, err = anchor.NewHashChain([]byte(cfg.Anchor.Key))
		if err != nil {
			store.Close()
			return nil, err
		}
		anchorer = a.chain
	}

	a.svc = service.New(store, anchorer, service.Options{
		AnchorTimeout: cfg.Anchor.Timeout.Duration,
		Logger:        log,
		Metrics:       metrics.New(a.registry),
	})
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(ctx context.Context, sc config.StoreConfig) (storage.Store, error) {
	switch sc.Driver {
	case config.DriverMemory:
		log.Warn("using the in-memory store, data is lost on exit")
		return memory.New(), nil
	case config.DriverPostgres:
		return postgres.New(ctx, sc.PostgresDSN, postgres.PoolOptions{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	case config.DriverSQLite:
		if sc.SqlitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.SqlitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		return sqlite.New(sc.SqlitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}
