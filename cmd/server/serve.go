package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/community-ledger/api"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API and the scheduled reconcile job.

On SIGINT/SIGTERM the server stops accepting connections, waits up to 30s
for active requests and the running reconcile pass, then closes the store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides http.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.HTTP.Port = port
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	handler := api.NewHandler(a.svc, log)
	if a.chain != nil {
		handler.Verifier = a.chain
	}

	scheduler, err := api.NewReconcileScheduler(a.svc, cfg.Reconcile.Schedule, log)
	if err != nil {
		return fmt.Errorf("reconcile schedule: %w", err)
	}
	scheduler.Timeout = 10 * time.Minute
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Gatherer:       a.registry,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.HTTP.Port,
			"store":  cfg.Store.Driver,
			"anchor": cfg.Anchor.Mode,
		}).Info("ledger server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	scheduler.Start()

	select {
	case err := <-errCh:
		if err != nil {
			scheduler.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("reconcile pass still running at shutdown")
	}

	log.Info("server stopped")
	return nil
}
