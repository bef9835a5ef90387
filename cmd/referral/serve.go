package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/referral-ledger/api"
)

func getServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "migrate if needed, then serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// serve runs the HTTP server until SIGINT/SIGTERM.
//
// GRACEFUL SHUTDOWN:
//  1. Stop the audit scheduler
//  2. Stop accepting new connections
//  3. Wait for active requests to complete (30s timeout)
//  4. Close database connection
func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := a.logger

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	handler := api.NewHandler(store, api.Options{
		Logger:              log,
		DefaultRewardPoints: a.cfg.Referral.DefaultRewardPoints,
		TokenLength:         a.cfg.Referral.TokenLength,
	})

	// Nothing is served from an unconverted ledger.
	report, err := handler.Migrator.MigrateIfNeeded(ctx)
	if err != nil {
		return err
	}
	if report.Performed {
		log.Info("legacy database converted", zap.String("backup_table", report.BackupTable))
	}

	router := api.NewRouter(handler, a.cfg.Server.CORS.AllowOrigins)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := api.NewAuditScheduler(handler, a.cfg.Audit.Interval)
	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", a.cfg.Server.Port),
			zap.String("db", a.cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
