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

	"github.com/warp/freight-sla/api"
)

// =============================================================================
// SERVE - HTTP API with graceful shutdown
// =============================================================================
//
// STARTUP SEQUENCE:
//   1. Open the record store
//   2. Build handler and router from the profile
//   3. Start the alert scheduler and, when configured, the inbox watcher
//   4. Serve until SIGINT/SIGTERM
//
// GRACEFUL SHUTDOWN:
//   1. Stop accepting new connections
//   2. Wait for active requests to complete (30s timeout)
//   3. Stop the inbox watcher and scheduler
//   4. Close the store

func newServeCmd(a *app) *cobra.Command {
	var (
		port          int
		inbox         string
		alertInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}
			if cmd.Flags().Changed("inbox") {
				a.cfg.InboxDir = inbox
			}
			if cmd.Flags().Changed("alert-interval") {
				a.cfg.AlertInterval = alertInterval
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port")
	cmd.Flags().StringVar(&inbox, "inbox", "", "drop folder to watch for exports")
	cmd.Flags().DurationVar(&alertInterval, "alert-interval", time.Hour, "alert evaluation period (0 disables)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	handler := api.NewHandler(store, a.profile, a.cfg.Workers, a.logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := api.NewAlertScheduler(store, a.profile.AlertEngine(), a.logger)
	scheduler.CheckInterval = a.cfg.AlertInterval
	scheduler.Start()
	defer scheduler.Stop()

	if a.cfg.InboxDir != "" {
		inbox := api.NewInboxWatcher(a.cfg.InboxDir, handler.Pipeline, a.logger)
		if err := inbox.Start(ctx); err != nil {
			return err
		}
		defer inbox.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"port":    a.cfg.Port,
			"driver":  a.cfg.DB.Driver,
			"profile": a.profile.Name,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
