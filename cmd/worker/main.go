// Package main runs the deposit monitor worker together with the admin API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deposit-settlement/internal/app"
	"github.com/deposit-settlement/internal/config"
	"github.com/deposit-settlement/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build application")
	}
	defer a.Close()

	if err := a.Worker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start monitor worker")
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.Info("Deposit settlement worker running")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("API server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}
	if err := a.Worker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Monitor worker shutdown failed")
	}

	logger.Info("Shutdown complete")
}
