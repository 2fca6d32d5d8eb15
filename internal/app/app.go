// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// Service is a long-running component with a blocking Start and a graceful Shutdown.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the main application lifecycle. It starts the service, waits
// for an OS signal, a start failure or ctx cancellation, and then performs a
// graceful shutdown.
func Run(ctx context.Context, logger zerolog.Logger, service Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		logger.Info().Msg("Starting Trigger Relay Service...")
		err := service.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Trigger Relay Service failed")
		}
		startErr <- err
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	case runErr = <-startErr:
		startErr = nil
		logger.Info().Msg("Service stopped, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down Trigger Relay Service...")
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Trigger Relay Service shutdown failed.")
		runErr = errors.Join(runErr, err)
	}

	if startErr != nil {
		select {
		case err := <-startErr:
			runErr = errors.Join(runErr, err)
		case <-shutdownCtx.Done():
			logger.Warn().Msg("Timed out waiting for service to stop.")
		}
	}

	logger.Info().Msg("All services shut down gracefully.")
	return runErr
}
