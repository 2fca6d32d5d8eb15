// Command triggerrelay runs one trigger relay node.
package main

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/cmd"
	"github.com/tinywideclouds/go-trigger-relay/internal/app"
	"github.com/tinywideclouds/go-trigger-relay/internal/telemetry"
	"github.com/tinywideclouds/go-trigger-relay/triggerservice"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).Level(logLevel()).With().
		Timestamp().
		Str("service", "go-trigger-relay").
		Logger()

	// 2. Load config.yaml and apply env overrides
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	instruments, err := telemetry.NewInstruments(nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register metrics")
	}
	deps, cleanup, err := cmd.NewDependencies(ctx, cfg, instruments, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer cleanup()

	// 4. Create the service
	service, err := triggerservice.New(cfg, deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create trigger relay service")
		cleanup()
		os.Exit(1)
	}

	// 5. Run the application
	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("port", cfg.WebSocketPort).
		Str("run_mode", cfg.RunMode).
		Msg("Trigger relay configured")
	if err := app.Run(ctx, logger, service); err != nil {
		logger.Error().Err(err).Msg("Trigger relay exited with error")
		cleanup()
		os.Exit(1)
	}
}

func logLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
