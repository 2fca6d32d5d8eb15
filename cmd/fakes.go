package cmd

import (
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/internal/presence"
	"github.com/tinywideclouds/go-trigger-relay/internal/telemetry"
	"github.com/tinywideclouds/go-trigger-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-trigger-relay/triggerservice"
)

// NewFakeDependencies creates in-memory dependencies for local development.
// Presence and the bus live in-process, pushes are logged and the agent
// echoes its input.
func NewFakeDependencies(instruments *telemetry.Instruments, logger zerolog.Logger) *triggerservice.Dependencies {
	return &triggerservice.Dependencies{
		Index:       presence.NewMemoryIndex(),
		Bus:         presence.NewMemoryBus(),
		Tokens:      fakes.NewTokenStore(),
		Push:        fakes.NewPushGateway(logger),
		Responder:   fakes.NewEchoResponder(),
		Instruments: instruments,
	}
}
