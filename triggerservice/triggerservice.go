// Package triggerservice wires the relay components into one runnable node.
package triggerservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/internal/agent"
	"github.com/tinywideclouds/go-trigger-relay/internal/dispatch"
	"github.com/tinywideclouds/go-trigger-relay/internal/notify"
	"github.com/tinywideclouds/go-trigger-relay/internal/presence"
	"github.com/tinywideclouds/go-trigger-relay/internal/realtime"
	"github.com/tinywideclouds/go-trigger-relay/internal/telemetry"
	"github.com/tinywideclouds/go-trigger-relay/triggerservice/config"
)

const bannerText = "trigger relay running"

// Dependencies are the backend adapters a node runs on. The cmd entrypoint
// builds them from config; tests hand in fakes.
type Dependencies struct {
	Index       presence.Index
	Bus         presence.Bus
	Tokens      notify.TokenResolver
	Push        notify.PushGateway
	Responder   agent.Responder
	Instruments *telemetry.Instruments
}

// Wrapper owns the HTTP server and every component behind it.
type Wrapper struct {
	cfg         *config.AppConfig
	server      *http.Server
	registry    *realtime.Registry
	fabric      *presence.Fabric
	connManager *realtime.ConnectionManager
	dispatcher  *dispatch.Dispatcher
	listener    net.Listener
	ready       atomic.Bool
	logger      zerolog.Logger
}

// New creates and wires up the relay node.
func New(cfg *config.AppConfig, deps *Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if deps == nil || deps.Index == nil || deps.Bus == nil || deps.Tokens == nil || deps.Push == nil || deps.Responder == nil {
		return nil, errors.New("all dependencies are required")
	}

	reporter := telemetry.NewReporter(logger, deps.Instruments)
	registry := realtime.NewRegistry()

	fabric, err := presence.NewFabric(presence.Config{
		NodeID:            cfg.NodeID,
		QueryTimeout:      cfg.Presence.QueryTimeout,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		NodeTTL:           cfg.Presence.NodeTTL,
		WriteTimeout:      cfg.WriteTimeout,
	}, registry, deps.Index, deps.Bus, reporter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence fabric: %w", err)
	}

	bridge, err := agent.NewBridge(deps.Responder, cfg.Agent.Timeout, reporter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent bridge: %w", err)
	}

	notifier, err := notify.NewService(notify.Config{
		Title:   cfg.Push.Title,
		Sound:   cfg.Push.Sound,
		Timeout: cfg.Push.Timeout,
	}, deps.Tokens, deps.Push, reporter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification fallback: %w", err)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		AgentRole:        cfg.Agent.Role,
		MaxConcurrency:   cfg.Dispatch.MaxConcurrency,
		DedupeRecipients: cfg.Dispatch.DedupeRecipients,
	}, dispatch.Dependencies{
		Fabric:      fabric,
		Agent:       bridge,
		Notifier:    notifier,
		Reporter:    reporter,
		Instruments: deps.Instruments,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	connManager := realtime.NewConnectionManager(registry, dispatcher, realtime.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		EventTimeout:   cfg.EventTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, logger)

	w := &Wrapper{
		cfg:         cfg,
		registry:    registry,
		fabric:      fabric,
		connManager: connManager,
		dispatcher:  dispatcher,
		logger:      logger.With().Str("component", "TriggerService").Str("node", cfg.NodeID).Logger(),
	}
	w.server = &http.Server{
		Addr:              ":" + cfg.WebSocketPort,
		Handler:           w.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return w, nil
}

func (w *Wrapper) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = rw.Write([]byte(bannerText))
	})
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /readyz", func(rw http.ResponseWriter, _ *http.Request) {
		if !w.ready.Load() {
			http.Error(rw, "not ready", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("READY"))
	})
	mux.Handle("GET /connect", w.connManager)
	return mux
}

// Registry exposes this node's connection registry.
func (w *Wrapper) Registry() *realtime.Registry { return w.registry }

// Addr returns the bound listener address once Start has begun serving.
func (w *Wrapper) Addr() string {
	if !w.ready.Load() {
		return ""
	}
	return w.listener.Addr().String()
}

// Ready reports whether the node accepts connections.
func (w *Wrapper) Ready() bool { return w.ready.Load() }

// Start brings up the presence fabric, binds the listener and serves until
// Shutdown. It returns once the server has stopped.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Presence fabric starting...")
	if err := w.fabric.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence fabric: %w", err)
	}

	listener, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		if stopErr := w.fabric.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			w.logger.Error().Err(stopErr).Msg("Presence fabric stop failed.")
		}
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.listener = listener
	w.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP listener is active.")
	w.ready.Store(true)
	w.logger.Info().Msg("Service is now ready.")

	if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.ready.Store(false)
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops all service components in the correct order:
// stop accepting, close clients and drain events, then withdraw presence.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)

	var errs []error
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		errs = append(errs, err)
	}
	if err := w.connManager.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Connection manager shutdown failed.")
		errs = append(errs, err)
	}
	if err := w.fabric.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Presence fabric shutdown failed.")
		errs = append(errs, err)
	}

	w.logger.Info().Msg("All components shut down.")
	return errors.Join(errs...)
}
