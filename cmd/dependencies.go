package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-trigger-relay/internal/agent"
	"github.com/tinywideclouds/go-trigger-relay/internal/notify"
	"github.com/tinywideclouds/go-trigger-relay/internal/presence"
	"github.com/tinywideclouds/go-trigger-relay/internal/telemetry"
	"github.com/tinywideclouds/go-trigger-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-trigger-relay/triggerservice"
	"github.com/tinywideclouds/go-trigger-relay/triggerservice/config"
)

// NewDependencies builds the backend adapters selected in cfg. The returned
// cleanup closes any connections that were opened.
func NewDependencies(ctx context.Context, cfg *config.AppConfig, instruments *telemetry.Instruments, logger zerolog.Logger) (*triggerservice.Dependencies, func(), error) {
	if cfg.IsLocal() {
		logger.Info().Msg("Running with in-memory dependencies")
		return NewFakeDependencies(instruments, logger), func() {}, nil
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("Failed to close dependency")
			}
		}
	}
	fail := func(err error) (*triggerservice.Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		logger.Debug().Str("addr", cfg.Redis.Addr).Msg("Connecting to Redis")
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
	}

	deps := &triggerservice.Dependencies{Instruments: instruments}
	var err error

	switch cfg.Presence.Type {
	case config.BackendRedis:
		deps.Index, err = presence.NewRedisIndex(rdb, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create presence index: %w", err))
		}
	default:
		deps.Index = presence.NewMemoryIndex()
	}

	switch cfg.Bus.Type {
	case config.BackendNATS:
		logger.Debug().Str("url", cfg.Bus.NATSURL).Msg("Connecting to NATS")
		nc, err := nats.Connect(cfg.Bus.NATSURL,
			nats.Name("trigger-relay-"+cfg.NodeID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to nats: %w", err))
		}
		closers = append(closers, func() error { return nc.Drain() })
		deps.Bus, err = presence.NewNATSBus(nc, cfg.Bus.NATSSubjectPrefix, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create nats bus: %w", err))
		}
	case config.BackendRedis:
		deps.Bus, err = presence.NewRedisBus(rdb, cfg.Bus.RedisChannelPrefix, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create redis bus: %w", err))
		}
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Bus.PubSubProjectID)
		if err != nil {
			return fail(fmt.Errorf("failed to create pubsub client: %w", err))
		}
		closers = append(closers, client.Close)
		prefix := cfg.Bus.PubSubSubPrefix
		if prefix == "" {
			prefix = cfg.Bus.PubSubTopicID
		}
		bus, err := presence.NewPubSubBus(client, cfg.Bus.PubSubProjectID, cfg.Bus.PubSubTopicID, prefix+"-"+cfg.NodeID, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create pubsub bus: %w", err))
		}
		closers = append(closers, func() error { bus.Close(); return nil })
		deps.Bus = bus
	default:
		deps.Bus = presence.NewMemoryBus()
	}

	switch cfg.TokenStoreType {
	case config.BackendRedis:
		deps.Tokens, err = notify.NewRedisTokenStore(rdb, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create token store: %w", err))
		}
	default:
		deps.Tokens = fakes.NewTokenStore()
	}

	httpClient := &http.Client{}
	switch cfg.Push.Type {
	case config.BackendExpo:
		deps.Push, err = notify.NewExpoGateway(cfg.Push.GatewayURL, httpClient, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create push gateway: %w", err))
		}
	default:
		deps.Push = fakes.NewPushGateway(logger)
	}

	deps.Responder, err = agent.NewHTTPResponder(cfg.Agent.URL, httpClient, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create agent responder: %w", err))
	}

	return deps, cleanup, nil
}
