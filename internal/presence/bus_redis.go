package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBus carries envelopes over Redis Pub/Sub channels of the form
// `<prefix>:<user>`. Each node pattern-subscribes to `<prefix>:*`.
type RedisBus struct {
	client redisPubSubClient
	prefix string
	logger zerolog.Logger
}

// NewRedisBus creates a bus on a Redis client.
func NewRedisBus(client redisPubSubClient, prefix string, logger zerolog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "relay:deliver"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "RedisBus").Logger(),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+":"+env.UserID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(Envelope)) (func() error, error) {
	pattern := b.prefix + ":*"
	ps := b.client.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so no publish after this returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to redis pattern %s: %w", pattern, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed bus envelope")
				continue
			}
			handler(env)
		}
	}()

	b.logger.Info().Str("pattern", pattern).Msg("Subscribed to delivery bus")
	return ps.Close, nil
}
