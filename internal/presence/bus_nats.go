package presence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const flushTimeout = 2 * time.Second

// NATSBus carries envelopes over core NATS subjects of the form
// `<prefix>.<user token>`. Each node subscribes to `<prefix>.*`.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSBus creates a bus on an established NATS connection.
func NewNATSBus(nc *nats.Conn, prefix string, logger zerolog.Logger) (*NATSBus, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if prefix == "" {
		prefix = "relay.deliver"
	}
	return &NATSBus{
		nc:     nc,
		prefix: prefix,
		logger: logger.With().Str("component", "NATSBus").Logger(),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject(env.UserID), payload); err != nil {
		return fmt.Errorf("failed to publish to nats: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, handler func(Envelope)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.prefix+".*", func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed bus envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to nats: %w", err)
	}
	// Make sure the server has registered the interest before we report ready.
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush nats subscription: %w", err)
	}
	b.logger.Info().Str("subject", sub.Subject).Msg("Subscribed to delivery bus")
	return sub.Unsubscribe, nil
}

// subject encodes the user id so dots or wildcards in ids cannot change the
// subject hierarchy.
func (b *NATSBus) subject(userID string) string {
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}
