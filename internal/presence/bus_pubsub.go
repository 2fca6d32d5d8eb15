package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const subscriptionCleanupTimeout = 5 * time.Second

// PubSubBus carries envelopes over one Google Cloud Pub/Sub topic. Each node
// owns its own subscription on that topic, so every node sees every envelope.
// The subscription is created on Subscribe and deleted when it is cancelled.
type PubSubBus struct {
	client         *pubsub.Client
	projectID      string
	topicID        string
	subscriptionID string
	publisher      *pubsub.Publisher
	logger         zerolog.Logger
}

// NewPubSubBus creates a bus on topicID. subscriptionID must be unique per
// node; the topic itself is expected to exist.
func NewPubSubBus(client *pubsub.Client, projectID, topicID, subscriptionID string, logger zerolog.Logger) (*PubSubBus, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if projectID == "" || topicID == "" || subscriptionID == "" {
		return nil, errors.New("project, topic and subscription ids are required")
	}
	return &PubSubBus{
		client:         client,
		projectID:      projectID,
		topicID:        topicID,
		subscriptionID: subscriptionID,
		publisher:      client.Publisher(topicID),
		logger:         logger.With().Str("component", "PubSubBus").Str("subscription", subscriptionID).Logger(),
	}, nil
}

func (b *PubSubBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}
	result := b.publisher.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"origin": env.Origin, "user": env.UserID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish to pubsub: %w", err)
	}
	return nil
}

func (b *PubSubBus) Subscribe(ctx context.Context, handler func(Envelope)) (func() error, error) {
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", b.projectID, b.subscriptionID)
	_, err := b.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  subName,
		Topic: fmt.Sprintf("projects/%s/topics/%s", b.projectID, b.topicID),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("failed to create pubsub subscription %s: %w", b.subscriptionID, err)
	}

	receiveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := b.client.Subscriber(b.subscriptionID).Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				b.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping malformed bus envelope")
				return
			}
			handler(env)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error().Err(err).Msg("Pub/Sub receive stopped")
		}
	}()

	b.logger.Info().Str("topic", b.topicID).Msg("Subscribed to delivery bus")
	return func() error {
		cancel()
		wg.Wait()

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), subscriptionCleanupTimeout)
		defer cleanupCancel()
		err := b.client.SubscriptionAdminClient.DeleteSubscription(cleanupCtx, &pubsubpb.DeleteSubscriptionRequest{
			Subscription: subName,
		})
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to delete pubsub subscription %s: %w", b.subscriptionID, err)
		}
		return nil
	}, nil
}

// Close flushes and stops the publisher. Publish fails afterwards.
func (b *PubSubBus) Close() {
	b.publisher.Stop()
}
