package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

const (
	scanBatchSize       = 100
	maxConcurrentLookup = 8
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// RedisTokenStore reads device tokens stored under `DeviceToken:{user}:{device}`.
// It is read-only; tokens are registered by another service.
type RedisTokenStore struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisTokenStore is the constructor for the RedisTokenStore.
func NewRedisTokenStore(client redisClient, logger zerolog.Logger) (*RedisTokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisTokenStore{
		client: client,
		logger: logger.With().Str("component", "RedisTokenStore").Logger(),
	}, nil
}

// ResolveTokens looks every user up concurrently and returns their tokens
// grouped in user order. Duplicates are not removed.
func (s *RedisTokenStore) ResolveTokens(ctx context.Context, userIDs []string) ([]relay.DeviceToken, error) {
	perUser := make([][]relay.DeviceToken, len(userIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookup)
	for i, userID := range userIDs {
		g.Go(func() error {
			tokens, err := s.userTokens(gctx, userID)
			if err != nil {
				return err
			}
			perUser[i] = tokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []relay.DeviceToken
	for _, tokens := range perUser {
		out = append(out, tokens...)
	}
	s.logger.Debug().Int("users", len(userIDs)).Int("tokens", len(out)).Msg("Resolved device tokens")
	return out, nil
}

func (s *RedisTokenStore) userTokens(ctx context.Context, userID string) ([]relay.DeviceToken, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, tokenPattern(userID), scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan device tokens for %s: %w", userID, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read device tokens for %s: %w", userID, err)
	}
	tokens := make([]relay.DeviceToken, 0, len(values))
	for _, v := range values {
		// A key can expire between SCAN and MGET.
		token, ok := v.(string)
		if !ok || token == "" {
			continue
		}
		tokens = append(tokens, relay.DeviceToken(token))
	}
	return tokens, nil
}

func tokenPattern(userID string) string { return fmt.Sprintf("DeviceToken:%s:*", userID) }
