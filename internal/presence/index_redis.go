package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	redis.Scripter
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// removeScript decrements a node's channel count and drops the field once it
// reaches zero, atomically so a concurrent Add cannot be lost.
var removeScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	redis.call('SREM', KEYS[2], ARGV[2])
end
return n
`)

// heartbeatScript refreshes a liveness key and reports whether it existed.
var heartbeatScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return existed
`)

// sweepScript drops a dead node's entry for one user. The liveness key is
// checked again so a node that heartbeated in between keeps its entry.
var sweepScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)

// RedisIndex implements Index using Redis.
// It keeps three kinds of keys:
//  1. `presence:{user}`: hash of node id -> channel count.
//  2. `presence:node:{node}`: liveness key with a TTL refreshed by heartbeats.
//  3. `presence:node:{node}:users`: set of users the node has entries for,
//     used to withdraw them in one sweep.
type RedisIndex struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisIndex is the constructor for the RedisIndex.
func NewRedisIndex(client redisClient, logger zerolog.Logger) (*RedisIndex, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisIndex{
		client: client,
		logger: logger.With().Str("component", "RedisPresenceIndex").Logger(),
	}, nil
}

func (s *RedisIndex) Add(ctx context.Context, userID, nodeID string) error {
	if err := s.client.HIncrBy(ctx, userKey(userID), nodeID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment presence count: %w", err)
	}
	if err := s.client.SAdd(ctx, nodeUsersKey(nodeID), userID).Err(); err != nil {
		return fmt.Errorf("failed to track user on node: %w", err)
	}
	s.logger.Debug().Str("user", userID).Msg("Presence entry added")
	return nil
}

func (s *RedisIndex) Remove(ctx context.Context, userID, nodeID string) error {
	keys := []string{userKey(userID), nodeUsersKey(nodeID)}
	if err := removeScript.Run(ctx, s.client, keys, nodeID, userID).Err(); err != nil {
		return fmt.Errorf("failed to decrement presence count: %w", err)
	}
	s.logger.Debug().Str("user", userID).Msg("Presence entry removed")
	return nil
}

// Online is true iff some node with a positive count for the user still has
// a live liveness key. Entries of nodes whose key has expired are swept.
func (s *RedisIndex) Online(ctx context.Context, userID string) (bool, error) {
	entries, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence entries: %w", err)
	}

	online := false
	for nodeID, raw := range entries {
		alive, err := s.client.Exists(ctx, nodeKey(nodeID)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check node liveness: %w", err)
		}
		if alive == 0 {
			s.sweep(ctx, userID, nodeID)
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn().Str("user", userID).Str("node", nodeID).Msg("Ignoring malformed presence count")
			continue
		}
		if count > 0 {
			online = true
		}
	}
	return online, nil
}

func (s *RedisIndex) sweep(ctx context.Context, userID, nodeID string) {
	keys := []string{nodeKey(nodeID), userKey(userID), nodeUsersKey(nodeID)}
	swept, err := sweepScript.Run(ctx, s.client, keys, nodeID, userID).Int64()
	if err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Str("node", nodeID).Msg("Failed to sweep dead node entry")
		return
	}
	if swept == 1 {
		s.logger.Debug().Str("user", userID).Str("node", nodeID).Msg("Swept dead node entry")
	}
}

func (s *RedisIndex) Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	existed, err := heartbeatScript.Run(ctx, s.client, []string{nodeKey(nodeID)}, stamp, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh node liveness: %w", err)
	}
	return existed == 0, nil
}

func (s *RedisIndex) ResetNode(ctx context.Context, nodeID string) error {
	users, err := s.client.SMembers(ctx, nodeUsersKey(nodeID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list node users: %w", err)
	}
	for _, userID := range users {
		if err := s.client.HDel(ctx, userKey(userID), nodeID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to clear presence entry during reset")
		}
	}
	if err := s.client.Del(ctx, nodeUsersKey(nodeID), nodeKey(nodeID)).Err(); err != nil {
		return fmt.Errorf("failed to clear node keys: %w", err)
	}
	if len(users) > 0 {
		s.logger.Info().Int("count", len(users)).Msg("Cleared presence entries for node")
	}
	return nil
}

func userKey(userID string) string      { return fmt.Sprintf("presence:%s", userID) }
func nodeKey(nodeID string) string      { return fmt.Sprintf("presence:node:%s", nodeID) }
func nodeUsersKey(nodeID string) string { return fmt.Sprintf("presence:node:%s:users", nodeID) }
