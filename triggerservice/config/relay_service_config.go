package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Backend names accepted in config.yaml.
const (
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendPubSub = "pubsub"
	BackendMemory = "memory"
	BackendExpo   = "expo"
	BackendLog    = "log"

	RunModeLocal = "local"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PresenceConfig struct {
	Type              string
	QueryTimeout      time.Duration
	HeartbeatInterval time.Duration
	NodeTTL           time.Duration
}

type BusConfig struct {
	Type               string
	NATSURL            string
	NATSSubjectPrefix  string
	RedisChannelPrefix string
	PubSubProjectID    string
	PubSubTopicID      string
	PubSubSubPrefix    string
}

type DispatchConfig struct {
	MaxConcurrency   int
	DedupeRecipients bool
}

type AgentConfig struct {
	Role    string
	URL     string
	Timeout time.Duration
}

type PushConfig struct {
	Type       string
	GatewayURL string
	Title      string
	Sound      string
	Timeout    time.Duration
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	RunMode        string
	NodeID         string
	WebSocketPort  string
	AllowedOrigins []string
	EventTimeout   time.Duration
	WriteTimeout   time.Duration
	Redis          RedisConfig
	Presence       PresenceConfig
	Bus            BusConfig
	Dispatch       DispatchConfig
	Agent          AgentConfig
	Push           PushConfig
	TokenStoreType string
}

// IsLocal reports whether the service runs with in-process backends.
func (c *AppConfig) IsLocal() bool { return c.RunMode == RunModeLocal }

// UsesRedis reports whether any configured backend needs a Redis connection.
func (c *AppConfig) UsesRedis() bool {
	return c.Presence.Type == BackendRedis || c.Bus.Type == BackendRedis || c.TokenStoreType == BackendRedis
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*target = v
		}
	}
	override("RUN_MODE", &cfg.RunMode)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("NODE_ID", &cfg.NodeID)
	override("REDIS_ADDR", &cfg.Redis.Addr)
	override("NATS_URL", &cfg.Bus.NATSURL)
	override("GCP_PROJECT_ID", &cfg.Bus.PubSubProjectID)
	override("AGENT_URL", &cfg.Agent.URL)
	override("EXPO_URL", &cfg.Push.GatewayURL)

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Str("source", "env").Msg("Overriding config value")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.AllowedOrigins = cleanOrigins
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		logger.Debug().Str("node_id", cfg.NodeID).Msg("Generated node id")
	}

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *AppConfig) error {
	if cfg.WebSocketPort == "" {
		return fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if err := checkBackend("presence.type", cfg.Presence.Type, BackendRedis, BackendMemory); err != nil {
		return err
	}
	if err := checkBackend("bus.type", cfg.Bus.Type, BackendNATS, BackendRedis, BackendPubSub, BackendMemory); err != nil {
		return err
	}
	if err := checkBackend("token_store.type", cfg.TokenStoreType, BackendRedis, BackendMemory); err != nil {
		return err
	}
	if err := checkBackend("push.type", cfg.Push.Type, BackendExpo, BackendLog); err != nil {
		return err
	}
	if cfg.UsesRedis() && cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is not set in config or env var")
	}
	if cfg.Bus.Type == BackendNATS && cfg.Bus.NATSURL == "" {
		return fmt.Errorf("NATS_URL is not set in config or env var")
	}
	if cfg.Bus.Type == BackendPubSub && cfg.Bus.PubSubProjectID == "" {
		return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
	}
	if cfg.Bus.Type == BackendPubSub && cfg.Bus.PubSubTopicID == "" {
		return fmt.Errorf("bus.pubsub.topic_id is required for the pubsub bus")
	}
	if cfg.Push.Type == BackendExpo && cfg.Push.GatewayURL == "" {
		return fmt.Errorf("EXPO_URL is not set in config or env var")
	}
	if !cfg.IsLocal() && cfg.Agent.URL == "" {
		return fmt.Errorf("AGENT_URL is not set in config or env var")
	}
	// The agent reply and typing:stop are sent after the call returns, so the
	// call has to give up before the event does.
	if cfg.EventTimeout > 0 && cfg.Agent.Timeout >= cfg.EventTimeout {
		return fmt.Errorf("agent.timeout (%s) must be shorter than event_timeout (%s)", cfg.Agent.Timeout, cfg.EventTimeout)
	}
	return nil
}

func checkBackend(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
