package config

import (
	"fmt"
	"time"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlPresenceConfig struct {
	Type              string `yaml:"type"` // "redis" or "memory"
	QueryTimeout      string `yaml:"query_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	NodeTTL           string `yaml:"node_ttl"`
}

type YamlNATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type YamlRedisBusConfig struct {
	ChannelPrefix string `yaml:"channel_prefix"`
}

type YamlPubSubBusConfig struct {
	ProjectID          string `yaml:"project_id"`
	TopicID            string `yaml:"topic_id"`
	SubscriptionPrefix string `yaml:"subscription_prefix"`
}

type YamlBusConfig struct {
	Type   string              `yaml:"type"` // "nats", "redis", "pubsub" or "memory"
	NATS   YamlNATSConfig      `yaml:"nats"`
	Redis  YamlRedisBusConfig  `yaml:"redis"`
	PubSub YamlPubSubBusConfig `yaml:"pubsub"`
}

type YamlDispatchConfig struct {
	MaxConcurrency   int  `yaml:"max_concurrency"`
	DedupeRecipients bool `yaml:"dedupe_recipients"`
}

type YamlAgentConfig struct {
	Role    string `yaml:"role"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type YamlPushConfig struct {
	Type       string `yaml:"type"` // "expo" or "log"
	GatewayURL string `yaml:"gateway_url"`
	Title      string `yaml:"title"`
	Sound      string `yaml:"sound"`
	Timeout    string `yaml:"timeout"`
}

type YamlTokenStoreConfig struct {
	Type string `yaml:"type"` // "redis" or "memory"
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode        string               `yaml:"run_mode"`
	NodeID         string               `yaml:"node_id"`
	WebSocketPort  string               `yaml:"websocket_port"`
	AllowedOrigins []string             `yaml:"allowed_origins"`
	EventTimeout   string               `yaml:"event_timeout"`
	WriteTimeout   string               `yaml:"write_timeout"`
	Redis          YamlRedisConfig      `yaml:"redis"`
	Presence       YamlPresenceConfig   `yaml:"presence"`
	Bus            YamlBusConfig        `yaml:"bus"`
	Dispatch       YamlDispatchConfig   `yaml:"dispatch"`
	Agent          YamlAgentConfig      `yaml:"agent"`
	Push           YamlPushConfig       `yaml:"push"`
	TokenStore     YamlTokenStoreConfig `yaml:"token_store"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Duration strings are parsed here; an empty duration keeps its zero value and
// the owning component applies its default.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	var p durationParser
	appCfg := &AppConfig{
		RunMode:        yamlCfg.RunMode,
		NodeID:         yamlCfg.NodeID,
		WebSocketPort:  yamlCfg.WebSocketPort,
		AllowedOrigins: yamlCfg.AllowedOrigins,
		EventTimeout:   p.parse("event_timeout", yamlCfg.EventTimeout),
		WriteTimeout:   p.parse("write_timeout", yamlCfg.WriteTimeout),
		Redis:          RedisConfig(yamlCfg.Redis),
		Presence: PresenceConfig{
			Type:              yamlCfg.Presence.Type,
			QueryTimeout:      p.parse("presence.query_timeout", yamlCfg.Presence.QueryTimeout),
			HeartbeatInterval: p.parse("presence.heartbeat_interval", yamlCfg.Presence.HeartbeatInterval),
			NodeTTL:           p.parse("presence.node_ttl", yamlCfg.Presence.NodeTTL),
		},
		Bus: BusConfig{
			Type:               yamlCfg.Bus.Type,
			NATSURL:            yamlCfg.Bus.NATS.URL,
			NATSSubjectPrefix:  yamlCfg.Bus.NATS.SubjectPrefix,
			RedisChannelPrefix: yamlCfg.Bus.Redis.ChannelPrefix,
			PubSubProjectID:    yamlCfg.Bus.PubSub.ProjectID,
			PubSubTopicID:      yamlCfg.Bus.PubSub.TopicID,
			PubSubSubPrefix:    yamlCfg.Bus.PubSub.SubscriptionPrefix,
		},
		Dispatch: DispatchConfig(yamlCfg.Dispatch),
		Agent: AgentConfig{
			Role:    yamlCfg.Agent.Role,
			URL:     yamlCfg.Agent.URL,
			Timeout: p.parse("agent.timeout", yamlCfg.Agent.Timeout),
		},
		Push: PushConfig{
			Type:       yamlCfg.Push.Type,
			GatewayURL: yamlCfg.Push.GatewayURL,
			Title:      yamlCfg.Push.Title,
			Sound:      yamlCfg.Push.Sound,
			Timeout:    p.parse("push.timeout", yamlCfg.Push.Timeout),
		},
		TokenStoreType: yamlCfg.TokenStore.Type,
	}
	if p.err != nil {
		return nil, p.err
	}
	return appCfg, nil
}

// durationParser keeps the first parse error so the mapping above stays flat.
type durationParser struct {
	err error
}

func (p *durationParser) parse(key, raw string) time.Duration {
	if raw == "" || p.err != nil {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid duration for %s: %w", key, err)
		return 0
	}
	return d
}
