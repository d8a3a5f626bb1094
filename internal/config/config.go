package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/relaydesk/triage/internal/escalation"
	"github.com/relaydesk/triage/internal/pipeline"
)

// Config is the complete, immutable process configuration. It is resolved
// once at startup; changing thresholds requires a restart so every
// decision in a process lifetime is made against one consistent set.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Store     StoreConfig            `yaml:"store"`
	Engine    escalation.Config      `yaml:"engine"`
	Pipeline  pipeline.StageTimeouts `yaml:"pipeline"`
	Knowledge KnowledgeConfig        `yaml:"knowledge"`
	Kafka     KafkaConfig            `yaml:"kafka"`
	Log       LogConfig              `yaml:"log"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" envconfig:"SERVER_ADDR"`
	AuthToken string `yaml:"auth_token" envconfig:"AUTH_TOKEN"`
	MCP       bool   `yaml:"mcp" envconfig:"SERVER_MCP"`
}

type StoreConfig struct {
	// Backend selects the conversation store: memory, sqlite or redis.
	Backend   string        `yaml:"backend" envconfig:"STORE_BACKEND"`
	DataDir   string        `yaml:"data_dir" envconfig:"STORE_DATA_DIR"`
	RedisAddr string        `yaml:"redis_addr" envconfig:"STORE_REDIS_ADDR"`
	RedisTTL  time.Duration `yaml:"redis_ttl" envconfig:"STORE_REDIS_TTL"`
}

// SourceConfig declares one knowledge source and the intents it serves.
type SourceConfig struct {
	ID            string   `yaml:"id"`
	Type          string   `yaml:"type"` // static or http
	Path          string   `yaml:"path,omitempty"`
	URL           string   `yaml:"url,omitempty"`
	Intents       []string `yaml:"intents"`
	Authoritative bool     `yaml:"authoritative,omitempty"`
}

type KnowledgeConfig struct {
	Sources       []SourceConfig `yaml:"sources"`
	SourceTimeout time.Duration  `yaml:"source_timeout" envconfig:"KNOWLEDGE_SOURCE_TIMEOUT"`
	MaxRetries    uint64         `yaml:"max_retries" envconfig:"KNOWLEDGE_MAX_RETRIES"`
	RetryInterval time.Duration  `yaml:"retry_interval" envconfig:"KNOWLEDGE_RETRY_INTERVAL"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers" envconfig:"KAFKA_BROKERS"`
	EscalationTopic string   `yaml:"escalation_topic" envconfig:"KAFKA_ESCALATION_TOPIC"`
	EventTopic      string   `yaml:"event_topic" envconfig:"KAFKA_EVENT_TOPIC"`
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // text or json
}

type MetricsConfig struct {
	Buffer int `yaml:"buffer" envconfig:"METRICS_BUFFER"`
	Window int `yaml:"window" envconfig:"METRICS_WINDOW"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":4600",
		},
		Store: StoreConfig{
			Backend:  "memory",
			DataDir:  defaultDataDir(),
			RedisTTL: 7 * 24 * time.Hour,
		},
		Engine: escalation.Config{
			MonetaryCap:      50,
			RecencyWindow:    30 * 24 * time.Hour,
			FrustrationTurns: 3,
			RelevanceFloor:   0.40,
			RepeatWindow:     30 * 24 * time.Hour,
			RepeatCount:      2,
			Queues: escalation.Queues{
				Safety:  "safety-response",
				Billing: "billing-review",
				General: "general-support",
			},
		},
		Pipeline: pipeline.StageTimeouts{
			Classify: 2 * time.Second,
			Resolve:  5 * time.Second,
			Decide:   2 * time.Second,
			Compose:  2 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			SourceTimeout: 2 * time.Second,
			MaxRetries:    2,
			RetryInterval: 100 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			EscalationTopic: "triage.escalations",
			EventTopic:      "triage.kpi-events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Buffer: 1024,
			Window: 2048,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.triage"
	}
	return ".triage"
}

// Load resolves configuration in precedence order: built-in defaults, then
// the YAML file at path (skipped when path is empty), then TRIAGE_*
// environment variables. The result is validated before being returned.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("triage", &cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with. Threshold
// errors are fatal at startup, never defaulted silently at decision time.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store: sqlite backend requires data_dir")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store: redis backend requires redis_addr")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	seen := make(map[string]bool, len(c.Knowledge.Sources))
	for i, src := range c.Knowledge.Sources {
		if src.ID == "" {
			return fmt.Errorf("knowledge: source %d has no id", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("knowledge: duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
		switch src.Type {
		case "static":
			if src.Path == "" {
				return fmt.Errorf("knowledge: static source %q requires path", src.ID)
			}
		case "http":
			if src.URL == "" {
				return fmt.Errorf("knowledge: http source %q requires url", src.ID)
			}
		default:
			return fmt.Errorf("knowledge: source %q has unknown type %q", src.ID, src.Type)
		}
		if len(src.Intents) == 0 {
			return fmt.Errorf("knowledge: source %q serves no intents", src.ID)
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}

	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.EscalationTopic == "" || c.Kafka.EventTopic == "" {
			return fmt.Errorf("kafka: brokers configured but topics missing")
		}
	}

	return nil
}
