// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	// AgentID identifies this replica. Defaults to the hostname.
	AgentID string `yaml:"agent_id"`

	// SyncInterval is the background sync loop period.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// DeliverTimeout bounds each per-peer delivery call.
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`

	Log     LogConfig     `yaml:"log"`
	Broker  BrokerConfig  `yaml:"broker"`
	OpLog   OpLogConfig   `yaml:"oplog"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BrokerConfig selects and configures the operation transport.
type BrokerConfig struct {
	Type  string      `yaml:"type"` // inmemory, kafka
	Topic string      `yaml:"topic"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds the Kafka transport settings.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
	GroupID  string   `yaml:"group_id"`
}

// OpLogConfig selects the operation log backend.
type OpLogConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite
	Path    string `yaml:"path"`    // sqlite database path; empty = in-memory database
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	hostname, _ := os.Hostname() //nolint:errcheck
	if hostname == "" {
		hostname = "memsync"
	}
	return &Config{
		AgentID:        hostname,
		SyncInterval:   5 * time.Second,
		DeliverTimeout: 5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Broker: BrokerConfig{
			Type:  "inmemory",
			Topic: "memsync.operations",
			Kafka: KafkaConfig{
				Brokers:  []string{getEnvOrDefault("KAFKA_BROKERS", "localhost:9092")},
				ClientID: getEnvOrDefault("KAFKA_CLIENT_ID", "memsync"),
				GroupID:  getEnvOrDefault("KAFKA_GROUP_ID", "memsync-replicas"),
			},
		},
		OpLog: OpLogConfig{
			Backend: "memory",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MEMSYNC_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("MEMSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SyncInterval = d
		}
	}
	if v := os.Getenv("MEMSYNC_BROKER_TYPE"); v != "" {
		c.Broker.Type = v
	}
	if v := os.Getenv("MEMSYNC_BROKER_TOPIC"); v != "" {
		c.Broker.Topic = v
	}
	if v := os.Getenv("MEMSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MEMSYNC_OPLOG_BACKEND"); v != "" {
		c.OpLog.Backend = v
	}
	if v := os.Getenv("MEMSYNC_OPLOG_PATH"); v != "" {
		c.OpLog.Path = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("config: agent_id is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config: sync_interval must be positive")
	}
	if c.DeliverTimeout <= 0 {
		return fmt.Errorf("config: deliver_timeout must be positive")
	}
	switch c.Broker.Type {
	case "inmemory":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka broker addresses are required")
		}
	default:
		return fmt.Errorf("config: unknown broker type %q", c.Broker.Type)
	}
	switch c.OpLog.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown oplog backend %q", c.OpLog.Backend)
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("config: broker topic is required")
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
