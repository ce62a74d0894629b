package kafka

import (
	"fmt"
	"time"
)

// Config holds Kafka connection configuration.
type Config struct {
	// Broker settings
	Brokers  []string `json:"brokers" yaml:"brokers"`
	ClientID string   `json:"client_id" yaml:"client_id"`

	// Producer settings
	RequiredAcks int           `json:"required_acks" yaml:"required_acks"` // 0=none, 1=leader, -1=all
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`

	// Consumer settings
	GroupID       string        `json:"group_id" yaml:"group_id"`
	FetchMinBytes int           `json:"fetch_min_bytes" yaml:"fetch_min_bytes"`
	FetchMaxBytes int           `json:"fetch_max_bytes" yaml:"fetch_max_bytes"`
	FetchMaxWait  time.Duration `json:"fetch_max_wait" yaml:"fetch_max_wait"`

	// Connection settings
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "memsync",
		RequiredAcks:  1,
		MaxAttempts:   3,
		BatchSize:     100,
		BatchTimeout:  10 * time.Millisecond,
		GroupID:       "memsync-replicas",
		FetchMinBytes: 1,
		FetchMaxBytes: 1 << 20,
		FetchMaxWait:  250 * time.Millisecond,
		DialTimeout:   10 * time.Second,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker address is required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka: consumer group id is required")
	}
	return nil
}
