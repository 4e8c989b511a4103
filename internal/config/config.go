// Package config provides YAML-based configuration loading, validation, and
// defaults for gork, plus the flat key=value client properties that are handed
// to the Kafka client factory.
//
// Two files are involved:
//
//   - config.yaml: application settings (topic, limits, timeouts, listen
//     addresses). Loaded with [Load].
//   - client.properties: broker connection settings in the librdkafka
//     key=value style (bootstrap.servers, sasl.*, ssl.*). Loaded with
//     [LoadProperties] and kept as an immutable [Properties] value.
//
// Both files support ${VAR} and $VAR expansion so secrets can come from the
// environment (or an optional .env file loaded by the binary).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for gork.
type Config struct {
	Kafka         KafkaConfig         `yaml:"kafka"`
	Producer      ProducerConfig      `yaml:"producer"`
	Consumer      ConsumerConfig      `yaml:"consumer"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level"`
}

// KafkaConfig names the client properties file and the topic every endpoint
// reads from and writes to.
type KafkaConfig struct {
	PropertiesFile string `yaml:"properties_file"`
	Topic          string `yaml:"topic"`
}

// ProducerConfig controls the publish path.
type ProducerConfig struct {
	// Pooled keeps one producer client alive across requests instead of
	// building a fresh one per publish.
	Pooled  bool     `yaml:"pooled"`
	Timeout Duration `yaml:"timeout"`
}

// ConsumerConfig controls the bounded poll path.
type ConsumerConfig struct {
	Limit       int      `yaml:"limit"`
	PollTimeout Duration `yaml:"poll_timeout"`
	// MaxWait bounds a whole retrieval. Zero disables the bound, in which case
	// a quiet topic blocks the request until enough records arrive.
	MaxWait         *Duration `yaml:"max_wait"`
	RecentGroupID   string    `yaml:"recent_group_id"`
	OldGroupID      string    `yaml:"old_group_id"`
	EphemeralGroups bool      `yaml:"ephemeral_groups"`
}

// MaxWaitValue returns the effective overall retrieval deadline.
func (c ConsumerConfig) MaxWaitValue() time.Duration {
	if c.MaxWait == nil {
		return DefaultMaxWait
	}
	return c.MaxWait.Duration
}

// ServerConfig controls the public HTTP listener.
type ServerConfig struct {
	Addr         string  `yaml:"addr"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// ObservabilityConfig controls the metrics/health HTTP server.
type ObservabilityConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults shared by applyDefaults and callers that build a Config by hand.
const (
	DefaultTopic          = "topic_0"
	DefaultLimit          = 10
	DefaultPollTimeout    = time.Second
	DefaultMaxWait        = 15 * time.Second
	DefaultProduceTimeout = 30 * time.Second
	DefaultRecentGroupID  = "gork-recent"
	DefaultOldGroupID     = "gork-old"
)

// Duration is a time.Duration that unmarshals from YAML strings like "500ms" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads a YAML config file, expands environment variables, and validates.
// A relative kafka.properties_file is resolved against the config file's
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(cfg)

	if !filepath.IsAbs(cfg.Kafka.PropertiesFile) {
		cfg.Kafka.PropertiesFile = filepath.Join(filepath.Dir(path), cfg.Kafka.PropertiesFile)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Kafka.PropertiesFile == "" {
		cfg.Kafka.PropertiesFile = "client.properties"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = DefaultTopic
	}

	if cfg.Producer.Timeout.Duration == 0 {
		cfg.Producer.Timeout.Duration = DefaultProduceTimeout
	}

	c := &cfg.Consumer
	if c.Limit == 0 {
		c.Limit = DefaultLimit
	}
	if c.PollTimeout.Duration == 0 {
		c.PollTimeout.Duration = DefaultPollTimeout
	}
	if c.MaxWait == nil {
		c.MaxWait = &Duration{Duration: DefaultMaxWait}
	}
	if c.RecentGroupID == "" {
		c.RecentGroupID = DefaultRecentGroupID
	}
	if c.OldGroupID == "" {
		c.OldGroupID = DefaultOldGroupID
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Observability.Addr == "" {
		cfg.Observability.Addr = ":9090"
	}
}

// validate checks that all required fields are present and valid.
func validate(cfg *Config) error {
	var errs []error

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", cfg.LogLevel))
	}

	if strings.ContainsAny(cfg.Kafka.Topic, " \t/\\") {
		errs = append(errs, fmt.Errorf("kafka.topic contains invalid characters: %q", cfg.Kafka.Topic))
	}

	if cfg.Producer.Timeout.Duration < 0 {
		errs = append(errs, errors.New("producer.timeout must not be negative"))
	}

	c := cfg.Consumer
	if c.Limit < 0 {
		errs = append(errs, fmt.Errorf("consumer.limit must not be negative, got %d", c.Limit))
	}
	if c.PollTimeout.Duration < 0 {
		errs = append(errs, errors.New("consumer.poll_timeout must not be negative"))
	}
	if c.MaxWaitValue() < 0 {
		errs = append(errs, errors.New("consumer.max_wait must not be negative"))
	}
	if c.RecentGroupID == c.OldGroupID {
		errs = append(errs, fmt.Errorf("consumer.recent_group_id and consumer.old_group_id must differ, both are %q", c.RecentGroupID))
	}

	if cfg.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("server.rate_limit_rps must not be negative"))
	}
	if cfg.Server.Addr == cfg.Observability.Addr {
		errs = append(errs, fmt.Errorf("server.addr and observability.addr must differ, both are %q", cfg.Server.Addr))
	}

	return errors.Join(errs...)
}
