// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the coordinator daemon.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Etcd        EtcdConfig        `yaml:"etcd"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Consumers   []ConsumerConfig  `yaml:"consumers"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// CoordinatorConfig holds slot-claiming and runner-pacing settings.
type CoordinatorConfig struct {
	// Nodes lists node-slot identifiers. Empty means single-slot mode:
	// all topics start locally with no locking.
	Nodes []string `yaml:"nodes"`

	// QueueStartMillisecondsDelay is the pause between consecutive runner
	// starts within a slot, in milliseconds.
	QueueStartMillisecondsDelay int `yaml:"queue_start_milliseconds_delay"`

	HoldSeconds        int64         `yaml:"hold_seconds"`
	ClaimInterval      time.Duration `yaml:"claim_interval"`
	ClaimInitialDelay  time.Duration `yaml:"claim_initial_delay"`
	RenewInterval      time.Duration `yaml:"renew_interval"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	HealthInitialDelay time.Duration `yaml:"health_initial_delay"`

	// StabilizeDelay is the grace period after winning a contested retry
	// before runners start.
	StabilizeDelay time.Duration `yaml:"stabilize_delay"`
}

// EtcdConfig holds lock-service connection settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ConnectWait time.Duration `yaml:"connect_wait"` // total budget for startup dial retries
}

// MQTTConfig holds broker-client settings for consumer runners.
type MQTTConfig struct {
	BrokerAddr   string `yaml:"broker_addr"`
	ClientPrefix string `yaml:"client_prefix"`
	QoS          byte   `yaml:"qos"`
}

// ConsumerConfig declares one consumer and its ordered topic list.
type ConsumerConfig struct {
	Name   string   `yaml:"name"`
	Topics []string `yaml:"topics"`
}

// ServerConfig holds the health endpoint and telemetry settings.
type ServerConfig struct {
	HealthAddr    string `yaml:"health_addr"`
	HealthEnabled bool   `yaml:"health_enabled"`

	MetricsAddr        string `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			QueueStartMillisecondsDelay: 500,
			HoldSeconds:                 60,
			ClaimInterval:               2 * time.Minute,
			ClaimInitialDelay:           5 * time.Second,
			RenewInterval:               20 * time.Second,
			HealthInterval:              10 * time.Second,
			HealthInitialDelay:          3 * time.Second,
			StabilizeDelay:              10 * time.Second,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			ConnectWait: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerAddr:   "localhost:1883",
			ClientPrefix: "claimd",
			QoS:          1,
		},
		Server: ServerConfig{
			HealthAddr:         ":8081",
			HealthEnabled:      true,
			MetricsAddr:        "localhost:4317",
			MetricsEnabled:     false,
			OtelServiceName:    "claimd",
			OtelServiceVersion: "0.1.0",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, node := range c.Coordinator.Nodes {
		if node == "" {
			return fmt.Errorf("coordinator.nodes cannot contain empty identifiers")
		}
		if seen[node] {
			return fmt.Errorf("coordinator.nodes contains duplicate %q", node)
		}
		seen[node] = true
	}

	if c.Coordinator.QueueStartMillisecondsDelay < 0 {
		return fmt.Errorf("coordinator.queue_start_milliseconds_delay cannot be negative")
	}
	if c.Coordinator.HoldSeconds < 1 {
		return fmt.Errorf("coordinator.hold_seconds must be at least 1")
	}
	if c.Coordinator.ClaimInterval < time.Second {
		return fmt.Errorf("coordinator.claim_interval must be at least 1s")
	}
	if c.Coordinator.RenewInterval < time.Second {
		return fmt.Errorf("coordinator.renew_interval must be at least 1s")
	}
	if c.Coordinator.HealthInterval < time.Second {
		return fmt.Errorf("coordinator.health_interval must be at least 1s")
	}

	// The lock service is only needed in distributed mode.
	if len(c.Coordinator.Nodes) > 0 && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints required when coordinator.nodes is set")
	}

	if c.MQTT.BrokerAddr == "" {
		return fmt.Errorf("mqtt.broker_addr cannot be empty")
	}
	if c.MQTT.ClientPrefix == "" {
		return fmt.Errorf("mqtt.client_prefix cannot be empty")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2")
	}

	names := make(map[string]bool)
	for i, consumer := range c.Consumers {
		if consumer.Name == "" {
			return fmt.Errorf("consumers[%d].name cannot be empty", i)
		}
		if names[consumer.Name] {
			return fmt.Errorf("consumers[%d].name %q is duplicated", i, consumer.Name)
		}
		names[consumer.Name] = true
		if len(consumer.Topics) == 0 {
			return fmt.Errorf("consumers[%d] (%s) has no topics", i, consumer.Name)
		}
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health endpoint is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.MetricsAddr == "" {
			return fmt.Errorf("server.metrics_addr required when metrics are enabled")
		}
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
