// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if len(cfg.Coordinator.Nodes) != 0 {
		t.Errorf("expected no default nodes, got %v", cfg.Coordinator.Nodes)
	}
	if cfg.Coordinator.QueueStartMillisecondsDelay != 500 {
		t.Errorf("expected queue start delay 500, got %d", cfg.Coordinator.QueueStartMillisecondsDelay)
	}
	if cfg.Coordinator.HoldSeconds != 60 {
		t.Errorf("expected hold seconds 60, got %d", cfg.Coordinator.HoldSeconds)
	}
	if cfg.Coordinator.ClaimInterval != 2*time.Minute {
		t.Errorf("expected claim interval 2m, got %v", cfg.Coordinator.ClaimInterval)
	}
	if cfg.Coordinator.RenewInterval != 20*time.Second {
		t.Errorf("expected renew interval 20s, got %v", cfg.Coordinator.RenewInterval)
	}
	if cfg.MQTT.BrokerAddr != "localhost:1883" {
		t.Errorf("expected default broker addr localhost:1883, got %s", cfg.MQTT.BrokerAddr)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("expected default qos 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "distributed mode with nodes is valid",
			modify: func(c *Config) {
				c.Coordinator.Nodes = []string{"n1", "n2", "n3"}
			},
			wantErr: false,
		},
		{
			name: "empty node identifier",
			modify: func(c *Config) {
				c.Coordinator.Nodes = []string{"n1", ""}
			},
			wantErr: true,
		},
		{
			name: "duplicate node identifier",
			modify: func(c *Config) {
				c.Coordinator.Nodes = []string{"n1", "n1"}
			},
			wantErr: true,
		},
		{
			name: "nodes set but no etcd endpoints",
			modify: func(c *Config) {
				c.Coordinator.Nodes = []string{"n1"}
				c.Etcd.Endpoints = nil
			},
			wantErr: true,
		},
		{
			name: "no etcd endpoints is fine in single-slot mode",
			modify: func(c *Config) {
				c.Etcd.Endpoints = nil
			},
			wantErr: false,
		},
		{
			name: "negative queue start delay",
			modify: func(c *Config) {
				c.Coordinator.QueueStartMillisecondsDelay = -1
			},
			wantErr: true,
		},
		{
			name: "hold seconds zero",
			modify: func(c *Config) {
				c.Coordinator.HoldSeconds = 0
			},
			wantErr: true,
		},
		{
			name: "claim interval too short",
			modify: func(c *Config) {
				c.Coordinator.ClaimInterval = 100 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "empty broker addr",
			modify: func(c *Config) {
				c.MQTT.BrokerAddr = ""
			},
			wantErr: true,
		},
		{
			name: "invalid qos",
			modify: func(c *Config) {
				c.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "consumer without name",
			modify: func(c *Config) {
				c.Consumers = []ConsumerConfig{{Topics: []string{"a"}}}
			},
			wantErr: true,
		},
		{
			name: "consumer without topics",
			modify: func(c *Config) {
				c.Consumers = []ConsumerConfig{{Name: "orders"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate consumer name",
			modify: func(c *Config) {
				c.Consumers = []ConsumerConfig{
					{Name: "orders", Topics: []string{"a"}},
					{Name: "orders", Topics: []string{"b"}},
				}
			},
			wantErr: true,
		},
		{
			name: "valid consumers",
			modify: func(c *Config) {
				c.Consumers = []ConsumerConfig{
					{Name: "orders", Topics: []string{"orders/created", "orders/updated"}},
					{Name: "billing", Topics: []string{"invoices"}},
				}
			},
			wantErr: false,
		},
		{
			name: "metrics enabled without addr",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.MetricsAddr = ""
			},
			wantErr: true,
		},
		{
			name: "health enabled without addr",
			modify: func(c *Config) {
				c.Server.HealthAddr = ""
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "invalid log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.BrokerAddr != "localhost:1883" {
		t.Errorf("expected defaults, got broker addr %s", cfg.MQTT.BrokerAddr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	data := `
coordinator:
  nodes: ["n1", "n2"]
  claim_interval: 90s
etcd:
  endpoints: ["etcd-a:2379", "etcd-b:2379"]
mqtt:
  broker_addr: broker.internal:1883
consumers:
  - name: orders
    topics: ["orders/created"]
log:
  level: debug
  format: json
`
	path := filepath.Join(t.TempDir(), "claimd.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Coordinator.Nodes) != 2 {
		t.Errorf("expected 2 nodes, got %v", cfg.Coordinator.Nodes)
	}
	if cfg.Coordinator.ClaimInterval != 90*time.Second {
		t.Errorf("expected claim interval 90s, got %v", cfg.Coordinator.ClaimInterval)
	}
	if cfg.Coordinator.RenewInterval != 20*time.Second {
		t.Errorf("expected renew interval to keep default 20s, got %v", cfg.Coordinator.RenewInterval)
	}
	if cfg.MQTT.BrokerAddr != "broker.internal:1883" {
		t.Errorf("unexpected broker addr %s", cfg.MQTT.BrokerAddr)
	}
	if len(cfg.Consumers) != 1 || cfg.Consumers[0].Name != "orders" {
		t.Errorf("unexpected consumers %v", cfg.Consumers)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %s", cfg.Log.Format)
	}
}

func TestLoadInvalidConfigFails(t *testing.T) {
	data := `
mqtt:
  qos: 7
`
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.Nodes = []string{"n1"}
	cfg.Consumers = []ConsumerConfig{{Name: "orders", Topics: []string{"a", "b"}}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Coordinator.Nodes) != 1 || loaded.Coordinator.Nodes[0] != "n1" {
		t.Errorf("round trip lost nodes: %v", loaded.Coordinator.Nodes)
	}
	if len(loaded.Consumers) != 1 || len(loaded.Consumers[0].Topics) != 2 {
		t.Errorf("round trip lost consumers: %v", loaded.Consumers)
	}
}
