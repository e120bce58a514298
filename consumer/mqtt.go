// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	disconnectWaitMs = 250 // milliseconds, per paho convention
)

// MQTTConfig holds broker-client settings shared by all runners.
type MQTTConfig struct {
	// BrokerAddr is the host:port of the MQTT broker.
	BrokerAddr string

	// ClientPrefix is prepended to every runner's client ID.
	ClientPrefix string

	// QoS for subscriptions.
	QoS byte
}

// MQTTFactory produces MQTT-backed runners. Each runner opens its own
// connection, which is why the coordinator paces runner starts.
type MQTTFactory struct {
	config MQTTConfig
	logger *slog.Logger
}

// NewMQTTFactory creates a factory for MQTT consumption loops.
func NewMQTTFactory(cfg MQTTConfig, logger *slog.Logger) *MQTTFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTFactory{config: cfg, logger: logger}
}

// NewRunner binds one of the descriptor's topics to an MQTT subscription loop.
func (f *MQTTFactory) NewRunner(desc Descriptor, topic string) (Runner, error) {
	if desc.Handler == nil {
		return nil, fmt.Errorf("consumer %s has no handler", desc.Name)
	}

	clientID := fmt.Sprintf("%s-%s-%s-%s",
		f.config.ClientPrefix, desc.Name, sanitizeTopic(topic), uuid.NewString()[:8])

	return &MQTTRunner{
		desc:     desc,
		topic:    topic,
		qos:      f.config.QoS,
		clientID: clientID,
		addr:     f.config.BrokerAddr,
		logger:   f.logger.With("consumer", desc.Name, "topic", topic),
	}, nil
}

var _ Runner = (*MQTTRunner)(nil)

// MQTTRunner consumes one topic over a dedicated MQTT connection.
type MQTTRunner struct {
	desc     Descriptor
	topic    string
	qos      byte
	clientID string
	addr     string
	logger   *slog.Logger

	state  atomic.Int32
	client mqtt.Client
}

// Topic returns the consumed topic key.
func (r *MQTTRunner) Topic() string {
	return r.topic
}

// Run connects to the broker and subscribes. The paho client drives the
// receive loop on its own goroutines and reconnects automatically, so Run
// returns once the subscription is established.
func (r *MQTTRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if State(r.state.Load()) == Stopped {
			return ErrRunnerStopped
		}
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + r.addr).
		SetClientID(r.clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)

	client := mqtt.NewClient(opts)

	if tok := client.Connect(); !tok.WaitTimeout(connectTimeout) || tok.Error() != nil {
		r.state.Store(int32(Stopped))
		if tok.Error() != nil {
			return fmt.Errorf("failed to connect consumer %s: %w", r.clientID, tok.Error())
		}
		return fmt.Errorf("timed out connecting consumer %s", r.clientID)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if err := r.desc.Handler(ctx, msg.Topic(), msg.Payload()); err != nil {
			r.logger.Error("Handler failed", "error", err)
		}
	}

	if tok := client.Subscribe(r.topic, r.qos, handler); !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
		client.Disconnect(disconnectWaitMs)
		r.state.Store(int32(Stopped))
		if tok.Error() != nil {
			return fmt.Errorf("failed to subscribe %s: %w", r.topic, tok.Error())
		}
		return fmt.Errorf("timed out subscribing %s", r.topic)
	}

	r.client = client
	r.logger.Info("Consumer runner started", "client_id", r.clientID)
	return nil
}

// Close stops the consumption loop. Safe to call multiple times.
func (r *MQTTRunner) Close() error {
	prev := State(r.state.Swap(int32(Stopped)))
	if prev != Running {
		return nil
	}

	if r.client != nil {
		if tok := r.client.Unsubscribe(r.topic); tok.WaitTimeout(subscribeTimeout) && tok.Error() != nil {
			r.logger.Warn("Unsubscribe failed", "error", tok.Error())
		}
		r.client.Disconnect(disconnectWaitMs)
	}

	r.logger.Info("Consumer runner stopped")
	return nil
}

// HealthCheck reports whether the consumption loop is live.
func (r *MQTTRunner) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if State(r.state.Load()) != Running {
		return ErrRunnerNotRunning
	}
	if r.client == nil || !r.client.IsConnectionOpen() {
		return fmt.Errorf("consumer %s: broker connection is down", r.clientID)
	}
	return nil
}

// sanitizeTopic makes a topic key usable inside an MQTT client ID.
func sanitizeTopic(topic string) string {
	return strings.NewReplacer("/", "-", "#", "all", "+", "any").Replace(topic)
}
