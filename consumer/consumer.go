// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

// Package consumer defines consumer descriptors, the per-topic runner
// lifecycle, and the registry the coordinator enumerates assignments from.
package consumer

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Consumer errors.
var (
	ErrConsumerExists   = errors.New("consumer already registered")
	ErrEmptyName        = errors.New("consumer name cannot be empty")
	ErrNoTopics         = errors.New("consumer has no topics")
	ErrRunnerStopped    = errors.New("runner is stopped")
	ErrRunnerNotRunning = errors.New("runner is not running")
)

// Handler processes one message received on a topic.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Descriptor describes one registered consumer: a named group of topic
// subscriptions sharing a handler.
type Descriptor struct {
	// Name identifies the consumer and is part of the broker client identity.
	Name string

	// Topics is the ordered list of topic keys this consumer reads.
	Topics []string

	// Handler receives every message on each of the topics.
	Handler Handler
}

// State is the runner lifecycle state.
type State int32

const (
	// Idle means the runner was created but Run has not been called.
	Idle State = iota
	// Running means the consumption loop is active.
	Running
	// Stopped is terminal; a stopped runner is never restarted.
	Stopped
)

// String returns the state name for logs and status endpoints.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Runner owns one topic's consumption loop.
//
// A runner is owned exclusively by the node slot that started it and is
// closed when the slot's lease is lost or the process shuts down.
type Runner interface {
	// Topic returns the topic key this runner consumes.
	Topic() string

	// Run starts the consumption loop. Failures inside the loop are the
	// broker client's concern and surface through HealthCheck.
	Run(ctx context.Context) error

	// Close stops the loop and releases resources. Idempotent.
	Close() error

	// HealthCheck probes liveness of the consumption loop.
	HealthCheck(ctx context.Context) error
}

// Factory produces a Runner binding a descriptor's topic to the broker client.
type Factory interface {
	NewRunner(desc Descriptor, topic string) (Runner, error)
}

// Registry holds the full set of configured consumers.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[string]Descriptor)}
}

// Register adds a consumer descriptor. Names must be unique.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return ErrEmptyName
	}
	if len(desc.Topics) == 0 {
		return ErrNoTopics
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.consumers[desc.Name]; ok {
		return ErrConsumerExists
	}
	r.consumers[desc.Name] = desc
	return nil
}

// List returns all registered descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.consumers))
	for _, desc := range r.consumers {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}
