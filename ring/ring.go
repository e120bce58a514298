// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

// Package ring maps topic keys to node-slot keys using consistent hashing.
package ring

import (
	"errors"
	"sort"

	"github.com/lafikl/consistent"
)

// ErrNoSlots is returned when the ring was built from an empty slot list.
var ErrNoSlots = errors.New("no node slots configured")

// Ring is an immutable snapshot over a fixed list of node-slot keys.
// GetNode is deterministic: the same ring and the same key always yield
// the same slot. There is no stability guarantee across different slot lists.
type Ring struct {
	slots  []string
	hashed *consistent.Consistent
}

// New builds a ring over the given node-slot keys.
func New(slotKeys []string) (*Ring, error) {
	if len(slotKeys) == 0 {
		return nil, ErrNoSlots
	}

	hashed := consistent.New()
	slots := make([]string, 0, len(slotKeys))
	for _, key := range slotKeys {
		hashed.Add(key)
		slots = append(slots, key)
	}
	sort.Strings(slots)

	return &Ring{slots: slots, hashed: hashed}, nil
}

// GetNode returns the node-slot key that owns the topic key.
func (r *Ring) GetNode(topicKey string) string {
	// A single slot owns everything; skip the hash entirely.
	if len(r.slots) == 1 {
		return r.slots[0]
	}

	node, err := r.hashed.Get(topicKey)
	if err != nil {
		// Unreachable: New rejects empty slot lists and the ring is immutable.
		return r.slots[0]
	}
	return node
}

// Slots returns the configured node-slot keys in sorted order.
func (r *Ring) Slots() []string {
	out := make([]string, len(r.slots))
	copy(out, r.slots)
	return out
}
