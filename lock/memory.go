// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"sync"
	"time"
)

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker implements Locker in process memory. It preserves the full
// weight and expiry semantics of the distributed implementation and is used
// for single-binary development and in tests.
type MemoryLocker struct {
	mu        sync.Mutex
	leases    map[string]*memLease
	nextToken int64
	now       func() time.Time
}

type memLease struct {
	token     int64
	weight    int
	expiresAt time.Time
}

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]*memLease),
		now:    time.Now,
	}
}

// Lock acquires the slot if it is free, expired, or held with a lower weight.
func (m *MemoryLocker) Lock(ctx context.Context, slotKey string, weight int, holdSeconds int64) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, held := m.leases[slotKey]
	if held && !cur.expiresAt.After(now) {
		delete(m.leases, slotKey)
		held = false
	}

	if held && weight <= cur.weight {
		return Acquisition{DelayHintMs: cur.expiresAt.Sub(now).Milliseconds()}, nil
	}

	m.nextToken++
	m.leases[slotKey] = &memLease{
		token:     m.nextToken,
		weight:    weight,
		expiresAt: now.Add(time.Duration(holdSeconds) * time.Second),
	}

	return Acquisition{Granted: true, Token: m.nextToken}, nil
}

// Hold renews the lease if it is still owned by the given token.
func (m *MemoryLocker) Hold(ctx context.Context, slotKey string, token int64, holdSeconds int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, held := m.leases[slotKey]
	if !held || cur.token != token {
		return false, nil
	}

	now := m.now()
	if !cur.expiresAt.After(now) {
		delete(m.leases, slotKey)
		return false, nil
	}

	cur.expiresAt = now.Add(time.Duration(holdSeconds) * time.Second)
	return true, nil
}

// Holder reports the token currently holding the slot, if any.
// Intended for status endpoints and tests.
func (m *MemoryLocker) Holder(slotKey string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, held := m.leases[slotKey]
	if !held || !cur.expiresAt.After(m.now()) {
		return 0, false
	}
	return cur.token, true
}
