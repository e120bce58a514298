// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

// Package lock provides lease-based distributed mutual exclusion over node slots.
//
// A slot is held by at most one owner cluster-wide. Acquisition is arbitrated
// by weight: a higher-weight contender may preempt a lower-weight holder.
// Leases expire unless renewed with Hold, so a crashed owner releases its
// slots within one hold window without any explicit cleanup.
package lock

import "context"

// Acquisition is the outcome of a Lock attempt.
type Acquisition struct {
	// Granted reports whether the slot lease was acquired.
	Granted bool

	// Token identifies the lease and must be presented on renewal.
	// Valid only when Granted is true.
	Token int64

	// DelayHintMs is the remaining lease time of the current holder in
	// milliseconds when the attempt was rejected, or 0 if unknown.
	// Callers may use it to schedule a retry after the holder's lease
	// would expire.
	DelayHintMs int64
}

// Locker is a lease-based mutual-exclusion service over named slots.
//
// Contention is a normal outcome, not an error: a rejected Lock returns
// Granted=false with a nil error. Errors indicate infrastructure failures
// (the lock service was unreachable or misbehaved).
type Locker interface {
	// Lock attempts to acquire the slot lease for holdSeconds.
	Lock(ctx context.Context, slotKey string, weight int, holdSeconds int64) (Acquisition, error)

	// Hold renews an acquired lease. It returns false when the lease was
	// lost, expired, or preempted by a higher-weight contender.
	Hold(ctx context.Context, slotKey string, token int64, holdSeconds int64) (bool, error)
}
