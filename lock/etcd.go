// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const slotPrefix = "/claimd/slots/"

var _ Locker = (*EtcdLocker)(nil)

// EtcdLocker implements Locker on top of etcd leases.
//
// Each slot is a single key under slotPrefix holding a JSON record of the
// current holder, attached to an etcd lease whose TTL is the hold duration.
// The lease ID doubles as the token: it is unique cluster-wide and expiry
// of the lease deletes the slot key automatically.
type EtcdLocker struct {
	client   *clientv3.Client
	holderID string
	logger   *slog.Logger
}

type holderRecord struct {
	HolderID string `json:"holder_id"`
	Weight   int    `json:"weight"`
	Token    int64  `json:"token"`
}

// NewEtcdLocker creates a locker backed by the given etcd client.
// holderID identifies this instance in slot records for observability.
func NewEtcdLocker(client *clientv3.Client, holderID string, logger *slog.Logger) *EtcdLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdLocker{client: client, holderID: holderID, logger: logger}
}

// Connect dials etcd with exponential backoff, giving the cluster time to
// come up when this process and etcd are started together.
func Connect(ctx context.Context, endpoints []string, dialTimeout, maxWait time.Duration) (*clientv3.Client, error) {
	var client *clientv3.Client

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxWait

	dial := func() error {
		c, err := clientv3.New(clientv3.Config{
			Endpoints:   endpoints,
			DialTimeout: dialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return err
		}

		// clientv3.New does not verify reachability; probe with a status call.
		probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if _, err := c.Status(probeCtx, endpoints[0]); err != nil {
			c.Close()
			return err
		}

		client = c
		return nil
	}

	if err := backoff.Retry(dial, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to etcd %v: %w", endpoints, err)
	}
	return client, nil
}

// Lock attempts to acquire the slot lease.
func (l *EtcdLocker) Lock(ctx context.Context, slotKey string, weight int, holdSeconds int64) (Acquisition, error) {
	key := slotPrefix + slotKey

	resp, err := l.client.Get(ctx, key)
	if err != nil {
		return Acquisition{}, fmt.Errorf("failed to read slot %s: %w", slotKey, err)
	}

	if len(resp.Kvs) == 0 {
		return l.claim(ctx, slotKey, weight, holdSeconds,
			clientv3.Compare(clientv3.CreateRevision(key), "=", 0), 0)
	}

	var cur holderRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &cur); err != nil {
		return Acquisition{}, fmt.Errorf("corrupt slot record for %s: %w", slotKey, err)
	}

	if weight > cur.Weight {
		// Preemption: overwrite the record only if it has not changed since
		// the read, then revoke the displaced lease so the old holder's next
		// Hold fails immediately instead of at natural expiry.
		acq, err := l.claim(ctx, slotKey, weight, holdSeconds,
			clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision), cur.Token)
		if err == nil && acq.Granted {
			l.logger.Info("Preempted slot lease",
				"slot", slotKey, "weight", weight, "displaced_weight", cur.Weight)
		}
		return acq, err
	}

	// Contention: report the holder's remaining lease time as a retry hint.
	var hint int64
	if ttl, err := l.client.TimeToLive(ctx, clientv3.LeaseID(cur.Token)); err == nil && ttl.TTL > 0 {
		hint = ttl.TTL * 1000
	}
	return Acquisition{DelayHintMs: hint}, nil
}

// claim grants a fresh lease and installs the holder record if the guard
// comparison still holds. displaced is the lease to revoke on success, 0 for none.
func (l *EtcdLocker) claim(ctx context.Context, slotKey string, weight int, holdSeconds int64, guard clientv3.Cmp, displaced int64) (Acquisition, error) {
	key := slotPrefix + slotKey

	lease, err := l.client.Grant(ctx, holdSeconds)
	if err != nil {
		return Acquisition{}, fmt.Errorf("failed to grant lease for slot %s: %w", slotKey, err)
	}

	rec, err := json.Marshal(holderRecord{
		HolderID: l.holderID,
		Weight:   weight,
		Token:    int64(lease.ID),
	})
	if err != nil {
		return Acquisition{}, fmt.Errorf("failed to marshal slot record: %w", err)
	}

	txn, err := l.client.Txn(ctx).
		If(guard).
		Then(clientv3.OpPut(key, string(rec), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		l.revoke(lease.ID)
		return Acquisition{}, fmt.Errorf("failed to claim slot %s: %w", slotKey, err)
	}

	if !txn.Succeeded {
		// Lost the race to another contender; no usable hint.
		l.revoke(lease.ID)
		return Acquisition{}, nil
	}

	if displaced != 0 {
		l.revoke(clientv3.LeaseID(displaced))
	}

	return Acquisition{Granted: true, Token: int64(lease.ID)}, nil
}

// Hold renews the lease if the slot record still carries our token.
func (l *EtcdLocker) Hold(ctx context.Context, slotKey string, token int64, holdSeconds int64) (bool, error) {
	key := slotPrefix + slotKey

	resp, err := l.client.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read slot %s: %w", slotKey, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}

	var cur holderRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &cur); err != nil {
		return false, fmt.Errorf("corrupt slot record for %s: %w", slotKey, err)
	}
	if cur.Token != token {
		// Preempted by a higher-weight contender.
		return false, nil
	}

	// KeepAliveOnce extends the lease by its originally granted TTL, which
	// is the hold duration passed at acquisition time.
	_ = holdSeconds

	if _, err := l.client.KeepAliveOnce(ctx, clientv3.LeaseID(token)); err != nil {
		if err == rpctypes.ErrLeaseNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to renew lease for slot %s: %w", slotKey, err)
	}
	return true, nil
}

// revoke releases a lease best-effort; expiry will clean up if it fails.
func (l *EtcdLocker) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := l.client.Revoke(ctx, id); err != nil && err != rpctypes.ErrLeaseNotFound {
		l.logger.Warn("Failed to revoke lease", "lease", int64(id), "error", err)
	}
}
