// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func freeLocalPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

// newEmbeddedEtcd boots a single-node etcd and returns a connected client.
func newEmbeddedEtcd(t *testing.T) *clientv3.Client {
	t.Helper()

	peerAddr := fmt.Sprintf("127.0.0.1:%d", freeLocalPort(t))
	clientAddr := fmt.Sprintf("127.0.0.1:%d", freeLocalPort(t))

	cfg := embed.NewConfig()
	cfg.Name = "lock-test-node"
	cfg.Dir = t.TempDir()

	peerURL, err := url.Parse("http://" + peerAddr)
	require.NoError(t, err)
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}

	clientURL, err := url.Parse("http://" + clientAddr)
	require.NoError(t, err)
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}

	cfg.InitialCluster = fmt.Sprintf("%s=http://%s", cfg.Name, peerAddr)
	cfg.ClusterState = "new"
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		t.Fatal("etcd server took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientAddr},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEtcdLockerGrantAndRenew(t *testing.T) {
	client := newEmbeddedEtcd(t)
	locker := NewEtcdLocker(client, "instance-a", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acq, err := locker.Lock(ctx, "n1", 99, 60)
	require.NoError(t, err)
	require.True(t, acq.Granted)
	require.NotZero(t, acq.Token)

	ok, err := locker.Hold(ctx, "n1", acq.Token, 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEtcdLockerContentionReturnsDelayHint(t *testing.T) {
	client := newEmbeddedEtcd(t)
	a := NewEtcdLocker(client, "instance-a", testLogger())
	b := NewEtcdLocker(client, "instance-b", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acq, err := a.Lock(ctx, "n1", 99, 60)
	require.NoError(t, err)
	require.True(t, acq.Granted)

	contested, err := b.Lock(ctx, "n1", 99, 60)
	require.NoError(t, err)
	assert.False(t, contested.Granted)
	assert.Positive(t, contested.DelayHintMs)
	assert.LessOrEqual(t, contested.DelayHintMs, int64(60_000))
}

func TestEtcdLockerHigherWeightPreempts(t *testing.T) {
	client := newEmbeddedEtcd(t)
	a := NewEtcdLocker(client, "instance-a", testLogger())
	b := NewEtcdLocker(client, "instance-b", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	low, err := a.Lock(ctx, "n1", 99, 60)
	require.NoError(t, err)
	require.True(t, low.Granted)

	high, err := b.Lock(ctx, "n1", 100, 60)
	require.NoError(t, err)
	require.True(t, high.Granted)
	assert.NotEqual(t, low.Token, high.Token)

	// The displaced holder must observe the loss on its next renewal.
	ok, err := a.Hold(ctx, "n1", low.Token, 60)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Hold(ctx, "n1", high.Token, 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEtcdLockerHoldAfterExpiry(t *testing.T) {
	client := newEmbeddedEtcd(t)
	locker := NewEtcdLocker(client, "instance-a", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Minimum etcd lease TTL is effectively 1s at this granularity.
	acq, err := locker.Lock(ctx, "n1", 99, 1)
	require.NoError(t, err)
	require.True(t, acq.Granted)

	time.Sleep(2500 * time.Millisecond)

	ok, err := locker.Hold(ctx, "n1", acq.Token, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// The slot is claimable again.
	again, err := locker.Lock(ctx, "n1", 99, 60)
	require.NoError(t, err)
	assert.True(t, again.Granted)
}

func TestEtcdLockerSlotsAreIndependent(t *testing.T) {
	client := newEmbeddedEtcd(t)
	a := NewEtcdLocker(client, "instance-a", testLogger())
	b := NewEtcdLocker(client, "instance-b", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n1, err := a.Lock(ctx, "n1", 99, 60)
	require.NoError(t, err)
	n2, err := b.Lock(ctx, "n2", 99, 60)
	require.NoError(t, err)

	assert.True(t, n1.Granted)
	assert.True(t, n2.Granted)
}
