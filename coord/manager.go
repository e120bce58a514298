// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

// Package coord assigns ownership of event-stream topics to cooperating
// instances. Node slots are claimed through a weighted distributed lock,
// topics map to slots through a consistent-hash ring, and each owned topic
// runs its own consumption loop.
package coord

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vireo/claimd/consumer"
	"github.com/vireo/claimd/lock"
	"github.com/vireo/claimd/ring"
)

// Manager errors.
var (
	ErrAlreadyStarted = errors.New("manager already started")
	ErrNilLocker      = errors.New("locker required in distributed mode")
	ErrNilRegistry    = errors.New("consumer registry cannot be nil")
	ErrNilFactory     = errors.New("runner factory cannot be nil")
)

const (
	// singleSlotKey is the implicit slot used when no node list is configured.
	singleSlotKey = "default"

	// Weight 99 is used while this instance owns no slots; 100 once it owns
	// at least one. Claims from already-active instances therefore win
	// contested acquisitions, consolidating ownership and reducing
	// assignment churn while the cluster converges.
	idleWeight   = 99
	activeWeight = 100

	// retryPad is added to a contention delay hint before the single retry.
	retryPad = 100 * time.Millisecond

	// lockOpTimeout bounds individual lock-service calls. Shutdown never
	// cancels an in-flight call; it is awaited up to this bound.
	lockOpTimeout = 10 * time.Second

	breakerFailureThreshold = 5
	breakerResetTimeout     = 30 * time.Second
)

// Config holds coordinator configuration.
type Config struct {
	// Nodes lists the node-slot keys. Empty means single-slot mode:
	// every topic starts locally with no locking.
	Nodes []string

	// StartDelay is the pause between consecutive runner starts within a
	// slot, pacing broker connection establishment.
	StartDelay time.Duration

	// HoldSeconds is the lease TTL requested on claim and renewal.
	HoldSeconds int64

	// ClaimInterval is the period of the claim loop; ClaimInitialDelay
	// postpones its first run.
	ClaimInterval     time.Duration
	ClaimInitialDelay time.Duration

	// RenewInterval is the period of the lease-renewal loop.
	RenewInterval time.Duration

	// HealthInterval is the period of the health-check loop;
	// HealthInitialDelay postpones its first run.
	HealthInterval     time.Duration
	HealthInitialDelay time.Duration

	// StabilizeDelay is the grace period between winning a contested retry
	// and starting runners, avoiding flapping while the cluster settles.
	StabilizeDelay time.Duration
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		StartDelay:         500 * time.Millisecond,
		HoldSeconds:        60,
		ClaimInterval:      2 * time.Minute,
		ClaimInitialDelay:  5 * time.Second,
		RenewInterval:      20 * time.Second,
		HealthInterval:     10 * time.Second,
		HealthInitialDelay: 3 * time.Second,
		StabilizeDelay:     10 * time.Second,
	}
}

// Manager orchestrates slot claiming, lease renewal, runner lifecycle,
// and health checking for one instance.
type Manager struct {
	config   Config
	locker   lock.Locker
	registry *consumer.Registry
	factory  consumer.Factory
	ring     *ring.Ring // nil in single-slot mode
	logger   *slog.Logger
	metrics  *Metrics
	breaker  *gobreaker.CircuitBreaker

	// slots maps owned slot keys to their runner sets. A sync.Map keeps the
	// claim, renewal, and health jobs from serializing on one lock.
	slots     sync.Map // string -> *ownedSlot
	slotCount atomic.Int32

	// Per-job reentrancy guards: a tick that finds its job still running
	// is skipped entirely, never queued.
	claimBusy  atomic.Bool
	renewBusy  atomic.Bool
	healthBusy atomic.Bool

	started   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// ownedSlot tracks one claimed node slot: its lease token and the runners
// started for the topics it owns.
type ownedSlot struct {
	key   string
	token int64

	mu      sync.Mutex
	runners []consumer.Runner
	health  map[string]string // topic -> last probe failure, "" when healthy
}

func (s *ownedSlot) add(r consumer.Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = append(s.runners, r)
	s.health[r.Topic()] = ""
}

func (s *ownedSlot) snapshot() []consumer.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]consumer.Runner, len(s.runners))
	copy(out, s.runners)
	return out
}

func (s *ownedSlot) setHealth(topic, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[topic] = failure
}

// NewManager creates a coordinator. In distributed mode (cfg.Nodes non-empty)
// a locker is required and a hash ring is built over the node list.
func NewManager(cfg Config, locker lock.Locker, registry *consumer.Registry, factory consumer.Factory, logger *slog.Logger, metrics *Metrics) (*Manager, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	if factory == nil {
		return nil, ErrNilFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HoldSeconds <= 0 {
		cfg.HoldSeconds = DefaultConfig().HoldSeconds
	}

	m := &Manager{
		config:   cfg,
		locker:   locker,
		registry: registry,
		factory:  factory,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	if len(cfg.Nodes) > 0 {
		if locker == nil {
			return nil, ErrNilLocker
		}
		r, err := ring.New(cfg.Nodes)
		if err != nil {
			return nil, err
		}
		m.ring = r
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lock-service",
		MaxRequests: 1,
		Timeout:     breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Lock service circuit breaker state changed",
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})

	return m, nil
}

// Start launches the periodic jobs. In single-slot mode every topic starts
// locally and only the health loop runs; in distributed mode the claim and
// renewal loops run on their own timers.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if m.ring == nil {
		m.logger.Info("Starting coordinator in single-slot mode",
			"consumers", m.registry.Len())
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.registerSlot(m.runCtx, singleSlotKey, 0)
		}()
	} else {
		m.logger.Info("Starting coordinator in distributed mode",
			"nodes", m.config.Nodes, "consumers", m.registry.Len())
		m.startJob(m.config.ClaimInitialDelay, m.config.ClaimInterval, m.claimCycle)
		m.startJob(m.config.RenewInterval, m.config.RenewInterval, m.renewCycle)
	}

	m.startJob(m.config.HealthInitialDelay, m.config.HealthInterval, m.healthCycle)
	return nil
}

// Stop halts the periodic jobs and closes every tracked runner. Held leases
// are not released; they expire naturally or are claimed away.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.slots.Range(func(key, value any) bool {
		m.slots.Delete(key)
		m.teardownSlot(value.(*ownedSlot))
		return true
	})
	m.slotCount.Store(0)

	m.runCancel()
	m.logger.Info("Coordinator stopped")
}

// startJob schedules fn after initialDelay and then on every interval tick
// until Stop.
func (m *Manager) startJob(initialDelay, interval time.Duration, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if initialDelay > 0 {
			if !m.sleep(initialDelay) {
				return
			}
		}
		fn(m.runCtx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				fn(m.runCtx)
			}
		}
	}()
}

// sleep waits for d or until Stop; it reports false when stopping.
func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// claimCycle attempts to claim at most one unowned slot.
func (m *Manager) claimCycle(ctx context.Context) {
	if !m.claimBusy.CompareAndSwap(false, true) {
		m.logger.Debug("Claim cycle still running, skipping tick")
		return
	}
	defer m.claimBusy.Store(false)

	for _, slotKey := range m.config.Nodes {
		if _, owned := m.slots.Load(slotKey); owned {
			continue
		}

		acq, err := m.lockSlot(slotKey)
		if err != nil {
			m.logger.Warn("Slot claim attempt failed", "slot", slotKey, "error", err)
			continue
		}

		if acq.Granted {
			m.registerSlot(ctx, slotKey, acq.Token)
			return
		}

		if acq.DelayHintMs <= 0 {
			continue
		}

		// The holder's lease expires soon: wait it out and retry once.
		wait := time.Duration(acq.DelayHintMs)*time.Millisecond + retryPad
		m.logger.Debug("Slot contested, retrying after holder lease",
			"slot", slotKey, "wait", wait)
		if !m.sleep(wait) {
			return
		}

		retry, err := m.lockSlot(slotKey)
		if err != nil {
			m.logger.Warn("Slot claim retry failed", "slot", slotKey, "error", err)
			continue
		}
		if retry.Granted {
			// Won a recently contested slot: give the cluster a moment to
			// settle before starting runners.
			if !m.sleep(m.config.StabilizeDelay) {
				return
			}
			m.registerSlot(ctx, slotKey, retry.Token)
			return
		}
	}
}

// lockSlot issues one weighted Lock call through the circuit breaker.
func (m *Manager) lockSlot(slotKey string) (lock.Acquisition, error) {
	weight := idleWeight
	if m.slotCount.Load() > 0 {
		weight = activeWeight
	}

	opCtx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	out, err := m.breaker.Execute(func() (any, error) {
		return m.locker.Lock(opCtx, slotKey, weight, m.config.HoldSeconds)
	})
	if err != nil {
		return lock.Acquisition{}, err
	}

	acq := out.(lock.Acquisition)
	m.metrics.RecordClaim(slotKey, acq.Granted)
	return acq, nil
}

// renewCycle renews every owned lease and tears down slots whose lease
// was lost or preempted.
func (m *Manager) renewCycle(_ context.Context) {
	if !m.renewBusy.CompareAndSwap(false, true) {
		m.logger.Debug("Renewal cycle still running, skipping tick")
		return
	}
	defer m.renewBusy.Store(false)

	m.slots.Range(func(key, value any) bool {
		s := value.(*ownedSlot)

		ok, err := m.holdSlot(s)
		if err != nil {
			// Transient: keep the slot, the lease either survives until the
			// next cycle or expires and gets reclaimed cluster-wide.
			m.logger.Warn("Lease renewal error", "slot", s.key, "error", err)
			return true
		}

		if !ok {
			m.logger.Warn("Lease lost, tearing down slot", "slot", s.key)
			m.metrics.RecordRenewalFailure(s.key)
			m.slots.Delete(s.key)
			m.teardownSlot(s)
		}
		return true
	})
}

// holdSlot issues one lease renewal through the circuit breaker.
func (m *Manager) holdSlot(s *ownedSlot) (bool, error) {
	opCtx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	out, err := m.breaker.Execute(func() (any, error) {
		return m.locker.Hold(opCtx, s.key, s.token, m.config.HoldSeconds)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

// healthCycle probes every runner across every owned slot concurrently.
func (m *Manager) healthCycle(ctx context.Context) {
	if !m.healthBusy.CompareAndSwap(false, true) {
		m.logger.Debug("Health cycle still running, skipping tick")
		return
	}
	defer m.healthBusy.Store(false)

	var wg sync.WaitGroup
	m.slots.Range(func(key, value any) bool {
		s := value.(*ownedSlot)
		for _, r := range s.snapshot() {
			wg.Add(1)
			go func(r consumer.Runner) {
				defer wg.Done()
				if err := r.HealthCheck(ctx); err != nil {
					m.logger.Warn("Runner health check failed",
						"slot", s.key, "topic", r.Topic(), "error", err)
					m.metrics.RecordHealthFailure(s.key, r.Topic())
					s.setHealth(r.Topic(), err.Error())
					return
				}
				s.setHealth(r.Topic(), "")
			}(r)
		}
		return true
	})
	wg.Wait()
}

// registerSlot records ownership of a slot and starts runners for the topics
// it owns. Registration is idempotent: a slot already tracked is left as is.
func (m *Manager) registerSlot(ctx context.Context, slotKey string, token int64) {
	s := &ownedSlot{key: slotKey, token: token, health: make(map[string]string)}
	if _, loaded := m.slots.LoadOrStore(slotKey, s); loaded {
		m.logger.Debug("Slot already registered", "slot", slotKey)
		return
	}
	m.slotCount.Add(1)
	m.metrics.SetSlotsOwned(int64(m.slotCount.Load()))
	m.logger.Info("Claimed node slot", "slot", slotKey, "token", token)

	m.startRunners(ctx, s)
}

// assignment binds one topic of one consumer to the slot that owns it.
type assignment struct {
	desc  consumer.Descriptor
	topic string
}

// startRunners starts a runner for every topic assigned to the slot, in
// shuffled order with a pause between starts so parallel claims across the
// cluster do not stampede the broker.
func (m *Manager) startRunners(ctx context.Context, s *ownedSlot) {
	var assigned []assignment
	for _, desc := range m.registry.List() {
		for _, topic := range desc.Topics {
			if m.ring != nil && m.ring.GetNode(topic) != s.key {
				continue
			}
			assigned = append(assigned, assignment{desc: desc, topic: topic})
		}
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	rnd.Shuffle(len(assigned), func(i, j int) {
		assigned[i], assigned[j] = assigned[j], assigned[i]
	})

	started := 0
	for i, a := range assigned {
		if i > 0 && m.config.StartDelay > 0 {
			if !m.sleep(m.config.StartDelay) {
				break
			}
		}

		r, err := m.factory.NewRunner(a.desc, a.topic)
		if err != nil {
			m.logger.Error("Failed to create runner",
				"consumer", a.desc.Name, "topic", a.topic, "error", err)
			continue
		}
		if err := r.Run(ctx); err != nil {
			m.logger.Error("Failed to start runner",
				"consumer", a.desc.Name, "topic", a.topic, "error", err)
			continue
		}

		s.add(r)
		started++
		m.metrics.RecordRunnerStarted(s.key)
	}

	m.logger.Info("Runners started for slot",
		"slot", s.key, "assigned", len(assigned), "started", started)
}

// teardownSlot closes every runner of a slot that was dropped or is
// shutting down.
func (m *Manager) teardownSlot(s *ownedSlot) {
	for _, r := range s.snapshot() {
		if err := r.Close(); err != nil {
			m.logger.Warn("Failed to close runner",
				"slot", s.key, "topic", r.Topic(), "error", err)
		}
		m.metrics.RecordRunnerStopped(s.key)
	}
	if n := m.slotCount.Add(-1); n >= 0 {
		m.metrics.SetSlotsOwned(int64(n))
	}
}

// SlotStatus describes one owned slot for status endpoints.
type SlotStatus struct {
	Key     string         `json:"key"`
	Runners []RunnerStatus `json:"runners"`
}

// RunnerStatus describes one runner's topic and last health probe.
type RunnerStatus struct {
	Topic   string `json:"topic"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Status returns a snapshot of owned slots and runner health, sorted by
// slot key.
func (m *Manager) Status() []SlotStatus {
	var out []SlotStatus
	m.slots.Range(func(key, value any) bool {
		s := value.(*ownedSlot)

		s.mu.Lock()
		st := SlotStatus{Key: s.key, Runners: make([]RunnerStatus, 0, len(s.runners))}
		for _, r := range s.runners {
			failure := s.health[r.Topic()]
			st.Runners = append(st.Runners, RunnerStatus{
				Topic:   r.Topic(),
				Healthy: failure == "",
				Error:   failure,
			})
		}
		s.mu.Unlock()

		sort.Slice(st.Runners, func(i, j int) bool {
			return st.Runners[i].Topic < st.Runners[j].Topic
		})
		out = append(out, st)
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Started reports whether Start has been called.
func (m *Manager) Started() bool {
	return m.started.Load()
}
