// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package coord

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the coordinator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	claimsTotal     metric.Int64Counter
	renewalFailures metric.Int64Counter
	runnersStarted  metric.Int64Counter
	runnersStopped  metric.Int64Counter
	healthFailures  metric.Int64Counter

	slotsOwned    metric.Int64Gauge
	runnersActive metric.Int64UpDownCounter
}

// NewMetrics creates coordinator metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("claimd-coordinator"),
	}

	var err error

	m.claimsTotal, err = m.meter.Int64Counter(
		"claimd.claims.total",
		metric.WithDescription("Total slot claim attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claimsTotal counter: %w", err)
	}

	m.renewalFailures, err = m.meter.Int64Counter(
		"claimd.renewals.failed.total",
		metric.WithDescription("Lease renewals that reported a lost lease"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create renewalFailures counter: %w", err)
	}

	m.runnersStarted, err = m.meter.Int64Counter(
		"claimd.runners.started.total",
		metric.WithDescription("Consumer runners started"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runnersStarted counter: %w", err)
	}

	m.runnersStopped, err = m.meter.Int64Counter(
		"claimd.runners.stopped.total",
		metric.WithDescription("Consumer runners stopped"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runnersStopped counter: %w", err)
	}

	m.healthFailures, err = m.meter.Int64Counter(
		"claimd.health.failures.total",
		metric.WithDescription("Runner health probes that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create healthFailures counter: %w", err)
	}

	m.slotsOwned, err = m.meter.Int64Gauge(
		"claimd.slots.owned",
		metric.WithDescription("Node slots currently owned by this instance"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create slotsOwned gauge: %w", err)
	}

	m.runnersActive, err = m.meter.Int64UpDownCounter(
		"claimd.runners.active",
		metric.WithDescription("Consumer runners currently active"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runnersActive counter: %w", err)
	}

	return m, nil
}

// RecordClaim records a slot claim attempt and its outcome.
func (m *Metrics) RecordClaim(slot string, granted bool) {
	if m == nil {
		return
	}
	m.claimsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("slot", slot),
			attribute.Bool("granted", granted),
		))
}

// RecordRenewalFailure records a lost lease.
func (m *Metrics) RecordRenewalFailure(slot string) {
	if m == nil {
		return
	}
	m.renewalFailures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("slot", slot)))
}

// RecordRunnerStarted records one runner start.
func (m *Metrics) RecordRunnerStarted(slot string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("slot", slot))
	m.runnersStarted.Add(context.Background(), 1, attrs)
	m.runnersActive.Add(context.Background(), 1, attrs)
}

// RecordRunnerStopped records one runner stop.
func (m *Metrics) RecordRunnerStopped(slot string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("slot", slot))
	m.runnersStopped.Add(context.Background(), 1, attrs)
	m.runnersActive.Add(context.Background(), -1, attrs)
}

// RecordHealthFailure records a failed health probe.
func (m *Metrics) RecordHealthFailure(slot, topic string) {
	if m == nil {
		return
	}
	m.healthFailures.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("slot", slot),
			attribute.String("topic", topic),
		))
}

// SetSlotsOwned records the current number of owned slots.
func (m *Metrics) SetSlotsOwned(n int64) {
	if m == nil {
		return
	}
	m.slotsOwned.Record(context.Background(), n)
}
