// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics records worker activity with OpenTelemetry.
package metrics

import (
	"context"
	"fmt"

	"github.com/absmach/meshprobe/outcome"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/meshprobe"

// Metrics holds the instruments shared by all workers.
// A nil *Metrics records nothing.
type Metrics struct {
	meter  metric.Meter
	tracer trace.Tracer

	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	settlements      metric.Int64Counter
	duplicates       metric.Int64Counter
	timeouts         metric.Int64Counter
	failures         metric.Int64Counter

	runDuration metric.Float64Histogram
}

// New creates the instruments on mp and spans on tp. Nil providers
// fall back to the global ones.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		tracer: tp.Tracer(instrumentationName),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"meshprobe.messages.sent",
		metric.WithDescription("Messages sent by sender workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"meshprobe.messages.received",
		metric.WithDescription("Messages counted by receiver workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.settlements, err = m.meter.Int64Counter(
		"meshprobe.settlements",
		metric.WithDescription("Delivery settlements by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlements counter: %w", err)
	}

	m.duplicates, err = m.meter.Int64Counter(
		"meshprobe.duplicates.suppressed",
		metric.WithDescription("Redeliveries discarded by duplicate suppression"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicates counter: %w", err)
	}

	m.timeouts, err = m.meter.Int64Counter(
		"meshprobe.timeouts",
		metric.WithDescription("Worker runs ended by timeout"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeouts counter: %w", err)
	}

	m.failures, err = m.meter.Int64Counter(
		"meshprobe.failures",
		metric.WithDescription("Worker runs ended by a transport failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	m.runDuration, err = m.meter.Float64Histogram(
		"meshprobe.run.duration.ms",
		metric.WithDescription("Worker run duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runDuration histogram: %w", err)
	}

	return m, nil
}

// RecordSent records a message sent to address.
func (m *Metrics) RecordSent(ctx context.Context, address string) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("address", address)))
}

// RecordReceived records a message counted by a receiver on address.
func (m *Metrics) RecordReceived(ctx context.Context, address string) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("address", address)))
}

// RecordSettled records a settlement. role is "sender" or "receiver".
func (m *Metrics) RecordSettled(ctx context.Context, role string, o outcome.Outcome) {
	if m == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", o.String()),
	))
}

// RecordDuplicate records a suppressed redelivery.
func (m *Metrics) RecordDuplicate(ctx context.Context, address string) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("address", address)))
}

// RecordRunEnd records the end of a worker run.
func (m *Metrics) RecordRunEnd(ctx context.Context, role string, timedOut bool, err error, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("role", role))
	if timedOut {
		m.timeouts.Add(ctx, 1, attrs)
	}
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
	m.runDuration.Record(ctx, durationMs, attrs)
}

// StartSpan starts a span for a worker run. With a nil receiver the
// returned span is a no-op.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// CounterAttributes converts final counters to span attributes.
func CounterAttributes(c outcome.Counters) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("sent", c.Sent),
		attribute.Int("received", c.Received),
		attribute.Int("accepted", c.Accepted),
		attribute.Int("rejected", c.Rejected),
		attribute.Int("released", c.Released),
		attribute.Int("modified", c.Modified),
		attribute.Int("settled", c.Settled),
		attribute.Int("duplicates", c.Duplicates),
	}
}
