// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"log/slog"

	"github.com/absmach/meshprobe/metrics"
	"github.com/absmach/meshprobe/transport"
	"github.com/absmach/meshprobe/transport/amqp10"
	"github.com/benbjohnson/clock"
)

// Option configures a worker.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	clock   clock.Clock
	dialer  transport.Dialer
	metrics *metrics.Metrics
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = amqp10.NewDialer(amqp10.WithLogger(o.logger))
	}
	return o
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock driving the worker timeout.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithDialer sets the transport used to reach the router.
// The default dials AMQP 1.0 over the network.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithMetrics records worker activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
