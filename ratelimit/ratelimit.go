// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit paces message production.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer limits how fast a worker emits messages.
// A nil *Pacer is unlimited.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a pacer allowing perSecond messages with the given burst.
// A non-positive rate returns nil (unlimited). Burst is at least 1.
func NewPacer(perSecond float64, burst int) *Pacer {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the next message may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}

// Allow reports whether a message may be sent now, consuming a token if so.
func (p *Pacer) Allow() bool {
	if p == nil {
		return true
	}
	return p.limiter.Allow()
}

// Limit returns the configured rate in messages per second; 0 means unlimited.
func (p *Pacer) Limit() float64 {
	if p == nil {
		return 0
	}
	return float64(p.limiter.Limit())
}
