// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package timeout provides a single-use deadline that either fires its
// callback or is interrupted, never both.
package timeout

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	stateArmed uint32 = iota
	stateFired
	stateInterrupted
)

// Guard invokes a callback once its duration elapses unless interrupted first.
// A nil *Guard is valid: it never fires and interrupting it always succeeds.
type Guard struct {
	state  atomic.Uint32
	timer  *clock.Timer
	onFire func()
}

// Arm schedules onFire to run after d on clk. A non-positive duration
// disables the guard and returns nil. A nil clk uses the wall clock.
func Arm(clk clock.Clock, d time.Duration, onFire func()) *Guard {
	if d <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	g := &Guard{onFire: onFire}
	g.timer = clk.AfterFunc(d, g.fire)
	return g
}

func (g *Guard) fire() {
	if !g.state.CompareAndSwap(stateArmed, stateFired) {
		return
	}
	if g.onFire != nil {
		g.onFire()
	}
}

// Interrupt cancels the pending callback. It returns false when the guard
// already fired; in that case the callback ran (or is running) and the
// caller lost the race.
func (g *Guard) Interrupt() bool {
	if g == nil {
		return true
	}
	if g.state.CompareAndSwap(stateArmed, stateInterrupted) {
		g.timer.Stop()
		return true
	}
	return g.state.Load() == stateInterrupted
}

// TimedOut reports whether the callback won the gate.
func (g *Guard) TimedOut() bool {
	return g != nil && g.state.Load() == stateFired
}
