// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import "sync/atomic"

// State represents the worker lifecycle state.
type State uint32

// Worker states.
const (
	StateCreated State = iota
	StateAttaching
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAttaching:
		return "attaching"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

// set unconditionally sets the state.
func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
// Returns true if successful.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}
