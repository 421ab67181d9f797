// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"time"
)

// closeTimeout bounds link and connection teardown once a run has ended.
const closeTimeout = 5 * time.Second

// lifecycle is the part of a worker shared by senders and receivers.
// The report is written by the run goroutine before done is closed and
// read by other goroutines only after.
type lifecycle struct {
	state    stateManager
	attached chan struct{}
	done     chan struct{}
	report   Report
}

func newLifecycle() lifecycle {
	return lifecycle{
		attached: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *lifecycle) begin() error {
	if !l.state.transition(StateCreated, StateAttaching) {
		return ErrAlreadyStarted
	}
	return nil
}

func (l *lifecycle) markAttached() {
	if l.state.transition(StateAttaching, StateRunning) {
		close(l.attached)
	}
}

// stopping records that the run is tearing down its links.
func (l *lifecycle) stopping() {
	l.state.transitionFrom(StateStopping, StateAttaching, StateRunning)
}

// finish publishes rep and ends the run.
func (l *lifecycle) finish(rep Report) {
	l.report = rep
	if rep.Stopped {
		l.state.set(StateStopped)
	} else {
		l.state.set(StateFailed)
	}
	close(l.done)
}

// State returns the current lifecycle state.
func (l *lifecycle) State() State {
	return l.state.get()
}

// Attached is closed once the link is attached.
func (l *lifecycle) Attached() <-chan struct{} {
	return l.attached
}

// Done is closed when the run has ended and the report is final.
func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

// Report returns the final report, or ErrRunning before Done.
func (l *lifecycle) Report() (Report, error) {
	select {
	case <-l.done:
		return l.report, nil
	default:
		return Report{}, ErrRunning
	}
}

// Wait blocks until the run ends or ctx is done.
func (l *lifecycle) Wait(ctx context.Context) (Report, error) {
	select {
	case <-l.done:
		return l.report, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Stopped reports whether the worker terminated voluntarily, on
// completion or timeout.
func (l *lifecycle) Stopped() bool {
	rep, err := l.Report()
	return err == nil && rep.Stopped
}

// TimedOut reports whether the run was ended by its timeout.
func (l *lifecycle) TimedOut() bool {
	rep, err := l.Report()
	return err == nil && rep.TimedOut
}

// Err returns the transport failure that ended the run, if any.
func (l *lifecycle) Err() error {
	rep, err := l.Report()
	if err != nil {
		return nil
	}
	return rep.Err
}

func closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
}
