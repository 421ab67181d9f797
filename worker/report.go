// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"

	"github.com/absmach/meshprobe/outcome"
)

// Roles.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Report is the final state of a worker run.
type Report struct {
	outcome.Counters

	Name    string
	Role    string
	Address string
	// Target is the configured message count; 0 is unbounded.
	Target int

	TimedOut bool
	Stopped  bool
	Err      error

	// Messages holds received bodies when saving is enabled.
	Messages []string
	// BodyMismatches counts bodies that did not match their message id.
	BodyMismatches int
	Duration       time.Duration
}

// Completed reports whether the worker reached its target without
// timing out or failing.
func (r Report) Completed() bool {
	if r.Err != nil || r.TimedOut || !r.Stopped {
		return false
	}
	if r.Target <= 0 {
		return true
	}
	if r.Role == RoleReceiver {
		return r.Received >= r.Target
	}
	return r.Sent >= r.Target && r.Unsettled() == 0
}
