// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"strings"

	"github.com/absmach/meshprobe/outcome"
)

// Completion decides when a sender has sent enough and when it is done.
// With a non-positive count every policy sends until the timeout fires.
type Completion uint8

// Completion policies.
const (
	// CountAndStop sends exactly count messages and is done once all of
	// them are settled, whatever the outcome.
	CountAndStop Completion = iota
	// ReplaceRefused replaces released and rejected messages with fresh
	// ones until count messages were neither released nor rejected.
	ReplaceRefused
	// UntilAccepted keeps sending until count messages are accepted.
	UntilAccepted
)

var completionNames = map[string]Completion{
	"":                CountAndStop,
	"count_and_stop":  CountAndStop,
	"replace_refused": ReplaceRefused,
	"until_accepted":  UntilAccepted,
}

// ParseCompletion maps a policy name to a Completion. An empty name is CountAndStop.
func ParseCompletion(name string) (Completion, error) {
	c, ok := completionNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return CountAndStop, fmt.Errorf("%w: %q", ErrUnknownCompletion, name)
	}
	return c, nil
}

// String returns the policy name.
func (c Completion) String() string {
	switch c {
	case CountAndStop:
		return "count_and_stop"
	case ReplaceRefused:
		return "replace_refused"
	case UntilAccepted:
		return "until_accepted"
	default:
		return "unknown"
	}
}

// needMore reports whether another message should be sent.
func (c Completion) needMore(count int, k outcome.Counters) bool {
	if count <= 0 {
		return true
	}
	switch c {
	case ReplaceRefused:
		return k.Sent-k.Released-k.Rejected < count
	case UntilAccepted:
		return k.Accepted+k.Unsettled() < count
	default:
		return k.Sent < count
	}
}

// done reports whether the sender has finished.
func (c Completion) done(count int, k outcome.Counters) bool {
	if count <= 0 {
		return false
	}
	switch c {
	case ReplaceRefused:
		return k.Sent-k.Released-k.Rejected >= count && k.Unsettled() == 0
	case UntilAccepted:
		return k.Accepted >= count
	default:
		return k.Sent >= count && k.Unsettled() == 0
	}
}
