// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package outcome models AMQP delivery outcomes, receiver settlement
// policies, per-worker outcome accounting and multicast outcome aggregation.
package outcome

import (
	"errors"
	"strings"
)

// ErrUnknownPolicy is returned when a settlement policy name is not recognized.
var ErrUnknownPolicy = errors.New("unknown settlement policy")

// Outcome is the terminal state of a delivery.
type Outcome uint8

// Delivery outcomes.
const (
	Unsettled Outcome = iota
	Accepted
	Rejected
	Released
	Modified
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Unsettled:
		return "unsettled"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Released:
		return "released"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome settles a delivery.
func (o Outcome) Terminal() bool {
	return o >= Accepted && o <= Modified
}

// Policy is the disposition a receiver applies to every message it consumes.
type Policy uint8

// Settlement policies.
const (
	Accept Policy = iota
	Reject
	Release
	Modify
	// None leaves deliveries unsettled.
	None
)

var policyNames = map[string]Policy{
	"":        Accept,
	"accept":  Accept,
	"reject":  Reject,
	"release": Release,
	"modify":  Modify,
	"none":    None,
}

var policyOutcomes = [...]Outcome{
	Accept:  Accepted,
	Reject:  Rejected,
	Release: Released,
	Modify:  Modified,
	None:    Unsettled,
}

// ParsePolicy maps a policy name to a Policy. An empty name means Accept.
func ParsePolicy(name string) (Policy, error) {
	p, ok := policyNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Accept, ErrUnknownPolicy
	}
	return p, nil
}

// Outcome returns the disposition applied under the policy.
// Release maps to released (delivery-failed=false), Modify to modified
// (delivery-failed=true).
func (p Policy) Outcome() Outcome {
	if int(p) >= len(policyOutcomes) {
		return Accepted
	}
	return policyOutcomes[p]
}

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Release:
		return "release"
	case Modify:
		return "modify"
	case None:
		return "none"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Aggregate derives the single outcome a multicast sender observes when
// several receivers settle the same delivery. A reject from any receiver
// wins, then any accept. Released is reported only when every receiver
// released. When foldModified is set, modified counts as released.
// An empty set (no consumers) is released.
func Aggregate(outcomes []Outcome, foldModified bool) Outcome {
	if len(outcomes) == 0 {
		return Released
	}

	var accepted, modified, unsettled bool
	for _, o := range outcomes {
		switch o {
		case Rejected:
			return Rejected
		case Accepted:
			accepted = true
		case Modified:
			if !foldModified {
				modified = true
			}
		case Released:
		default:
			unsettled = true
		}
	}

	switch {
	case unsettled:
		return Unsettled
	case accepted:
		return Accepted
	case modified:
		return Modified
	default:
		return Released
	}
}
