// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import "strings"

// Distribution selects how a router fans deliveries out to consumers.
type Distribution uint8

// Distributions.
const (
	// Balanced delivers each message to exactly one consumer.
	Balanced Distribution = iota
	// Multicast delivers a copy to every consumer and aggregates their outcomes.
	Multicast
)

// String returns the distribution name.
func (d Distribution) String() string {
	if d == Multicast {
		return "multicast"
	}
	return "balanced"
}

type addressRule struct {
	pattern      string
	distribution Distribution
}

// matchPattern reports whether address matches a router address pattern.
// Patterns are '/'-separated; '*' matches exactly one segment and '#'
// matches zero or more trailing segments.
func matchPattern(pattern, address string) bool {
	if pattern == "" || address == "" {
		return false
	}
	if pattern == address || pattern == "#" {
		return true
	}

	pLevels := strings.Split(pattern, "/")
	aLevels := strings.Split(address, "/")

	for i, p := range pLevels {
		if p == "#" {
			return true
		}
		if i >= len(aLevels) {
			return false
		}
		if p != "*" && p != aLevels[i] {
			return false
		}
	}

	return len(pLevels) == len(aLevels)
}
