// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import "errors"

// Worker errors.
var (
	// Configuration errors.
	ErrEmptyURL          = errors.New("worker url cannot be empty")
	ErrEmptyNode         = errors.New("worker url must name a node address")
	ErrUnknownCompletion = errors.New("unknown completion policy")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("worker already started")
	ErrRunning        = errors.New("worker still running")
)
