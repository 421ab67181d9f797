// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clients runs external AMQP client implementations as OS
// processes and observes them through their exit code and stdout.
package clients

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/meshprobe/transport"
)

var (
	// ErrUnknownImplementation is returned for an unsupported client implementation.
	ErrUnknownImplementation = errors.New("unknown client implementation")
	// ErrUnknownRole is returned for a role other than sender or receiver.
	ErrUnknownRole = errors.New("unknown client role")
	// ErrExitStatus is returned when a client exits with a non-zero code.
	ErrExitStatus = errors.New("client exited with non-zero status")
	// ErrNotStarted is returned by operations on a client that was never started.
	ErrNotStarted = errors.New("client not started")
)

// Implementation identifies a client family.
type Implementation string

// Supported implementations.
const (
	Java   Implementation = "java"
	Python Implementation = "python"
	NodeJS Implementation = "nodejs"
)

// Role is the messaging role of a client process.
type Role string

// Client roles.
const (
	Sender   Role = "sender"
	Receiver Role = "receiver"
)

var binaryPrefixes = map[Implementation]string{
	Java:   "cli-qpid",
	Python: "cli-proton-python",
	NodeJS: "cli-rhea",
}

// ParseImplementation maps a configured name to an Implementation.
func ParseImplementation(name string) (Implementation, error) {
	impl := Implementation(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := binaryPrefixes[impl]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownImplementation, name)
	}
	return impl, nil
}

// Binary returns the default executable of the implementation for role,
// for example cli-proton-python-sender.
func (i Implementation) Binary(role Role) string {
	return binaryPrefixes[i] + "-" + string(role)
}

// Command describes one client invocation.
type Command struct {
	Role           Role
	Implementation Implementation
	// Binary overrides the implementation's default executable.
	Binary string
	// URL is amqp[s]://host:port/address.
	URL   string
	Count int
	// Timeout is passed to the client, rounded up to whole seconds. 0 omits it.
	Timeout time.Duration
	// LogMessages selects how received messages are printed, e.g. "dict".
	LogMessages string
	// MessageContent is the body sent by a sender.
	MessageContent string
	// Env is appended to the parent environment.
	Env []string
}

// Path returns the executable to run.
func (c Command) Path() string {
	if c.Binary != "" {
		return c.Binary
	}
	return c.Implementation.Binary(c.Role)
}

// Args returns the command line arguments, without the executable.
func (c Command) Args() ([]string, error) {
	switch c.Role {
	case Sender, Receiver:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, c.Role)
	}
	if c.Binary == "" {
		if _, ok := binaryPrefixes[c.Implementation]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, c.Implementation)
		}
	}
	addr, err := transport.ParseURL(c.URL)
	if err != nil {
		return nil, err
	}

	broker := addr.HostPort()
	if addr.Username != "" {
		broker = addr.Username + ":" + addr.Password + "@" + broker
	}
	args := []string{"--broker", broker, "--address", addr.Node}
	if c.Count > 0 {
		args = append(args, "--count", strconv.Itoa(c.Count))
	}
	if c.Timeout > 0 {
		secs := int(math.Ceil(c.Timeout.Seconds()))
		args = append(args, "--timeout", strconv.Itoa(secs))
	}
	if c.LogMessages != "" {
		args = append(args, "--log-msgs", c.LogMessages)
	}
	if c.Role == Sender && c.MessageContent != "" {
		args = append(args, "--msg-content", c.MessageContent)
	}
	return args, nil
}
