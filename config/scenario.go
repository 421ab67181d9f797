// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/absmach/meshprobe/outcome"
	"gopkg.in/yaml.v3"
)

// DefaultMessageSize is the body size used when none or an invalid one is configured.
const DefaultMessageSize MessageSize = 1024

// MessageSize is a message body size in bytes. Values that are not
// positive integers decode to DefaultMessageSize.
type MessageSize int

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *MessageSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil || n <= 0 {
		slog.Warn("invalid message size, using default", "value", value.Value, "default", int(DefaultMessageSize))
		*s = DefaultMessageSize
		return nil
	}
	*s = MessageSize(n)
	return nil
}

// Bytes returns the size, substituting the default for a zero value.
func (s MessageSize) Bytes() int {
	if s <= 0 {
		return int(DefaultMessageSize)
	}
	return int(s)
}

// Policy resolves the receiver settlement policy. An explicit settle name
// wins; otherwise auto_accept: false leaves deliveries unsettled. Unknown
// names fall back to accept.
func (r ReceiverConfig) Policy() outcome.Policy {
	if r.Settle == "" && r.AutoAccept != nil && !*r.AutoAccept {
		return outcome.None
	}
	p, err := outcome.ParsePolicy(r.Settle)
	if err != nil {
		slog.Warn("unknown settlement policy, accepting", "receiver", r.Name, "settle", r.Settle)
	}
	return p
}
