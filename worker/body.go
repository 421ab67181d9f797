// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// DefaultMessageSize is the body size used when none is configured.
const DefaultMessageSize = 1024

// NewMessageID returns a fresh 32 character hex message id.
func NewMessageID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Body returns the body for message id: the id repeated and cut to size
// bytes. Receivers regenerate it from the id to verify content.
func Body(id string, size int) string {
	if size <= 0 || id == "" {
		return ""
	}
	return strings.Repeat(id, size/len(id)+1)[:size]
}

// VerifyBody reports whether body is the one generated for id.
func VerifyBody(id, body string) bool {
	return body == Body(id, len(body))
}
