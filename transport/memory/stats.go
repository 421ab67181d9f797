// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync/atomic"

	"github.com/absmach/meshprobe/outcome"
)

// Stats tracks router activity using atomic counters.
type Stats struct {
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	currentLinks       atomic.Int64

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64

	accepted atomic.Uint64
	rejected atomic.Uint64
	released atomic.Uint64
	modified atomic.Uint64
}

func (s *Stats) connOpened() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) connClosed() {
	s.currentConnections.Add(-1)
}

func (s *Stats) linkOpened() {
	s.currentLinks.Add(1)
}

func (s *Stats) linkClosed() {
	s.currentLinks.Add(-1)
}

func (s *Stats) recordSettle(o outcome.Outcome) {
	switch o {
	case outcome.Accepted:
		s.accepted.Add(1)
	case outcome.Rejected:
		s.rejected.Add(1)
	case outcome.Released:
		s.released.Add(1)
	case outcome.Modified:
		s.modified.Add(1)
	}
}

func (s *Stats) GetTotalConnections() uint64  { return s.totalConnections.Load() }
func (s *Stats) GetCurrentConnections() int64 { return s.currentConnections.Load() }
func (s *Stats) GetCurrentLinks() int64       { return s.currentLinks.Load() }
func (s *Stats) GetMessagesIn() uint64        { return s.messagesIn.Load() }
func (s *Stats) GetMessagesOut() uint64       { return s.messagesOut.Load() }
func (s *Stats) GetAccepted() uint64          { return s.accepted.Load() }
func (s *Stats) GetRejected() uint64          { return s.rejected.Load() }
func (s *Stats) GetReleased() uint64          { return s.released.Load() }
func (s *Stats) GetModified() uint64          { return s.modified.Load() }
