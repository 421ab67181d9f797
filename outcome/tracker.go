// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package outcome

// Counters is a point-in-time copy of a Tracker.
type Counters struct {
	Sent       int `json:"sent" yaml:"sent"`
	Received   int `json:"received" yaml:"received"`
	Accepted   int `json:"accepted" yaml:"accepted"`
	Rejected   int `json:"rejected" yaml:"rejected"`
	Released   int `json:"released" yaml:"released"`
	Modified   int `json:"modified" yaml:"modified"`
	Settled    int `json:"settled" yaml:"settled"`
	Duplicates int `json:"duplicates" yaml:"duplicates"`
}

// Unsettled returns the number of sent deliveries still awaiting an outcome.
func (c Counters) Unsettled() int {
	return c.Sent - c.Settled
}

// Tracker accumulates delivery counters for a single worker.
// It is not safe for concurrent use: a worker's event loop owns it.
type Tracker struct {
	c            Counters
	foldModified bool
}

// NewTracker returns a tracker. With foldModified set, modified outcomes
// are counted as released.
func NewTracker(foldModified bool) *Tracker {
	return &Tracker{foldModified: foldModified}
}

// RecordSent counts an outgoing delivery.
func (t *Tracker) RecordSent() {
	t.c.Sent++
}

// RecordReceived counts an accepted inbound message.
func (t *Tracker) RecordReceived() {
	t.c.Received++
}

// RecordDuplicate counts a suppressed redelivery.
func (t *Tracker) RecordDuplicate() {
	t.c.Duplicates++
}

// Settle counts a terminal outcome. It returns false and counts nothing
// for a non-terminal outcome.
func (t *Tracker) Settle(o Outcome) bool {
	switch o {
	case Accepted:
		t.c.Accepted++
	case Rejected:
		t.c.Rejected++
	case Released:
		t.c.Released++
	case Modified:
		if t.foldModified {
			t.c.Released++
		} else {
			t.c.Modified++
		}
	default:
		return false
	}
	t.c.Settled++
	return true
}

// Counters returns a snapshot of the counters.
func (t *Tracker) Counters() Counters {
	return t.c
}

// DuplicateFilter remembers the last message id seen per user id.
type DuplicateFilter struct {
	last map[string]string
}

// NewDuplicateFilter returns an empty filter.
func NewDuplicateFilter() *DuplicateFilter {
	return &DuplicateFilter{last: make(map[string]string)}
}

// Seen reports whether messageID repeats the last id recorded for userID.
// A message missing either id is never a duplicate and is not recorded.
func (f *DuplicateFilter) Seen(userID, messageID string) bool {
	if userID == "" || messageID == "" {
		return false
	}
	if last, ok := f.last[userID]; ok && last == messageID {
		return true
	}
	f.last[userID] = messageID
	return false
}
