// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import "time"

// inflightDelivery is a sent message awaiting its outcome.
type inflightDelivery struct {
	seq       uint64
	messageID string
	sent      time.Time
}

// inflightTable tracks unsettled deliveries of a sender. It is owned by
// the sender's event loop and needs no locking.
type inflightTable struct {
	pending map[uint64]*inflightDelivery
	nextSeq uint64
}

func newInflightTable() *inflightTable {
	return &inflightTable{pending: make(map[uint64]*inflightDelivery)}
}

// add registers a delivery and returns its sequence number.
func (t *inflightTable) add(messageID string, sent time.Time) uint64 {
	t.nextSeq++
	t.pending[t.nextSeq] = &inflightDelivery{
		seq:       t.nextSeq,
		messageID: messageID,
		sent:      sent,
	}
	return t.nextSeq
}

// complete removes a delivery. It returns false for an unknown or already
// completed sequence number, so each delivery settles exactly once.
func (t *inflightTable) complete(seq uint64) (*inflightDelivery, bool) {
	d, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	return d, ok
}

// count returns the number of unsettled deliveries.
func (t *inflightTable) count() int {
	return len(t.pending)
}

// messageIDs returns the ids of unsettled deliveries.
func (t *inflightTable) messageIDs() []string {
	ids := make([]string, 0, len(t.pending))
	for _, d := range t.pending {
		ids = append(ids, d.messageID)
	}
	return ids
}
