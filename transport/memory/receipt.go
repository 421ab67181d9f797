// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/transport"
)

// receipt collects the per-consumer outcomes of one routed message.
type receipt struct {
	mu       sync.Mutex
	outcomes []outcome.Outcome
	pending  int
	fold     bool
	result   outcome.Outcome
	done     chan struct{}
}

func newReceipt(copies int, fold bool) *receipt {
	return &receipt{
		outcomes: make([]outcome.Outcome, copies),
		pending:  copies,
		fold:     fold,
		done:     make(chan struct{}),
	}
}

// resolve records the outcome of copy i. The aggregate is published once
// every copy has settled.
func (r *receipt) resolve(i int, o outcome.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == 0 || r.outcomes[i] != outcome.Unsettled {
		return
	}
	r.outcomes[i] = o
	r.pending--
	if r.pending == 0 {
		r.result = outcome.Aggregate(r.outcomes, r.fold)
		close(r.done)
	}
}

type senderReceipt struct {
	rc       *receipt
	linkDone <-chan struct{}
}

func (s *senderReceipt) Wait(ctx context.Context) (outcome.Outcome, error) {
	select {
	case <-s.rc.done:
		return s.rc.result, nil
	case <-ctx.Done():
		return outcome.Unsettled, ctx.Err()
	case <-s.linkDone:
		select {
		case <-s.rc.done:
			return s.rc.result, nil
		default:
			return outcome.Unsettled, transport.ErrLinkClosed
		}
	}
}

// copyDelivery is one consumer's copy of a routed message.
type copyDelivery struct {
	id         uint64
	msg        *transport.Message
	rc         *receipt
	idx        int
	presettled bool
}

// subscription is a consumer of an address. Durable subscriptions outlive
// their link and buffer deliveries while detached.
type subscription struct {
	key       string
	address   string
	link      *receiverLink
	queue     []*copyDelivery
	unsettled map[uint64]*copyDelivery
	notify    chan struct{}
}

func newSubscription(address, key string) *subscription {
	return &subscription{
		key:       key,
		address:   address,
		unsettled: make(map[uint64]*copyDelivery),
		notify:    make(chan struct{}, 1),
	}
}

// enqueue appends d. Caller holds the router lock.
func (s *subscription) enqueue(d *copyDelivery) {
	s.queue = append(s.queue, d)
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// requeueUnsettled puts deliveries handed out but never settled back at the
// head of the queue, in delivery order. Caller holds the router lock.
func (s *subscription) requeueUnsettled() {
	if len(s.unsettled) == 0 {
		return
	}
	back := make([]*copyDelivery, 0, len(s.unsettled)+len(s.queue))
	for _, d := range s.unsettled {
		back = append(back, d)
	}
	slices.SortFunc(back, func(a, b *copyDelivery) int { return cmp.Compare(a.id, b.id) })
	s.queue = append(back, s.queue...)
	s.unsettled = make(map[uint64]*copyDelivery)
}

// drain removes and returns every pending delivery. Caller holds the router lock.
func (s *subscription) drain() []*copyDelivery {
	out := make([]*copyDelivery, 0, len(s.queue)+len(s.unsettled))
	out = append(out, s.queue...)
	for _, d := range s.unsettled {
		out = append(out, d)
	}
	s.queue = nil
	s.unsettled = make(map[uint64]*copyDelivery)
	return out
}
