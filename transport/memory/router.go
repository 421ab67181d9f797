// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements an in-process AMQP-like router behind the
// transport interfaces. It distributes messages to attached receivers,
// aggregates multicast outcomes the way an interior router does and keeps
// durable subscriptions across detach. It exists to exercise the workers
// without external processes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/transport"
)

// Router errors.
var (
	ErrConnRefused = errors.New("connection refused")
	ErrLinkBusy    = errors.New("durable subscription already attached")
)

// Node describes a router in the simulated mesh, reported through management queries.
type Node struct {
	Name    string
	ID      string
	Address string
	NextHop string
	Cost    int
}

// Option configures a Router.
type Option func(*Router)

// WithName sets the router name.
func WithName(name string) Option {
	return func(r *Router) { r.name = name }
}

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDistribution routes addresses matching pattern with distribution d.
// Rules are evaluated in the order given, before the defaults.
func WithDistribution(pattern string, d Distribution) Option {
	return func(r *Router) {
		r.rules = append(r.rules, addressRule{pattern: pattern, distribution: d})
	}
}

// WithFoldModified makes senders observe modified outcomes as released.
func WithFoldModified() Option {
	return func(r *Router) { r.foldModified = true }
}

// WithNodes sets the mesh nodes reported by management queries.
func WithNodes(nodes ...Node) Option {
	return func(r *Router) { r.nodes = append(r.nodes, nodes...) }
}

// WithHosts restricts the hosts the router accepts connections for.
func WithHosts(hosts ...string) Option {
	return func(r *Router) {
		for _, h := range hosts {
			r.hosts[h] = true
		}
	}
}

// Router is an in-process message router. It implements transport.Dialer.
type Router struct {
	name         string
	logger       *slog.Logger
	rules        []addressRule
	foldModified bool
	hosts        map[string]bool
	nodes        []Node
	stats        *Stats

	mu      sync.Mutex
	subs    map[string][]*subscription
	durable map[string]*subscription
	conns   map[*Conn]struct{}
	rr      map[string]int
	credit  chan struct{}
	nextID  uint64
	closed  bool
}

var _ transport.Dialer = (*Router)(nil)

// New creates a router. Addresses under multicast/ are multicast unless a
// rule says otherwise; everything else is balanced.
func New(opts ...Option) *Router {
	r := &Router{
		name:    "router",
		logger:  slog.Default(),
		hosts:   make(map[string]bool),
		stats:   &Stats{},
		subs:    make(map[string][]*subscription),
		durable: make(map[string]*subscription),
		conns:   make(map[*Conn]struct{}),
		rr:      make(map[string]int),
		credit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rules = append(r.rules,
		addressRule{pattern: "multicast/#", distribution: Multicast},
		addressRule{pattern: "#", distribution: Balanced},
	)
	if len(r.nodes) == 0 {
		r.nodes = []Node{{Name: r.name, ID: r.name}}
	}
	return r
}

// Name returns the router name.
func (r *Router) Name() string {
	return r.name
}

// Stats returns the router statistics.
func (r *Router) Stats() *Stats {
	return r.stats
}

// Dial opens a connection to the router.
func (r *Router) Dial(ctx context.Context, addr transport.Address, opts transport.ConnOptions) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: router %s is down", ErrConnRefused, r.name)
	}
	if len(r.hosts) > 0 && !r.hosts[addr.Host] {
		return nil, fmt.Errorf("%w: %s", ErrConnRefused, addr.HostPort())
	}

	c := &Conn{
		router:      r,
		containerID: opts.ContainerID,
		host:        addr.Host,
		done:        make(chan struct{}),
	}
	r.conns[c] = struct{}{}
	r.stats.connOpened()
	r.logger.Debug("connection opened", "router", r.name, "container_id", opts.ContainerID)

	return c, nil
}

// Shutdown drops every connection as if the router process died.
// Links observe transport.ErrConnClosed and new dials are refused.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.shutdown(transport.ErrConnClosed)
	}
}

// OpenConnections returns the number of open connections.
func (r *Router) OpenConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Subscriptions returns the number of consumers of address, including
// detached durable subscriptions.
func (r *Router) Subscriptions(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[address])
}

// Queued returns the number of messages held by the durable subscription
// identified by container id and link name.
func (r *Router) Queued(containerID, linkName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.durable[durableKey(containerID, linkName)]
	if !ok {
		return 0
	}
	return len(s.queue)
}

// Inject publishes msg to address without a sending link, waiting for a
// consumer if there is none. It is used to simulate redelivery.
func (r *Router) Inject(ctx context.Context, address string, msg *transport.Message) (transport.Receipt, error) {
	return r.publish(ctx, address, msg, false, nil)
}

func (r *Router) distribution(address string) Distribution {
	for _, rule := range r.rules {
		if matchPattern(rule.pattern, address) {
			return rule.distribution
		}
	}
	return Balanced
}

// publish routes msg to the consumers of address. It blocks while the
// address has no consumer, which is how a router withholds credit.
func (r *Router) publish(ctx context.Context, address string, msg *transport.Message, presettled bool, linkDone <-chan struct{}) (transport.Receipt, error) {
	if address == "" {
		return nil, transport.ErrEmptyAddress
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, transport.ErrConnClosed
		}

		subs := r.subs[address]
		if len(subs) > 0 {
			targets := subs
			if r.distribution(address) == Balanced {
				i := r.rr[address] % len(subs)
				r.rr[address] = i + 1
				targets = []*subscription{subs[i]}
			}

			rc := newReceipt(len(targets), r.foldModified)
			for i, s := range targets {
				r.nextID++
				cp := *msg
				s.enqueue(&copyDelivery{
					id:         r.nextID,
					msg:        &cp,
					rc:         rc,
					idx:        i,
					presettled: presettled,
				})
			}
			r.mu.Unlock()

			r.stats.messagesIn.Add(1)
			if presettled {
				return transport.SettledReceipt(outcome.Accepted), nil
			}
			return &senderReceipt{rc: rc, linkDone: linkDone}, nil
		}

		wait := r.credit
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-linkDone:
			return nil, transport.ErrLinkClosed
		}
	}
}

// grantCredit wakes senders blocked on an address without consumers.
// Caller holds r.mu.
func (r *Router) grantCredit() {
	close(r.credit)
	r.credit = make(chan struct{})
}

// removeSub drops s from the routing table. Caller holds r.mu.
func (r *Router) removeSub(s *subscription) {
	subs := r.subs[s.address]
	for i, cur := range subs {
		if cur == s {
			r.subs[s.address] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[s.address]) == 0 {
		delete(r.subs, s.address)
	}
	if s.key != "" {
		delete(r.durable, s.key)
	}
}

func durableKey(containerID, linkName string) string {
	return containerID + "/" + linkName
}
