// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/transport"
)

// Conn is a connection to a Router.
type Conn struct {
	router      *Router
	containerID string
	host        string

	// guarded by router.mu
	senders   []*senderLink
	receivers []*receiverLink
	closed    bool

	done chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

// ContainerID returns the container id the connection was opened with.
func (c *Conn) ContainerID() string {
	return c.containerID
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// OpenSender attaches a sending link to opts.Address.
func (c *Conn) OpenSender(ctx context.Context, opts transport.SenderOptions) (transport.SenderLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Address == "" {
		return nil, transport.ErrEmptyAddress
	}

	r := c.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return nil, transport.ErrConnClosed
	}

	l := &senderLink{
		conn:       c,
		address:    opts.Address,
		presettled: opts.PreSettled,
		done:       make(chan struct{}),
	}
	c.senders = append(c.senders, l)
	r.stats.linkOpened()
	r.logger.Debug("sender attached", "router", r.name, "address", opts.Address, "container_id", c.containerID)

	return l, nil
}

// OpenReceiver attaches a receiving link to opts.Address. A durable link
// resumes the subscription left by a previous link with the same container
// id and link name.
func (c *Conn) OpenReceiver(ctx context.Context, opts transport.ReceiverOptions) (transport.ReceiverLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Address == "" {
		return nil, transport.ErrEmptyAddress
	}

	r := c.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return nil, transport.ErrConnClosed
	}

	l := &receiverLink{
		conn:    c,
		name:    opts.Name,
		durable: opts.Durable,
		done:    make(chan struct{}),
	}

	var sub *subscription
	if opts.Durable {
		key := durableKey(c.containerID, opts.Name)
		if existing, ok := r.durable[key]; ok {
			if existing.link != nil {
				return nil, fmt.Errorf("%w: %s", ErrLinkBusy, key)
			}
			sub = existing
		} else {
			sub = newSubscription(opts.Address, key)
			r.durable[key] = sub
			r.subs[opts.Address] = append(r.subs[opts.Address], sub)
		}
	} else {
		sub = newSubscription(opts.Address, "")
		r.subs[opts.Address] = append(r.subs[opts.Address], sub)
	}

	sub.link = l
	l.sub = sub
	c.receivers = append(c.receivers, l)
	sub.wake()
	r.grantCredit()
	r.stats.linkOpened()
	r.logger.Debug("receiver attached", "router", r.name, "address", opts.Address,
		"container_id", c.containerID, "link", opts.Name, "durable", opts.Durable)

	return l, nil
}

// Request answers management requests addressed to transport.ManagementAddress.
func (c *Conn) Request(ctx context.Context, address string, req *transport.Message) (*transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Closed() {
		return nil, transport.ErrConnClosed
	}
	if address != transport.ManagementAddress {
		return nil, fmt.Errorf("%w: request to %q", transport.ErrNotSupported, address)
	}
	return c.router.handleManagement(req), nil
}

// Close closes the connection. Durable receivers are detached, everything
// else is closed.
func (c *Conn) Close(context.Context) error {
	c.shutdown(transport.ErrLinkClosed)
	return nil
}

func (c *Conn) shutdown(linkErr error) {
	r := c.router
	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return
	}
	c.closed = true
	senders := c.senders
	receivers := c.receivers
	c.senders, c.receivers = nil, nil
	delete(r.conns, c)
	r.mu.Unlock()

	for _, l := range senders {
		l.closeWith(linkErr)
	}
	for _, l := range receivers {
		if l.durable {
			l.detachWith(linkErr)
		} else {
			l.closeWith(linkErr)
		}
	}

	close(c.done)
	r.stats.connClosed()
	r.logger.Debug("connection closed", "router", r.name, "container_id", c.containerID)
}

type senderLink struct {
	conn       *Conn
	address    string
	presettled bool

	once sync.Once
	err  error
	done chan struct{}
}

func (l *senderLink) Send(ctx context.Context, msg *transport.Message) (transport.Receipt, error) {
	select {
	case <-l.done:
		return nil, l.err
	default:
	}
	return l.conn.router.publish(ctx, l.address, msg, l.presettled, l.done)
}

func (l *senderLink) Close(context.Context) error {
	l.closeWith(transport.ErrLinkClosed)
	return nil
}

func (l *senderLink) closeWith(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
		l.conn.router.stats.linkClosed()
	})
}

type receiverLink struct {
	conn    *Conn
	sub     *subscription
	name    string
	durable bool

	once sync.Once
	err  error
	done chan struct{}
}

func (l *receiverLink) Receive(ctx context.Context) (*transport.Delivery, error) {
	r := l.conn.router
	for {
		r.mu.Lock()
		select {
		case <-l.done:
			r.mu.Unlock()
			return nil, l.err
		default:
		}

		s := l.sub
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			if !d.presettled {
				s.unsettled[d.id] = d
			}
			r.mu.Unlock()

			r.stats.messagesOut.Add(1)
			return &transport.Delivery{
				Message: d.msg,
				Tag:     deliveryTag(d.id),
				Settled: d.presettled,
				Handle:  d,
			}, nil
		}
		notify := s.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
		}
	}
}

func (l *receiverLink) Settle(ctx context.Context, d *transport.Delivery, o outcome.Outcome) error {
	cd, ok := d.Handle.(*copyDelivery)
	if !ok {
		return transport.ErrUnknownDelivery
	}
	if cd.presettled {
		return nil
	}
	if !o.Terminal() {
		return transport.ErrNotTerminal
	}

	r := l.conn.router
	r.mu.Lock()
	select {
	case <-l.done:
		r.mu.Unlock()
		return l.err
	default:
	}
	if _, ok := l.sub.unsettled[cd.id]; !ok {
		r.mu.Unlock()
		return transport.ErrAlreadySettled
	}
	delete(l.sub.unsettled, cd.id)
	r.mu.Unlock()

	r.stats.recordSettle(o)
	cd.rc.resolve(cd.idx, o)
	return nil
}

func (l *receiverLink) Detach(context.Context) error {
	if !l.durable {
		l.closeWith(transport.ErrLinkClosed)
		return nil
	}
	l.detachWith(transport.ErrLinkClosed)
	return nil
}

func (l *receiverLink) Close(context.Context) error {
	l.closeWith(transport.ErrLinkClosed)
	return nil
}

// detachWith ends the link but leaves its subscription routed, so
// deliveries keep queueing for the next attach.
func (l *receiverLink) detachWith(err error) {
	l.once.Do(func() {
		r := l.conn.router
		r.mu.Lock()
		l.err = err
		close(l.done)
		if l.sub.link == l {
			l.sub.link = nil
		}
		l.sub.requeueUnsettled()
		r.mu.Unlock()

		r.stats.linkClosed()
		r.logger.Debug("receiver detached", "router", r.name, "address", l.sub.address, "link", l.name)
	})
}

// closeWith ends the link and its subscription. Pending deliveries are released.
func (l *receiverLink) closeWith(err error) {
	l.once.Do(func() {
		r := l.conn.router
		r.mu.Lock()
		l.err = err
		close(l.done)
		r.removeSub(l.sub)
		pending := l.sub.drain()
		r.mu.Unlock()

		for _, d := range pending {
			if !d.presettled {
				d.rc.resolve(d.idx, outcome.Released)
			}
		}
		r.stats.linkClosed()
		r.logger.Debug("receiver closed", "router", r.name, "address", l.sub.address, "link", l.name,
			"released", len(pending))
	})
}

func deliveryTag(id uint64) []byte {
	return []byte{byte(id >> 56), byte(id >> 48), byte(id >> 40), byte(id >> 32),
		byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
}
