// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the link-level contract the test workers are
// written against. Implementations wrap a real AMQP 1.0 engine
// (transport/amqp10) or an in-process router (transport/memory).
package transport

import (
	"context"
	"errors"

	"github.com/absmach/meshprobe/outcome"
)

// ManagementAddress is the well-known address of a router management node.
const ManagementAddress = "$management"

// Transport errors.
var (
	ErrInvalidURL      = errors.New("invalid AMQP url")
	ErrLinkClosed      = errors.New("link closed")
	ErrConnClosed      = errors.New("connection closed")
	ErrUnknownDelivery = errors.New("unknown delivery")
	ErrAlreadySettled  = errors.New("delivery already settled")
	ErrNotSupported    = errors.New("operation not supported")
	ErrNoResponse      = errors.New("no response received")
	ErrNotTerminal     = errors.New("outcome does not settle a delivery")
	ErrEmptyAddress    = errors.New("empty node address")
)

// Message is the subset of an AMQP message the workers produce and inspect.
type Message struct {
	ID            string
	UserID        string
	CorrelationID string
	To            string
	ReplyTo       string
	Subject       string
	Body          any
	Properties    map[string]any
}

// BodyString returns the body as text when it is a string or bytes.
func (m *Message) BodyString() string {
	switch b := m.Body.(type) {
	case string:
		return b
	case []byte:
		return string(b)
	default:
		return ""
	}
}

// Delivery is an inbound message together with the handle needed to settle it.
type Delivery struct {
	Message *Message
	Tag     []byte
	// Settled is true when the peer sent the delivery pre-settled.
	Settled bool

	// Handle is the implementation's delivery reference.
	Handle any
}

// ConnOptions configures a connection.
type ConnOptions struct {
	ContainerID string
}

// SenderOptions configures a sending link.
type SenderOptions struct {
	Address string
	Name    string
	// PreSettled sends every delivery settled; the peer outcome is not observed.
	PreSettled bool
}

// ReceiverOptions configures a receiving link.
type ReceiverOptions struct {
	Address string
	Name    string
	// Durable requests a subscription that survives link detach.
	Durable bool
	Credit  int32
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, addr Address, opts ConnOptions) (Conn, error)
}

// Conn is an open AMQP connection with a single session.
type Conn interface {
	OpenSender(ctx context.Context, opts SenderOptions) (SenderLink, error)
	OpenReceiver(ctx context.Context, opts ReceiverOptions) (ReceiverLink, error)
	// Request sends req to a request/response node and waits for the
	// correlated reply.
	Request(ctx context.Context, address string, req *Message) (*Message, error)
	Close(ctx context.Context) error
}

// SenderLink is an attached sending link.
type SenderLink interface {
	// Send blocks until the link has credit and the transfer is written.
	Send(ctx context.Context, msg *Message) (Receipt, error)
	Close(ctx context.Context) error
}

// Receipt resolves to the outcome of a single delivery.
type Receipt interface {
	Wait(ctx context.Context) (outcome.Outcome, error)
}

// ReceiverLink is an attached receiving link.
type ReceiverLink interface {
	Receive(ctx context.Context) (*Delivery, error)
	Settle(ctx context.Context, d *Delivery, o outcome.Outcome) error
	// Detach ends the link while keeping a durable terminus alive.
	Detach(ctx context.Context) error
	Close(ctx context.Context) error
}

// SettledReceipt is a receipt for a delivery settled at send time.
type SettledReceipt outcome.Outcome

// Wait returns the recorded outcome.
func (r SettledReceipt) Wait(context.Context) (outcome.Outcome, error) {
	return outcome.Outcome(r), nil
}
