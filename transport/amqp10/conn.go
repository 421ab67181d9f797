// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp10

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Azure/go-amqp"
	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/transport"
	"github.com/google/uuid"
)

// Conn is an AMQP connection with one session.
type Conn struct {
	conn    *amqp.Conn
	session *amqp.Session
	logger  *slog.Logger
}

var _ transport.Conn = (*Conn)(nil)

// OpenSender attaches a sending link. Pre-settled links send every
// delivery settled and never observe an outcome.
func (c *Conn) OpenSender(ctx context.Context, opts transport.SenderOptions) (transport.SenderLink, error) {
	if opts.Address == "" {
		return nil, transport.ErrEmptyAddress
	}

	s, err := c.session.NewSender(ctx, opts.Address, senderOptions(opts))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to attach sender to %s: %w", opts.Address, err))
	}
	return &sender{link: s, presettled: opts.PreSettled}, nil
}

// OpenReceiver attaches a receiving link. A durable link asks for a
// source that keeps unsettled state and never expires.
func (c *Conn) OpenReceiver(ctx context.Context, opts transport.ReceiverOptions) (transport.ReceiverLink, error) {
	if opts.Address == "" {
		return nil, transport.ErrEmptyAddress
	}

	r, err := c.session.NewReceiver(ctx, opts.Address, receiverOptions(opts))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to attach receiver to %s: %w", opts.Address, err))
	}
	return &receiver{link: r}, nil
}

func senderOptions(opts transport.SenderOptions) *amqp.SenderOptions {
	mode := amqp.SenderSettleModeUnsettled
	if opts.PreSettled {
		mode = amqp.SenderSettleModeSettled
	}
	return &amqp.SenderOptions{
		Name:           opts.Name,
		SettlementMode: mode.Ptr(),
	}
}

// receiverOptions puts durability on the source terminus, where the
// router keeps the subscription.
func receiverOptions(opts transport.ReceiverOptions) *amqp.ReceiverOptions {
	ro := &amqp.ReceiverOptions{
		Name:   opts.Name,
		Credit: opts.Credit,
	}
	if opts.Durable {
		ro.SourceDurability = amqp.DurabilityUnsettledState
		ro.SourceExpiryPolicy = amqp.ExpiryPolicyNever
	}
	return ro
}

// Request sends req to address with a dynamic reply-to and returns the
// response whose correlation id matches the request id.
func (c *Conn) Request(ctx context.Context, address string, req *transport.Message) (*transport.Message, error) {
	replies, err := c.session.NewReceiver(ctx, "", &amqp.ReceiverOptions{
		DynamicAddress: true,
		Credit:         10,
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to attach reply receiver: %w", err))
	}
	defer closeLink(ctx, c.logger, "reply receiver", replies.Close)

	requests, err := c.session.NewSender(ctx, address, nil)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to attach request sender to %s: %w", address, err))
	}
	defer closeLink(ctx, c.logger, "request sender", requests.Close)

	out := *req
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.ReplyTo = replies.Address()
	if err := requests.Send(ctx, toAMQP(&out), nil); err != nil {
		return nil, mapError(fmt.Errorf("failed to send request: %w", err))
	}

	for {
		msg, err := replies.Receive(ctx, nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("%w: %w", transport.ErrNoResponse, err)
			}
			return nil, mapError(err)
		}
		if err := replies.AcceptMessage(ctx, msg); err != nil {
			return nil, mapError(err)
		}
		resp := fromAMQP(msg)
		if resp.CorrelationID == out.ID {
			return resp, nil
		}
		c.logger.Debug("discarding uncorrelated response", "correlation_id", resp.CorrelationID, "want", out.ID)
	}
}

// Close closes the session and connection.
func (c *Conn) Close(context.Context) error {
	if err := c.conn.Close(); err != nil {
		var connErr *amqp.ConnError
		if errors.As(err, &connErr) && connErr.RemoteErr == nil {
			return nil
		}
		return err
	}
	return nil
}

type sender struct {
	link       *amqp.Sender
	presettled bool
}

func (s *sender) Send(ctx context.Context, msg *transport.Message) (transport.Receipt, error) {
	m := toAMQP(msg)
	if s.presettled {
		if err := s.link.Send(ctx, m, nil); err != nil {
			return nil, mapError(err)
		}
		return transport.SettledReceipt(outcome.Accepted), nil
	}

	r, err := s.link.SendWithReceipt(ctx, m, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return receipt{r: r}, nil
}

func (s *sender) Close(ctx context.Context) error {
	return s.link.Close(ctx)
}

type receipt struct {
	r amqp.SendReceipt
}

func (r receipt) Wait(ctx context.Context) (outcome.Outcome, error) {
	state, err := r.r.Wait(ctx)
	if err != nil {
		return outcome.Unsettled, mapError(err)
	}
	return stateOutcome(state), nil
}

type receiver struct {
	link *amqp.Receiver
}

func (r *receiver) Receive(ctx context.Context) (*transport.Delivery, error) {
	msg, err := r.link.Receive(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return &transport.Delivery{
		Message: fromAMQP(msg),
		Tag:     msg.DeliveryTag,
		Handle:  msg,
	}, nil
}

func (r *receiver) Settle(ctx context.Context, d *transport.Delivery, o outcome.Outcome) error {
	msg, ok := d.Handle.(*amqp.Message)
	if !ok {
		return transport.ErrUnknownDelivery
	}

	var err error
	switch o {
	case outcome.Accepted:
		err = r.link.AcceptMessage(ctx, msg)
	case outcome.Rejected:
		err = r.link.RejectMessage(ctx, msg, nil)
	case outcome.Released:
		err = r.link.ReleaseMessage(ctx, msg)
	case outcome.Modified:
		err = r.link.ModifyMessage(ctx, msg, &amqp.ModifyMessageOptions{DeliveryFailed: true})
	default:
		return transport.ErrNotTerminal
	}
	return mapError(err)
}

// Detach closes the link. go-amqp cannot detach without closing, so a
// durable subscription survives only through its source durability and
// never-expire policy; connection and session stay open.
func (r *receiver) Detach(ctx context.Context) error {
	return r.link.Close(ctx)
}

func (r *receiver) Close(ctx context.Context) error {
	return r.link.Close(ctx)
}

// stateOutcome maps a remote delivery state to an outcome, keeping
// modified distinct from released.
func stateOutcome(state amqp.DeliveryState) outcome.Outcome {
	switch state.(type) {
	case *amqp.StateAccepted:
		return outcome.Accepted
	case *amqp.StateRejected:
		return outcome.Rejected
	case *amqp.StateReleased:
		return outcome.Released
	case *amqp.StateModified:
		return outcome.Modified
	default:
		return outcome.Unsettled
	}
}

// mapError wraps go-amqp link and connection errors with the transport sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", transport.ErrConnClosed, err)
	}
	var sessErr *amqp.SessionError
	if errors.As(err, &sessErr) {
		return fmt.Errorf("%w: %w", transport.ErrConnClosed, err)
	}
	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		return fmt.Errorf("%w: %w", transport.ErrLinkClosed, err)
	}
	return err
}

func closeLink(ctx context.Context, logger *slog.Logger, what string, closeFn func(context.Context) error) {
	if err := closeFn(ctx); err != nil {
		logger.Debug("failed to close link", "link", what, "error", err)
	}
}
