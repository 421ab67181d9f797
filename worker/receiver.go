// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/meshprobe/metrics"
	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/timeout"
	"github.com/absmach/meshprobe/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Name string
	// URL is amqp[s]://host:port/address.
	URL string
	// ContainerID defaults to a random id. Durable subscriptions are
	// resumed by container id and link name, so set both to reattach.
	ContainerID string
	// LinkName defaults to Name.
	LinkName string
	// Count is the number of messages to receive; 0 or less is unbounded.
	Count int
	// Timeout ends the run when it elapses; 0 disables it.
	Timeout time.Duration
	// Durable requests a subscription that survives detach.
	Durable bool
	// Policy is the disposition applied to every counted message.
	Policy outcome.Policy
	// IgnoreDuplicates discards a message repeating the last message id
	// seen for its user id.
	IgnoreDuplicates bool
	// SaveMessages keeps received bodies in the report.
	SaveMessages bool
	// VerifyBodies checks bodies against their message id.
	VerifyBodies bool
	// Credit is the link credit; 0 uses the transport default.
	Credit int32
}

// Receiver consumes messages from an address until it has received its
// target count or times out.
type Receiver struct {
	lifecycle

	cfg    ReceiverConfig
	addr   transport.Address
	opts   options
	logger *slog.Logger

	// conn is kept open after a durable detach. Written by the run
	// goroutine before Done.
	conn transport.Conn
}

// NewReceiver validates cfg and returns an unstarted receiver.
func NewReceiver(cfg ReceiverConfig, opts ...Option) (*Receiver, error) {
	addr, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = RoleReceiver
	}
	if cfg.LinkName == "" {
		cfg.LinkName = cfg.Name
	}
	if cfg.ContainerID == "" {
		cfg.ContainerID = uuid.NewString()
	}

	o := newOptions(opts)
	return &Receiver{
		lifecycle: newLifecycle(),
		cfg:       cfg,
		addr:      addr,
		opts:      o,
		logger: o.logger.With("worker", cfg.Name, "address", addr.Node,
			"container_id", cfg.ContainerID, "link", cfg.LinkName),
	}, nil
}

// Name returns the worker name.
func (r *Receiver) Name() string {
	return r.cfg.Name
}

// Start runs the receiver in its own goroutine. Cancelling ctx ends the
// run as a failure.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.run(ctx)
	return nil
}

// Close closes the connection a durable receiver keeps open after
// detaching. It returns ErrRunning before Done.
func (r *Receiver) Close(ctx context.Context) error {
	if _, err := r.Report(); err != nil {
		return err
	}
	if r.conn == nil {
		return nil
	}
	return r.conn.Close(ctx)
}

func (r *Receiver) run(parent context.Context) {
	start := r.opts.clock.Now()
	rep := Report{
		Name:    r.cfg.Name,
		Role:    RoleReceiver,
		Address: r.addr.Node,
		Target:  r.cfg.Count,
	}

	ctx, span := r.opts.metrics.StartSpan(parent, "receiver.run",
		attribute.String("address", r.addr.Node),
		attribute.String("container_id", r.cfg.ContainerID),
		attribute.Bool("durable", r.cfg.Durable),
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := timeout.Arm(r.opts.clock, r.cfg.Timeout, cancel)
	completed := false

	defer func() {
		rep.TimedOut = !completed && guard.TimedOut()
		rep.Duration = r.opts.clock.Since(start)
		span.SetAttributes(metrics.CounterAttributes(rep.Counters)...)
		span.SetAttributes(attribute.Bool("timed_out", rep.TimedOut))
		if rep.Err != nil {
			span.RecordError(rep.Err)
			span.SetStatus(codes.Error, rep.Err.Error())
		}
		span.End()
		r.opts.metrics.RecordRunEnd(ctx, RoleReceiver, rep.TimedOut, rep.Err,
			float64(rep.Duration.Microseconds())/1000)
		r.logger.Info("receiver finished", "received", rep.Received, "duplicates", rep.Duplicates,
			"timed_out", rep.TimedOut, "stopped", rep.Stopped, "error", rep.Err)
		r.finish(rep)
	}()

	conn, err := r.opts.dialer.Dial(runCtx, r.addr, transport.ConnOptions{ContainerID: r.cfg.ContainerID})
	if err != nil {
		guard.Interrupt()
		rep.Err = runError(runCtx, parent, guard, fmt.Errorf("failed to connect: %w", err))
		rep.Stopped = rep.Err == nil
		return
	}
	link, err := conn.OpenReceiver(runCtx, transport.ReceiverOptions{
		Address: r.addr.Node,
		Name:    r.cfg.LinkName,
		Durable: r.cfg.Durable,
		Credit:  r.cfg.Credit,
	})
	if err != nil {
		guard.Interrupt()
		r.closeConn(ctx, conn)
		rep.Err = runError(runCtx, parent, guard, fmt.Errorf("failed to attach: %w", err))
		rep.Stopped = rep.Err == nil
		return
	}
	r.markAttached()
	r.logger.Debug("receiver attached", "durable", r.cfg.Durable, "policy", r.cfg.Policy)

	tracker := outcome.NewTracker(false)
	var dups *outcome.DuplicateFilter
	if r.cfg.IgnoreDuplicates {
		dups = outcome.NewDuplicateFilter()
	}
	disposition := r.cfg.Policy.Outcome()
	settleCtx := runCtx

	for r.cfg.Count <= 0 || tracker.Counters().Received < r.cfg.Count {
		d, err := link.Receive(runCtx)
		if err != nil {
			rep.Err = runError(runCtx, parent, guard, fmt.Errorf("receive failed: %w", err))
			break
		}

		msg := d.Message
		if dups != nil && dups.Seen(msg.UserID, msg.ID) {
			tracker.RecordDuplicate()
			r.opts.metrics.RecordDuplicate(ctx, r.addr.Node)
			r.logger.Warn("duplicate message discarded", "user_id", msg.UserID, "message_id", msg.ID)
			continue
		}

		tracker.RecordReceived()
		r.opts.metrics.RecordReceived(ctx, r.addr.Node)
		if r.cfg.Count > 0 && tracker.Counters().Received >= r.cfg.Count {
			completed = true
			if !guard.Interrupt() {
				// The deadline fired with the last message in hand; settle it anyway.
				var cancelSettle context.CancelFunc
				settleCtx, cancelSettle = closeContext(ctx)
				defer cancelSettle()
			}
		}
		body := msg.BodyString()
		if r.cfg.SaveMessages {
			rep.Messages = append(rep.Messages, body)
		}
		if r.cfg.VerifyBodies && !VerifyBody(msg.ID, body) {
			rep.BodyMismatches++
			r.logger.Warn("message body does not match its id", "message_id", msg.ID)
		}

		if disposition == outcome.Unsettled || d.Settled {
			continue
		}
		if err := link.Settle(settleCtx, d, disposition); err != nil {
			rep.Err = runError(settleCtx, parent, guard, fmt.Errorf("settle failed: %w", err))
			break
		}
		r.opts.metrics.RecordSettled(ctx, RoleReceiver, disposition)
		r.logger.Debug("message settled", "message_id", msg.ID, "outcome", disposition)
	}

	rep.Counters = tracker.Counters()
	guard.Interrupt()
	r.stopping()

	if rep.Err != nil {
		r.logger.Error("receiver failed", "error", rep.Err)
		r.closeConn(ctx, conn)
		return
	}
	r.terminate(ctx, conn, link)
	rep.Stopped = true
}

// terminate ends the link. A durable link is detached and its connection
// kept open; otherwise link and connection are closed.
func (r *Receiver) terminate(ctx context.Context, conn transport.Conn, link transport.ReceiverLink) {
	cctx, cancel := closeContext(ctx)
	defer cancel()

	if r.cfg.Durable {
		if err := link.Detach(cctx); err != nil {
			r.logger.Warn("failed to detach receiver", "error", err)
		}
		r.conn = conn
		return
	}

	var errs []error
	if err := link.Close(cctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close link: %w", err))
	}
	if err := conn.Close(cctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("receiver teardown failed", "error", err)
	}
}

func (r *Receiver) closeConn(ctx context.Context, conn transport.Conn) {
	cctx, cancel := closeContext(ctx)
	defer cancel()
	if err := conn.Close(cctx); err != nil {
		r.logger.Debug("failed to close connection", "error", err)
	}
}

func parseURL(raw string) (transport.Address, error) {
	if raw == "" {
		return transport.Address{}, ErrEmptyURL
	}
	addr, err := transport.ParseURL(raw)
	if err != nil {
		return transport.Address{}, err
	}
	if addr.Node == "" {
		return transport.Address{}, fmt.Errorf("%w: %s", ErrEmptyNode, raw)
	}
	return addr, nil
}

// runError classifies an error returned while the run context may have
// been cancelled. A fired timeout is not an error; a cancelled parent is
// reported as its own error.
func runError(runCtx, parent context.Context, guard *timeout.Guard, err error) error {
	if runCtx.Err() == nil {
		return err
	}
	if guard.TimedOut() {
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	return err
}
