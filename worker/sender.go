// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/meshprobe/metrics"
	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/ratelimit"
	"github.com/absmach/meshprobe/timeout"
	"github.com/absmach/meshprobe/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Name string
	// URL is amqp[s]://host:port/address.
	URL         string
	ContainerID string
	// SenderID identifies the sender in message user ids. Defaults to Name.
	SenderID string
	// UserID is stamped on every message. Defaults to "sender.<SenderID>".
	UserID string
	// Count is the completion target; 0 or less sends until timeout.
	Count int
	// MessageSize is the body size in bytes; 0 or less uses DefaultMessageSize.
	MessageSize int
	// Timeout ends the run when it elapses; 0 disables it.
	Timeout time.Duration
	// AutoSettle sends pre-settled and counts every message accepted.
	AutoSettle bool
	// Completion decides when to stop sending and when the run is done.
	Completion Completion
	// FoldModified counts modified outcomes as released.
	FoldModified bool
	// Rate limits sends per second; 0 is unlimited.
	Rate float64
}

// Sender emits messages to an address and tracks their outcomes.
type Sender struct {
	lifecycle

	cfg    SenderConfig
	addr   transport.Address
	opts   options
	pacer  *ratelimit.Pacer
	logger *slog.Logger
}

// NewSender validates cfg and returns an unstarted sender.
func NewSender(cfg SenderConfig, opts ...Option) (*Sender, error) {
	addr, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = RoleSender
	}
	if cfg.SenderID == "" {
		cfg.SenderID = cfg.Name
	}
	if cfg.UserID == "" {
		cfg.UserID = "sender." + cfg.SenderID
	}
	if cfg.ContainerID == "" {
		cfg.ContainerID = uuid.NewString()
	}
	if cfg.MessageSize <= 0 {
		cfg.MessageSize = DefaultMessageSize
	}

	o := newOptions(opts)
	return &Sender{
		lifecycle: newLifecycle(),
		cfg:       cfg,
		addr:      addr,
		opts:      o,
		pacer:     ratelimit.NewPacer(cfg.Rate, 1),
		logger: o.logger.With("worker", cfg.Name, "address", addr.Node,
			"container_id", cfg.ContainerID),
	}, nil
}

// Name returns the worker name.
func (s *Sender) Name() string {
	return s.cfg.Name
}

// Start runs the sender in its own goroutine. Cancelling ctx ends the
// run as a failure.
func (s *Sender) Start(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	go s.run(ctx)
	return nil
}

type sendResult struct {
	messageID string
	receipt   transport.Receipt
	err       error
}

type settleEvent struct {
	seq     uint64
	outcome outcome.Outcome
	err     error
}

func (s *Sender) run(parent context.Context) {
	start := s.opts.clock.Now()
	rep := Report{
		Name:    s.cfg.Name,
		Role:    RoleSender,
		Address: s.addr.Node,
		Target:  s.cfg.Count,
	}

	ctx, span := s.opts.metrics.StartSpan(parent, "sender.run",
		attribute.String("address", s.addr.Node),
		attribute.String("container_id", s.cfg.ContainerID),
		attribute.Bool("auto_settle", s.cfg.AutoSettle),
		attribute.String("completion", s.cfg.Completion.String()),
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	guard := timeout.Arm(s.opts.clock, s.cfg.Timeout, cancel)
	completed := false

	defer func() {
		rep.TimedOut = !completed && guard.TimedOut()
		rep.Duration = s.opts.clock.Since(start)
		span.SetAttributes(metrics.CounterAttributes(rep.Counters)...)
		span.SetAttributes(attribute.Bool("timed_out", rep.TimedOut))
		if rep.Err != nil {
			span.RecordError(rep.Err)
			span.SetStatus(codes.Error, rep.Err.Error())
		}
		span.End()
		s.opts.metrics.RecordRunEnd(ctx, RoleSender, rep.TimedOut, rep.Err,
			float64(rep.Duration.Microseconds())/1000)
		s.logger.Info("sender finished", "sent", rep.Sent, "accepted", rep.Accepted,
			"rejected", rep.Rejected, "released", rep.Released, "modified", rep.Modified,
			"timed_out", rep.TimedOut, "stopped", rep.Stopped, "error", rep.Err)
		s.finish(rep)
	}()

	conn, err := s.opts.dialer.Dial(runCtx, s.addr, transport.ConnOptions{ContainerID: s.cfg.ContainerID})
	if err != nil {
		guard.Interrupt()
		rep.Err = runError(runCtx, parent, guard, fmt.Errorf("failed to connect: %w", err))
		rep.Stopped = rep.Err == nil
		return
	}
	link, err := conn.OpenSender(runCtx, transport.SenderOptions{
		Address:    s.addr.Node,
		Name:       s.cfg.Name,
		PreSettled: s.cfg.AutoSettle,
	})
	if err != nil {
		guard.Interrupt()
		s.closeConn(ctx, conn)
		rep.Err = runError(runCtx, parent, guard, fmt.Errorf("failed to attach: %w", err))
		rep.Stopped = rep.Err == nil
		return
	}
	s.markAttached()
	s.logger.Debug("sender attached", "auto_settle", s.cfg.AutoSettle, "completion", s.cfg.Completion)

	var wg sync.WaitGroup
	requests := make(chan *transport.Message, 1)
	results := make(chan sendResult)
	settlements := make(chan settleEvent)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pump(runCtx, link, requests, results)
	}()

	tracker := outcome.NewTracker(s.cfg.FoldModified)
	inflight := newInflightTable()
	sending := false

loop:
	for {
		c := tracker.Counters()
		if s.cfg.Completion.done(s.cfg.Count, c) {
			completed = true
			break
		}
		if !sending && s.cfg.Completion.needMore(s.cfg.Count, c) {
			id := NewMessageID()
			requests <- &transport.Message{
				ID:     id,
				UserID: s.cfg.UserID,
				To:     s.addr.Node,
				Body:   Body(id, s.cfg.MessageSize),
			}
			sending = true
		}

		select {
		case res := <-results:
			sending = false
			if res.err != nil {
				rep.Err = runError(runCtx, parent, guard, fmt.Errorf("send failed: %w", res.err))
				break loop
			}
			tracker.RecordSent()
			s.opts.metrics.RecordSent(ctx, s.addr.Node)
			seq := inflight.add(res.messageID, s.opts.clock.Now())
			if s.cfg.AutoSettle {
				inflight.complete(seq)
				s.settle(ctx, tracker, outcome.Accepted)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				o, err := res.receipt.Wait(runCtx)
				select {
				case settlements <- settleEvent{seq: seq, outcome: o, err: err}:
				case <-runCtx.Done():
				}
			}()

		case ev := <-settlements:
			if ev.err != nil {
				rep.Err = runError(runCtx, parent, guard, fmt.Errorf("settlement failed: %w", ev.err))
				break loop
			}
			d, ok := inflight.complete(ev.seq)
			if !ok {
				continue
			}
			s.settle(ctx, tracker, ev.outcome)
			s.logger.Debug("message settled", "message_id", d.messageID, "outcome", ev.outcome)

		case <-runCtx.Done():
			rep.Err = runError(runCtx, parent, guard, runCtx.Err())
			break loop
		}
	}

	guard.Interrupt()
	s.stopping()
	cancel()
	close(requests)
	wg.Wait()

	rep.Counters = tracker.Counters()
	if n := inflight.count(); n > 0 {
		s.logger.Debug("deliveries left unsettled", "count", n, "message_ids", inflight.messageIDs())
	}

	if rep.Err != nil {
		s.logger.Error("sender failed", "error", rep.Err)
		s.closeConn(ctx, conn)
		return
	}

	cctx, cancelClose := closeContext(ctx)
	defer cancelClose()
	var errs []error
	if err := link.Close(cctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close link: %w", err))
	}
	if err := conn.Close(cctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("sender teardown failed", "error", err)
	}
	rep.Stopped = true
}

// pump performs one blocking send per request. Send waits for credit, so
// the event loop never blocks on the transport.
func (s *Sender) pump(ctx context.Context, link transport.SenderLink, requests <-chan *transport.Message, results chan<- sendResult) {
	for msg := range requests {
		res := sendResult{messageID: msg.ID}
		if res.err = s.pacer.Wait(ctx); res.err == nil {
			res.receipt, res.err = link.Send(ctx, msg)
		}
		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) settle(ctx context.Context, tracker *outcome.Tracker, o outcome.Outcome) {
	if !tracker.Settle(o) {
		s.logger.Warn("ignoring non-terminal outcome", "outcome", o)
		return
	}
	s.opts.metrics.RecordSettled(ctx, RoleSender, o)
}

func (s *Sender) closeConn(ctx context.Context, conn transport.Conn) {
	cctx, cancel := closeContext(ctx)
	defer cancel()
	if err := conn.Close(cctx); err != nil {
		s.logger.Debug("failed to close connection", "error", err)
	}
}
