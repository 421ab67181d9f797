// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/meshprobe/clients"
	"github.com/absmach/meshprobe/config"
	"github.com/absmach/meshprobe/worker"
)

// Scenario is a set of receivers and senders sharing one address.
// Receivers are attached before any sender starts. External receivers
// are started after the in-process ones have attached, external senders
// together with the in-process senders.
type Scenario struct {
	Address   string
	Receivers []*worker.Receiver
	Senders   []*worker.Sender
	External  []*External

	logger *slog.Logger
}

// External is an external client process taking part in a scenario.
type External struct {
	*clients.Client
	Role  clients.Role
	Count int
}

// NewScenario builds the workers described by cfg.Scenario. opts apply to
// every worker.
func NewScenario(cfg *config.Config, logger *slog.Logger, opts ...worker.Option) (*Scenario, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]worker.Option{worker.WithLogger(logger)}, opts...)
	sc := cfg.Scenario
	s := &Scenario{Address: sc.Address, logger: logger}

	for _, rc := range sc.Receivers {
		router, ok := cfg.Router(rc.Router)
		if !ok {
			return nil, fmt.Errorf("receiver %s: %w %q", rc.Name, ErrUnknownRouter, rc.Router)
		}
		wc := worker.ReceiverConfig{
			Name:             rc.Name,
			URL:              URL(router, sc.Address),
			LinkName:         rc.LinkName,
			Count:            rc.Count,
			Timeout:          rc.Timeout,
			Durable:          rc.Durable,
			Policy:           rc.Policy(),
			IgnoreDuplicates: rc.IgnoreDuplicates,
			SaveMessages:     rc.SaveMessages,
			VerifyBodies:     rc.VerifyBodies,
		}
		if rc.Durable {
			// Stable container id so a later run resumes the subscription.
			wc.ContainerID = "meshprobe." + rc.Name
		}
		r, err := worker.NewReceiver(wc, opts...)
		if err != nil {
			return nil, fmt.Errorf("receiver %s: %w", rc.Name, err)
		}
		s.Receivers = append(s.Receivers, r)
	}

	for _, snd := range sc.Senders {
		router, ok := cfg.Router(snd.Router)
		if !ok {
			return nil, fmt.Errorf("sender %s: %w %q", snd.Name, ErrUnknownRouter, snd.Router)
		}
		completion, err := worker.ParseCompletion(snd.Completion)
		if err != nil {
			return nil, fmt.Errorf("sender %s: %w", snd.Name, err)
		}
		w, err := worker.NewSender(worker.SenderConfig{
			Name:         snd.Name,
			URL:          URL(router, sc.Address),
			Count:        snd.Count,
			MessageSize:  snd.MessageSize.Bytes(),
			Timeout:      snd.Timeout,
			AutoSettle:   snd.AutoSettle,
			Completion:   completion,
			FoldModified: snd.FoldModified,
			Rate:         snd.Rate,
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("sender %s: %w", snd.Name, err)
		}
		s.Senders = append(s.Senders, w)
	}

	for _, e := range sc.External {
		ext, err := newExternal(cfg, e, logger)
		if err != nil {
			return nil, fmt.Errorf("external client %s: %w", e.Name, err)
		}
		s.External = append(s.External, ext)
	}

	return s, nil
}

func newExternal(cfg *config.Config, e config.ExternalConfig, logger *slog.Logger) (*External, error) {
	cl, ok := cfg.Client(e.Client)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownClient, e.Client)
	}
	router, ok := cfg.Router(e.Router)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRouter, e.Router)
	}
	impl, err := clients.ParseImplementation(cl.Implementation)
	if err != nil {
		return nil, err
	}

	cmd := clients.Command{
		Role:           clients.Role(e.Role),
		Implementation: impl,
		Binary:         cl.Binary,
		URL:            URL(router, cfg.Scenario.Address),
		Count:          e.Count,
		Timeout:        e.Timeout,
	}
	switch cmd.Role {
	case clients.Receiver:
		cmd.LogMessages = "dict"
	case clients.Sender:
		cmd.MessageContent = strings.Repeat("X", e.MessageSize.Bytes())
	}
	if _, err := cmd.Args(); err != nil {
		return nil, err
	}
	return &External{
		Client: clients.New(e.Name, cmd, logger),
		Role:   cmd.Role,
		Count:  e.Count,
	}, nil
}

func (s *Scenario) external(role clients.Role) []*External {
	var ret []*External
	for _, e := range s.External {
		if e.Role == role {
			ret = append(ret, e)
		}
	}
	return ret
}

// Run attaches all receivers, then runs the senders, and waits until
// every worker is done. Durable receivers are closed before returning.
// The error is the first worker failure; the results are complete either
// way.
func (s *Scenario) Run(ctx context.Context) (Results, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var started []Unit
	err := func() error {
		for _, r := range s.Receivers {
			if err := r.Start(runCtx); err != nil {
				return fmt.Errorf("failed to start %s: %w", r.Name(), err)
			}
			started = append(started, r)
		}
		attachers := make([]Attacher, 0, len(s.Receivers))
		for _, r := range s.Receivers {
			attachers = append(attachers, r)
		}
		if err := WaitAttached(runCtx, attachers...); err != nil {
			return fmt.Errorf("receivers did not attach: %w", err)
		}
		s.logger.Info("receivers attached", "address", s.Address, "count", len(s.Receivers))

		for _, e := range s.external(clients.Receiver) {
			if err := e.Start(runCtx); err != nil {
				return fmt.Errorf("failed to start %s: %w", e.Name(), err)
			}
			started = append(started, e)
		}
		for _, snd := range s.Senders {
			if err := snd.Start(runCtx); err != nil {
				return fmt.Errorf("failed to start %s: %w", snd.Name(), err)
			}
			started = append(started, snd)
		}
		for _, e := range s.external(clients.Sender) {
			if err := e.Start(runCtx); err != nil {
				return fmt.Errorf("failed to start %s: %w", e.Name(), err)
			}
			started = append(started, e)
		}
		return nil
	}()
	if err != nil {
		s.logger.Error("scenario aborted", "address", s.Address, "error", err)
		cancel()
	}

	// Units end on their own or through runCtx, so waiting on ctx is enough.
	if werr := Wait(ctx, started...); err == nil {
		err = werr
	}

	res := s.results(started)
	if cerr := s.closeReceivers(ctx); cerr != nil {
		s.logger.Warn("failed to close durable receivers", "error", cerr)
	}
	return res, err
}

func (s *Scenario) results(units []Unit) Results {
	var res Results
	for _, u := range units {
		switch u := u.(type) {
		case Reporter:
			if rep, err := u.Report(); err == nil {
				res.Reports = append(res.Reports, rep)
			}
		case *External:
			res.External = append(res.External, ExternalResult{
				Name:     u.Name(),
				Role:     string(u.Role),
				Count:    u.Count,
				ExitCode: u.ExitCode(),
				Lines:    len(u.Stdout()),
				Err:      u.Err(),
			})
		}
	}
	return res
}

func (s *Scenario) closeReceivers(ctx context.Context) error {
	var errs []error
	for _, r := range s.Receivers {
		if err := r.Close(ctx); err != nil && !errors.Is(err, worker.ErrRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}
