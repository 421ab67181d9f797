// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package harness launches senders and receivers against routers, waits
// for them to finish and collects their reports.
package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/meshprobe/config"
	"github.com/absmach/meshprobe/transport"
	"github.com/absmach/meshprobe/worker"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownRouter is returned when a worker references a router
	// missing from the inventory.
	ErrUnknownRouter = errors.New("unknown router")

	// ErrNotAttached is returned by WaitAttached for a unit that ended
	// without attaching.
	ErrNotAttached = errors.New("unit ended before attaching")

	// ErrUnknownClient is returned when an external client is missing
	// from the inventory.
	ErrUnknownClient = errors.New("unknown client")
)

// Unit is a concurrently running worker.
type Unit interface {
	Name() string
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Attacher is a unit that signals when its link is attached.
type Attacher interface {
	Unit
	Attached() <-chan struct{}
}

// Reporter is a unit producing a final worker report.
type Reporter interface {
	Report() (worker.Report, error)
}

var (
	_ Attacher = (*worker.Receiver)(nil)
	_ Attacher = (*worker.Sender)(nil)
	_ Reporter = (*worker.Receiver)(nil)
	_ Unit     = (*External)(nil)
)

// URL builds the url of address on router. An empty scheme is amqp and a
// zero port is the scheme's default.
func URL(router config.RouterConfig, address string) string {
	a := transport.Address{
		Scheme: router.Scheme,
		Host:   router.Host,
		Port:   router.Port,
		Node:   address,
	}
	if a.Scheme == "" {
		a.Scheme = "amqp"
	}
	if a.Port == 0 {
		a.Port = transport.DefaultPort
		if a.TLS() {
			a.Port = transport.DefaultTLSPort
		}
	}
	return a.String()
}

// Start starts every unit. It stops at the first unit that fails to start.
func Start(ctx context.Context, units ...Unit) error {
	for _, u := range units {
		if err := u.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", u.Name(), err)
		}
	}
	return nil
}

// Wait blocks until every unit is done. It returns the first unit
// failure, or ctx.Err() if ctx ends first.
func Wait(ctx context.Context, units ...Unit) error {
	var g errgroup.Group
	for _, u := range units {
		g.Go(func() error {
			select {
			case <-u.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := u.Err(); err != nil {
				return fmt.Errorf("%s: %w", u.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run starts every unit and waits for all of them.
func Run(ctx context.Context, units ...Unit) error {
	if err := Start(ctx, units...); err != nil {
		return err
	}
	return Wait(ctx, units...)
}

// WaitAttached blocks until every unit has attached its link. A unit that
// ends before attaching returns its error, or ErrNotAttached if it has none.
func WaitAttached(ctx context.Context, units ...Attacher) error {
	for _, u := range units {
		select {
		case <-u.Attached():
		case <-u.Done():
			if err := u.Err(); err != nil {
				return fmt.Errorf("%s: %w", u.Name(), err)
			}
			return fmt.Errorf("%s: %w", u.Name(), ErrNotAttached)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
