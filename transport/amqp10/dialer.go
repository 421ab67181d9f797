// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp10 implements the transport interfaces on github.com/Azure/go-amqp.
package amqp10

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/meshprobe/config"
	mptls "github.com/absmach/meshprobe/pkg/tls"
	"github.com/absmach/meshprobe/transport"
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSASLPlain authenticates with SASL PLAIN unless the url carries credentials.
func WithSASLPlain(username, password string) Option {
	return func(d *Dialer) {
		d.username = username
		d.password = password
	}
}

// WithTLS sets the TLS settings used for amqps urls.
func WithTLS(c config.TLSConfig) Option {
	return func(d *Dialer) { d.tls = c }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.dialTimeout = timeout }
}

// WithIdleTimeout sets the connection idle timeout.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.idleTimeout = timeout }
}

// WithMaxFrameSize sets the maximum frame size.
func WithMaxFrameSize(size uint32) Option {
	return func(d *Dialer) { d.maxFrameSize = size }
}

// Dialer opens AMQP 1.0 connections. It implements transport.Dialer.
type Dialer struct {
	logger       *slog.Logger
	username     string
	password     string
	tls          config.TLSConfig
	dialTimeout  time.Duration
	idleTimeout  time.Duration
	maxFrameSize uint32
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer using SASL ANONYMOUS unless configured otherwise.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromConfig builds a dialer from the transport section of the configuration.
func NewFromConfig(cfg config.TransportConfig, logger *slog.Logger) *Dialer {
	opts := []Option{
		WithLogger(logger),
		WithTLS(cfg.TLS),
		WithDialTimeout(cfg.DialTimeout),
		WithIdleTimeout(cfg.IdleTimeout),
		WithMaxFrameSize(cfg.MaxFrameSize),
	}
	if cfg.SASLMechanism == "plain" {
		opts = append(opts, WithSASLPlain(cfg.Username, cfg.Password))
	}
	return NewDialer(opts...)
}

// Dial opens a connection and a single session to addr.
func (d *Dialer) Dial(ctx context.Context, addr transport.Address, opts transport.ConnOptions) (transport.Conn, error) {
	connOpts, err := d.connOptions(addr, opts)
	if err != nil {
		return nil, err
	}

	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}

	c, err := amqp.Dial(ctx, addr.ConnURL(), connOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr.HostPort(), err)
	}
	session, err := c.NewSession(ctx, nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to begin session on %s: %w", addr.HostPort(), err)
	}

	d.logger.Debug("connection opened", "host", addr.HostPort(), "container_id", opts.ContainerID,
		"security", mptls.SecurityStatus(connOpts.TLSConfig))

	return &Conn{
		conn:    c,
		session: session,
		logger:  d.logger,
	}, nil
}

func (d *Dialer) connOptions(addr transport.Address, opts transport.ConnOptions) (*amqp.ConnOptions, error) {
	connOpts := &amqp.ConnOptions{
		ContainerID:  opts.ContainerID,
		HostName:     addr.Host,
		IdleTimeout:  d.idleTimeout,
		MaxFrameSize: d.maxFrameSize,
		SASLType:     amqp.SASLTypeAnonymous(),
	}

	switch {
	case addr.Username != "":
		connOpts.SASLType = amqp.SASLTypePlain(addr.Username, addr.Password)
	case d.username != "":
		connOpts.SASLType = amqp.SASLTypePlain(d.username, d.password)
	}

	if addr.TLS() {
		tlsCfg, err := mptls.LoadClientConfig(d.tls, addr.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
		}
		connOpts.TLSConfig = tlsCfg
	}

	return connOpts, nil
}
