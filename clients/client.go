// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// maxLineSize is the longest stdout line kept; output after a longer
// line is discarded.
var maxLineSize = 16 * 1024 * 1024

// Client is an external client process. It can be run alongside
// in-process workers by the harness.
type Client struct {
	name   string
	cmd    Command
	logger *slog.Logger

	mu       sync.Mutex
	proc     *exec.Cmd
	started  bool
	stdout   []string
	exitCode int
	err      error
	done     chan struct{}
}

// New returns an unstarted client. A nil logger uses slog.Default().
func New(name string, cmd Command, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:     name,
		cmd:      cmd,
		logger:   logger.With("client", name, "implementation", cmd.Implementation, "role", cmd.Role),
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// Start launches the process. Cancelling ctx kills it.
func (c *Client) Start(ctx context.Context) error {
	args, err := c.cmd.Args()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client %s already started", c.name)
	}

	proc := exec.CommandContext(ctx, c.cmd.Path(), args...)
	proc.Env = append(os.Environ(), c.cmd.Env...)
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.cmd.Path(), err)
	}
	c.proc = proc
	c.started = true
	c.logger.Info("client started", "path", c.cmd.Path(), "args", args, "pid", proc.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			c.mu.Lock()
			c.stdout = append(c.stdout, scanner.Text())
			c.mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("stopped reading client output", "error", err)
			// Keep the pipe drained so the process can exit.
			if _, err := io.Copy(io.Discard, stdout); err != nil {
				c.logger.Debug("failed to drain client output", "error", err)
			}
		}
		// Wait must follow the last read from stdout.
		c.finish(proc.Wait())
	}()
	return nil
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.exitCode = c.proc.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		c.err = fmt.Errorf("%w: %d", ErrExitStatus, c.exitCode)
	default:
		c.err = err
	}
	c.mu.Unlock()

	c.logger.Info("client exited", "exit_code", c.exitCode, "stdout_lines", len(c.Stdout()))
	close(c.done)
}

// Done is closed when the process has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Running reports whether the process was started and has not exited.
func (c *Client) Running() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or ctx is done and returns Err.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the reason the process did not exit cleanly. It is nil
// while running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ExitCode returns the exit code, or -1 while running or if the process
// was killed by a signal.
func (c *Client) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// CompletedSuccessfully reports whether the process exited with code 0.
func (c *Client) CompletedSuccessfully() bool {
	select {
	case <-c.done:
		return c.ExitCode() == 0
	default:
		return false
	}
}

// Stdout returns the lines printed so far.
func (c *Client) Stdout() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stdout...)
}
