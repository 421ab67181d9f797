// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshprobe/transport/memory"
	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

// clockHandler advances clk the first time a record with message msg is
// logged, which lets a test move time at a precise point of a run.
type clockHandler struct {
	clk  *clock.Mock
	msg  string
	d    time.Duration
	once *sync.Once
}

func newClockHandler(clk *clock.Mock, msg string, d time.Duration) *clockHandler {
	return &clockHandler{clk: clk, msg: msg, d: d, once: &sync.Once{}}
}

func (h *clockHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *clockHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message != h.msg {
		return nil
	}
	h.once.Do(func() {
		h.clk.Add(h.d)
		// Let a fired timer callback finish.
		time.Sleep(20 * time.Millisecond)
	})
	return nil
}

func (h *clockHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *clockHandler) WithGroup(string) slog.Handler      { return h }

func TestReceiverDeadlineAfterLastMessage(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()
	clk := clock.NewMock()
	logger := slog.New(newClockHandler(clk, "message settled", time.Minute))

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 1, Timeout: time.Second},
		WithClock(clk), WithLogger(logger))
	snd := startSender(t, router, SenderConfig{URL: url("q"), Count: 1})

	rep := wait(t, rcv)
	assert.Equal(t, 1, rep.Received)
	assert.False(t, rep.TimedOut)
	assert.True(t, rep.Completed())
	assert.False(t, rcv.TimedOut())

	assert.True(t, wait(t, snd).Completed())
}

func TestSenderDeadlineAfterLastOutcome(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()
	clk := clock.NewMock()
	logger := slog.New(newClockHandler(clk, "message settled", time.Minute))

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 1})
	snd := startSender(t, router, SenderConfig{URL: url("q"), Count: 1, Timeout: time.Second},
		WithClock(clk), WithLogger(logger))

	rep := wait(t, snd)
	assert.Equal(t, 1, rep.Accepted)
	assert.False(t, rep.TimedOut)
	assert.NoError(t, rep.Err)
	assert.True(t, rep.Completed())

	assert.True(t, wait(t, rcv).Completed())
}
