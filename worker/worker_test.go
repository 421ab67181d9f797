// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/transport"
	"github.com/absmach/meshprobe/transport/memory"
	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type waiter interface {
	Wait(ctx context.Context) (Report, error)
}

type attacher interface {
	Attached() <-chan struct{}
}

func url(node string) string {
	return transport.URL("localhost", 5672, node)
}

func wait(t *testing.T, w waiter) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	rep, err := w.Wait(ctx)
	require.NoError(t, err, "worker did not finish")
	return rep
}

func waitAttached(t *testing.T, a attacher) {
	t.Helper()
	select {
	case <-a.Attached():
	case <-time.After(waitTimeout):
		t.Fatal("worker did not attach")
	}
}

func startReceiver(t *testing.T, r *memory.Router, cfg ReceiverConfig, opts ...Option) *Receiver {
	t.Helper()
	rcv, err := NewReceiver(cfg, append([]Option{WithDialer(r)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, rcv.Start(context.Background()))
	waitAttached(t, rcv)
	return rcv
}

func startSender(t *testing.T, r *memory.Router, cfg SenderConfig, opts ...Option) *Sender {
	t.Helper()
	snd, err := NewSender(cfg, append([]Option{WithDialer(r)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, snd.Start(context.Background()))
	return snd
}

func TestAutoSettledSender(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("examples"), Count: 5})
	snd := startSender(t, router, SenderConfig{URL: url("examples"), Count: 5, AutoSettle: true})

	rr := wait(t, rcv)
	sr := wait(t, snd)

	assert.Equal(t, 5, rr.Received)
	assert.True(t, rr.Stopped)
	assert.False(t, rr.TimedOut)
	assert.True(t, rcv.Stopped())

	assert.Equal(t, 5, sr.Sent)
	assert.Equal(t, 5, sr.Accepted)
	assert.Equal(t, 5, sr.Settled)
	assert.True(t, sr.Completed())
	assert.Equal(t, StateStopped, snd.State())
	assert.Zero(t, router.OpenConnections())
}

func TestRejectingReceiver(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("examples"), Count: 5, Policy: outcome.Reject})
	snd := startSender(t, router, SenderConfig{URL: url("examples"), Count: 5})

	sr := wait(t, snd)
	rr := wait(t, rcv)

	assert.Equal(t, 5, rr.Received)
	assert.Equal(t, 5, sr.Rejected)
	assert.Equal(t, 5, sr.Settled)
	assert.Zero(t, sr.Accepted)
	assert.True(t, sr.Stopped)
	assert.Equal(t, sr.Sent, sr.Accepted+sr.Released+sr.Rejected+sr.Modified)
}

func TestModifiedOutcome(t *testing.T) {
	for _, fold := range []bool{false, true} {
		router := memory.New()
		rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 3, Policy: outcome.Modify})
		snd := startSender(t, router, SenderConfig{URL: url("q"), Count: 3, FoldModified: fold})

		sr := wait(t, snd)
		wait(t, rcv)
		if fold {
			assert.Equal(t, 3, sr.Released)
			assert.Zero(t, sr.Modified)
		} else {
			assert.Equal(t, 3, sr.Modified)
			assert.Zero(t, sr.Released)
		}
		assert.Equal(t, 3, sr.Settled)
	}
}

func TestReceiverTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()
	clk := clock.NewMock()

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("examples"), Count: 1000, Timeout: time.Second}, WithClock(clk))
	snd := startSender(t, router, SenderConfig{URL: url("examples"), Count: 10}, WithClock(clk))

	sr := wait(t, snd)
	require.Equal(t, 10, sr.Accepted)

	_, err := rcv.Report()
	assert.ErrorIs(t, err, ErrRunning)

	clk.Add(time.Second)
	rr := wait(t, rcv)

	assert.True(t, rr.TimedOut)
	assert.Equal(t, 10, rr.Received)
	assert.True(t, rr.Stopped)
	assert.NoError(t, rr.Err)
	assert.False(t, rr.Completed())
	assert.True(t, rcv.TimedOut())
	assert.Zero(t, router.OpenConnections())
}

func TestSenderTimeoutWithoutConsumer(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()
	clk := clock.NewMock()

	snd := startSender(t, router, SenderConfig{URL: url("nobody"), Count: 1, Timeout: 2 * time.Second}, WithClock(clk))
	waitAttached(t, snd)

	clk.Add(2 * time.Second)
	sr := wait(t, snd)

	assert.True(t, sr.TimedOut)
	assert.True(t, sr.Stopped)
	assert.Zero(t, sr.Sent)
	assert.NoError(t, snd.Err())
}

func TestCompletionInterruptsTimeout(t *testing.T) {
	router := memory.New()
	clk := clock.NewMock()

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 1, Timeout: time.Second}, WithClock(clk))
	snd := startSender(t, router, SenderConfig{URL: url("q"), Count: 1, Timeout: time.Second}, WithClock(clk))

	rr := wait(t, rcv)
	sr := wait(t, snd)
	clk.Add(time.Minute)

	assert.False(t, rr.TimedOut)
	assert.False(t, sr.TimedOut)
	assert.False(t, rcv.TimedOut())
	assert.True(t, sr.Completed())
}

func TestDurableReceiver(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()
	cfg := ReceiverConfig{
		URL:         url("topic"),
		ContainerID: "durable-1",
		LinkName:    "sub",
		Count:       2,
		Durable:     true,
	}

	rcv := startReceiver(t, router, cfg)
	wait(t, startSender(t, router, SenderConfig{URL: url("topic"), Count: 2, AutoSettle: true}))
	rr := wait(t, rcv)

	assert.True(t, rr.Stopped)
	assert.Equal(t, 2, rr.Received)
	assert.Equal(t, 1, router.OpenConnections(), "durable receiver keeps its connection")
	assert.Equal(t, 1, router.Subscriptions("topic"))

	// Messages sent while detached are held for the subscription.
	wait(t, startSender(t, router, SenderConfig{URL: url("topic"), Count: 3, AutoSettle: true}))
	assert.Equal(t, 3, router.Queued("durable-1", "sub"))

	require.NoError(t, rcv.Close(context.Background()))
	assert.Zero(t, router.OpenConnections())

	cfg.Count = 3
	again := startReceiver(t, router, cfg)
	rr = wait(t, again)
	assert.Equal(t, 3, rr.Received)
	require.NoError(t, again.Close(context.Background()))
}

func TestNonDurableReceiverClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("topic"), Count: 1})
	wait(t, startSender(t, router, SenderConfig{URL: url("topic"), Count: 1, AutoSettle: true}))
	wait(t, rcv)

	assert.Zero(t, router.OpenConnections())
	assert.Zero(t, router.Subscriptions("topic"))
	assert.NoError(t, rcv.Close(context.Background()))
}

func TestDuplicateSuppression(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	for _, ignore := range []bool{true, false} {
		router := memory.New()
		count := 2
		if !ignore {
			count = 3
		}
		rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: count, IgnoreDuplicates: ignore})

		for _, id := range []string{"m-1", "m-1", "m-2"} {
			_, err := router.Inject(ctx, "q", &transport.Message{ID: id, UserID: "sender.a", Body: Body(id, 16)})
			require.NoError(t, err)
		}

		rr := wait(t, rcv)
		assert.Equal(t, count, rr.Received)
		if ignore {
			assert.Equal(t, 1, rr.Duplicates)
			assert.True(t, rr.Completed(), "second distinct message completes the run")
		} else {
			assert.Zero(t, rr.Duplicates)
		}
	}
}

func TestDuplicateSuppressionNeedsIDs(t *testing.T) {
	router := memory.New()
	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 2, IgnoreDuplicates: true})

	for range 2 {
		_, err := router.Inject(context.Background(), "q", &transport.Message{ID: "same"})
		require.NoError(t, err)
	}

	rr := wait(t, rcv)
	assert.Equal(t, 2, rr.Received)
	assert.Zero(t, rr.Duplicates)
}

func TestMulticastOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		policies []outcome.Policy
		check    func(t *testing.T, r Report)
	}{
		{
			name:     "reject dominates",
			policies: []outcome.Policy{outcome.Accept, outcome.Reject},
			check:    func(t *testing.T, r Report) { assert.Equal(t, 3, r.Rejected) },
		},
		{
			name:     "accept over release",
			policies: []outcome.Policy{outcome.Release, outcome.Accept},
			check:    func(t *testing.T, r Report) { assert.Equal(t, 3, r.Accepted) },
		},
		{
			name:     "all released",
			policies: []outcome.Policy{outcome.Release, outcome.Release, outcome.Release},
			check:    func(t *testing.T, r Report) { assert.Equal(t, 3, r.Released) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			router := memory.New()

			var receivers []*Receiver
			for _, p := range tt.policies {
				receivers = append(receivers, startReceiver(t, router, ReceiverConfig{URL: url("multicast/bla"), Count: 3, Policy: p}))
			}
			sr := wait(t, startSender(t, router, SenderConfig{URL: url("multicast/bla"), Count: 3}))

			for _, r := range receivers {
				assert.Equal(t, 3, wait(t, r).Received)
			}
			assert.Equal(t, 3, sr.Settled)
			assert.Equal(t, sr.Sent, sr.Accepted+sr.Released+sr.Rejected+sr.Modified)
			tt.check(t, sr)
		})
	}
}

func TestUnsettledReceiverReleasesOnClose(t *testing.T) {
	router := memory.New()
	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 2, Policy: outcome.None})
	snd := startSender(t, router, SenderConfig{URL: url("q"), Count: 2})

	assert.Equal(t, 2, wait(t, rcv).Received)
	sr := wait(t, snd)
	assert.Equal(t, 2, sr.Released)
	assert.Zero(t, sr.Accepted)
}

func TestUntilAccepted(t *testing.T) {
	router := memory.New()
	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 4})
	snd := startSender(t, router, SenderConfig{URL: url("q"), Count: 4, Completion: UntilAccepted})

	sr := wait(t, snd)
	wait(t, rcv)
	assert.Equal(t, 4, sr.Accepted)
	assert.Equal(t, 4, sr.Sent)
}

func TestSaveAndVerifyBodies(t *testing.T) {
	router := memory.New()
	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 3, SaveMessages: true, VerifyBodies: true})
	wait(t, startSender(t, router, SenderConfig{URL: url("q"), Count: 2, MessageSize: 100}))

	_, err := router.Inject(context.Background(), "q", &transport.Message{ID: "abc", Body: "tampered"})
	require.NoError(t, err)

	rr := wait(t, rcv)
	require.Len(t, rr.Messages, 3)
	assert.Len(t, rr.Messages[0], 100)
	assert.Equal(t, 1, rr.BodyMismatches)
}

func TestTransportFailure(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()

	rcv := startReceiver(t, router, ReceiverConfig{URL: url("q"), Count: 5})
	router.Shutdown()

	rr := wait(t, rcv)
	assert.ErrorIs(t, rr.Err, transport.ErrConnClosed)
	assert.False(t, rr.Stopped)
	assert.False(t, rcv.Stopped())
	assert.Equal(t, StateFailed, rcv.State())
	assert.ErrorIs(t, rcv.Err(), transport.ErrConnClosed)
}

func TestDialFailure(t *testing.T) {
	router := memory.New(memory.WithHosts("elsewhere"))

	snd, err := NewSender(SenderConfig{URL: url("q"), Count: 1}, WithDialer(router))
	require.NoError(t, err)
	require.NoError(t, snd.Start(context.Background()))

	sr := wait(t, snd)
	assert.ErrorIs(t, sr.Err, memory.ErrConnRefused)
	assert.False(t, sr.Stopped)
	select {
	case <-snd.Attached():
		t.Fatal("attached channel closed after a failed dial")
	default:
	}
}

func TestParentCancel(t *testing.T) {
	defer leaktest.Check(t)()
	router := memory.New()

	ctx, cancel := context.WithCancel(context.Background())
	rcv, err := NewReceiver(ReceiverConfig{URL: url("q"), Count: 1}, WithDialer(router))
	require.NoError(t, err)
	require.NoError(t, rcv.Start(ctx))
	waitAttached(t, rcv)

	cancel()
	rr := wait(t, rcv)
	assert.ErrorIs(t, rr.Err, context.Canceled)
	assert.False(t, rr.Stopped)
	assert.Zero(t, router.OpenConnections())
}

func TestLifecycle(t *testing.T) {
	router := memory.New()
	rcv, err := NewReceiver(ReceiverConfig{URL: url("q"), Count: 1}, WithDialer(router))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rcv.State())
	assert.Equal(t, RoleReceiver, rcv.Name())

	require.NoError(t, rcv.Start(context.Background()))
	assert.ErrorIs(t, rcv.Start(context.Background()), ErrAlreadyStarted)
	waitAttached(t, rcv)

	_, err = rcv.Report()
	assert.ErrorIs(t, err, ErrRunning)
	assert.ErrorIs(t, rcv.Close(context.Background()), ErrRunning)
	assert.NoError(t, rcv.Err())
	assert.False(t, rcv.Stopped())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = rcv.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = router.Inject(context.Background(), "q", &transport.Message{ID: "1"})
	require.NoError(t, err)
	wait(t, rcv)
	assert.True(t, rcv.Stopped())
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewReceiver(ReceiverConfig{})
	assert.ErrorIs(t, err, ErrEmptyURL)

	_, err = NewSender(SenderConfig{URL: "amqp://localhost:5672"})
	assert.ErrorIs(t, err, ErrEmptyNode)

	_, err = NewSender(SenderConfig{URL: "http://localhost/q"})
	assert.ErrorIs(t, err, transport.ErrInvalidURL)

	snd, err := NewSender(SenderConfig{Name: "s1", URL: url("q")}, WithDialer(memory.New()))
	require.NoError(t, err)
	assert.Equal(t, "sender.s1", snd.cfg.UserID)
	assert.Equal(t, DefaultMessageSize, snd.cfg.MessageSize)
	assert.Nil(t, snd.pacer)
}
