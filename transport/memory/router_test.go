// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/meshprobe/outcome"
	"github.com/absmach/meshprobe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, r *Router, containerID string) *Conn {
	t.Helper()
	c, err := r.Dial(context.Background(), transport.Address{Host: "localhost", Port: 5672}, transport.ConnOptions{ContainerID: containerID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c.(*Conn)
}

func receiveAndSettle(t *testing.T, l transport.ReceiverLink, o outcome.Outcome) *transport.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := l.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, d, o))
	return d
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		address string
		want    bool
	}{
		{"multicast/#", "multicast/bla", true},
		{"multicast/#", "multicast", true},
		{"multicast/#", "multicast/a/b", true},
		{"multicast/*", "multicast/a", true},
		{"multicast/*", "multicast/a/b", false},
		{"multicast/*", "multicast", false},
		{"#", "anything/at/all", true},
		{"queue", "queue", true},
		{"queue", "queue/x", false},
		{"", "x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.address), "%s ~ %s", tt.pattern, tt.address)
	}
}

func TestMulticastAggregation(t *testing.T) {
	tests := []struct {
		name string
		a, b outcome.Outcome
		fold bool
		want outcome.Outcome
	}{
		{"accept reject", outcome.Accepted, outcome.Rejected, false, outcome.Rejected},
		{"reject reject", outcome.Rejected, outcome.Rejected, false, outcome.Rejected},
		{"accept accept", outcome.Accepted, outcome.Accepted, false, outcome.Accepted},
		{"accept release", outcome.Accepted, outcome.Released, false, outcome.Accepted},
		{"release release", outcome.Released, outcome.Released, false, outcome.Released},
		{"modify modify", outcome.Modified, outcome.Modified, false, outcome.Modified},
		{"modify modify folded", outcome.Modified, outcome.Modified, true, outcome.Released},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.fold {
				opts = append(opts, WithFoldModified())
			}
			r := New(opts...)
			ctx := context.Background()

			r1, err := dial(t, r, "r1").OpenReceiver(ctx, transport.ReceiverOptions{Address: "multicast/bla"})
			require.NoError(t, err)
			r2, err := dial(t, r, "r2").OpenReceiver(ctx, transport.ReceiverOptions{Address: "multicast/bla"})
			require.NoError(t, err)
			s, err := dial(t, r, "s").OpenSender(ctx, transport.SenderOptions{Address: "multicast/bla"})
			require.NoError(t, err)

			rc, err := s.Send(ctx, &transport.Message{ID: "1", Body: "x"})
			require.NoError(t, err)

			d1 := receiveAndSettle(t, r1, tt.a)
			d2 := receiveAndSettle(t, r2, tt.b)
			assert.Equal(t, "1", d1.Message.ID)
			assert.Equal(t, "1", d2.Message.ID)

			got, err := rc.Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBalancedDistribution(t *testing.T) {
	r := New()
	ctx := context.Background()

	r1, err := dial(t, r, "r1").OpenReceiver(ctx, transport.ReceiverOptions{Address: "queue"})
	require.NoError(t, err)
	r2, err := dial(t, r, "r2").OpenReceiver(ctx, transport.ReceiverOptions{Address: "queue"})
	require.NoError(t, err)
	s, err := dial(t, r, "s").OpenSender(ctx, transport.SenderOptions{Address: "queue"})
	require.NoError(t, err)

	rc1, err := s.Send(ctx, &transport.Message{ID: "1"})
	require.NoError(t, err)
	rc2, err := s.Send(ctx, &transport.Message{ID: "2"})
	require.NoError(t, err)

	assert.Equal(t, "1", receiveAndSettle(t, r1, outcome.Accepted).Message.ID)
	assert.Equal(t, "2", receiveAndSettle(t, r2, outcome.Rejected).Message.ID)

	o, err := rc1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, outcome.Accepted, o)
	o, err = rc2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, outcome.Rejected, o)
}

func TestSendWaitsForConsumer(t *testing.T) {
	r := New()
	s, err := dial(t, r, "s").OpenSender(context.Background(), transport.SenderOptions{Address: "multicast/x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Send(ctx, &transport.Message{ID: "1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sent := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), &transport.Message{ID: "2"})
		sent <- err
	}()

	_, err = dial(t, r, "r").OpenReceiver(context.Background(), transport.ReceiverOptions{Address: "multicast/x"})
	require.NoError(t, err)

	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not resume after a consumer attached")
	}
}

func TestPreSettledSend(t *testing.T) {
	r := New()
	ctx := context.Background()
	rl, err := dial(t, r, "r").OpenReceiver(ctx, transport.ReceiverOptions{Address: "q"})
	require.NoError(t, err)
	s, err := dial(t, r, "s").OpenSender(ctx, transport.SenderOptions{Address: "q", PreSettled: true})
	require.NoError(t, err)

	rc, err := s.Send(ctx, &transport.Message{ID: "1"})
	require.NoError(t, err)
	o, err := rc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, outcome.Accepted, o)

	d, err := rl.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, d.Settled)
	assert.NoError(t, rl.Settle(ctx, d, outcome.Rejected), "settling a pre-settled delivery is a no-op")
}

func TestSettleTwice(t *testing.T) {
	r := New()
	ctx := context.Background()
	rl, err := dial(t, r, "r").OpenReceiver(ctx, transport.ReceiverOptions{Address: "q"})
	require.NoError(t, err)
	_, err = r.Inject(ctx, "q", &transport.Message{ID: "1"})
	require.NoError(t, err)

	d := receiveAndSettle(t, rl, outcome.Accepted)
	assert.ErrorIs(t, rl.Settle(ctx, d, outcome.Accepted), transport.ErrAlreadySettled)
	assert.ErrorIs(t, rl.Settle(ctx, &transport.Delivery{}, outcome.Accepted), transport.ErrUnknownDelivery)
}

func TestCloseReleasesPending(t *testing.T) {
	r := New()
	ctx := context.Background()
	rl, err := dial(t, r, "r").OpenReceiver(ctx, transport.ReceiverOptions{Address: "q"})
	require.NoError(t, err)

	rc, err := r.Inject(ctx, "q", &transport.Message{ID: "1"})
	require.NoError(t, err)
	require.NoError(t, rl.Close(ctx))

	o, err := rc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, outcome.Released, o)
	assert.Zero(t, r.Subscriptions("q"))

	_, err = rl.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrLinkClosed)
}

func TestDurableSubscription(t *testing.T) {
	r := New()
	ctx := context.Background()
	c := dial(t, r, "durable-client")

	rl, err := c.OpenReceiver(ctx, transport.ReceiverOptions{Address: "topic", Name: "sub", Durable: true})
	require.NoError(t, err)

	_, err = c.OpenReceiver(ctx, transport.ReceiverOptions{Address: "topic", Name: "sub", Durable: true})
	assert.ErrorIs(t, err, ErrLinkBusy)

	// Delivered but unsettled at detach: redelivered on reattach.
	_, err = r.Inject(ctx, "topic", &transport.Message{ID: "1"})
	require.NoError(t, err)
	d, err := rl.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", d.Message.ID)
	require.NoError(t, rl.Detach(ctx))

	assert.Equal(t, 1, r.Subscriptions("topic"), "detached durable subscription keeps routing")
	_, err = r.Inject(ctx, "topic", &transport.Message{ID: "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Queued("durable-client", "sub"))
	assert.False(t, c.Closed())

	rl, err = c.OpenReceiver(ctx, transport.ReceiverOptions{Address: "topic", Name: "sub", Durable: true})
	require.NoError(t, err)
	assert.Equal(t, "1", receiveAndSettle(t, rl, outcome.Accepted).Message.ID)
	assert.Equal(t, "2", receiveAndSettle(t, rl, outcome.Accepted).Message.ID)

	require.NoError(t, rl.Close(ctx))
	assert.Zero(t, r.Subscriptions("topic"))
}

func TestConnCloseDetachesDurable(t *testing.T) {
	r := New()
	ctx := context.Background()
	c := dial(t, r, "c")

	_, err := c.OpenReceiver(ctx, transport.ReceiverOptions{Address: "a", Name: "d", Durable: true})
	require.NoError(t, err)
	_, err = c.OpenReceiver(ctx, transport.ReceiverOptions{Address: "a", Name: "n"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Subscriptions("a"))

	require.NoError(t, c.Close(ctx))
	assert.True(t, c.Closed())
	assert.Equal(t, 1, r.Subscriptions("a"))
	assert.Zero(t, r.OpenConnections())
}

func TestShutdown(t *testing.T) {
	r := New(WithName("E1"))
	ctx := context.Background()
	rl, err := dial(t, r, "r").OpenReceiver(ctx, transport.ReceiverOptions{Address: "q"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := rl.Receive(ctx)
		errCh <- err
	}()

	r.Shutdown()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("receive not interrupted by shutdown")
	}

	_, err = r.Dial(ctx, transport.Address{Host: "x"}, transport.ConnOptions{})
	assert.ErrorIs(t, err, ErrConnRefused)
}

func TestDialHosts(t *testing.T) {
	r := New(WithHosts("router-e1"))
	_, err := r.Dial(context.Background(), transport.Address{Host: "router-e2", Port: 5672}, transport.ConnOptions{})
	assert.ErrorIs(t, err, ErrConnRefused)

	c, err := r.Dial(context.Background(), transport.Address{Host: "router-e1", Port: 5672}, transport.ConnOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.OpenConnections())
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, uint64(1), r.Stats().GetTotalConnections())
	assert.Zero(t, r.Stats().GetCurrentConnections())
}

func TestManagementQuery(t *testing.T) {
	r := New(WithNodes(
		Node{Name: "Router.I1", ID: "I1"},
		Node{Name: "Router.I2", ID: "I2", NextHop: "I1", Cost: 2},
	))
	c := dial(t, r, "mgmt")

	resp, err := c.Request(context.Background(), transport.ManagementAddress, &transport.Message{
		ID:      "q-1",
		ReplyTo: "reply",
		Properties: map[string]any{
			"operation":  "QUERY",
			"entityType": entityTypeNode,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, statusOK, resp.Properties["statusCode"])
	assert.Equal(t, "q-1", resp.CorrelationID)

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok)
	assert.Len(t, body["results"], 2)

	resp, err = c.Request(context.Background(), transport.ManagementAddress, &transport.Message{
		Properties: map[string]any{"operation": "DELETE"},
	})
	require.NoError(t, err)
	assert.Equal(t, statusNotImplemented, resp.Properties["statusCode"])

	_, err = c.Request(context.Background(), "elsewhere", &transport.Message{})
	assert.ErrorIs(t, err, transport.ErrNotSupported)
}
