// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"testing"
	"time"

	"github.com/absmach/meshprobe/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompletion(t *testing.T) {
	for name, want := range map[string]Completion{
		"":                 CountAndStop,
		"count_and_stop":   CountAndStop,
		"Replace_Refused ": ReplaceRefused,
		"until_accepted":   UntilAccepted,
	} {
		c, err := ParseCompletion(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c)
	}

	_, err := ParseCompletion("forever")
	assert.ErrorIs(t, err, ErrUnknownCompletion)
	assert.Equal(t, "until_accepted", UntilAccepted.String())
	assert.Equal(t, "unknown", Completion(9).String())
}

func TestCompletion(t *testing.T) {
	tests := []struct {
		name     string
		c        Completion
		count    int
		counters outcome.Counters
		needMore bool
		done     bool
	}{
		{
			name:     "count and stop before target",
			c:        CountAndStop,
			count:    5,
			counters: outcome.Counters{Sent: 3, Settled: 3, Accepted: 3},
			needMore: true,
		},
		{
			name:     "count and stop awaiting settlement",
			c:        CountAndStop,
			count:    5,
			counters: outcome.Counters{Sent: 5, Settled: 4, Rejected: 4},
		},
		{
			name:     "count and stop ignores outcomes",
			c:        CountAndStop,
			count:    5,
			counters: outcome.Counters{Sent: 5, Settled: 5, Released: 5},
			done:     true,
		},
		{
			name:     "replace refused replaces releases",
			c:        ReplaceRefused,
			count:    5,
			counters: outcome.Counters{Sent: 5, Settled: 5, Accepted: 3, Released: 1, Rejected: 1},
			needMore: true,
		},
		{
			name:     "replace refused counts modified as delivered",
			c:        ReplaceRefused,
			count:    5,
			counters: outcome.Counters{Sent: 6, Settled: 6, Accepted: 4, Modified: 1, Released: 1},
			done:     true,
		},
		{
			name:     "until accepted counts unsettled as pending accepts",
			c:        UntilAccepted,
			count:    5,
			counters: outcome.Counters{Sent: 5, Settled: 2, Accepted: 2},
		},
		{
			name:     "until accepted resends after refusal",
			c:        UntilAccepted,
			count:    5,
			counters: outcome.Counters{Sent: 5, Settled: 5, Accepted: 4, Rejected: 1},
			needMore: true,
		},
		{
			name:     "until accepted done with unsettled left",
			c:        UntilAccepted,
			count:    2,
			counters: outcome.Counters{Sent: 3, Settled: 2, Accepted: 2},
			done:     true,
		},
		{
			name:     "unbounded never done",
			c:        CountAndStop,
			count:    0,
			counters: outcome.Counters{Sent: 1000, Settled: 1000, Accepted: 1000},
			needMore: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.needMore, tt.c.needMore(tt.count, tt.counters), "needMore")
			assert.Equal(t, tt.done, tt.c.done(tt.count, tt.counters), "done")
		})
	}
}

func TestBody(t *testing.T) {
	id := NewMessageID()
	require.Len(t, id, 32)
	assert.NotEqual(t, id, NewMessageID())

	body := Body(id, DefaultMessageSize)
	assert.Len(t, body, DefaultMessageSize)
	assert.Equal(t, id, body[:32])
	assert.True(t, VerifyBody(id, body))

	assert.Equal(t, "abcab", Body("abc", 5))
	assert.Equal(t, "ab", Body("abc", 2))
	assert.Empty(t, Body("abc", 0))
	assert.Empty(t, Body("", 10))

	assert.False(t, VerifyBody(id, body[:10]+"x"))
	assert.True(t, VerifyBody("", ""))
}

func TestInflightTable(t *testing.T) {
	table := newInflightTable()
	now := time.Now()

	a := table.add("a", now)
	b := table.add("b", now)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, table.count())
	assert.ElementsMatch(t, []string{"a", "b"}, table.messageIDs())

	d, ok := table.complete(a)
	require.True(t, ok)
	assert.Equal(t, "a", d.messageID)

	_, ok = table.complete(a)
	assert.False(t, ok, "a delivery completes once")
	assert.Equal(t, []string{"b"}, table.messageIDs())
}

func TestStateTransitions(t *testing.T) {
	var sm stateManager
	assert.Equal(t, StateCreated, sm.get())

	assert.True(t, sm.transition(StateCreated, StateAttaching))
	assert.False(t, sm.transition(StateCreated, StateAttaching))
	assert.True(t, sm.transitionFrom(StateStopping, StateRunning, StateAttaching))
	assert.False(t, sm.transitionFrom(StateStopping, StateRunning, StateAttaching))

	sm.set(StateFailed)
	assert.True(t, sm.get().Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
