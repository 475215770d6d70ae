// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ntp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeQuerier answers for a configurable set of servers.
type fakeQuerier struct {
	mu      sync.Mutex
	answers map[string]bool
	queried []string
}

func (q *fakeQuerier) Query(server string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queried = append(q.queried, server)
	if q.answers[server] {
		return nil
	}
	return trace.ConnectionProblem(nil, "no answer from %v", server)
}

func (q *fakeQuerier) servers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queried...)
}

func TestCheckAvailabilityEmptyServers(t *testing.T) {
	m, err := NewMonitor(MonitorConfig{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	require.False(t, m.CheckAvailability(context.Background()))
}

func TestCheckAvailabilityFirstAnswerWins(t *testing.T) {
	q := &fakeQuerier{answers: map[string]bool{"b.example.com": true, "c.example.com": true}}
	m, err := NewMonitor(MonitorConfig{
		Servers: []string{"a.example.com", "b.example.com", "c.example.com"},
		Querier: q,
		Clock:   clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	require.True(t, m.CheckAvailability(context.Background()))
	// Iteration stops at the first answering server.
	require.Equal(t, []string{"a.example.com", "b.example.com"}, q.servers())
}

func TestCheckAvailabilityAllUnreachable(t *testing.T) {
	q := &fakeQuerier{}
	m, err := NewMonitor(MonitorConfig{
		Servers: []string{"203.0.113.1", "192.0.2.1"},
		Timeout: time.Second,
		Querier: q,
		Clock:   clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	require.False(t, m.CheckAvailability(context.Background()))
	require.Len(t, q.servers(), 2)
}

type statusRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *statusRecorder) SetNTPAvailable(available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, available)
}

func (r *statusRecorder) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.values...)
}

func TestRunNotifiesOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	q := &fakeQuerier{answers: map[string]bool{}}
	sink := &statusRecorder{}

	var mu sync.Mutex
	var cloud, scheduler []bool
	notify := func(dst *[]bool) NotifyFunc {
		return func(_ context.Context, available bool) error {
			mu.Lock()
			defer mu.Unlock()
			*dst = append(*dst, available)
			return nil
		}
	}

	m, err := NewMonitor(MonitorConfig{
		Servers:         []string{"pool.example.com"},
		CheckInterval:   time.Minute,
		StatusSink:      sink,
		NotifyCloud:     notify(&cloud),
		NotifyScheduler: notify(&scheduler),
		Querier:         q,
		Clock:           clock,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// The initial synchronous check dispatches to the scheduler only.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(scheduler) == 1 && !scheduler[0]
	}, time.Second, 10*time.Millisecond)
	require.False(t, m.Available())
	mu.Lock()
	require.Empty(t, cloud)
	mu.Unlock()

	// Server comes back: the next tick notifies cloud and scheduler.
	q.mu.Lock()
	q.answers["pool.example.com"] = true
	q.mu.Unlock()
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cloud) == 1 && cloud[0] && len(scheduler) == 2 && scheduler[1]
	}, time.Second, 10*time.Millisecond)
	require.True(t, m.Available())

	// No change on the following tick: no extra notifications.
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(sink.all()) >= 3 }, time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Len(t, cloud, 1)
	require.Len(t, scheduler, 2)
	mu.Unlock()

	cancel()
	<-done
}
