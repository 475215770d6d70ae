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

package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dunebugger/dunebugger-remote/lib/envelope"
)

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAuth) Authenticate(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &Session{WSSURL: "wss://relay.example/client", UserID: "device"}, nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAuth) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type fakeConn struct {
	mu        sync.Mutex
	frames    chan []byte
	writes    [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, trace.ConnectionProblem(nil, "connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return trace.ConnectionProblem(nil, "connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, frame wireFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.frames <- data
}

func (c *fakeConn) sent() []wireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireFrame, 0, len(c.writes))
	for _, w := range c.writes {
		var f wireFrame
		if json.Unmarshal(w, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, trace.ConnectionProblem(nil, "no connection available")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeConnectivity struct {
	mu        sync.Mutex
	connected bool
	callbacks map[uint64]func()
	next      uint64
}

func newFakeConnectivity(connected bool) *fakeConnectivity {
	return &fakeConnectivity{connected: connected, callbacks: make(map[uint64]func())}
}

func (f *fakeConnectivity) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnectivity) set(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeConnectivity) AddConnectedCallback(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.callbacks[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.callbacks, id)
	}
}

func (f *fakeConnectivity) fire() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.callbacks))
	for _, fn := range f.callbacks {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func newTestChannel(t *testing.T, cfg ChannelConfig) *Channel {
	t.Helper()
	if cfg.Group == "" {
		cfg.Group = "dunebugger"
	}
	ch, err := NewChannel(cfg)
	require.NoError(t, err)
	t.Cleanup(ch.Stop)
	return ch
}

func TestChannelJoinsAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &fakeAuth{}
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	connected := make(chan struct{}, 1)

	ch := newTestChannel(t, ChannelConfig{
		Authenticator:    auth,
		Dialer:           dialer,
		BroadcastEnabled: true,
		OnConnected:      func(context.Context) { connected <- struct{}{} },
		Clock:            clockwork.NewFakeClock(),
	})

	ch.Start(ctx)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, PhaseJoined, ch.GetPhase())
	require.Equal(t, 1, auth.callCount())

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnected hook never ran")
	}

	env, err := envelope.New("hello", "system_info", "", "")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, env))

	frames := conn.sent()
	require.Len(t, frames, 2)
	require.Equal(t, "joinGroup", frames[0].Type)
	require.Equal(t, "dunebugger", frames[0].Group)
	require.Equal(t, "sendToGroup", frames[1].Type)
	require.Equal(t, "json", frames[1].DataType)

	sent, err := envelope.Decode(frames[1].Data)
	require.NoError(t, err)
	require.Equal(t, "system_info", sent.Subject)
	require.Equal(t, "controller", sent.Source)
	require.Equal(t, "broadcast", sent.Destination)
}

func TestPublishDropsWhenNotJoined(t *testing.T) {
	ch := newTestChannel(t, ChannelConfig{
		Authenticator:    &fakeAuth{},
		Dialer:           &fakeDialer{},
		BroadcastEnabled: true,
		Clock:            clockwork.NewFakeClock(),
	})

	env, err := envelope.New("hello", "system_info", "", "")
	require.NoError(t, err)
	// No connection: the message is dropped, not an error.
	require.NoError(t, ch.Publish(context.Background(), env))
}

// TestPublishGatedWhenBroadcastDisabled verifies that with broadcasting
// disabled the channel still joins its group but drops every outbound
// envelope, heartbeats included.
func TestPublishGatedWhenBroadcastDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	ch := newTestChannel(t, ChannelConfig{
		Authenticator: &fakeAuth{},
		Dialer:        &fakeDialer{conns: []*fakeConn{conn}},
		Clock:         clockwork.NewFakeClock(),
	})
	ch.Start(ctx)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)

	for _, subject := range []string{"heartbeat", "ntp_status", "log"} {
		env, err := envelope.New("x", subject, "", "")
		require.NoError(t, err)
		require.NoError(t, ch.Publish(ctx, env))
	}

	frames := conn.sent()
	require.Len(t, frames, 1)
	require.Equal(t, "joinGroup", frames[0].Type)
}

func TestInboundDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	ch := newTestChannel(t, ChannelConfig{
		Authenticator: &fakeAuth{},
		Dialer:        &fakeDialer{conns: []*fakeConn{conn}},
		Clock:         clockwork.NewFakeClock(),
	})
	ch.Start(ctx)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)

	env, err := envelope.New("ping", "heartbeat", "webapp", "")
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	conn.deliver(t, wireFrame{Type: "message", From: "group", Group: "dunebugger", Data: data})

	select {
	case got := <-ch.Inbound():
		require.Equal(t, "heartbeat", got.Subject)
		require.Equal(t, "webapp", got.Source)
	case <-time.After(time.Second):
		t.Fatal("inbound envelope never delivered")
	}
	require.Zero(t, ch.Dropped())
}

func TestInboundOverflowDropsOldest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	ch := newTestChannel(t, ChannelConfig{
		Authenticator:    &fakeAuth{},
		Dialer:           &fakeDialer{conns: []*fakeConn{conn}},
		InboundQueueSize: 2,
		Clock:            clockwork.NewFakeClock(),
	})
	ch.Start(ctx)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)

	for _, subject := range []string{"first", "second", "third"} {
		env, err := envelope.New("x", subject, "webapp", "")
		require.NoError(t, err)
		data, err := env.Encode()
		require.NoError(t, err)
		conn.deliver(t, wireFrame{Type: "message", From: "group", Data: data})
	}

	require.Eventually(t, func() bool { return ch.Dropped() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "second", (<-ch.Inbound()).Subject)
	require.Equal(t, "third", (<-ch.Inbound()).Subject)
}

// TestReconnectNeverStacks drives the channel through a connection loss with
// the connectivity monitor flapping at the same time, and verifies that only
// a single reconnection attempt results.
func TestReconnectNeverStacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	auth := &fakeAuth{}
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	connectivity := newFakeConnectivity(true)

	ch := newTestChannel(t, ChannelConfig{
		Authenticator:  auth,
		Dialer:         dialer,
		Connectivity:   connectivity,
		RetryDelay:     5 * time.Second,
		StabilizeDelay: 3 * time.Second,
		Clock:          clock,
	})
	ch.Start(ctx)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, auth.callCount())

	// The connection drops while the internet monitor simultaneously
	// reports the link back: a retry timer and a stabilize timer both arm.
	conn1.Close()
	connectivity.fire()
	clock.BlockUntilContext(ctx, 2)

	// The stabilize timer fires first and reconnects.
	clock.Advance(3 * time.Second)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, auth.callCount())
	require.Equal(t, 2, dialer.dialCount())

	// The retry timer fires later and must find nothing to do.
	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return auth.callCount() > 2 }, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, 2, dialer.dialCount())
	require.True(t, ch.IsConnected())
}

func TestOfflineDisconnectWaitsForConnectivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	auth := &fakeAuth{}
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	connectivity := newFakeConnectivity(true)

	ch := newTestChannel(t, ChannelConfig{
		Authenticator:  auth,
		Dialer:         dialer,
		Connectivity:   connectivity,
		StabilizeDelay: 3 * time.Second,
		Clock:          clock,
	})
	ch.Start(ctx)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)

	// The internet goes away, then the connection drops: no retry timer
	// should arm, the channel waits for the connectivity callback.
	connectivity.set(false)
	conn1.Close()
	require.Eventually(t, func() bool { return ch.GetPhase() == PhaseDisconnected },
		time.Second, 10*time.Millisecond)
	require.Equal(t, 1, dialer.dialCount())

	// Internet comes back: stabilize, double-check, reconnect.
	connectivity.set(true)
	connectivity.fire()
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(3 * time.Second)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, auth.callCount())
	require.Equal(t, 2, dialer.dialCount())
}

func TestAuthFailureSchedulesRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	auth := &fakeAuth{err: trace.AccessDenied("bad credentials")}
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	ch := newTestChannel(t, ChannelConfig{
		Authenticator: auth,
		Dialer:        dialer,
		RetryDelay:    5 * time.Second,
		Clock:         clock,
	})
	ch.Start(ctx)
	require.Eventually(t, func() bool { return auth.callCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, PhaseDisconnected, ch.GetPhase())

	auth.setErr(nil)
	clock.BlockUntilContext(ctx, 1)
	clock.Advance(5 * time.Second)
	require.Eventually(t, ch.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, auth.callCount())
}
