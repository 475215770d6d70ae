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

package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dunebugger/dunebugger-remote/lib/envelope"
	"github.com/dunebugger/dunebugger-remote/lib/msgqueue"
	"github.com/dunebugger/dunebugger-remote/lib/updater"
)

type fakeCloud struct {
	mu        sync.Mutex
	published []envelope.Envelope
}

func (f *fakeCloud) Publish(_ context.Context, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
	return nil
}

func (f *fakeCloud) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeCloud) all() []envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]envelope.Envelope(nil), f.published...)
}

func (f *fakeCloud) last() envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

type busCall struct {
	env     envelope.Envelope
	target  string
	replyTo string
}

type fakeBus struct {
	mu       sync.Mutex
	sends    []busCall
	responds []busCall
}

func (f *fakeBus) Send(env envelope.Envelope, recipient, replyTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, busCall{env: env, target: recipient, replyTo: replyTo})
	return nil
}

func (f *fakeBus) Respond(env envelope.Envelope, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responds = append(f.responds, busCall{env: env, target: subject})
	return nil
}

func (f *fakeBus) InboxSubject(subject string) string {
	return "dunebugger.remote." + subject
}

func (f *fakeBus) sentCalls() []busCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]busCall(nil), f.sends...)
}

func (f *fakeBus) respondCalls() []busCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]busCall(nil), f.responds...)
}

type fakeUpdateManager struct {
	mu      sync.Mutex
	forces  []bool
	views   []updater.ComponentView
	err     error
	updated []string
	result  updater.Result
}

func (f *fakeUpdateManager) CheckUpdates(_ context.Context, force bool) ([]updater.ComponentView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces = append(f.forces, force)
	return f.views, f.err
}

func (f *fakeUpdateManager) UpdateComponent(_ context.Context, component string) updater.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, component)
	return f.result
}

func (f *fakeUpdateManager) forceCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.forces...)
}

func (f *fakeUpdateManager) updatedComponents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updated...)
}

func cloudEnv(t *testing.T, body any, subject, source string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(body, subject, source, "")
	require.NoError(t, err)
	return env
}

func busMsg(t *testing.T, body any, fullSubject, source, reply string) msgqueue.Message {
	t.Helper()
	env, err := envelope.New(body, msgqueue.LogicalSubject(fullSubject), source, "")
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	return msgqueue.Message{Data: data, Subject: fullSubject, Reply: reply}
}

func TestCloudForwardToComponents(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	bus := &fakeBus{}
	c, err := New(Config{Cloud: cloud, Bus: bus, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	c.HandleCloudMessage(ctx, cloudEnv(t, "standby", "core.dunebugger_set", "webapp"))
	c.HandleCloudMessage(ctx, cloudEnv(t, true, "scheduler.enable", "webapp"))

	sends := bus.sentCalls()
	require.Len(t, sends, 2)
	require.Equal(t, "core", sends[0].target)
	require.Equal(t, "dunebugger_set", sends[0].env.Subject)
	require.Equal(t, "scheduler", sends[1].target)
	require.Equal(t, "enable", sends[1].env.Subject)
	require.Zero(t, cloud.count())
}

func TestCloudIgnoresOwnEcho(t *testing.T) {
	cloud := &fakeCloud{}
	c, err := New(Config{Cloud: cloud, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	c.HandleCloudMessage(context.Background(), cloudEnv(t, "I am alive", "heartbeat", "controller"))
	require.Zero(t, cloud.count())
}

func TestCloudUnknownDropped(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	bus := &fakeBus{}
	c, err := New(Config{Cloud: cloud, Bus: bus, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	c.HandleCloudMessage(ctx, cloudEnv(t, "x", "telescope.align", "webapp"))
	c.HandleCloudMessage(ctx, cloudEnv(t, "x", "reboot_everything", "webapp"))
	require.Zero(t, cloud.count())
	require.Empty(t, bus.sentCalls())
}

func TestHeartbeatConversation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	cloud := &fakeCloud{}
	bus := &fakeBus{}
	c, err := New(Config{
		Cloud:                      cloud,
		Bus:                        bus,
		HeartbeatEvery:             30 * time.Second,
		HeartbeatWindow:            2 * time.Second,
		ComponentHeartbeatInterval: time.Hour,
		Clock:                      clock,
	})
	require.NoError(t, err)
	events := make(chan string, 64)
	c.testEvents = events

	done := make(chan struct{})
	go func() { defer close(done); c.Run(ctx) }()
	clock.BlockUntilContext(ctx, 3)

	// A web heartbeat gets an immediate answer and arms the window.
	c.HandleCloudMessage(ctx, cloudEnv(t, "ping", "heartbeat", "webapp"))
	require.Equal(t, 1, cloud.count())
	require.Equal(t, "heartbeat", cloud.last().Subject)
	require.Equal(t, `"I am alive"`, string(cloud.last().Body))
	require.Equal(t, "broadcast", cloud.last().Destination)

	// The window counts down second by second and expires with a single
	// probe, disarming the alive loop.
	clock.Advance(time.Second)
	require.Equal(t, "countdown", <-events)
	clock.Advance(time.Second)
	require.Equal(t, "countdown", <-events)
	require.Equal(t, "expired", <-events)
	require.Equal(t, 2, cloud.count())
	require.Equal(t, `"Is anyone there?"`, string(cloud.last().Body))

	// Disarmed: the next alive tick publishes nothing.
	clock.Advance(28 * time.Second)
	require.Never(t, func() bool { return cloud.count() > 2 }, 200*time.Millisecond, 20*time.Millisecond)

	// A new web heartbeat re-arms the conversation.
	c.HandleCloudMessage(ctx, cloudEnv(t, "ping", "heartbeat", "webapp"))
	require.Equal(t, 3, cloud.count())

	cancel()
	<-done
}

func TestComponentHeartbeatProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	cloud := &fakeCloud{}
	bus := &fakeBus{}
	c, err := New(Config{
		Cloud:                      cloud,
		Bus:                        bus,
		HeartbeatEvery:             time.Hour,
		HeartbeatWindow:            time.Hour,
		ComponentHeartbeatInterval: 30 * time.Second,
		Clock:                      clock,
	})
	require.NoError(t, err)
	events := make(chan string, 64)
	c.testEvents = events

	done := make(chan struct{})
	go func() { defer close(done); c.Run(ctx) }()
	clock.BlockUntilContext(ctx, 3)

	clock.Advance(30 * time.Second)
	require.Equal(t, "probe", <-events)

	sends := bus.sentCalls()
	require.Len(t, sends, 2)
	require.Equal(t, "core", sends[0].target)
	require.Equal(t, "scheduler", sends[1].target)
	for _, call := range sends {
		require.Equal(t, "heartbeat", call.env.Subject)
		require.Equal(t, "dunebugger.remote.heartbeat", call.replyTo)
	}

	cancel()
	<-done
}

func TestBusHeartbeatMarksHealth(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	c, err := New(Config{Cloud: &fakeCloud{}, Clock: clock})
	require.NoError(t, err)

	diag := c.HandleBusMessage(ctx, busMsg(t, "alive", "dunebugger.remote.heartbeat", "core", ""))
	require.Equal(t, "recorded heartbeat from core", diag)
	require.True(t, c.Health().Running("core"))
	require.False(t, c.Health().Running("scheduler"))
	require.True(t, c.Health().Running("remote"))

	// The record goes stale without fresh heartbeats.
	clock.Advance(46 * time.Second)
	require.False(t, c.Health().Running("core"))
	require.True(t, c.Health().Running("remote"))

	diag = c.HandleBusMessage(ctx, busMsg(t, "alive", "dunebugger.remote.heartbeat", "intruder", ""))
	require.Equal(t, "dropped heartbeat from unknown component intruder", diag)
}

func TestBusForwardToCloud(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	c, err := New(Config{Cloud: cloud, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	diag := c.HandleBusMessage(ctx, busMsg(t,
		map[string]string{"17": "high"}, "dunebugger.remote.gpio_state", "core", ""))
	require.Equal(t, "forwarded gpio_state to cloud", diag)

	require.Equal(t, 1, cloud.count())
	sent := cloud.last()
	require.Equal(t, "gpio_state", sent.Subject)
	require.Equal(t, "core", sent.Source)
	require.Equal(t, "broadcast", sent.Destination)

	diag = c.HandleBusMessage(ctx, busMsg(t, "x", "dunebugger.remote.shenanigans", "core", ""))
	require.Equal(t, "dropped unknown subject shenanigans", diag)
	require.Equal(t, 1, cloud.count())

	diag = c.HandleBusMessage(ctx, msgqueue.Message{Data: []byte("not json"), Subject: "dunebugger.remote.log"})
	require.Equal(t, "dropped malformed message", diag)
}

func TestBusVersionRequest(t *testing.T) {
	ctx := context.Background()
	bus := &fakeBus{}
	c, err := New(Config{Cloud: &fakeCloud{}, Bus: bus, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	// With a reply subject the answer goes straight there.
	diag := c.HandleBusMessage(ctx, busMsg(t, "", "dunebugger.core.get_version", "core", "dunebugger.core.version"))
	require.Equal(t, "answered version request", diag)
	responds := bus.respondCalls()
	require.Len(t, responds, 1)
	require.Equal(t, "dunebugger.core.version", responds[0].target)

	var body map[string]string
	require.NoError(t, responds[0].env.DecodeBody(&body))
	require.Equal(t, "remote", body["component"])
	require.NotEmpty(t, body["version"])

	// Without one the answer goes to the source's inbox.
	diag = c.HandleBusMessage(ctx, busMsg(t, "", "dunebugger.remote.get_version", "scheduler", ""))
	require.Equal(t, "answered version request", diag)
	sends := bus.sentCalls()
	require.Len(t, sends, 1)
	require.Equal(t, "scheduler", sends[0].target)
}

func TestCloudCheckUpdates(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	mgr := &fakeUpdateManager{views: []updater.ComponentView{{Name: "core", CurrentVersion: "1.0.0"}}}
	c, err := New(Config{Cloud: cloud, Updater: mgr, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	// An explicit request forces a fresh check by default.
	c.HandleCloudMessage(ctx, cloudEnv(t, map[string]any{}, "check_updates", "webapp"))
	c.HandleCloudMessage(ctx, cloudEnv(t, map[string]any{"force": false}, "check_updates", "webapp"))
	require.Equal(t, []bool{true, false}, mgr.forceCalls())

	require.Equal(t, 2, cloud.count())
	require.Equal(t, "update_check_result", cloud.last().Subject)
	var body struct {
		Components []updater.ComponentView `json:"components"`
	}
	require.NoError(t, cloud.last().DecodeBody(&body))
	require.Len(t, body.Components, 1)
	require.Equal(t, "core", body.Components[0].Name)
}

// TestCloudCheckUpdatesPartialFailure verifies that one unreachable
// repository does not hide the components that were checked fine: the views
// still go out alongside the error log.
func TestCloudCheckUpdatesPartialFailure(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	mgr := &fakeUpdateManager{
		views: []updater.ComponentView{{Name: "core"}, {Name: "remote"}},
		err:   trace.ConnectionProblem(nil, "api unreachable"),
	}
	c, err := New(Config{Cloud: cloud, Updater: mgr, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	c.HandleCloudMessage(ctx, cloudEnv(t, map[string]any{}, "check_updates", "webapp"))

	published := cloud.all()
	require.Len(t, published, 2)
	require.Equal(t, "log", published[0].Subject)
	var logBody map[string]string
	require.NoError(t, published[0].DecodeBody(&logBody))
	require.Equal(t, "error", logBody["level"])

	require.Equal(t, "update_check_result", published[1].Subject)
	var body struct {
		Components []updater.ComponentView `json:"components"`
	}
	require.NoError(t, published[1].DecodeBody(&body))
	require.Len(t, body.Components, 2)
}

func TestCloudUpdate(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	mgr := &fakeUpdateManager{result: updater.Result{Success: true, Message: "core updated to 1.2.0", Level: "info"}}
	c, err := New(Config{Cloud: cloud, Updater: mgr, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	c.HandleCloudMessage(ctx, cloudEnv(t,
		map[string]any{"component": "dunebugger-core"}, "update", "webapp"))
	require.Equal(t, []string{"core"}, mgr.updatedComponents())

	require.Equal(t, 1, cloud.count())
	require.Equal(t, "log", cloud.last().Subject)
	var body map[string]string
	require.NoError(t, cloud.last().DecodeBody(&body))
	require.Equal(t, "core updated to 1.2.0", body["message"])
	require.Equal(t, "info", body["level"])

	// Dry runs never reach the updater.
	c.HandleCloudMessage(ctx, cloudEnv(t,
		map[string]any{"component": "dunebugger-core", "dry_run": true}, "update", "webapp"))
	require.Equal(t, []string{"core"}, mgr.updatedComponents())
	require.Equal(t, 2, cloud.count())
	require.NoError(t, cloud.last().DecodeBody(&body))
	require.Equal(t, "warning", body["level"])
}

func TestCloudNTPStatus(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	c, err := New(Config{Cloud: cloud, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	c.HandleCloudMessage(ctx, cloudEnv(t, "", "ntp_status", "webapp"))
	require.Equal(t, 1, cloud.count())
	require.Equal(t, "ntp_status", cloud.last().Subject)
	var body map[string]bool
	require.NoError(t, cloud.last().DecodeBody(&body))
	require.False(t, body["ntp_available"])
}
