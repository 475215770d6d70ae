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

// Package router is the message controller: it routes cloud messages to the
// local components, forwards component state to the cloud, and keeps the
// heartbeat conversation with the web clients alive.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	dunebugger "github.com/dunebugger/dunebugger-remote"
	"github.com/dunebugger/dunebugger-remote/lib/defaults"
	"github.com/dunebugger/dunebugger-remote/lib/envelope"
	"github.com/dunebugger/dunebugger-remote/lib/msgqueue"
	"github.com/dunebugger/dunebugger-remote/lib/updater"
)

// CloudPublisher sends envelopes to the cloud group.
type CloudPublisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// BusSender sends envelopes to local components over the bus.
type BusSender interface {
	Send(env envelope.Envelope, recipient, replyTo string) error
	Respond(env envelope.Envelope, subject string) error
	InboxSubject(subject string) string
}

// NTPReporter answers NTP status questions.
type NTPReporter interface {
	Available() bool
	DispatchStatus(ctx context.Context) error
}

// UpdateManager runs update checks and component updates.
type UpdateManager interface {
	CheckUpdates(ctx context.Context, force bool) ([]updater.ComponentView, error)
	UpdateComponent(ctx context.Context, component string) updater.Result
}

// SystemInfoSource produces the system information report.
type SystemInfoSource interface {
	SystemInfo(ctx context.Context) map[string]any
}

// forwardedSubjects are the component state subjects relayed from the local
// bus to the cloud unchanged.
var forwardedSubjects = map[string]bool{
	"gpio_state":           true,
	"sequence_state":       true,
	"sequence":             true,
	"playing_time":         true,
	"log":                  true,
	"current_schedule":     true,
	"next_actions":         true,
	"last_executed_action": true,
	"scheduler_status":     true,
	"modes_list":           true,
	"analytics_metrics":    true,
}

// Config configures the Controller.
type Config struct {
	// Cloud publishes to the cloud group.
	Cloud CloudPublisher
	// Bus sends to local components.
	Bus BusSender
	// NTP answers status requests.
	NTP NTPReporter
	// Updater runs checks and updates.
	Updater UpdateManager
	// SystemInfo builds the system report.
	SystemInfo SystemInfoSource
	// Health tracks component liveness.
	Health *HealthRegistry
	// HeartbeatEvery is the cadence of "I am alive" messages while a web
	// client is listening.
	HeartbeatEvery time.Duration
	// HeartbeatWindow is how long after the last web heartbeat the alive
	// loop keeps going.
	HeartbeatWindow time.Duration
	// ComponentHeartbeatInterval is the cadence of liveness probes to the
	// local components.
	ComponentHeartbeatInterval time.Duration
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
	// Logger emits routing diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cloud == nil {
		return trace.BadParameter("router requires a cloud publisher")
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = defaults.HeartBeatEvery
	}
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = defaults.HeartBeatLoopDuration
	}
	if c.ComponentHeartbeatInterval <= 0 {
		c.ComponentHeartbeatInterval = defaults.ComponentHeartbeatInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Health == nil {
		c.Health = NewHealthRegistry(c.Clock, defaults.ComponentHeartbeatTTL)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Controller routes messages between the cloud group and the local bus.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	aliveArmed bool
	countdown  int

	// testEvents receives loop event names in tests; nil in production.
	testEvents chan string
}

// New creates a Controller. Call Run to start the heartbeat loops.
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{cfg: cfg}, nil
}

// Health exposes the component liveness registry.
func (c *Controller) Health() *HealthRegistry {
	return c.cfg.Health
}

// Run starts the heartbeat loops and blocks until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.aliveLoop(ctx) }()
	go func() { defer wg.Done(); c.countdownLoop(ctx) }()
	go func() { defer wg.Done(); c.componentHeartbeatLoop(ctx) }()
	wg.Wait()
}

// HandleCloudMessage processes one envelope from the cloud group. Subjects
// shaped <recipient>.<action> are forwarded to local components; everything
// else is an action for the supervisor itself.
func (c *Controller) HandleCloudMessage(ctx context.Context, env envelope.Envelope) {
	if env.Source == dunebugger.SourceController {
		// Group echo of our own broadcast.
		return
	}
	recipient, action, found := strings.Cut(env.Subject, ".")
	if !found {
		recipient, action = "", env.Subject
	}
	switch recipient {
	case dunebugger.CompCore, dunebugger.CompScheduler:
		c.forwardToBus(ctx, env, recipient, action)
		return
	case "", "controller", "updater":
	default:
		c.cfg.Logger.DebugContext(ctx, "Dropping cloud message for unknown recipient",
			"recipient", recipient, "subject", env.Subject)
		return
	}

	switch action {
	case "heartbeat":
		c.handleWebHeartbeat(ctx)
	case "system_info":
		c.handleSystemInfoRequest(ctx)
	case "ntp_status":
		c.handleNTPStatusRequest(ctx)
	case "check_updates":
		c.handleCheckUpdates(ctx, env)
	case "update":
		c.handleUpdate(ctx, env)
	default:
		c.cfg.Logger.DebugContext(ctx, "Dropping cloud message with unknown action",
			"action", action, "source", env.Source)
	}
}

// HandleBusMessage processes one message from the local bus inbox. The
// returned string is a short diagnostic for the bus adapter's debug log.
func (c *Controller) HandleBusMessage(ctx context.Context, msg msgqueue.Message) string {
	env, err := envelope.Decode(msg.Data)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Dropping malformed bus message",
			"subject", msg.Subject, "error", err)
		return "dropped malformed message"
	}

	subject := msgqueue.LogicalSubject(msg.Subject)
	switch {
	case subject == "heartbeat":
		if !dunebugger.IsComponentKey(env.Source) {
			return "dropped heartbeat from unknown component " + env.Source
		}
		c.cfg.Health.MarkAlive(env.Source)
		return "recorded heartbeat from " + env.Source

	case subject == "get_ntp_status":
		if c.cfg.NTP == nil {
			return "no ntp monitor configured"
		}
		if err := c.cfg.NTP.DispatchStatus(ctx); err != nil {
			c.cfg.Logger.WarnContext(ctx, "Failed to dispatch NTP status", "error", err)
			return "failed to dispatch ntp status"
		}
		return "dispatched ntp status"

	case subject == "get_version":
		return c.handleVersionRequest(ctx, env, msg.Reply)

	case forwardedSubjects[subject]:
		if err := c.cfg.Cloud.Publish(ctx, envelope.Envelope{
			Body:        env.Body,
			Subject:     subject,
			Source:      env.Source,
			Destination: dunebugger.DestinationBroadcast,
		}); err != nil {
			c.cfg.Logger.WarnContext(ctx, "Failed to forward bus message to cloud",
				"subject", subject, "error", err)
			return "failed to forward " + subject
		}
		return "forwarded " + subject + " to cloud"

	default:
		c.cfg.Logger.DebugContext(ctx, "Dropping bus message with unknown subject",
			"subject", msg.Subject, "source", env.Source)
		return "dropped unknown subject " + subject
	}
}

// KickHeartbeat asks the group whether any web client is listening. Run
// after every cloud join; a client answers with a heartbeat which arms the
// alive loop.
func (c *Controller) KickHeartbeat(ctx context.Context) {
	if err := c.publishCloud(ctx, "Is anyone there?", "heartbeat"); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to send heartbeat probe", "error", err)
	}
}

func (c *Controller) forwardToBus(ctx context.Context, env envelope.Envelope, recipient, action string) {
	if c.cfg.Bus == nil {
		c.cfg.Logger.WarnContext(ctx, "No local bus, dropping cloud message",
			"recipient", recipient, "action", action)
		return
	}
	fwd := env
	fwd.Subject = action
	if err := c.cfg.Bus.Send(fwd, recipient, ""); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to forward cloud message to bus",
			"recipient", recipient, "action", action, "error", err)
		return
	}
	c.cfg.Logger.DebugContext(ctx, "Forwarded cloud message to bus",
		"recipient", recipient, "action", action)
}

// handleWebHeartbeat answers a web client heartbeat and (re)arms the alive
// conversation for another window.
func (c *Controller) handleWebHeartbeat(ctx context.Context) {
	c.mu.Lock()
	c.aliveArmed = true
	c.countdown = int(c.cfg.HeartbeatWindow / time.Second)
	c.mu.Unlock()
	if err := c.publishCloud(ctx, "I am alive", "heartbeat"); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to answer heartbeat", "error", err)
	}
}

func (c *Controller) handleSystemInfoRequest(ctx context.Context) {
	if c.cfg.SystemInfo == nil {
		c.cfg.Logger.WarnContext(ctx, "No system info source configured")
		return
	}
	if err := c.publishCloud(ctx, c.cfg.SystemInfo.SystemInfo(ctx), "system_info"); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to publish system info", "error", err)
	}
}

func (c *Controller) handleNTPStatusRequest(ctx context.Context) {
	available := false
	if c.cfg.NTP != nil {
		available = c.cfg.NTP.Available()
	}
	body := map[string]bool{"ntp_available": available}
	if err := c.publishCloud(ctx, body, "ntp_status"); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to publish NTP status", "error", err)
	}
}

func (c *Controller) handleCheckUpdates(ctx context.Context, env envelope.Envelope) {
	if c.cfg.Updater == nil {
		c.cfg.Logger.WarnContext(ctx, "No updater configured, dropping check_updates")
		return
	}
	// Explicit requests force a fresh check unless told otherwise.
	force := true
	var body struct {
		Force *bool `json:"force"`
	}
	if err := env.DecodeBody(&body); err == nil && body.Force != nil {
		force = *body.Force
	}
	// Check failures are isolated per component; whatever views came back
	// still go out.
	views, err := c.cfg.Updater.CheckUpdates(ctx, force)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Update check failed", "error", err)
		c.publishLog(ctx, "Update check failed: "+err.Error(), "error")
	}
	if len(views) == 0 {
		return
	}
	if err := c.publishCloud(ctx, map[string]any{"components": views}, "update_check_result"); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to publish update check result", "error", err)
	}
}

func (c *Controller) handleUpdate(ctx context.Context, env envelope.Envelope) {
	if c.cfg.Updater == nil {
		c.cfg.Logger.WarnContext(ctx, "No updater configured, dropping update request")
		return
	}
	var body struct {
		Component string `json:"component"`
		DryRun    bool   `json:"dry_run"`
	}
	if err := env.DecodeBody(&body); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Dropping malformed update request", "error", err)
		return
	}
	// Web clients name components by repository.
	component := strings.TrimPrefix(body.Component, "dunebugger-")
	if body.DryRun {
		c.publishLog(ctx, "Dry run requested, not updating "+component+".", "warning")
		return
	}
	result := c.cfg.Updater.UpdateComponent(ctx, component)
	c.publishLog(ctx, result.Message, result.Level)
}

func (c *Controller) handleVersionRequest(ctx context.Context, env envelope.Envelope, replyTo string) string {
	if c.cfg.Bus == nil {
		return "no local bus configured"
	}
	reply, err := envelope.New(map[string]string{
		"component": dunebugger.CompRemote,
		"version":   dunebugger.Version,
	}, "version", dunebugger.SourceController, "")
	if err != nil {
		return "failed to build version reply"
	}
	if replyTo != "" {
		err = c.cfg.Bus.Respond(reply, replyTo)
	} else if dunebugger.IsComponentKey(env.Source) {
		err = c.cfg.Bus.Send(reply, env.Source, "")
	} else {
		return "dropped version request without reply address"
	}
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to answer version request", "error", err)
		return "failed to answer version request"
	}
	return "answered version request"
}

// aliveLoop publishes "I am alive" at the configured cadence while a web
// client is listening.
func (c *Controller) aliveLoop(ctx context.Context) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		c.mu.Lock()
		armed := c.aliveArmed
		c.mu.Unlock()
		if !armed {
			continue
		}
		if err := c.publishCloud(ctx, "I am alive", "heartbeat"); err != nil {
			c.cfg.Logger.WarnContext(ctx, "Failed to publish heartbeat", "error", err)
		}
		c.emitTestEvent("alive")
	}
}

// countdownLoop counts down the heartbeat window one second at a time. On
// expiry it sends a single probe and disarms the alive loop; the next web
// heartbeat re-arms everything.
func (c *Controller) countdownLoop(ctx context.Context) {
	ticker := c.cfg.Clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		c.mu.Lock()
		if c.countdown <= 0 {
			c.mu.Unlock()
			continue
		}
		c.countdown--
		expired := c.countdown == 0
		if expired {
			c.aliveArmed = false
		}
		c.mu.Unlock()
		c.emitTestEvent("countdown")
		if expired {
			c.cfg.Logger.InfoContext(ctx, "Heartbeat window expired, probing for web clients")
			c.KickHeartbeat(ctx)
			c.emitTestEvent("expired")
		}
	}
}

// componentHeartbeatLoop probes the local components for liveness. Replies
// land on the inbox heartbeat subject and are recorded by HandleBusMessage.
func (c *Controller) componentHeartbeatLoop(ctx context.Context) {
	if c.cfg.Bus == nil {
		return
	}
	ticker := c.cfg.Clock.NewTicker(c.cfg.ComponentHeartbeatInterval)
	defer ticker.Stop()
	replyTo := c.cfg.Bus.InboxSubject("heartbeat")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		for _, component := range []string{dunebugger.CompCore, dunebugger.CompScheduler} {
			env, err := envelope.New("ping", "heartbeat", dunebugger.SourceController, "")
			if err != nil {
				continue
			}
			if err := c.cfg.Bus.Send(env, component, replyTo); err != nil {
				c.cfg.Logger.DebugContext(ctx, "Failed to probe component",
					"component", component, "error", err)
			}
		}
		c.emitTestEvent("probe")
	}
}

func (c *Controller) publishCloud(ctx context.Context, body any, subject string) error {
	env, err := envelope.New(body, subject, dunebugger.SourceController, dunebugger.DestinationBroadcast)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.cfg.Cloud.Publish(ctx, env))
}

// publishLog sends a log line to the web clients.
func (c *Controller) publishLog(ctx context.Context, message, level string) {
	if level == "" {
		level = "info"
	}
	body := map[string]string{"message": message, "level": level}
	if err := c.publishCloud(ctx, body, "log"); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Failed to publish log message", "error", err)
	}
}

func (c *Controller) emitTestEvent(event string) {
	if c.testEvents == nil {
		return
	}
	select {
	case c.testEvents <- event:
	default:
	}
}
