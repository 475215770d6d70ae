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

// Package relay maintains the persistent websocket channel between the
// device and the cloud group. The channel authenticates, joins the device
// group, and keeps itself connected across network drops without ever
// stacking reconnection attempts.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	dunebugger "github.com/dunebugger/dunebugger-remote"
	"github.com/dunebugger/dunebugger-remote/lib/defaults"
	"github.com/dunebugger/dunebugger-remote/lib/envelope"
)

// Phase is the channel lifecycle phase.
type Phase string

const (
	// PhaseIdle means the channel has not been started.
	PhaseIdle Phase = "idle"
	// PhaseAuthenticating means a token exchange is in flight.
	PhaseAuthenticating Phase = "authenticating"
	// PhaseConnecting means the websocket dial or group join is in flight.
	PhaseConnecting Phase = "connecting"
	// PhaseJoined means the channel is connected and joined to the group.
	PhaseJoined Phase = "joined"
	// PhaseDisconnected means the channel lost its connection and intends
	// to come back.
	PhaseDisconnected Phase = "disconnected"
	// PhaseStopped means the channel was shut down on purpose.
	PhaseStopped Phase = "stopped"
)

// Conn is a minimal message-oriented connection. The production
// implementation wraps a gorilla websocket.
type Conn interface {
	// ReadMessage blocks for the next inbound frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one outbound frame.
	WriteMessage(data []byte) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer establishes connections to the relay endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Authenticator produces fresh sessions; *AuthClient implements it.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Session, error)
}

// ConnectivityProvider exposes the internet reachability signal the channel
// keys its reconnection behavior off of.
type ConnectivityProvider interface {
	IsConnected() bool
	AddConnectedCallback(fn func()) (remove func())
}

// wireFrame is the relay's JSON frame. Outbound frames are joinGroup and
// sendToGroup; inbound frames are message, system and ack.
type wireFrame struct {
	Type     string          `json:"type"`
	From     string          `json:"from,omitempty"`
	Group    string          `json:"group,omitempty"`
	DataType string          `json:"dataType,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Event    string          `json:"event,omitempty"`
	AckID    uint64          `json:"ackId,omitempty"`
	Success  *bool           `json:"success,omitempty"`
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Authenticator produces the session for each connection attempt.
	Authenticator Authenticator
	// Dialer overrides the websocket dialer, for tests.
	Dialer Dialer
	// Connectivity gates reconnection attempts on internet reachability.
	// When nil the channel always believes the internet is up.
	Connectivity ConnectivityProvider
	// Group is the relay group this device joins.
	Group string
	// BroadcastEnabled gates outbound publishing: when disabled every
	// outbound envelope is dropped. Protocol frames such as the group join
	// still flow.
	BroadcastEnabled bool
	// OnConnected runs after every successful join, off the connect path.
	OnConnected func(ctx context.Context)
	// RetryDelay separates failed attempts from the next one.
	RetryDelay time.Duration
	// RejoinDelay separates a rejected group join from the rejoin.
	RejoinDelay time.Duration
	// StabilizeDelay is how long a freshly restored internet connection
	// must hold before the channel trusts it.
	StabilizeDelay time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// InboundQueueSize caps the inbound delivery queue.
	InboundQueueSize int
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
	// Logger emits channel diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *ChannelConfig) CheckAndSetDefaults() error {
	if c.Authenticator == nil {
		return trace.BadParameter("channel requires an authenticator")
	}
	if c.Group == "" {
		c.Group = defaults.GroupName
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RelayRetryDelay
	}
	if c.RejoinDelay <= 0 {
		c.RejoinDelay = defaults.RelayRejoinDelay
	}
	if c.StabilizeDelay <= 0 {
		c.StabilizeDelay = defaults.RelayStabilizeDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.RelayHandshakeTimeout
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = defaults.RelayInboundQueueSize
	}
	if c.Dialer == nil {
		c.Dialer = websocketDialer{handshakeTimeout: c.HandshakeTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Channel is the cloud channel state machine. All transitions run under a
// single mutex; at most one connection attempt and at most one scheduled
// retry exist at any moment.
type Channel struct {
	cfg ChannelConfig

	mu                sync.Mutex
	phase             Phase
	shouldBeConnected bool
	connecting        bool
	retryScheduled    bool
	conn              Conn
	session           *Session
	removeCallback    func()

	inbound chan envelope.Envelope
	dropped atomic.Uint64
	ackID   atomic.Uint64
}

// NewChannel creates a Channel in the idle phase.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Channel{
		cfg:     cfg,
		phase:   PhaseIdle,
		inbound: make(chan envelope.Envelope, cfg.InboundQueueSize),
	}, nil
}

// Start declares the intent to be connected, registers the connectivity
// callback and kicks off the first attempt. Idempotent.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.shouldBeConnected {
		c.mu.Unlock()
		return
	}
	c.shouldBeConnected = true
	c.mu.Unlock()

	if c.cfg.Connectivity != nil {
		remove := c.cfg.Connectivity.AddConnectedCallback(func() {
			c.onInternetRestored(ctx)
		})
		c.mu.Lock()
		c.removeCallback = remove
		c.mu.Unlock()
	}
	go c.attempt(ctx)
}

// Stop tears the channel down and withdraws the intent to reconnect.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.shouldBeConnected = false
	c.phase = PhaseStopped
	conn := c.conn
	c.conn = nil
	remove := c.removeCallback
	c.removeCallback = nil
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.cfg.Logger.Info("Cloud channel stopped")
}

// IsConnected reports whether the channel is joined to the group.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseJoined
}

// GetPhase returns the current lifecycle phase.
func (c *Channel) GetPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Session returns the most recent authentication result, or nil before the
// first successful attempt.
func (c *Channel) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Inbound is the serialized delivery queue of group messages. When the
// consumer falls behind the oldest messages are dropped.
func (c *Channel) Inbound() <-chan envelope.Envelope {
	return c.inbound
}

// Dropped returns the count of inbound messages discarded because the
// delivery queue was full.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Publish sends an envelope to the group. Source and destination default to
// the controller identity and the broadcast audience. When broadcasting is
// disabled or the channel is not joined the message is dropped with a debug
// log; losing a message is preferable to blocking the caller.
func (c *Channel) Publish(ctx context.Context, env envelope.Envelope) error {
	if !c.cfg.BroadcastEnabled {
		c.cfg.Logger.DebugContext(ctx, "Broadcasting is disabled, dropping outbound message",
			"subject", env.Subject)
		return nil
	}
	if env.Source == "" {
		env.Source = dunebugger.SourceController
	}
	if env.Destination == "" {
		env.Destination = dunebugger.DestinationBroadcast
	}
	c.mu.Lock()
	conn := c.conn
	joined := c.phase == PhaseJoined
	c.mu.Unlock()
	if !joined || conn == nil {
		c.cfg.Logger.DebugContext(ctx, "Dropping outbound message, channel is not joined",
			"subject", env.Subject)
		return nil
	}
	body, err := env.Encode()
	if err != nil {
		return trace.Wrap(err)
	}
	frame, err := json.Marshal(wireFrame{
		Type:     "sendToGroup",
		Group:    c.cfg.Group,
		DataType: "json",
		Data:     body,
		AckID:    c.ackID.Add(1),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(frame))
}

// attempt runs one full connection attempt: authenticate, dial, join. The
// connecting flag guarantees at most one attempt is in flight; a second
// caller returns immediately.
func (c *Channel) attempt(ctx context.Context) {
	c.mu.Lock()
	if !c.shouldBeConnected || c.connecting || c.phase == PhaseJoined {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if c.cfg.Connectivity != nil && !c.cfg.Connectivity.IsConnected() {
		c.setPhase(PhaseDisconnected)
		c.cfg.Logger.InfoContext(ctx, "No internet connection, waiting before connecting to cloud")
		return
	}

	c.setPhase(PhaseAuthenticating)
	session, err := c.cfg.Authenticator.Authenticate(ctx)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Cloud authentication failed", "error", err)
		c.setPhase(PhaseDisconnected)
		c.scheduleRetry(ctx)
		return
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.setPhase(PhaseConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, err := c.cfg.Dialer.Dial(dialCtx, session.WSSURL)
	cancel()
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Cloud websocket dial failed", "error", err)
		c.setPhase(PhaseDisconnected)
		c.scheduleRetry(ctx)
		return
	}

	if err := c.joinGroup(conn); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Joining cloud group failed", "error", err)
		_ = conn.Close()
		c.setPhase(PhaseDisconnected)
		c.scheduleRetry(ctx)
		return
	}

	c.mu.Lock()
	if !c.shouldBeConnected {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.phase = PhaseJoined
	c.mu.Unlock()
	c.cfg.Logger.InfoContext(ctx, "Joined cloud group", "group", c.cfg.Group)

	go c.readLoop(ctx, conn)
	if c.cfg.OnConnected != nil {
		go c.cfg.OnConnected(ctx)
	}
}

func (c *Channel) joinGroup(conn Conn) error {
	frame, err := json.Marshal(wireFrame{
		Type:  "joinGroup",
		Group: c.cfg.Group,
		AckID: c.ackID.Add(1),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(frame))
}

// scheduleRetry arms the single retry timer. If one is already armed this is
// a no-op, so attempts never stack no matter how many failure paths fire.
func (c *Channel) scheduleRetry(ctx context.Context) {
	c.mu.Lock()
	if c.retryScheduled || !c.shouldBeConnected {
		c.mu.Unlock()
		return
	}
	c.retryScheduled = true
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.retryScheduled = false
			c.mu.Unlock()
			return
		case <-c.cfg.Clock.After(c.cfg.RetryDelay):
		}
		c.mu.Lock()
		c.retryScheduled = false
		c.mu.Unlock()
		c.attempt(ctx)
	}()
}

// onInternetRestored reacts to the connectivity monitor reporting the
// internet back. The link gets a stabilize delay, then a double-check,
// before the channel trusts it enough to attempt a connection.
func (c *Channel) onInternetRestored(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(c.cfg.StabilizeDelay):
		}
		c.mu.Lock()
		skip := !c.shouldBeConnected || c.connecting || c.phase == PhaseJoined
		c.mu.Unlock()
		if skip {
			return
		}
		if c.cfg.Connectivity != nil && !c.cfg.Connectivity.IsConnected() {
			return
		}
		c.cfg.Logger.InfoContext(ctx, "Internet connection restored, reconnecting to cloud")
		c.attempt(ctx)
	}()
}

// readLoop pumps one connection until it fails, dispatching every frame.
func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(ctx, conn, err)
			return
		}
		c.dispatch(ctx, data)
	}
}

// handleDisconnect processes a dead connection. If the internet is still up
// a retry is scheduled; otherwise the channel waits for the connectivity
// callback instead of burning attempts against a dead link.
func (c *Channel) handleDisconnect(ctx context.Context, conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A stale read loop; the channel already moved on.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	stopped := !c.shouldBeConnected
	if !stopped {
		c.phase = PhaseDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()
	if stopped {
		return
	}

	c.cfg.Logger.WarnContext(ctx, "Cloud connection lost", "error", err)
	if c.cfg.Connectivity != nil && !c.cfg.Connectivity.IsConnected() {
		c.cfg.Logger.InfoContext(ctx, "Internet is down, waiting for connectivity before reconnecting")
		return
	}
	c.scheduleRetry(ctx)
}

// dispatch routes one inbound frame.
func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.cfg.Logger.WarnContext(ctx, "Discarding malformed cloud frame", "error", err)
		return
	}
	switch frame.Type {
	case "message":
		env, err := envelope.Decode(frame.Data)
		if err != nil {
			c.cfg.Logger.WarnContext(ctx, "Discarding malformed cloud envelope", "error", err)
			return
		}
		c.enqueue(env)
	case "system":
		c.cfg.Logger.DebugContext(ctx, "Cloud system event", "event", frame.Event)
	case "ack":
		if frame.Success != nil && !*frame.Success {
			c.cfg.Logger.WarnContext(ctx, "Cloud rejected a frame, rejoining group", "ackId", frame.AckID)
			c.scheduleRejoin(ctx)
		}
	default:
		c.cfg.Logger.DebugContext(ctx, "Ignoring cloud frame", "type", frame.Type)
	}
}

// scheduleRejoin re-sends the group join on the live connection after a
// short delay. Unlike a retry this keeps the websocket up.
func (c *Channel) scheduleRejoin(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(c.cfg.RejoinDelay):
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		if err := c.joinGroup(conn); err != nil {
			c.cfg.Logger.WarnContext(ctx, "Group rejoin failed", "error", err)
		}
	}()
}

// enqueue delivers one envelope to the inbound queue, dropping the oldest
// queued message when the consumer has fallen behind.
func (c *Channel) enqueue(env envelope.Envelope) {
	for {
		select {
		case c.inbound <- env:
			return
		default:
		}
		select {
		case <-c.inbound:
			c.dropped.Add(1)
		default:
		}
	}
}

func (c *Channel) setPhase(phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseStopped {
		return
	}
	c.phase = phase
}

// websocketDialer is the production Dialer.
type websocketDialer struct {
	handshakeTimeout time.Duration
}

func (d websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
		Subprotocols:     []string{"json.webpubsub.azure.v1"},
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, trace.ConnectionProblem(err, "websocket dial failed with status %v", resp.StatusCode)
		}
		return nil, trace.ConnectionProblem(err, "websocket dial failed")
	}
	return &websocketConn{ws: ws}, nil
}

// websocketConn serializes writes; gorilla allows only one writer at a time.
type websocketConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, trace.Wrap(err)
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return trace.Wrap(c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *websocketConn) Close() error {
	return trace.Wrap(c.ws.Close())
}
