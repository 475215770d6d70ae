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

// Package msgqueue adapts the on-device NATS bus into the subject-addressed
// request/reply fabric the supervisor uses to talk to local components.
//
// Subjects follow the grammar <root>.<recipient>.<subject>; the adapter's
// own inbox is the wildcard <root>.<clientID>.>.
package msgqueue

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/nats-io/nats.go"

	"github.com/dunebugger/dunebugger-remote/lib/envelope"
)

// Message is a single inbound bus message.
type Message struct {
	// Data is the raw UTF-8 JSON payload.
	Data []byte
	// Subject is the full dotted subject the message arrived on.
	Subject string
	// Reply is the reply subject, when the sender expects one.
	Reply string
}

// Handler processes one inbound message and returns a short diagnostic
// string which is logged at debug level.
type Handler func(Message) string

// Config configures the bus client.
type Config struct {
	// Servers is the list of bus server URLs.
	Servers []string
	// ClientID is this client's identity and inbox name on the bus.
	ClientID string
	// SubjectRoot is the root of the subject namespace.
	SubjectRoot string
	// Logger emits adapter diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Servers) == 0 {
		return trace.BadParameter("message queue requires at least one server")
	}
	if c.ClientID == "" {
		return trace.BadParameter("message queue requires a client id")
	}
	if c.SubjectRoot == "" {
		return trace.BadParameter("message queue requires a subject root")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client is the local bus adapter.
type Client struct {
	cfg Config

	nc  *nats.Conn
	sub *nats.Subscription
}

// New creates a Client without connecting.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// Connect establishes the bus connection. The client reconnects forever on
// its own; transient drops are logged and otherwise invisible to callers.
func (c *Client) Connect() error {
	nc, err := nats.Connect(strings.Join(c.cfg.Servers, ","),
		nats.Name(c.cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.cfg.Logger.Warn("Local bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.cfg.Logger.Info("Local bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return trace.ConnectionProblem(err, "connecting to local bus")
	}
	c.nc = nc
	return nil
}

// Send publishes an envelope on <root>.<recipient>.<envelope.subject>. When
// replyTo is non-empty it is set as the reply subject so the recipient can
// answer through the normal inbox.
func (c *Client) Send(env envelope.Envelope, recipient, replyTo string) error {
	if c.nc == nil {
		return trace.NotFound("local bus is not connected")
	}
	data, err := env.Encode()
	if err != nil {
		return trace.Wrap(err)
	}
	subj := c.Subject(recipient, env.Subject)
	if replyTo != "" {
		return trace.Wrap(c.nc.PublishRequest(subj, replyTo, data))
	}
	return trace.Wrap(c.nc.Publish(subj, data))
}

// Respond publishes an envelope on an explicit full subject, typically the
// reply subject carried by an inbound request.
func (c *Client) Respond(env envelope.Envelope, subject string) error {
	if c.nc == nil {
		return trace.NotFound("local bus is not connected")
	}
	data, err := env.Encode()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.nc.Publish(subject, data))
}

// StartListener subscribes to this client's inbox wildcard and invokes the
// handler for every inbound message. Handler work runs on the subscription
// goroutine and never blocks Send.
func (c *Client) StartListener(handler Handler) error {
	if c.nc == nil {
		return trace.NotFound("local bus is not connected")
	}
	if c.sub != nil {
		return trace.AlreadyExists("listener already started")
	}
	inbox := c.cfg.SubjectRoot + "." + c.cfg.ClientID + ".>"
	sub, err := c.nc.Subscribe(inbox, func(m *nats.Msg) {
		diag := handler(Message{Data: m.Data, Subject: m.Subject, Reply: m.Reply})
		c.cfg.Logger.Debug("Handled bus message", "subject", m.Subject, "result", diag)
	})
	if err != nil {
		return trace.ConnectionProblem(err, "subscribing to %v", inbox)
	}
	c.sub = sub
	c.cfg.Logger.Info("Listening on local bus", "inbox", inbox)
	return nil
}

// Subject builds the full subject for a recipient and logical subject.
func (c *Client) Subject(recipient, subject string) string {
	return c.cfg.SubjectRoot + "." + recipient + "." + subject
}

// InboxSubject builds a subject addressed at this client itself, suitable
// as a reply-to target.
func (c *Client) InboxSubject(subject string) string {
	return c.Subject(c.cfg.ClientID, subject)
}

// Close drains the subscription and closes the connection.
func (c *Client) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.nc != nil {
		_ = c.nc.Drain()
		c.nc.Close()
		c.nc = nil
	}
}

// LogicalSubject extracts the third dotted segment of a full bus subject,
// which is the logical subject under the <root>.<recipient>.<subject>
// grammar. Deeper segments stay attached to the logical subject.
func LogicalSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
