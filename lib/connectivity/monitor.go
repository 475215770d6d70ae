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

// Package connectivity maintains an authoritative internet reachability
// flag and fans state transitions out to subscribers.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/dunebugger/dunebugger-remote/lib/defaults"
)

// Prober decides whether the internet is reachable. Probe must never
// panic the caller out of its loop; failures mean "not connected".
type Prober interface {
	Probe(ctx context.Context) bool
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// TestDomain is resolved and then fetched over HTTPS to decide
	// reachability.
	TestDomain string
	// CheckInterval is the probe period.
	CheckInterval time.Duration
	// Timeout bounds both the DNS and the HTTPS probe.
	Timeout time.Duration
	// Prober overrides the default DNS+HTTPS prober, for tests.
	Prober Prober
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
	// Logger emits monitor diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MonitorConfig) CheckAndSetDefaults() error {
	if c.TestDomain == "" && c.Prober == nil {
		return trace.BadParameter("connectivity monitor requires a test domain")
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.ConnectivityCheckInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.ConnectivityProbeTimeout
	}
	if c.Prober == nil {
		c.Prober = &dnsHTTPSProber{domain: c.TestDomain, timeout: c.Timeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Status is a snapshot of the connectivity state.
type Status struct {
	Connected           bool
	LastProbeAt         time.Time
	ConsecutiveFailures int
}

// Monitor periodically probes the internet and notifies subscribers once
// per transition, in registration order.
type Monitor struct {
	cfg MonitorConfig

	mu                  sync.Mutex
	connected           bool
	lastProbe           time.Time
	consecutiveFailures int
	nextSubID           uint64
	onConnected         []subscriber
	onDisconnected      []subscriber
	started             bool

	closeOnce sync.Once
	done      chan struct{}
}

type subscriber struct {
	id uint64
	fn func()
}

// NewMonitor creates a Monitor. Call Start to run the probe loop.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// Start performs the initial check synchronously, then launches the
// periodic probe loop. The initial check does not fire subscribers: state
// observed before any registration is a baseline, not a transition.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return trace.AlreadyExists("connectivity monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	connected := m.probe(ctx)
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
	m.cfg.Logger.InfoContext(ctx, "Initial internet connectivity established",
		"connected", connected)

	go m.loop(ctx)
	return nil
}

// Close stops the probe loop.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// IsConnected returns the current connectivity flag.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// GetStatus returns a snapshot of the connectivity state.
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:           m.connected,
		LastProbeAt:         m.lastProbe,
		ConsecutiveFailures: m.consecutiveFailures,
	}
}

// AddConnectedCallback registers fn to run when connectivity transitions to
// connected. The returned func unregisters it.
func (m *Monitor) AddConnectedCallback(fn func()) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.onConnected = append(m.onConnected, subscriber{id: id, fn: fn})
	return func() { m.removeSubscriber(&m.onConnected, id) }
}

// AddDisconnectedCallback registers fn to run when connectivity transitions
// to disconnected. The returned func unregisters it.
func (m *Monitor) AddDisconnectedCallback(fn func()) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.onDisconnected = append(m.onDisconnected, subscriber{id: id, fn: fn})
	return func() { m.removeSubscriber(&m.onDisconnected, id) }
}

func (m *Monitor) removeSubscriber(list *[]subscriber, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := *list
	for i, sub := range subs {
		if sub.id == id {
			*list = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// ForceCheck probes immediately and, on a state change, fires subscribers
// before returning. It returns the new state.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	return m.check(ctx)
}

// WaitForConnection blocks until the monitor reports connected or the
// context expires. Polling is paced with exponential backoff.
func (m *Monitor) WaitForConnection(ctx context.Context) error {
	wait := backoff.WithContext(pollBackoff(), ctx)
	for {
		if m.IsConnected() {
			return nil
		}
		next := wait.NextBackOff()
		if next == backoff.Stop {
			return trace.ConnectionProblem(ctx.Err(), "internet connection did not come back")
		}
		select {
		case <-ctx.Done():
			return trace.ConnectionProblem(ctx.Err(), "internet connection did not come back")
		case <-m.done:
			return trace.ConnectionProblem(nil, "connectivity monitor closed")
		case <-m.cfg.Clock.After(next):
		}
	}
}

func pollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.check(ctx)
		}
	}
}

// check probes once, records the result, and fires subscribers exactly once
// when the state flips.
func (m *Monitor) check(ctx context.Context) bool {
	connected := m.probe(ctx)

	m.mu.Lock()
	m.lastProbe = m.cfg.Clock.Now()
	if connected {
		m.consecutiveFailures = 0
	} else {
		m.consecutiveFailures++
	}
	changed := connected != m.connected
	m.connected = connected
	var subs []subscriber
	if changed {
		if connected {
			subs = append([]subscriber(nil), m.onConnected...)
		} else {
			subs = append([]subscriber(nil), m.onDisconnected...)
		}
	}
	m.mu.Unlock()

	if changed {
		m.cfg.Logger.InfoContext(ctx, "Internet connectivity changed", "connected", connected)
		for _, sub := range subs {
			m.invoke(ctx, sub.fn)
		}
	}
	return connected
}

// invoke runs a subscriber callback, swallowing panics so that one broken
// subscriber cannot break the fan-out or the probe loop.
func (m *Monitor) invoke(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.ErrorContext(ctx, "Connectivity subscriber panicked", "panic", r)
		}
	}()
	fn()
}

// probe never returns an error: any failure means "not connected".
func (m *Monitor) probe(ctx context.Context) bool {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.ErrorContext(ctx, "Connectivity probe panicked", "panic", r)
		}
	}()
	return m.cfg.Prober.Probe(ctx)
}

// dnsHTTPSProber resolves the test domain first and, only if resolution
// succeeds, issues an HTTPS GET against it. Connected means a 200.
type dnsHTTPSProber struct {
	domain  string
	timeout time.Duration
}

func (p *dnsHTTPSProber) Probe(ctx context.Context) bool {
	dnsCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := net.DefaultResolver.LookupHost(dnsCtx, p.domain); err != nil {
		return false
	}

	client := &http.Client{Timeout: p.timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s", p.domain), nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "DuneBugger-Monitor/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
