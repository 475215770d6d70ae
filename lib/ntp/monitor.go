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

// Package ntp maintains an authoritative NTP availability flag and pushes
// status changes to the rest of the system.
package ntp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/dunebugger/dunebugger-remote/lib/defaults"
)

// Querier issues a single client query against one NTP server. Any error
// means the server did not answer.
type Querier interface {
	Query(server string, timeout time.Duration) error
}

// StatusSink receives the availability flag; the system info model
// implements it.
type StatusSink interface {
	SetNTPAvailable(available bool)
}

// NotifyFunc pushes the availability flag to an interested party (the cloud
// group or the scheduler).
type NotifyFunc func(ctx context.Context, available bool) error

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Servers are probed in order; the first answer wins.
	Servers []string
	// CheckInterval is the probe period, clamped to a 1s minimum.
	CheckInterval time.Duration
	// Timeout bounds a single server query.
	Timeout time.Duration
	// StatusSink receives every availability update.
	StatusSink StatusSink
	// NotifyCloud pushes status changes to the cloud group.
	NotifyCloud NotifyFunc
	// NotifyScheduler pushes status changes (and the initial status) to
	// the scheduler over the local bus.
	NotifyScheduler NotifyFunc
	// Querier overrides the NTP client, for tests.
	Querier Querier
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
	// Logger emits monitor diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in defaults.
func (c *MonitorConfig) CheckAndSetDefaults() error {
	if c.CheckInterval < time.Second {
		c.CheckInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.NTPTimeout
	}
	if c.Querier == nil {
		c.Querier = clientQuerier{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Monitor probes the configured NTP servers and notifies on changes.
type Monitor struct {
	cfg MonitorConfig

	mu          sync.Mutex
	available   bool
	lastChecked time.Time
}

// NewMonitor creates a Monitor. Call Run to start the probe loop.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{cfg: cfg}, nil
}

// Available returns the current availability flag.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// CheckAvailability probes the configured servers in order and returns true
// on the first answer. An empty server list is deterministically false.
// Probe errors never escape.
func (m *Monitor) CheckAvailability(ctx context.Context) bool {
	if len(m.cfg.Servers) == 0 {
		m.cfg.Logger.WarnContext(ctx, "No NTP servers configured")
		return false
	}
	for _, server := range m.cfg.Servers {
		if err := m.cfg.Querier.Query(server, m.cfg.Timeout); err != nil {
			m.cfg.Logger.DebugContext(ctx, "NTP server did not answer",
				"server", server, "error", err)
			continue
		}
		m.cfg.Logger.DebugContext(ctx, "NTP server is reachable", "server", server)
		return true
	}
	m.cfg.Logger.WarnContext(ctx, "No NTP servers are reachable")
	return false
}

// DispatchStatus sends the current availability to the scheduler. Used to
// answer explicit get_ntp_status requests.
func (m *Monitor) DispatchStatus(ctx context.Context) error {
	if m.cfg.NotifyScheduler == nil {
		return trace.NotFound("no scheduler notifier configured")
	}
	return trace.Wrap(m.cfg.NotifyScheduler(ctx, m.Available()))
}

// Run performs one synchronous check, dispatches the initial status to the
// scheduler, then probes at the configured interval until the context is
// cancelled. On every state change the status sink, the cloud group and the
// scheduler are all informed.
func (m *Monitor) Run(ctx context.Context) {
	current := m.CheckAvailability(ctx)
	m.record(current)
	if m.cfg.StatusSink != nil {
		m.cfg.StatusSink.SetNTPAvailable(current)
	}
	if m.cfg.NotifyScheduler != nil {
		if err := m.cfg.NotifyScheduler(ctx, current); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Failed to send initial NTP status to scheduler", "error", err)
		}
	}

	ticker := m.cfg.Clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	previous := current
	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.InfoContext(ctx, "NTP monitoring stopped")
			return
		case <-ticker.Chan():
		}

		current = m.CheckAvailability(ctx)
		m.record(current)
		if m.cfg.StatusSink != nil {
			m.cfg.StatusSink.SetNTPAvailable(current)
		}
		if current != previous {
			m.cfg.Logger.WarnContext(ctx, "NTP availability changed",
				"was", previous, "now", current)
			if m.cfg.NotifyCloud != nil {
				if err := m.cfg.NotifyCloud(ctx, current); err != nil {
					m.cfg.Logger.WarnContext(ctx, "Failed to publish NTP status to cloud", "error", err)
				}
			}
			if m.cfg.NotifyScheduler != nil {
				if err := m.cfg.NotifyScheduler(ctx, current); err != nil {
					m.cfg.Logger.WarnContext(ctx, "Failed to send NTP status to scheduler", "error", err)
				}
			}
		}
		previous = current
	}
}

func (m *Monitor) record(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
	m.lastChecked = m.cfg.Clock.Now()
}

// clientQuerier issues a minimal NTPv3 client query.
type clientQuerier struct{}

func (clientQuerier) Query(server string, timeout time.Duration) error {
	_, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
		Timeout: timeout,
		Version: 3,
	})
	return trace.Wrap(err)
}
