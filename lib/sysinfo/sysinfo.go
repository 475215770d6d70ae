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

// Package sysinfo assembles the device's system information report for the
// web clients.
package sysinfo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dunebugger/dunebugger-remote/lib/updater"
)

// ComponentSource reports the managed components' versions and liveness.
type ComponentSource interface {
	GetComponentsInfo() []updater.ComponentView
}

// Collector gathers host facts. The production implementation reads them
// through gopsutil.
type Collector interface {
	Collect(ctx context.Context) (*HostReport, error)
}

// HostReport is the machine-level part of the system information report.
// Collect may return a partially filled report together with an error; the
// filled parts are still used.
type HostReport struct {
	Hardware map[string]any
	OS       map[string]any
	Network  map[string]any
}

// Config configures the Model.
type Config struct {
	// DeviceID identifies this device in every report.
	DeviceID string
	// Location is the human-facing installation site, optional.
	Location string
	// Components reports managed component state, optional.
	Components ComponentSource
	// Collector gathers host facts.
	Collector Collector
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
	// Logger emits report diagnostics.
	Logger *slog.Logger
}

// Model holds the device state that goes into system information reports,
// including the authoritative NTP availability flag.
type Model struct {
	cfg Config

	mu           sync.Mutex
	ntpAvailable bool
}

// NewModel creates a Model.
func NewModel(cfg Config) *Model {
	if cfg.Collector == nil {
		cfg.Collector = hostCollector{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Model{cfg: cfg}
}

// SetNTPAvailable records the NTP availability flag.
func (m *Model) SetNTPAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ntpAvailable = available
}

// IsNTPAvailable returns the recorded NTP availability flag.
func (m *Model) IsNTPAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ntpAvailable
}

// SystemInfo builds the report. Host fact collection failing only shrinks
// the report; the identity fields are always present.
func (m *Model) SystemInfo(ctx context.Context) map[string]any {
	info := map[string]any{
		"device_id":     m.cfg.DeviceID,
		"timestamp":     m.cfg.Clock.Now().UTC().Format(time.RFC3339),
		"ntp_available": m.IsNTPAvailable(),
	}
	if m.cfg.Location != "" {
		info["location"] = m.cfg.Location
	}
	if m.cfg.Components != nil {
		info["dunebugger_components"] = m.cfg.Components.GetComponentsInfo()
	}
	report, err := m.cfg.Collector.Collect(ctx)
	if err != nil {
		m.cfg.Logger.WarnContext(ctx, "Host fact collection is incomplete", "error", err)
	}
	if report != nil {
		if len(report.Hardware) > 0 {
			info["hardware"] = report.Hardware
		}
		if len(report.OS) > 0 {
			info["os"] = report.OS
		}
		if len(report.Network) > 0 {
			info["network"] = report.Network
		}
	}
	return map[string]any{"system_info": info}
}
