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

// Package updater keeps track of installed and published component versions
// and hands update work to the host-side coordinator through a filesystem
// request/status exchange.
package updater

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	dunebugger "github.com/dunebugger/dunebugger-remote"
	"github.com/dunebugger/dunebugger-remote/lib/defaults"
	"github.com/dunebugger/dunebugger-remote/lib/versioncontrol"
)

// Result is the outcome of an update request, shaped for the web clients'
// log stream.
type Result struct {
	// Success reports whether the component was updated.
	Success bool
	// Message is the human-facing outcome line.
	Message string
	// Level is the log level of the message: info, warning or error.
	Level string
	// Err carries the underlying failure, when there is one.
	Err error
	// Output is the coordinator's captured output, when it reported any.
	Output string
}

// ComponentView is the per-component state published to the web clients.
type ComponentView struct {
	Name            string `json:"name"`
	Running         bool   `json:"running"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
	UpdateAvailable bool   `json:"update_available"`
	LastChecked     string `json:"last_checked,omitempty"`
	ReleaseNotes    string `json:"release_notes,omitempty"`
	ReleaseURL      string `json:"release_url,omitempty"`
}

// HealthSource reports component liveness for the published views.
type HealthSource interface {
	Running(component string) bool
}

// componentSpec binds a component key to its release repository and its
// installed-version source.
type componentSpec struct {
	key     string
	repo    string
	current func(m *Manager) string
}

// componentState is the cached knowledge about one component.
type componentState struct {
	current         string
	latest          string
	updateAvailable bool
	lastChecked     time.Time
	notes           string
	url             string
}

// Config configures the Manager.
type Config struct {
	// Releases answers latest-release queries.
	Releases ReleaseSource
	// Health reports component liveness; optional.
	Health HealthSource
	// ComposePath locates the compose file pinning container versions.
	ComposePath string
	// CorePath is the core application install directory.
	CorePath string
	// RequestDir is where update requests are written for the coordinator.
	RequestDir string
	// StatusDir is where the coordinator reports update status.
	StatusDir string
	// CheckInterval is the periodic release poll period, and also how long
	// a cached check stays fresh for non-forced queries.
	CheckInterval time.Duration
	// ErrorRetry is the pause after a failed periodic check.
	ErrorRetry time.Duration
	// CoordinatorWait caps waiting for the coordinator's status report.
	CoordinatorWait time.Duration
	// CoordinatorPoll is the status directory poll period.
	CoordinatorPoll time.Duration
	// IncludePrereleases lets prereleases count as the latest release.
	IncludePrereleases bool
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
	// Logger emits updater diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Releases == nil {
		return trace.BadParameter("updater requires a release source")
	}
	if c.ComposePath == "" {
		c.ComposePath = defaults.DockerComposePath
	}
	if c.CorePath == "" {
		c.CorePath = defaults.CoreInstallPath
	}
	if c.RequestDir == "" {
		c.RequestDir = defaults.UpdateRequestDir
	}
	if c.StatusDir == "" {
		c.StatusDir = defaults.UpdateStatusDir
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.UpdateCheckInterval
	}
	if c.ErrorRetry <= 0 {
		c.ErrorRetry = defaults.UpdateErrorRetry
	}
	if c.CoordinatorWait <= 0 {
		c.CoordinatorWait = defaults.CoordinatorWaitLimit
	}
	if c.CoordinatorPoll <= 0 {
		c.CoordinatorPoll = defaults.CoordinatorPollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Manager orchestrates version checks and component updates. The supervisor
// always updates itself first: a stale supervisor must never drive updates
// of the components it manages.
type Manager struct {
	cfg   Config
	specs []componentSpec

	mu     sync.Mutex
	states map[string]*componentState
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:    cfg,
		states: make(map[string]*componentState),
	}
	m.specs = []componentSpec{
		{key: dunebugger.CompCore, repo: "dunebugger", current: (*Manager).coreVersion},
		{key: dunebugger.CompScheduler, repo: "dunebugger-scheduler", current: (*Manager).schedulerVersion},
		{key: dunebugger.CompRemote, repo: "dunebugger-remote", current: func(*Manager) string { return dunebugger.Version }},
	}
	for _, spec := range m.specs {
		m.states[spec.key] = &componentState{
			current: spec.current(m),
			latest:  "unknown",
		}
	}
	return m, nil
}

// Run polls for new releases until the context is cancelled. Failed checks
// are retried on a shorter timer.
func (m *Manager) Run(ctx context.Context) {
	for {
		delay := m.cfg.CheckInterval
		if _, err := m.CheckUpdates(ctx, false); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Periodic update check failed", "error", err)
			delay = m.cfg.ErrorRetry
		}
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(delay):
		}
	}
}

// CheckUpdates refreshes installed and published versions for every
// component and returns the updated views. Freshness is tracked per
// component: without force, a component checked within the interval is
// answered from cache, though its installed version is still re-read.
// Component failures are isolated: one repository being unreachable does
// not hide the others.
func (m *Manager) CheckUpdates(ctx context.Context, force bool) ([]ComponentView, error) {
	var errors []error
	for _, spec := range m.specs {
		current := spec.current(m)
		m.mu.Lock()
		st := m.states[spec.key]
		st.current = current
		fresh := !st.lastChecked.IsZero() && m.cfg.Clock.Now().Sub(st.lastChecked) < m.cfg.CheckInterval
		m.mu.Unlock()
		if fresh && !force {
			continue
		}
		release, err := m.cfg.Releases.LatestRelease(ctx, spec.repo, m.cfg.IncludePrereleases)
		if err != nil {
			m.cfg.Logger.WarnContext(ctx, "Failed to query latest release",
				"repo", spec.repo, "error", err)
			errors = append(errors, trace.Wrap(err))
			continue
		}
		m.mu.Lock()
		st.latest = release.Version
		st.updateAvailable = versioncontrol.CompareStrings(current, release.Version) < 0
		st.lastChecked = m.cfg.Clock.Now()
		st.notes = release.Notes
		st.url = release.URL
		m.mu.Unlock()
		m.cfg.Logger.InfoContext(ctx, "Checked component release",
			"component", spec.key, "current", current, "latest", release.Version)
	}
	return m.GetComponentsInfo(), trace.NewAggregate(errors...)
}

// GetComponentsInfo returns the cached per-component views.
func (m *Manager) GetComponentsInfo() []ComponentView {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make([]ComponentView, 0, len(m.specs))
	for _, spec := range m.specs {
		st := m.states[spec.key]
		view := ComponentView{
			Name:            spec.key,
			CurrentVersion:  st.current,
			LatestVersion:   st.latest,
			UpdateAvailable: st.updateAvailable,
			ReleaseNotes:    st.notes,
			ReleaseURL:      st.url,
		}
		if !st.lastChecked.IsZero() {
			view.LastChecked = st.lastChecked.UTC().Format(time.RFC3339)
		}
		if m.cfg.Health != nil {
			view.Running = m.cfg.Health.Running(spec.key)
		}
		views = append(views, view)
	}
	return views
}

// GetAllVersions returns the installed version of every component.
func (m *Manager) GetAllVersions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.specs))
	for _, spec := range m.specs {
		out[spec.key] = m.states[spec.key].current
	}
	return out
}

// UpdateComponent asks the coordinator to update one component to its latest
// known release. The supervisor itself must be current before any other
// component is touched.
func (m *Manager) UpdateComponent(ctx context.Context, component string) Result {
	var spec *componentSpec
	for i := range m.specs {
		if m.specs[i].key == component {
			spec = &m.specs[i]
			break
		}
	}
	if spec == nil {
		return Result{Message: "Unknown component: " + component + ".", Level: "error"}
	}
	m.mu.Lock()
	st := m.states[component]
	remotePending := m.states[dunebugger.CompRemote].updateAvailable
	state := *st
	m.mu.Unlock()

	if component != dunebugger.CompRemote && remotePending {
		return Result{
			Message: "Cannot update " + component + " before remote.",
			Level:   "error",
		}
	}
	if !state.updateAvailable {
		return Result{Message: component + " is already up to date.", Level: "info"}
	}

	result := m.requestCoordinator(ctx, component, state.latest)
	if result.Success {
		// Re-read the installed version the coordinator just rewrote.
		current := spec.current(m)
		m.mu.Lock()
		st.current = current
		st.updateAvailable = false
		m.mu.Unlock()
	}
	return result
}

// coordinatorRequest is the file handed to the host-side coordinator.
type coordinatorRequest struct {
	Component string `json:"component"`
	Action    string `json:"action"`
	Version   string `json:"version"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// coordinatorStatus is the coordinator's report for one request.
type coordinatorStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Output  string `json:"output"`
}

// requestCoordinator drops a request file and polls the status directory
// until the coordinator answers or the wait limit expires. Both files are
// removed once the exchange is over.
func (m *Manager) requestCoordinator(ctx context.Context, component, version string) Result {
	id := uuid.NewString()
	requestPath := filepath.Join(m.cfg.RequestDir, id+".json")
	statusPath := filepath.Join(m.cfg.StatusDir, id+".json")

	request, err := json.Marshal(coordinatorRequest{
		Component: component,
		Action:    "update",
		Version:   version,
		RequestID: id,
		Timestamp: m.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{Message: "Failed to build update request: " + err.Error(), Level: "error", Err: err}
	}
	if err := os.MkdirAll(m.cfg.RequestDir, 0o755); err != nil {
		return Result{Message: "Failed to prepare update request: " + err.Error(), Level: "error", Err: err}
	}
	if err := os.WriteFile(requestPath, request, 0o644); err != nil {
		return Result{Message: "Failed to write update request: " + err.Error(), Level: "error", Err: err}
	}
	m.cfg.Logger.InfoContext(ctx, "Requested component update",
		"component", component, "version", version, "request_id", id)

	deadline := m.cfg.Clock.Now().Add(m.cfg.CoordinatorWait)
	for m.cfg.Clock.Now().Before(deadline) {
		data, err := os.ReadFile(statusPath)
		if err == nil {
			_ = os.Remove(statusPath)
			_ = os.Remove(requestPath)
			var status coordinatorStatus
			if err := json.Unmarshal(data, &status); err != nil {
				return Result{Message: "Malformed coordinator status for " + component + ".", Level: "error", Err: err}
			}
			return m.coordinatorResult(component, version, status)
		}
		select {
		case <-ctx.Done():
			_ = os.Remove(requestPath)
			return Result{Message: "Update of " + component + " was cancelled.", Level: "warning", Err: ctx.Err()}
		case <-m.cfg.Clock.After(m.cfg.CoordinatorPoll):
		}
	}
	_ = os.Remove(requestPath)
	return Result{
		Message: "Timed out waiting for the update coordinator on " + component + ".",
		Level:   "error",
	}
}

func (m *Manager) coordinatorResult(component, version string, status coordinatorStatus) Result {
	if status.Success {
		message := status.Message
		if message == "" {
			message = component + " updated to " + version + "."
		}
		return Result{Success: true, Message: message, Level: "info", Output: status.Output}
	}
	message := status.Message
	if message == "" {
		message = "Update of " + component + " failed."
		if status.Error != "" {
			message = "Update of " + component + " failed: " + status.Error + "."
		}
	}
	result := Result{Message: message, Level: "error", Output: status.Output}
	if status.Error != "" {
		result.Err = trace.Errorf("%v", status.Error)
	}
	return result
}

// coreVersion reads the core application's VERSION file. The file is either
// a JSON document carrying full_version or a bare version string.
func (m *Manager) coreVersion() string {
	data, err := os.ReadFile(filepath.Join(m.cfg.CorePath, "VERSION"))
	if err != nil {
		return "unknown"
	}
	var doc struct {
		FullVersion string `json:"full_version"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && doc.FullVersion != "" {
		return doc.FullVersion
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return "unknown"
}

// schedulerVersion reads the scheduler image tag from the compose file. An
// untagged image means latest.
func (m *Manager) schedulerVersion() string {
	data, err := os.ReadFile(m.cfg.ComposePath)
	if err != nil {
		return "unknown"
	}
	var doc struct {
		Services map[string]struct {
			Image string `yaml:"image"`
		} `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "unknown"
	}
	service, ok := doc.Services[dunebugger.CompScheduler]
	if !ok || service.Image == "" {
		return "unknown"
	}
	// The tag separator must come after the registry host:port.
	colon := strings.LastIndex(service.Image, ":")
	if colon < strings.LastIndex(service.Image, "/") || colon == -1 {
		return "latest"
	}
	return service.Image[colon+1:]
}
