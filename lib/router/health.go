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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	dunebugger "github.com/dunebugger/dunebugger-remote"
	"github.com/dunebugger/dunebugger-remote/lib/defaults"
)

// HealthRegistry tracks the liveness of local components from their bus
// heartbeats. A component is running while its last heartbeat is younger
// than the TTL; liveness is evaluated at read time, so a silent component
// goes stale without any background sweeper.
type HealthRegistry struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewHealthRegistry creates a registry. A zero ttl gets the default.
func NewHealthRegistry(clock clockwork.Clock, ttl time.Duration) *HealthRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = defaults.ComponentHeartbeatTTL
	}
	return &HealthRegistry{
		clock:    clock,
		ttl:      ttl,
		lastSeen: make(map[string]time.Time),
	}
}

// MarkAlive records a heartbeat from a component. Unknown component names
// are recorded too; Snapshot simply never reports them.
func (r *HealthRegistry) MarkAlive(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[component] = r.clock.Now()
}

// Running reports whether a component is currently considered alive. The
// supervisor itself is always running: it is the one answering.
func (r *HealthRegistry) Running(component string) bool {
	if component == dunebugger.CompRemote {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.lastSeen[component]
	if !ok {
		return false
	}
	return r.clock.Now().Sub(seen) <= r.ttl
}

// Snapshot returns the running flag for every known component key.
func (r *HealthRegistry) Snapshot() map[string]bool {
	out := make(map[string]bool)
	for _, key := range dunebugger.ComponentKeys() {
		out[key] = r.Running(key)
	}
	return out
}
