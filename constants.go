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

// Package dunebugger holds identifiers shared by every subsystem of the
// remote supervisor.
package dunebugger

const (
	// ComponentKey is the name of a component field in log output.
	ComponentKey = "component"

	// ComponentController is the supervisor's message routing layer.
	ComponentController = "controller"

	// ComponentRelay is the cloud relay channel.
	ComponentRelay = "relay"

	// ComponentConnectivity is the internet connectivity monitor.
	ComponentConnectivity = "connectivity"

	// ComponentNTP is the NTP availability monitor.
	ComponentNTP = "ntp"

	// ComponentUpdater is the component update orchestrator.
	ComponentUpdater = "updater"

	// ComponentMQueue is the local message queue adapter.
	ComponentMQueue = "msgqueue"

	// ComponentAuth is the cloud relay auth client.
	ComponentAuth = "auth"

	// ComponentService is the process-level supervisor.
	ComponentService = "service"
)

// Device component keys. These identify the cooperating processes managed on
// the device and form a closed set.
const (
	// CompCore is the core application running on the device.
	CompCore = "core"

	// CompScheduler is the scheduler service container.
	CompScheduler = "scheduler"

	// CompRemote is this supervisor itself.
	CompRemote = "remote"
)

// Envelope sources and destinations.
const (
	// SourceController is the source set on every outbound cloud envelope.
	SourceController = "controller"

	// DestinationBroadcast addresses an envelope to every group member.
	DestinationBroadcast = "broadcast"
)

// ComponentKeys lists the device component keys in their canonical order.
func ComponentKeys() []string {
	return []string{CompCore, CompScheduler, CompRemote}
}

// IsComponentKey reports whether key names a known device component.
func IsComponentKey(key string) bool {
	switch key {
	case CompCore, CompScheduler, CompRemote:
		return true
	}
	return false
}
