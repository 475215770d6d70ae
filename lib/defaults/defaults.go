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

// Package defaults holds the default values used across the supervisor when
// the configuration does not override them.
package defaults

import "time"

// Connectivity monitor.
const (
	// ConnectivityCheckInterval is how often the internet probe runs.
	ConnectivityCheckInterval = 60 * time.Second

	// ConnectivityProbeTimeout bounds both the DNS and the HTTPS probe.
	ConnectivityProbeTimeout = 2 * time.Second

	// ConnectivityErrorRetry is the pause after an unexpected probe loop error.
	ConnectivityErrorRetry = 5 * time.Second

	// TestDomain is probed to decide whether the internet is reachable.
	TestDomain = "www.google.com"
)

// Cloud relay channel.
const (
	// RelayRetryDelay is the pause before a reconnection retry after the
	// channel drops while the internet is still reachable.
	RelayRetryDelay = 5 * time.Second

	// RelayRejoinDelay is the pause before rejoining a single group after a
	// rejoin failure.
	RelayRejoinDelay = 3 * time.Second

	// RelayStabilizeDelay gives the network a moment to settle after the
	// internet comes back before the channel reconnects.
	RelayStabilizeDelay = 3 * time.Second

	// RelayHandshakeTimeout bounds the websocket dial.
	RelayHandshakeTimeout = 15 * time.Second

	// RelayInboundQueueSize caps the serialized inbound delivery queue.
	// Overflow drops the oldest message.
	RelayInboundQueueSize = 1024

	// GroupName is the relay group joined when none is configured.
	GroupName = "dunebugger"
)

// Heartbeats and liveness.
const (
	// ComponentHeartbeatInterval is the fixed period of the local component
	// heartbeat loop.
	ComponentHeartbeatInterval = 30 * time.Second

	// ComponentHeartbeatTTL is how long a component stays "running" after
	// its last heartbeat.
	ComponentHeartbeatTTL = 45 * time.Second

	// RemoteHeartbeatTTL is the effectively infinite TTL applied to the
	// supervisor's own health record.
	RemoteHeartbeatTTL = 10 * 365 * 24 * time.Hour

	// HeartBeatEvery is the period of the cloud alive loop while armed.
	HeartBeatEvery = 30 * time.Second

	// HeartBeatLoopDuration is the countdown armed on every cloud
	// heartbeat; when it expires the alive loop stops and a single "Is
	// anyone there?" query is emitted.
	HeartBeatLoopDuration = 600 * time.Second
)

// Message queue.
const (
	// MQueueServers is the local bus address used when none is configured.
	MQueueServers = "nats://127.0.0.1:4222"

	// MQueueClientID is the supervisor's identity on the local bus.
	MQueueClientID = "remote"

	// MQueueSubjectRoot is the root of the local bus subject namespace.
	MQueueSubjectRoot = "dunebugger"
)

// NTP monitor.
const (
	// NTPCheckInterval is how often the NTP servers are probed.
	NTPCheckInterval = 300 * time.Second

	// NTPTimeout bounds a single NTP server query.
	NTPTimeout = 5 * time.Second

	// NTPPort is the UDP port NTP servers listen on.
	NTPPort = 123
)

// Update orchestrator.
const (
	// UpdateCheckInterval is how often releases are polled.
	UpdateCheckInterval = 24 * time.Hour

	// UpdateErrorRetry is the pause after a failed periodic update check.
	UpdateErrorRetry = time.Hour

	// ReleaseQueryTimeout bounds a single releases API query.
	ReleaseQueryTimeout = 10 * time.Second

	// CoordinatorWaitLimit is the hard cap on waiting for the host-side
	// update coordinator to report a status.
	CoordinatorWaitLimit = 600 * time.Second

	// CoordinatorPollInterval is how often the status directory is polled.
	CoordinatorPollInterval = time.Second
)

// Well-known filesystem locations.
const (
	// SecretsDir is where sensitive configuration values are mounted.
	SecretsDir = "/run/secrets"

	// DockerComposePath locates the compose file that pins container
	// component versions.
	DockerComposePath = "/opt/dunebugger/docker-compose.yml"

	// CoreInstallPath is the core application install directory.
	CoreInstallPath = "/opt/dunebugger/core"

	// BackupPath is where the coordinator keeps pre-update backups.
	BackupPath = "/opt/dunebugger/backups"

	// UpdateRequestDir is where update requests are handed to the
	// coordinator.
	UpdateRequestDir = "/opt/dunebugger/updates/requests"

	// UpdateStatusDir is where the coordinator reports update status.
	UpdateStatusDir = "/opt/dunebugger/updates/status"
)
