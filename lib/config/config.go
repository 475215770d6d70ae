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

// Package config presents a typed, immutable view of the supervisor
// settings. Each value resolves, in priority order, from a secret file under
// the secrets directory, then an environment variable, then a key in the
// YAML configuration file, then a built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/dunebugger/dunebugger-remote/lib/defaults"
)

// Config is the complete supervisor configuration. It is constructed once at
// startup and never mutated afterwards.
type Config struct {
	Auth         AuthConfig
	Websocket    WebsocketConfig
	MessageQueue MessageQueueConfig
	NTP          NTPConfig
	Updater      UpdaterConfig
	System       SystemConfig
	Log          LogConfig
}

// AuthConfig holds the cloud relay authentication settings.
type AuthConfig struct {
	// AuthURL is the cloud relay auth domain.
	AuthURL string
	// ClientID is the OAuth client id.
	ClientID string
	// ClientSecret is the OAuth client secret.
	ClientSecret string
	// Username is the device account user.
	Username string
	// Password is the device account password.
	Password string
}

// WebsocketConfig holds the cloud channel settings.
type WebsocketConfig struct {
	// Enabled turns the cloud channel on.
	Enabled bool
	// BroadcastInitialState gates outbound publishing on the relay group.
	BroadcastInitialState bool
	// TestDomain is probed to decide internet reachability.
	TestDomain string
	// ConnectionInterval is the period of the internet probe.
	ConnectionInterval time.Duration
	// ConnectionTimeout bounds a single internet probe.
	ConnectionTimeout time.Duration
	// HeartBeatLoopDuration is the cloud heartbeat countdown.
	HeartBeatLoopDuration time.Duration
	// HeartBeatEvery is the period of the cloud alive loop.
	HeartBeatEvery time.Duration
	// GroupName is the relay group to join.
	GroupName string
}

// MessageQueueConfig holds the local bus settings.
type MessageQueueConfig struct {
	// Servers is the list of bus server URLs.
	Servers []string
	// ClientID is the supervisor's identity on the bus.
	ClientID string
	// SubjectRoot is the root of the subject namespace.
	SubjectRoot string
}

// NTPConfig holds the NTP monitor settings.
type NTPConfig struct {
	// Servers are the NTP servers probed in order.
	Servers []string
	// CheckInterval is the probe period.
	CheckInterval time.Duration
	// Timeout bounds a single server query.
	Timeout time.Duration
}

// UpdaterConfig holds the update orchestrator settings.
type UpdaterConfig struct {
	// GithubAccount owns the component release repositories.
	GithubAccount string
	// IncludePrerelease allows prerelease versions to be offered.
	IncludePrerelease bool
	// CheckInterval is the release poll period.
	CheckInterval time.Duration
	// DockerComposePath pins container component versions.
	DockerComposePath string
	// CoreInstallPath is the core application install directory.
	CoreInstallPath string
	// BackupPath is where pre-update backups live.
	BackupPath string
	// RequestDir is where update requests are handed to the coordinator.
	RequestDir string
	// StatusDir is where the coordinator reports update status.
	StatusDir string
}

// SystemConfig holds the device identity.
type SystemConfig struct {
	// DeviceID uniquely identifies this device.
	DeviceID string
	// LocationDescription is a human description of where the device is.
	LocationDescription string
}

// LogConfig holds the logging settings.
type LogConfig struct {
	// Level is the minimum level emitted, one of DEBUG, INFO, WARN, ERROR.
	Level string
}

// LoadParams controls where Load resolves values from.
type LoadParams struct {
	// ConfigFile is the YAML configuration file path. Optional; a missing
	// file means every value comes from secrets, environment or defaults.
	ConfigFile string
	// SecretsDir is the directory holding one file per sensitive value.
	SecretsDir string
	// LookupEnv is the environment lookup, overridable in tests. Defaults
	// to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (p *LoadParams) setDefaults() {
	if p.SecretsDir == "" {
		p.SecretsDir = defaults.SecretsDir
	}
	if p.LookupEnv == nil {
		p.LookupEnv = os.LookupEnv
	}
}

// Load resolves the full configuration. Missing required values and
// malformed values produce an error naming section and key.
func Load(params LoadParams) (*Config, error) {
	params.setDefaults()

	file, err := readConfigFile(params.ConfigFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r := &resolver{
		file:       file,
		secretsDir: params.SecretsDir,
		lookupEnv:  params.LookupEnv,
	}

	cfg := &Config{}

	cfg.Auth.AuthURL = r.str("Auth", "authURL", "")
	cfg.Auth.ClientID = r.str("Auth", "clientID", "")
	cfg.Auth.ClientSecret = r.str("Auth", "clientSecret", "")
	cfg.Auth.Username = r.str("Auth", "username", "")
	cfg.Auth.Password = r.str("Auth", "password", "")

	cfg.Websocket.Enabled = r.boolean("Websocket", "websocketEnabled", true)
	cfg.Websocket.BroadcastInitialState = r.boolean("Websocket", "broadcastInitialState", true)
	cfg.Websocket.TestDomain = r.str("Websocket", "testDomain", defaults.TestDomain)
	cfg.Websocket.ConnectionInterval = r.seconds("Websocket", "connectionIntervalSecs", defaults.ConnectivityCheckInterval)
	cfg.Websocket.ConnectionTimeout = r.seconds("Websocket", "connectionTimeoutSecs", defaults.ConnectivityProbeTimeout)
	cfg.Websocket.HeartBeatLoopDuration = r.seconds("Websocket", "heartBeatLoopDurationSecs", defaults.HeartBeatLoopDuration)
	cfg.Websocket.HeartBeatEvery = r.seconds("Websocket", "heartBeatEverySecs", defaults.HeartBeatEvery)
	cfg.Websocket.GroupName = r.str("Websocket", "groupName", defaults.GroupName)

	cfg.MessageQueue.Servers = r.list("MessageQueue", "mQueueServers", []string{defaults.MQueueServers})
	cfg.MessageQueue.ClientID = r.str("MessageQueue", "mQueueClientID", defaults.MQueueClientID)
	cfg.MessageQueue.SubjectRoot = r.str("MessageQueue", "mQueueSubjectRoot", defaults.MQueueSubjectRoot)

	cfg.NTP.Servers = r.list("NTP", "ntpServers", nil)
	cfg.NTP.CheckInterval = r.seconds("NTP", "ntpCheckIntervalSecs", defaults.NTPCheckInterval)
	cfg.NTP.Timeout = r.seconds("NTP", "ntpTimeout", defaults.NTPTimeout)

	cfg.Updater.GithubAccount = r.str("Updater", "githubAccount", "")
	cfg.Updater.IncludePrerelease = r.boolean("Updater", "includePrerelease", false)
	cfg.Updater.CheckInterval = r.hours("Updater", "updateCheckIntervalHours", defaults.UpdateCheckInterval)
	cfg.Updater.DockerComposePath = r.str("Updater", "dockerComposePath", defaults.DockerComposePath)
	cfg.Updater.CoreInstallPath = r.str("Updater", "coreInstallPath", defaults.CoreInstallPath)
	cfg.Updater.BackupPath = r.str("Updater", "backupPath", defaults.BackupPath)
	cfg.Updater.RequestDir = r.str("Updater", "updateRequestDir", defaults.UpdateRequestDir)
	cfg.Updater.StatusDir = r.str("Updater", "updateStatusDir", defaults.UpdateStatusDir)

	cfg.System.DeviceID = r.str("System", "deviceID", "")
	cfg.System.LocationDescription = r.str("System", "locationDescription", "")

	cfg.Log.Level = r.str("Log", "dunebuggerLogLevel", "INFO")

	if r.err != nil {
		return nil, trace.Wrap(r.err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates cross-field constraints and clamps values
// that would make a supervisor misbehave.
func (c *Config) CheckAndSetDefaults() error {
	if c.Websocket.Enabled {
		for _, required := range []struct {
			section, key, value string
		}{
			{"Auth", "authURL", c.Auth.AuthURL},
			{"Auth", "clientID", c.Auth.ClientID},
			{"Auth", "clientSecret", c.Auth.ClientSecret},
			{"Auth", "username", c.Auth.Username},
			{"Auth", "password", c.Auth.Password},
		} {
			if required.value == "" {
				return trace.BadParameter("missing required configuration value %s.%s", required.section, required.key)
			}
		}
	}
	if c.System.DeviceID == "" {
		return trace.BadParameter("missing required configuration value System.deviceID")
	}
	if c.NTP.CheckInterval < time.Second {
		c.NTP.CheckInterval = time.Second
	}
	if c.Websocket.ConnectionInterval <= 0 {
		c.Websocket.ConnectionInterval = defaults.ConnectivityCheckInterval
	}
	if c.Websocket.ConnectionTimeout <= 0 {
		c.Websocket.ConnectionTimeout = defaults.ConnectivityProbeTimeout
	}
	return nil
}

// fileValues is section -> key -> raw string value.
type fileValues map[string]map[string]string

func readConfigFile(path string) (fileValues, error) {
	if path == "" {
		return fileValues{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileValues{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, trace.BadParameter("malformed configuration file %v: %v", path, err)
	}
	out := fileValues{}
	for section, keys := range raw {
		out[section] = make(map[string]string, len(keys))
		for key, value := range keys {
			out[section][key] = fmt.Sprintf("%v", value)
		}
	}
	return out, nil
}

// resolver looks a single option up across the layered sources. The first
// resolution error sticks so that Load can report it with section and key.
type resolver struct {
	file       fileValues
	secretsDir string
	lookupEnv  func(string) (string, bool)
	err        error
}

// lookup returns the raw value for section.key and whether any source
// provided one.
func (r *resolver) lookup(section, key string) (string, bool) {
	if data, err := os.ReadFile(filepath.Join(r.secretsDir, key)); err == nil {
		return strings.TrimSpace(string(data)), true
	}
	if value, ok := r.lookupEnv(key); ok {
		return value, true
	}
	if values, ok := r.file[section]; ok {
		if value, ok := values[key]; ok {
			return value, true
		}
	}
	return "", false
}

func (r *resolver) fail(section, key, value string, err error) {
	if r.err == nil {
		r.err = trace.BadParameter("invalid configuration: section=%s, key=%s, value=%q: %v", section, key, value, err)
	}
}

func (r *resolver) str(section, key, def string) string {
	if value, ok := r.lookup(section, key); ok {
		return value
	}
	return def
}

func (r *resolver) boolean(section, key string, def bool) bool {
	value, ok := r.lookup(section, key)
	if !ok {
		return def
	}
	parsed, err := ParseBool(value)
	if err != nil {
		r.fail(section, key, value, err)
		return def
	}
	return parsed
}

func (r *resolver) integer(section, key string, def int) int {
	value, ok := r.lookup(section, key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		r.fail(section, key, value, err)
		return def
	}
	return parsed
}

func (r *resolver) seconds(section, key string, def time.Duration) time.Duration {
	return time.Duration(r.integer(section, key, int(def/time.Second))) * time.Second
}

func (r *resolver) hours(section, key string, def time.Duration) time.Duration {
	return time.Duration(r.integer(section, key, int(def/time.Hour))) * time.Hour
}

func (r *resolver) list(section, key string, def []string) []string {
	value, ok := r.lookup(section, key)
	if !ok {
		return def
	}
	return SplitList(value)
}

// ParseBool parses the accepted boolean spellings {true,1,yes,on} and
// {false,0,no,off}, case-insensitively.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, trace.BadParameter("expected a boolean, got %q", value)
}

// SplitList splits a comma-separated list, trimming whitespace and dropping
// empty items.
func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
