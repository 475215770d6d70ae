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

// Package service assembles the supervisor from its subsystems and runs
// them as one process.
package service

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/gravitational/trace"

	dunebugger "github.com/dunebugger/dunebugger-remote"
	"github.com/dunebugger/dunebugger-remote/lib/config"
	"github.com/dunebugger/dunebugger-remote/lib/connectivity"
	"github.com/dunebugger/dunebugger-remote/lib/defaults"
	"github.com/dunebugger/dunebugger-remote/lib/envelope"
	"github.com/dunebugger/dunebugger-remote/lib/logutils"
	"github.com/dunebugger/dunebugger-remote/lib/msgqueue"
	"github.com/dunebugger/dunebugger-remote/lib/ntp"
	"github.com/dunebugger/dunebugger-remote/lib/relay"
	"github.com/dunebugger/dunebugger-remote/lib/router"
	"github.com/dunebugger/dunebugger-remote/lib/sysinfo"
	"github.com/dunebugger/dunebugger-remote/lib/updater"
)

// Process is the assembled supervisor. Everything is wired at construction;
// Run starts the loops and blocks until the context is cancelled.
type Process struct {
	cfg *config.Config
	log *slog.Logger

	connectivity *connectivity.Monitor
	bus          *msgqueue.Client
	channel      *relay.Channel
	cloud        router.CloudPublisher
	ntp          *ntp.Monitor
	updater      *updater.Manager
	model        *sysinfo.Model
	controller   *router.Controller
}

// New builds a Process from the loaded configuration.
func New(cfg *config.Config) (*Process, error) {
	p := &Process{
		cfg: cfg,
		log: logutils.NewPackageLogger(dunebugger.ComponentService),
	}

	var err error
	if cfg.Websocket.Enabled {
		p.connectivity, err = connectivity.NewMonitor(connectivity.MonitorConfig{
			TestDomain:    cfg.Websocket.TestDomain,
			CheckInterval: cfg.Websocket.ConnectionInterval,
			Timeout:       cfg.Websocket.ConnectionTimeout,
			Logger:        logutils.NewPackageLogger(dunebugger.ComponentConnectivity),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	p.bus, err = msgqueue.New(msgqueue.Config{
		Servers:     cfg.MessageQueue.Servers,
		ClientID:    cfg.MessageQueue.ClientID,
		SubjectRoot: cfg.MessageQueue.SubjectRoot,
		Logger:      logutils.NewPackageLogger(dunebugger.ComponentMQueue),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry := router.NewHealthRegistry(nil, defaults.ComponentHeartbeatTTL)

	owner := cfg.Updater.GithubAccount
	if owner == "" {
		owner = "dunebugger"
	}
	p.updater, err = updater.NewManager(updater.Config{
		Releases:           updater.NewGitHubReleaseSource(owner, os.Getenv("GITHUB_TOKEN")),
		Health:             registry,
		ComposePath:        cfg.Updater.DockerComposePath,
		CorePath:           cfg.Updater.CoreInstallPath,
		RequestDir:         cfg.Updater.RequestDir,
		StatusDir:          cfg.Updater.StatusDir,
		CheckInterval:      cfg.Updater.CheckInterval,
		IncludePrereleases: cfg.Updater.IncludePrerelease,
		Logger:             logutils.NewPackageLogger(dunebugger.ComponentUpdater),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.model = sysinfo.NewModel(sysinfo.Config{
		DeviceID:   cfg.System.DeviceID,
		Location:   cfg.System.LocationDescription,
		Components: p.updater,
		Logger:     logutils.NewPackageLogger(dunebugger.ComponentService),
	})

	if cfg.Websocket.Enabled {
		auth, err := relay.NewAuthClient(relay.AuthClientConfig{
			AuthURL: cfg.Auth.AuthURL,
			Credentials: relay.Credentials{
				ClientID:     cfg.Auth.ClientID,
				ClientSecret: cfg.Auth.ClientSecret,
				Username:     cfg.Auth.Username,
				Password:     cfg.Auth.Password,
			},
			Logger: logutils.NewPackageLogger(dunebugger.ComponentAuth),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.channel, err = relay.NewChannel(relay.ChannelConfig{
			Authenticator:    auth,
			Connectivity:     p.connectivity,
			Group:            cfg.Websocket.GroupName,
			BroadcastEnabled: cfg.Websocket.BroadcastInitialState,
			OnConnected:      p.onCloudConnected,
			Logger:           logutils.NewPackageLogger(dunebugger.ComponentRelay),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.cloud = p.channel
	} else {
		p.cloud = discardPublisher{log: logutils.NewPackageLogger(dunebugger.ComponentRelay)}
	}

	p.ntp, err = ntp.NewMonitor(ntp.MonitorConfig{
		Servers:         cfg.NTP.Servers,
		CheckInterval:   cfg.NTP.CheckInterval,
		Timeout:         cfg.NTP.Timeout,
		StatusSink:      p.model,
		NotifyCloud:     p.publishNTPStatus,
		NotifyScheduler: p.sendNTPStatusToScheduler,
		Logger:          logutils.NewPackageLogger(dunebugger.ComponentNTP),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.controller, err = router.New(router.Config{
		Cloud:           p.cloud,
		Bus:             p.bus,
		NTP:             p.ntp,
		Updater:         p.updater,
		SystemInfo:      p.model,
		Health:          registry,
		HeartbeatEvery:  cfg.Websocket.HeartBeatEvery,
		HeartbeatWindow: cfg.Websocket.HeartBeatLoopDuration,
		Logger:          logutils.NewPackageLogger(dunebugger.ComponentController),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// Run starts every subsystem and blocks until the context is cancelled,
// then tears them down. Subsystems that fail to come up are logged and
// skipped; the supervisor keeps serving whatever it can.
func (p *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.connectivity != nil {
		if err := p.connectivity.Start(ctx); err != nil {
			return trace.Wrap(err)
		}
		defer p.connectivity.Close()
	}

	if err := p.bus.Connect(); err != nil {
		p.log.WarnContext(ctx, "Local bus is unavailable, continuing without local components", "error", err)
	} else {
		defer p.bus.Close()
		if err := p.bus.StartListener(func(msg msgqueue.Message) string {
			return p.controller.HandleBusMessage(ctx, msg)
		}); err != nil {
			p.log.WarnContext(ctx, "Failed to listen on local bus", "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.controller.Run(ctx) }()
	go func() { defer wg.Done(); p.ntp.Run(ctx) }()
	go func() { defer wg.Done(); p.updater.Run(ctx) }()

	if p.channel != nil {
		p.channel.Start(ctx)
		defer p.channel.Stop()
		// Inbound cloud messages are handled one at a time; the router never
		// sees two cloud messages concurrently.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-p.channel.Inbound():
					p.controller.HandleCloudMessage(ctx, env)
				}
			}
		}()
	}

	p.log.InfoContext(ctx, "Supervisor started",
		"device_id", p.cfg.System.DeviceID,
		"version", dunebugger.Version,
		"cloud", p.cfg.Websocket.Enabled)
	<-ctx.Done()
	p.log.InfoContext(ctx, "Supervisor shutting down")
	cancel()
	wg.Wait()
	return nil
}

// onCloudConnected runs after every cloud join: the web clients get the
// device's current picture and a probe for their presence.
func (p *Process) onCloudConnected(ctx context.Context) {
	if p.cfg.Websocket.BroadcastInitialState {
		env, err := envelope.New(p.model.SystemInfo(ctx), "system_info", "", "")
		if err == nil {
			if err := p.cloud.Publish(ctx, env); err != nil {
				p.log.WarnContext(ctx, "Failed to broadcast initial state", "error", err)
			}
		}
	}
	p.controller.KickHeartbeat(ctx)
}

func (p *Process) publishNTPStatus(ctx context.Context, available bool) error {
	env, err := envelope.New(map[string]bool{"ntp_available": available}, "ntp_status", "", "")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.cloud.Publish(ctx, env))
}

func (p *Process) sendNTPStatusToScheduler(ctx context.Context, available bool) error {
	env, err := envelope.New(map[string]bool{"ntp_available": available},
		"ntp_status", dunebugger.SourceController, "")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.bus.Send(env, dunebugger.CompScheduler, ""))
}

// discardPublisher stands in for the cloud channel when it is disabled.
type discardPublisher struct {
	log *slog.Logger
}

func (d discardPublisher) Publish(ctx context.Context, env envelope.Envelope) error {
	d.log.DebugContext(ctx, "Cloud channel disabled, dropping message", "subject", env.Subject)
	return nil
}
