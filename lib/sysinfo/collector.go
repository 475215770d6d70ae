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

package sysinfo

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// hostCollector reads host facts through gopsutil. Each probe failing on its
// own only removes that fact from the report.
type hostCollector struct{}

func (hostCollector) Collect(ctx context.Context) (*HostReport, error) {
	report := &HostReport{
		Hardware: make(map[string]any),
		OS:       make(map[string]any),
		Network:  make(map[string]any),
	}
	var errors []error

	if info, err := host.InfoWithContext(ctx); err != nil {
		errors = append(errors, trace.Wrap(err))
	} else {
		report.OS["hostname"] = info.Hostname
		report.OS["platform"] = info.Platform
		report.OS["platform_version"] = info.PlatformVersion
		report.OS["kernel_version"] = info.KernelVersion
		report.OS["uptime_seconds"] = info.Uptime
		report.Hardware["architecture"] = info.KernelArch
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err != nil {
		errors = append(errors, trace.Wrap(err))
	} else {
		report.Hardware["cpu_count"] = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errors = append(errors, trace.Wrap(err))
	} else {
		report.Hardware["memory_total_bytes"] = vm.Total
		report.Hardware["memory_used_percent"] = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err != nil {
		errors = append(errors, trace.Wrap(err))
	} else {
		report.Hardware["disk_total_bytes"] = usage.Total
		report.Hardware["disk_used_percent"] = usage.UsedPercent
	}
	if interfaces, err := psnet.InterfacesWithContext(ctx); err != nil {
		errors = append(errors, trace.Wrap(err))
	} else {
		report.Network["addresses"] = localAddresses(interfaces)
	}

	return report, trace.NewAggregate(errors...)
}

// localAddresses lists the addresses of interfaces that are up, skipping
// loopbacks.
func localAddresses(interfaces psnet.InterfaceStatList) map[string][]string {
	out := make(map[string][]string)
	for _, iface := range interfaces {
		up, loopback := false, false
		for _, flag := range iface.Flags {
			switch flag {
			case "up":
				up = true
			case "loopback":
				loopback = true
			}
		}
		if !up || loopback {
			continue
		}
		var addrs []string
		for _, addr := range iface.Addrs {
			if a := strings.TrimSpace(addr.Addr); a != "" {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) > 0 {
			out[iface.Name] = addrs
		}
	}
	return out
}
