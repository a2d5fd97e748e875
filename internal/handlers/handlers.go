// Flotilla is a distributed job executor for data-center fleets.
// Copyright (C) 2025 The Flotilla Authors
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
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package handlers holds the workflow implementations behind each job
// type. Every handler follows the same shape: initialize details,
// validate inputs, load prerequisites, walk a declared phase list with
// cancellation checkpoints, run cleanup on every exit path, and leave
// the job in a terminal state.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"flotilla/internal/executor"
	"flotilla/internal/remote"
	"flotilla/pkg/models"
)

// Periodic cadences.
const (
	ReplicationCheckInterval = 60 * time.Second
	SLOMonitorInterval       = 300 * time.Second
)

// Redfish is the management-controller surface the server handlers
// need; *remote.RedfishClient satisfies it.
type Redfish interface {
	PowerState(ctx context.Context) (string, error)
	Health(ctx context.Context) (string, error)
	Reset(ctx context.Context, action string) error
	Preflight(ctx context.Context) error
	SimpleUpdate(ctx context.Context, imageURI string) (string, error)
	Task(ctx context.Context, taskPath string) (remote.TaskState, error)
}

// Appliance is the storage-appliance surface; *remote.ZFSAppliance
// satisfies it.
type Appliance interface {
	CreatePool(ctx context.Context, pool string, devices []string) error
	CreateDataset(ctx context.Context, dataset, mountpoint string) error
	EnableNFS(ctx context.Context, dataset string, clients []string) (string, error)
	DisableNFS(ctx context.Context, dataset string) error
	Snapshot(ctx context.Context, dataset, name string) (string, error)
	DestroySnapshot(ctx context.Context, snap string) error
	SendIncremental(ctx context.Context, fromSnap, toSnap, targetAddr, targetUser, targetDataset string) (int64, error)
	PoolHealth(ctx context.Context, pool string) (string, error)
}

// ESXi is the host-CLI surface for upgrades; *remote.ESXiHost
// satisfies it.
type ESXi interface {
	Version(ctx context.Context) (string, error)
	ApplyProfile(ctx context.Context, bundlePath, profile string) error
	Reboot(ctx context.Context) error
	WaitReconnect(ctx context.Context, timeout time.Duration) error
}

// Deps are the remote-adapter factories the handlers use. Production
// wiring fills them with the real adapters; tests substitute fakes.
// Zero-value fields take the production defaults at registration.
type Deps struct {
	NewRedfish    func(run *executor.Run, server models.Server, password string) Redfish
	NewHypervisor func(ctx context.Context, run *executor.Run) (remote.Hypervisor, error)
	NewRunner     func(run *executor.Run, address, username, credential string) (remote.CommandRunner, error)
	NewAppliance  func(runner remote.CommandRunner) Appliance
	NewESXi       func(runner remote.CommandRunner) ESXi
	Notifier      *http.Client
}

func (d *Deps) setDefaults() {
	if d.NewRedfish == nil {
		d.NewRedfish = func(run *executor.Run, server models.Server, password string) Redfish {
			return remote.NewRedfishClient(run.Sessions(), run.Audit(), run.Logger(), server, password, run.Job().ID)
		}
	}
	if d.NewHypervisor == nil {
		d.NewHypervisor = newVCenterFromSettings
	}
	if d.NewRunner == nil {
		d.NewRunner = func(run *executor.Run, address, username, credential string) (remote.CommandRunner, error) {
			return remote.NewSSHRunner(run.Audit(), run.Logger(), address, username, credential, run.Job().ID)
		}
	}
	if d.NewAppliance == nil {
		d.NewAppliance = func(runner remote.CommandRunner) Appliance {
			return remote.NewZFSAppliance(runner)
		}
	}
	if d.NewESXi == nil {
		d.NewESXi = func(runner remote.CommandRunner) ESXi {
			return remote.NewESXiHost(runner)
		}
	}
	if d.Notifier == nil {
		d.Notifier = &http.Client{Timeout: 15 * time.Second}
	}
}

// newVCenterFromSettings resolves the hypervisor manager endpoint and
// credential from coordinator settings. The credential is decrypted in
// process and handed only to the adapter.
func newVCenterFromSettings(ctx context.Context, run *executor.Run) (remote.Hypervisor, error) {
	url, err := run.Store().GetSetting(ctx, "vcenter_url")
	if err != nil {
		return nil, fmt.Errorf("resolve vcenter_url: %w", err)
	}
	user, err := run.Store().GetSetting(ctx, "vcenter_username")
	if err != nil {
		return nil, fmt.Errorf("resolve vcenter_username: %w", err)
	}
	enc, err := run.Store().GetSetting(ctx, "vcenter_credential")
	if err != nil {
		return nil, fmt.Errorf("resolve vcenter_credential: %w", err)
	}
	password, err := run.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("decrypt vcenter credential: %w", err)
	}
	return remote.NewVSphereClient(run.Sessions(), run.Audit(), run.Logger(), url, user, password, run.Job().ID), nil
}

// RegisterAll installs every handler into the dispatch registry.
func RegisterAll(reg *executor.Registry, deps Deps) {
	deps.setDefaults()

	reg.MustRegister(executor.Handler{Type: "power_action", Run: (&PowerAction{deps: deps}).Run})
	reg.MustRegister(executor.Handler{Type: "server_health_check", Run: (&ServerHealthCheck{deps: deps}).Run})
	reg.MustRegister(executor.Handler{Type: "firmware_apply", Run: (&FirmwareApply{deps: deps}).Run})
	reg.MustRegister(executor.Handler{Type: "esxi_upgrade", Run: (&ESXiUpgrade{deps: deps}).Run})
	reg.MustRegister(executor.Handler{Type: "deploy_zfs_target", Run: (&DeployZFSTarget{deps: deps}).Run})
	reg.MustRegister(executor.Handler{Type: "decommission_zfs_target", Run: (&DecommissionZFSTarget{deps: deps}).Run})
	reg.MustRegister(executor.Handler{Type: "run_replication_sync", Run: (&ReplicationSync{deps: deps}).Run})
	reg.MustRegister(executor.Handler{
		Type:     "scheduled_replication_check",
		Run:      (&ReplicationCheck{deps: deps}).Run,
		Periodic: true,
		Interval: ReplicationCheckInterval,
	})
	reg.MustRegister(executor.Handler{
		Type:     "slo_monitor",
		Run:      (&SLOMonitor{deps: deps}).Run,
		Periodic: true,
		Interval: SLOMonitorInterval,
	})
}

// detailString reads a string field from a details map.
func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	if s, ok := details[key].(string); ok {
		return s
	}
	return ""
}

// detailStrings reads a string-array field from a details map.
func detailStrings(details map[string]any, key string) []string {
	if details == nil {
		return nil
	}
	raw, ok := details[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// finishBestEffort applies the mixed-outcome policy for fleet-wide
// handlers: all targets failed means a failed job, anything else is
// completed with per-target warnings recorded. The terminal details
// always carry success_count and failed_count.
func finishBestEffort(ctx context.Context, run *executor.Run, total int, warnings []string) error {
	failed := len(warnings)
	patch := map[string]any{
		"success_count": total - failed,
		"failed_count":  failed,
	}
	if failed > 0 {
		patch["warnings"] = warnings
	}
	if err := run.MergeDetails(ctx, patch); err != nil {
		return err
	}
	if total > 0 && failed >= total {
		return run.Fail(ctx, fmt.Sprintf("all %d targets failed", total))
	}
	return run.Complete(ctx)
}
