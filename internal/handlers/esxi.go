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

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flotilla/internal/executor"
)

const (
	esxiReconnectTimeout = 25 * time.Minute
	esxiReconnectSlice   = 30 * time.Second
)

// ESXiUpgrade upgrades hypervisor hosts one at a time: maintenance
// mode in, offline-bundle profile update, reboot, wait for SSH to
// return, verify the version, maintenance mode out. Strict: the first
// failed host fails the job, remaining hosts are left untouched.
type ESXiUpgrade struct {
	deps Deps
}

// Run implements the esxi_upgrade job type.
func (h *ESXiUpgrade) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	bundle := detailString(job.Details, "bundle_path")
	profile := detailString(job.Details, "profile")
	targetVersion := detailString(job.Details, "target_version")
	if bundle == "" || profile == "" || targetVersion == "" {
		return run.Fail(ctx, "missing bundle_path, profile, or target_version")
	}
	hostIDs := job.TargetScope.HostIDs
	if len(hostIDs) == 0 {
		return run.Fail(ctx, "no hosts in target scope")
	}

	hv, err := h.deps.NewHypervisor(ctx, run)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("connect hypervisor manager: %v", err))
	}

	for i, hostID := range hostIDs {
		if err := run.CheckCancelled(ctx); err != nil {
			return err
		}
		run.Infof(ctx, "upgrading host %s (%d/%d)", hostID, i+1, len(hostIDs))
		if err := h.one(ctx, run, hv, hostID, bundle, profile, targetVersion); err != nil {
			if errors.Is(err, executor.ErrCancelled) {
				return err
			}
			run.Errorf(ctx, "host %s: %v", hostID, err)
			return run.Fail(ctx, fmt.Sprintf("host %s: %v", hostID, err))
		}
		if perr := run.SetProgress(ctx, (i+1)*100/len(hostIDs)); perr != nil {
			run.Logger().Warn("progress update failed", "err", perr)
		}
	}
	return run.Complete(ctx)
}

func (h *ESXiUpgrade) one(ctx context.Context, run *executor.Run, hv hypervisor, hostID, bundle, profile, targetVersion string) error {
	host, err := run.Store().GetHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("load host: %w", err)
	}
	credential, err := run.Decrypt(host.Credential)
	if err != nil {
		return fmt.Errorf("decrypt host credential: %w", err)
	}
	runner, err := h.deps.NewRunner(run, host.Address, host.Username, credential)
	if err != nil {
		return fmt.Errorf("ssh runner: %w", err)
	}
	cli := h.deps.NewESXi(runner)

	current, err := cli.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if current == targetVersion {
		run.Infof(ctx, "host %s already at %s, skipping", hostID, targetVersion)
		return nil
	}

	if err := hv.EnterMaintenance(ctx, hostID); err != nil {
		return fmt.Errorf("enter maintenance: %w", err)
	}
	inMaintenance := true
	// The host must come back out of maintenance mode whatever else
	// happens past this point.
	defer func() {
		if !inMaintenance {
			return
		}
		if err := hv.ExitMaintenance(context.WithoutCancel(ctx), hostID); err != nil {
			run.Warnf(context.WithoutCancel(ctx), "host %s: exit maintenance failed: %v", hostID, err)
		}
	}()
	if err := run.Store().PatchHost(ctx, hostID, map[string]any{"maintenance_mode": true}); err != nil {
		run.Logger().Warn("maintenance flag patch failed", "err", err)
	}

	if err := cli.ApplyProfile(ctx, bundle, profile); err != nil {
		return fmt.Errorf("apply profile: %w", err)
	}
	run.Infof(ctx, "host %s profile applied, rebooting", hostID)
	if err := cli.Reboot(ctx); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if err := h.waitReconnect(ctx, run, cli); err != nil {
		return err
	}

	after, err := cli.Version(ctx)
	if err != nil {
		return fmt.Errorf("verify version: %w", err)
	}
	if after != targetVersion {
		return fmt.Errorf("version is %s after upgrade, expected %s", after, targetVersion)
	}

	if err := hv.ExitMaintenance(ctx, hostID); err != nil {
		return fmt.Errorf("exit maintenance: %w", err)
	}
	inMaintenance = false
	if err := run.Store().PatchHost(ctx, hostID, map[string]any{
		"version":          after,
		"maintenance_mode": false,
	}); err != nil {
		return fmt.Errorf("patch host inventory: %w", err)
	}
	run.Infof(ctx, "host %s upgraded %s -> %s", hostID, current, after)
	return nil
}

// waitReconnect slices the post-reboot wait so every slice boundary is
// a cancellation checkpoint; a job cancelled mid-reboot stops waiting
// for the host.
func (h *ESXiUpgrade) waitReconnect(ctx context.Context, run *executor.Run, cli ESXi) error {
	deadline := run.Now().Add(esxiReconnectTimeout)
	for {
		if err := run.CheckCancelled(ctx); err != nil {
			return err
		}
		lastErr := cli.WaitReconnect(ctx, esxiReconnectSlice)
		if lastErr == nil {
			return nil
		}
		if run.Now().After(deadline) {
			return fmt.Errorf("host did not return within %s: %w", esxiReconnectTimeout, lastErr)
		}
	}
}

// hypervisor narrows remote.Hypervisor to the host-maintenance calls
// this handler makes.
type hypervisor interface {
	EnterMaintenance(ctx context.Context, hostID string) error
	ExitMaintenance(ctx context.Context, hostID string) error
}
