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
	"flotilla/internal/remote"
	"flotilla/pkg/models"
)

// Deployment phases in execution order. current_phase walks this list
// and ends at "complete".
var deployPhases = []string{
	"clone",
	"power_on",
	"wait_tools",
	"wait_ip",
	"ssh_connect",
	"zfs_create",
	"nfs_setup",
	"register_target",
	"register_datastore",
}

const (
	waitToolsTimeout  = 10 * time.Minute
	waitIPTimeout     = 10 * time.Minute
	sshConnectTimeout = 5 * time.Minute
	deployPollEvery   = 10 * time.Second
)

// DeployZFSTarget builds a replication target from a VM template:
// clone, boot, wait for the guest, configure ZFS and NFS over SSH,
// register the target with the coordinator, and mount the export as a
// datastore on the requested hosts.
type DeployZFSTarget struct {
	deps Deps
}

// deployState carries what cleanup needs across phases.
type deployState struct {
	hv         remote.Hypervisor
	vmID       string
	registered bool
}

// Run implements the deploy_zfs_target job type.
func (h *DeployZFSTarget) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	name := detailString(job.Details, "name")
	if name == "" {
		return run.Fail(ctx, "missing name")
	}
	if job.TargetScope.TemplateID == "" {
		return run.Fail(ctx, "missing template_id in target scope")
	}
	poolName := detailString(job.Details, "pool_name")
	if poolName == "" {
		poolName = "tank"
	}
	devices := detailStrings(job.Details, "pool_devices")
	if len(devices) == 0 {
		return run.Fail(ctx, "missing pool_devices")
	}
	dataset := detailString(job.Details, "dataset")
	if dataset == "" {
		dataset = poolName + "/replica"
	}

	template, err := run.Store().GetTemplate(ctx, job.TargetScope.TemplateID)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load template: %v", err))
	}
	hv, err := h.deps.NewHypervisor(ctx, run)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("connect hypervisor manager: %v", err))
	}

	st := &deployState{hv: hv}
	err = h.phases(ctx, run, st, template, name, poolName, devices, dataset)

	// Cleanup runs on every exit. A clone that never became a
	// registered target is torn down; a registered target is kept.
	h.cleanup(context.WithoutCancel(ctx), run, st)

	switch {
	case errors.Is(err, executor.ErrCancelled):
		return err
	case err != nil:
		run.Errorf(ctx, "deployment failed: %v", err)
		return run.Fail(ctx, err.Error())
	}
	if err := run.SetPhase(ctx, "complete"); err != nil {
		run.Logger().Warn("final phase merge failed", "err", err)
	}
	return run.Complete(ctx)
}

func (h *DeployZFSTarget) phases(ctx context.Context, run *executor.Run, st *deployState, template *models.Template, name, poolName string, devices []string, dataset string) error {
	job := run.Job()
	stepDone := func(phase, message string) {
		if err := run.StepResult(ctx, phase, "completed", message); err != nil {
			run.Logger().Warn("step result append failed", "err", err)
		}
	}
	advance := func(i int, phase string) error {
		if err := run.CheckCancelled(ctx); err != nil {
			return err
		}
		if err := run.SetPhase(ctx, phase); err != nil {
			return err
		}
		return run.SetProgress(ctx, i*100/len(deployPhases))
	}

	// clone
	if err := advance(0, "clone"); err != nil {
		return err
	}
	run.Infof(ctx, "cloning template %s as %s", template.Name, name)
	vmID, err := st.hv.CloneVM(ctx, template.VMID, name)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	st.vmID = vmID
	stepDone("clone", vmID)

	// power_on
	if err := advance(1, "power_on"); err != nil {
		return err
	}
	if err := st.hv.PowerOnVM(ctx, vmID); err != nil {
		return fmt.Errorf("power_on: %w", err)
	}
	stepDone("power_on", vmID)

	// wait_tools
	if err := advance(2, "wait_tools"); err != nil {
		return err
	}
	if err := h.waitTools(ctx, run, st.hv, vmID); err != nil {
		return fmt.Errorf("wait_tools: %w", err)
	}
	stepDone("wait_tools", "guest tools running")

	// wait_ip
	if err := advance(3, "wait_ip"); err != nil {
		return err
	}
	address, err := h.waitIP(ctx, run, st.hv, vmID, template.StaticIP)
	if err != nil {
		return fmt.Errorf("wait_ip: %w", err)
	}
	run.Infof(ctx, "guest reachable at %s", address)
	stepDone("wait_ip", address)

	// ssh_connect
	if err := advance(4, "ssh_connect"); err != nil {
		return err
	}
	guestCred, err := run.Decrypt(template.GuestCred)
	if err != nil {
		return fmt.Errorf("ssh_connect: decrypt guest credential: %w", err)
	}
	runner, err := h.deps.NewRunner(run, address, template.GuestUser, guestCred)
	if err != nil {
		return fmt.Errorf("ssh_connect: %w", err)
	}
	if err := runner.WaitReady(ctx, sshConnectTimeout); err != nil {
		return fmt.Errorf("ssh_connect: %w", err)
	}
	stepDone("ssh_connect", address)

	// zfs_create
	if err := advance(5, "zfs_create"); err != nil {
		return err
	}
	appliance := h.deps.NewAppliance(runner)
	if err := appliance.CreatePool(ctx, poolName, devices); err != nil {
		return fmt.Errorf("zfs_create: %w", err)
	}
	if err := appliance.CreateDataset(ctx, dataset, "/"+dataset); err != nil {
		return fmt.Errorf("zfs_create: %w", err)
	}
	stepDone("zfs_create", dataset)

	// nfs_setup
	if err := advance(6, "nfs_setup"); err != nil {
		return err
	}
	exportPath, err := appliance.EnableNFS(ctx, dataset, detailStrings(job.Details, "nfs_clients"))
	if err != nil {
		return fmt.Errorf("nfs_setup: %w", err)
	}
	stepDone("nfs_setup", exportPath)

	// register_target
	if err := advance(7, "register_target"); err != nil {
		return err
	}
	target, err := run.Store().InsertReplicationTarget(ctx, models.ReplicationTarget{
		Name:          name,
		Address:       address,
		SSHUsername:   template.GuestUser,
		PoolName:      poolName,
		NFSExportPath: exportPath,
		Status:        "active",
		DeployedJobID: job.ID,
	})
	if err != nil {
		return fmt.Errorf("register_target: %w", err)
	}
	st.registered = true
	if err := run.MergeDetails(ctx, map[string]any{"target_id": target.ID, "vm_id": vmID}); err != nil {
		run.Logger().Warn("target details merge failed", "err", err)
	}
	stepDone("register_target", target.ID)

	// register_datastore
	if err := advance(8, "register_datastore"); err != nil {
		return err
	}
	for _, hostID := range job.TargetScope.HostIDs {
		if err := st.hv.MountNFSDatastore(ctx, hostID, name, address, exportPath); err != nil {
			return fmt.Errorf("register_datastore on %s: %w", hostID, err)
		}
		run.Infof(ctx, "datastore %s mounted on host %s", name, hostID)
	}
	stepDone("register_datastore", fmt.Sprintf("%d hosts", len(job.TargetScope.HostIDs)))
	return nil
}

func (h *DeployZFSTarget) waitTools(ctx context.Context, run *executor.Run, hv remote.Hypervisor, vmID string) error {
	deadline := run.Now().Add(waitToolsTimeout)
	for {
		running, err := hv.VMToolsRunning(ctx, vmID)
		if err == nil && running {
			return nil
		}
		if run.Now().After(deadline) {
			return fmt.Errorf("guest tools not running after %s", waitToolsTimeout)
		}
		if err := run.Sleep(ctx, deployPollEvery, deployPollEvery); err != nil {
			return err
		}
	}
}

func (h *DeployZFSTarget) waitIP(ctx context.Context, run *executor.Run, hv remote.Hypervisor, vmID, staticIP string) (string, error) {
	if staticIP != "" {
		return staticIP, nil
	}
	deadline := run.Now().Add(waitIPTimeout)
	for {
		ip, err := hv.VMIPAddress(ctx, vmID)
		if err == nil && ip != "" {
			return ip, nil
		}
		if run.Now().After(deadline) {
			return "", fmt.Errorf("no guest IP after %s", waitIPTimeout)
		}
		if err := run.Sleep(ctx, deployPollEvery, deployPollEvery); err != nil {
			return "", err
		}
	}
}

// cleanup tears down a half-built clone. Idempotent and best-effort;
// errors are recorded as warnings only.
func (h *DeployZFSTarget) cleanup(ctx context.Context, run *executor.Run, st *deployState) {
	if st.vmID == "" || st.registered {
		return
	}
	run.Warnf(ctx, "cleaning up unregistered clone %s", st.vmID)
	if err := st.hv.PowerOffVM(ctx, st.vmID); err != nil {
		run.Warnf(ctx, "cleanup power off: %v", err)
	}
	if err := st.hv.DestroyVM(ctx, st.vmID); err != nil {
		run.Warnf(ctx, "cleanup destroy: %v", err)
	}
}

// DecommissionZFSTarget retires a replication target: unmount its
// datastore from the hosts, drop the NFS export, power the appliance
// VM off, and mark the row retired.
type DecommissionZFSTarget struct {
	deps Deps
}

// Run implements the decommission_zfs_target job type.
func (h *DecommissionZFSTarget) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	targetID := job.TargetScope.TargetID
	if targetID == "" {
		return run.Fail(ctx, "missing target_id in target scope")
	}
	target, err := run.Store().GetReplicationTarget(ctx, targetID)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load target: %v", err))
	}
	hv, err := h.deps.NewHypervisor(ctx, run)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("connect hypervisor manager: %v", err))
	}

	run.Infof(ctx, "decommissioning target %s (%s)", target.Name, target.Address)

	var warnings []string
	for _, hostID := range job.TargetScope.HostIDs {
		if cerr := run.CheckCancelled(ctx); cerr != nil {
			return cerr
		}
		if err := hv.UnmountNFSDatastore(ctx, hostID, target.Name); err != nil {
			warnings = append(warnings, fmt.Sprintf("unmount on %s: %v", hostID, err))
			run.Warnf(ctx, "unmount datastore on %s: %v", hostID, err)
		}
	}
	if err := run.SetProgress(ctx, 40); err != nil {
		run.Logger().Warn("progress update failed", "err", err)
	}

	// The export removal is best-effort; the appliance may already be
	// dead, which is fine for a decommission.
	if target.SSHCredential != "" {
		if cred, derr := run.Decrypt(target.SSHCredential); derr == nil {
			if runner, rerr := h.deps.NewRunner(run, target.Address, target.SSHUsername, cred); rerr == nil {
				dataset := target.PoolName + "/replica"
				if err := h.deps.NewAppliance(runner).DisableNFS(ctx, dataset); err != nil {
					warnings = append(warnings, fmt.Sprintf("disable nfs: %v", err))
					run.Warnf(ctx, "disable nfs: %v", err)
				}
			}
		}
	}
	if err := run.SetProgress(ctx, 70); err != nil {
		run.Logger().Warn("progress update failed", "err", err)
	}

	if vmID := detailString(job.Details, "vm_id"); vmID != "" {
		if err := hv.PowerOffVM(ctx, vmID); err != nil {
			warnings = append(warnings, fmt.Sprintf("power off %s: %v", vmID, err))
			run.Warnf(ctx, "power off appliance vm: %v", err)
		}
	}

	if err := run.Store().PatchReplicationTarget(ctx, targetID, map[string]any{
		"status": "retired",
	}); err != nil {
		return run.Fail(ctx, fmt.Sprintf("mark target retired: %v", err))
	}
	if len(warnings) > 0 {
		if merr := run.MergeDetails(ctx, map[string]any{"warnings": warnings}); merr != nil {
			run.Logger().Warn("warnings merge failed", "err", merr)
		}
	}
	run.Infof(ctx, "target %s retired", target.Name)
	return run.Complete(ctx)
}
