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
	"fmt"
	"time"

	"github.com/google/uuid"

	"flotilla/internal/executor"
	"flotilla/internal/schedule"
	"flotilla/pkg/models"
)

// primarySourceSettingKey names the coordinator setting holding the id
// of the source appliance that protected-VM datasets live on.
const primarySourceSettingKey = "primary_storage_target_id"

// ReplicationSync replicates every protected VM of one group from the
// primary appliance to the group's target: snapshot, incremental
// send/receive, per-VM bookkeeping, then a group-level RPO reset and a
// metrics row.
type ReplicationSync struct {
	deps Deps
}

// Run implements the run_replication_sync job type.
func (h *ReplicationSync) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	groupID := detailString(job.Details, "protection_group_id")
	if groupID == "" {
		groupID = job.TargetScope.ProtectionGroupID
	}
	if groupID == "" {
		return run.Fail(ctx, "missing protection_group_id")
	}

	group, err := run.Store().GetProtectionGroup(ctx, groupID)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load protection group: %v", err))
	}
	if !group.Enabled || group.Paused {
		run.Infof(ctx, "group %s is disabled or paused, nothing to do", group.Name)
		return run.Complete(ctx)
	}
	if group.TargetID == "" {
		return run.Fail(ctx, "protection group has no replication target")
	}

	if err := run.Store().PatchProtectionGroup(ctx, groupID, map[string]any{"syncing": true}); err != nil {
		return run.Fail(ctx, fmt.Sprintf("mark group syncing: %v", err))
	}
	// The syncing flag gates the scheduled sweep; it must clear on
	// every exit path.
	defer func() {
		cctx := context.WithoutCancel(ctx)
		if err := run.Store().PatchProtectionGroup(cctx, groupID, map[string]any{"syncing": false}); err != nil {
			run.Logger().Error("failed to clear syncing flag", "group_id", groupID, "err", err)
		}
	}()

	dest, err := run.Store().GetReplicationTarget(ctx, group.TargetID)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load replication target: %v", err))
	}
	sourceID, err := run.Store().GetSetting(ctx, primarySourceSettingKey)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("resolve primary storage appliance: %v", err))
	}
	source, err := run.Store().GetReplicationTarget(ctx, sourceID)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load primary storage appliance: %v", err))
	}
	sourceCred, err := run.Decrypt(source.SSHCredential)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("decrypt appliance credential: %v", err))
	}
	runner, err := h.deps.NewRunner(run, source.Address, source.SSHUsername, sourceCred)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("appliance ssh: %v", err))
	}
	appliance := h.deps.NewAppliance(runner)

	vms, err := run.Store().ListProtectedVMs(ctx, groupID)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("list protected vms: %v", err))
	}
	if len(vms) == 0 {
		run.Infof(ctx, "group %s has no protected VMs", group.Name)
		return run.Complete(ctx)
	}

	start := run.Now()
	snapName := "repl-" + start.Format("20060102-150405")
	run.Infof(ctx, "replicating %d VMs of group %s to %s", len(vms), group.Name, dest.Name)

	var totalBytes int64
	for i, vm := range vms {
		if err := run.CheckCancelled(ctx); err != nil {
			return err
		}
		bytes, err := h.syncVM(ctx, run, appliance, vm, snapName, dest)
		if err != nil {
			run.Errorf(ctx, "vm %s: %v", vm.VMID, err)
			return run.Fail(ctx, fmt.Sprintf("vm %s: %v", vm.VMID, err))
		}
		totalBytes += bytes
		if perr := run.SetProgress(ctx, (i+1)*100/len(vms)); perr != nil {
			run.Logger().Warn("progress update failed", "err", perr)
		}
	}

	now := run.Now()
	if err := run.Store().PatchProtectionGroup(ctx, groupID, map[string]any{
		"last_replication_at": now,
		"current_rpo_seconds": 0,
	}); err != nil {
		return run.Fail(ctx, fmt.Sprintf("update group: %v", err))
	}
	metric := models.ReplicationMetric{
		ProtectionGroupID: groupID,
		Timestamp:         now,
		BytesTransferred:  totalBytes,
		VMCount:           len(vms),
		DurationSeconds:   now.Sub(start).Seconds(),
		RPOSeconds:        0,
	}
	if err := run.Store().InsertReplicationMetric(ctx, metric); err != nil {
		run.Warnf(ctx, "metrics row insert failed: %v", err)
	}
	if err := run.MergeDetails(ctx, map[string]any{
		"bytes_transferred": totalBytes,
		"vm_count":          len(vms),
		"snapshot":          snapName,
	}); err != nil {
		run.Logger().Warn("summary merge failed", "err", err)
	}
	run.Infof(ctx, "group %s replicated, %d bytes in %.0fs", group.Name, totalBytes, now.Sub(start).Seconds())
	return run.Complete(ctx)
}

func (h *ReplicationSync) syncVM(ctx context.Context, run *executor.Run, appliance Appliance, vm models.ProtectedVM, snapName string, dest *models.ReplicationTarget) (int64, error) {
	if vm.Dataset == "" {
		return 0, fmt.Errorf("protected vm has no dataset")
	}
	snap, err := appliance.Snapshot(ctx, vm.Dataset, snapName)
	if err != nil {
		return 0, fmt.Errorf("snapshot: %w", err)
	}
	destDataset := dest.PoolName + "/replica/" + vm.VMID
	bytes, err := appliance.SendIncremental(ctx, vm.LastSnapshot, snap, dest.Address, dest.SSHUsername, destDataset)
	if err != nil {
		// A failed half-sent snapshot would break the next
		// incremental chain, so drop it.
		_ = appliance.DestroySnapshot(ctx, snap)
		return 0, fmt.Errorf("send: %w", err)
	}
	if err := run.Store().PatchProtectedVM(ctx, vm.ID, map[string]any{
		"last_snapshot": snap,
		"last_sync_at":  run.Now(),
	}); err != nil {
		return bytes, fmt.Errorf("patch vm row: %w", err)
	}
	run.Infof(ctx, "vm %s: %s sent, %d bytes", vm.VMID, snap, bytes)
	return bytes, nil
}

// ReplicationCheck is the periodic sweep that turns group schedules
// into run_replication_sync jobs. It never replicates anything itself.
type ReplicationCheck struct {
	deps Deps
}

// Run implements the scheduled_replication_check job type.
func (h *ReplicationCheck) Run(ctx context.Context, run *executor.Run) error {
	groups, err := run.Store().ListProtectionGroups(ctx)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("list protection groups: %v", err))
	}

	// One fetch covers the dedup for the whole sweep: a group with a
	// sync already pending or running is not due again.
	inflight, err := run.Store().FetchJobsByType(ctx, "run_replication_sync",
		models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("list in-flight syncs: %v", err))
	}
	busy := map[string]bool{}
	for _, j := range inflight {
		if gid := detailString(j.Details, "protection_group_id"); gid != "" {
			busy[gid] = true
		}
	}

	now := run.Now()
	triggered := 0
	var warnings []string
	for _, g := range groups {
		if !g.Enabled || g.Paused || g.Syncing || busy[g.ID] {
			continue
		}
		sched, err := schedule.Parse(g.Schedule)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("group %s: %v", g.Name, err))
			run.Warnf(ctx, "group %s has invalid schedule %q", g.Name, g.Schedule)
			continue
		}
		var last time.Time
		if g.LastReplicationAt != nil {
			last = *g.LastReplicationAt
		}
		if !sched.Due(last, now) {
			continue
		}

		job := models.NewJob("run_replication_sync", "executor:"+run.WorkerID(),
			models.TargetScope{ProtectionGroupID: g.ID},
			map[string]any{"protection_group_id": g.ID})
		job.ID = uuid.NewString()
		if _, err := run.Store().InsertJob(ctx, job); err != nil {
			warnings = append(warnings, fmt.Sprintf("group %s: insert sync job: %v", g.Name, err))
			run.Warnf(ctx, "group %s: insert sync job failed: %v", g.Name, err)
			continue
		}
		triggered++
		run.Infof(ctx, "sync scheduled for group %s (%s overdue)", g.Name, now.Sub(last).Truncate(time.Second))
	}

	patch := map[string]any{
		"groups_checked":  len(groups),
		"syncs_triggered": triggered,
	}
	if len(warnings) > 0 {
		patch["warnings"] = warnings
	}
	if err := run.MergeDetails(ctx, patch); err != nil {
		run.Logger().Warn("sweep summary merge failed", "err", err)
	}
	return run.Complete(ctx)
}
