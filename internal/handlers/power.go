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
	"flotilla/pkg/models"
)

// powerActions maps the job-facing action names onto Redfish reset
// types. Jobs carry either the ResetType vocabulary directly or the
// older alias names; both stay accepted. skipWhen is the power state
// that makes the action a no-op.
var powerActions = map[string]struct {
	resetType string
	skipWhen  string
}{
	"On":               {resetType: "On", skipWhen: "On"},
	"GracefulShutdown": {resetType: "GracefulShutdown", skipWhen: "Off"},
	"ForceOff":         {resetType: "ForceOff", skipWhen: "Off"},
	"GracefulRestart":  {resetType: "GracefulRestart"},
	"ForceRestart":     {resetType: "ForceRestart"},
	"PowerCycle":       {resetType: "PowerCycle"},

	"power_on":     {resetType: "On", skipWhen: "On"},
	"power_off":    {resetType: "GracefulShutdown", skipWhen: "Off"},
	"force_off":    {resetType: "ForceOff", skipWhen: "Off"},
	"reboot":       {resetType: "GracefulRestart"},
	"force_reboot": {resetType: "ForceRestart"},
	"power_cycle":  {resetType: "PowerCycle"},
}

// PowerAction drives out-of-band power changes across a set of
// servers. Best-effort: one bad BMC does not fail the batch.
type PowerAction struct {
	deps Deps
}

// Run implements the power_action job type.
func (h *PowerAction) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	action := detailString(job.Details, "action")
	spec, ok := powerActions[action]
	if !ok {
		return run.Fail(ctx, fmt.Sprintf("unknown power action %q", action))
	}
	serverIDs := job.TargetScope.ServerIDs
	if len(serverIDs) == 0 {
		return run.Fail(ctx, "no servers in target scope")
	}

	servers, err := run.Store().GetServers(ctx, serverIDs)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load servers: %v", err))
	}
	byID := make(map[string]models.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}

	run.Infof(ctx, "power action %s on %d servers", action, len(serverIDs))

	var warnings []string
	for i, id := range serverIDs {
		if err := run.CheckCancelled(ctx); err != nil {
			return err
		}
		if err := h.one(ctx, run, byID, id, action, spec.resetType, spec.skipWhen); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", id, err))
			run.Warnf(ctx, "server %s: %v", id, err)
		}
		if err := run.SetProgress(ctx, (i+1)*100/len(serverIDs)); err != nil {
			run.Logger().Warn("progress update failed", "err", err)
		}
	}
	return finishBestEffort(ctx, run, len(serverIDs), warnings)
}

func (h *PowerAction) one(ctx context.Context, run *executor.Run, byID map[string]models.Server, id, action, resetType, skipWhen string) error {
	server, ok := byID[id]
	if !ok {
		return errors.New("server not found in inventory")
	}
	task, err := run.CreateTask(ctx, id)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = run.FinishTask(ctx, task.ID, models.JobStatusFailed, err.Error())
		return err
	}

	password, err := run.Decrypt(server.BMCCredential)
	if err != nil {
		return fail(fmt.Errorf("decrypt credential: %w", err))
	}
	rf := h.deps.NewRedfish(run, server, password)

	state, err := rf.PowerState(ctx)
	if err != nil {
		return fail(fmt.Errorf("read power state: %w", err))
	}
	if skipWhen != "" && state == skipWhen {
		run.Infof(ctx, "server %s already %s, skipping %s", id, state, action)
		_ = run.FinishTask(ctx, task.ID, models.JobStatusCompleted, "")
		return nil
	}

	if err := rf.Reset(ctx, resetType); err != nil {
		return fail(fmt.Errorf("reset %s: %w", resetType, err))
	}

	// Short settle before the read-back; controllers report the old
	// state for a few seconds after accepting a reset.
	if err := run.Sleep(ctx, 5*time.Second, 5*time.Second); err != nil {
		return err
	}
	after, err := rf.PowerState(ctx)
	if err != nil {
		after = state // read-back failure is non-fatal
	}
	if err := run.Store().PatchServer(ctx, id, map[string]any{
		"power_state":  after,
		"last_seen_at": run.Now(),
	}); err != nil {
		return fail(fmt.Errorf("patch inventory: %w", err))
	}
	run.Infof(ctx, "server %s power state %s -> %s", id, state, after)
	return run.FinishTask(ctx, task.ID, models.JobStatusCompleted, "")
}

// ServerHealthCheck polls Redfish health for a set of servers and
// patches the inventory rows.
type ServerHealthCheck struct {
	deps Deps
}

// Run implements the server_health_check job type.
func (h *ServerHealthCheck) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	serverIDs := job.TargetScope.ServerIDs
	var servers []models.Server
	var err error
	if len(serverIDs) > 0 {
		servers, err = run.Store().GetServers(ctx, serverIDs)
	} else {
		err = errors.New("no servers in target scope")
	}
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("load servers: %v", err))
	}

	var failed []string
	for i, server := range servers {
		if cerr := run.CheckCancelled(ctx); cerr != nil {
			return cerr
		}
		if herr := h.one(ctx, run, server); herr != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", server.ID, herr))
			run.Warnf(ctx, "server %s health check: %v", server.ID, herr)
		}
		if perr := run.SetProgress(ctx, (i+1)*100/len(servers)); perr != nil {
			run.Logger().Warn("progress update failed", "err", perr)
		}
	}
	if len(failed) > 0 {
		if merr := run.MergeDetails(ctx, map[string]any{"warnings": failed}); merr != nil {
			run.Logger().Warn("warnings merge failed", "err", merr)
		}
		return run.Fail(ctx, fmt.Sprintf("%d of %d servers unreachable", len(failed), len(servers)))
	}
	return run.Complete(ctx)
}

func (h *ServerHealthCheck) one(ctx context.Context, run *executor.Run, server models.Server) error {
	password, err := run.Decrypt(server.BMCCredential)
	if err != nil {
		return fmt.Errorf("decrypt credential: %w", err)
	}
	rf := h.deps.NewRedfish(run, server, password)
	health, err := rf.Health(ctx)
	if err != nil {
		return fmt.Errorf("read health: %w", err)
	}
	state, err := rf.PowerState(ctx)
	if err != nil {
		state = server.PowerState
	}
	return run.Store().PatchServer(ctx, server.ID, map[string]any{
		"health_status": health,
		"power_state":   state,
		"last_seen_at":  run.Now(),
	})
}
