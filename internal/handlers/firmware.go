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
	"strings"
	"time"

	"flotilla/internal/executor"
	"flotilla/internal/remote"
	"flotilla/pkg/models"
)

// Firmware apply bounds.
const (
	firmwareApplyTimeout = 45 * time.Minute
	firmwarePollEvery    = 15 * time.Second
)

// FirmwareApply pushes a firmware image to a set of servers through
// each controller's update service and streams the remote job queue
// into details.idrac_job_queue. Best-effort across servers.
type FirmwareApply struct {
	deps Deps
}

// Run implements the firmware_apply job type.
func (h *FirmwareApply) Run(ctx context.Context, run *executor.Run) error {
	job := run.Job()
	imageURI := detailString(job.Details, "image_uri")
	if imageURI == "" {
		return run.Fail(ctx, "missing image_uri")
	}
	if !strings.HasPrefix(imageURI, "http://") && !strings.HasPrefix(imageURI, "https://") {
		return run.Fail(ctx, fmt.Sprintf("unsupported image_uri scheme in %q", imageURI))
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

	run.Infof(ctx, "applying firmware %s to %d servers", imageURI, len(serverIDs))

	var warnings []string
	for i, id := range serverIDs {
		if err := run.CheckCancelled(ctx); err != nil {
			return err
		}
		if err := h.one(ctx, run, byID, id, imageURI); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", id, err))
			run.Warnf(ctx, "server %s: %v", id, err)
		}
		if perr := run.SetProgress(ctx, (i+1)*100/len(serverIDs)); perr != nil {
			run.Logger().Warn("progress update failed", "err", perr)
		}
	}
	return finishBestEffort(ctx, run, len(serverIDs), warnings)
}

func (h *FirmwareApply) one(ctx context.Context, run *executor.Run, byID map[string]models.Server, id, imageURI string) error {
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

	if err := rf.Preflight(ctx); err != nil {
		return fail(fmt.Errorf("preflight: %w", err))
	}
	taskPath, err := rf.SimpleUpdate(ctx, imageURI)
	if err != nil {
		return fail(fmt.Errorf("start update: %w", err))
	}
	run.Infof(ctx, "server %s update accepted, monitor %s", id, taskPath)

	final, err := h.pollQueue(ctx, run, rf, id, taskPath)
	if err != nil {
		return fail(err)
	}
	if final.State != "Completed" {
		return fail(fmt.Errorf("update ended %s (%s)", final.State, final.StatusText))
	}
	run.Infof(ctx, "server %s firmware applied", id)
	return run.FinishTask(ctx, task.ID, models.JobStatusCompleted, "")
}

// pollQueue follows the controller's task monitor until a terminal
// state, mirroring each observation into details.idrac_job_queue so
// operators can watch the remote queue from the job row.
func (h *FirmwareApply) pollQueue(ctx context.Context, run *executor.Run, rf Redfish, serverID, taskPath string) (remote.TaskState, error) {
	deadline := run.Now().Add(firmwareApplyTimeout)
	var queue []map[string]any
	for {
		if err := run.CheckCancelled(ctx); err != nil {
			return remote.TaskState{}, err
		}
		st, err := rf.Task(ctx, taskPath)
		if err != nil {
			return remote.TaskState{}, fmt.Errorf("poll task: %w", err)
		}
		queue = append(queue, map[string]any{
			"id":      st.ID,
			"state":   st.State,
			"percent": st.Percent,
			"status":  st.StatusText,
			"at":      run.Now().Format(time.RFC3339),
		})
		if len(queue) > 50 {
			queue = queue[len(queue)-50:]
		}
		if err := run.MergeDetails(ctx, map[string]any{
			"idrac_job_queue": map[string]any{serverID: queue},
		}); err != nil {
			run.Logger().Warn("job queue merge failed", "err", err)
		}
		if remote.TaskTerminal(st.State) {
			return st, nil
		}
		if run.Now().After(deadline) {
			return st, fmt.Errorf("update still %s after %s", st.State, firmwareApplyTimeout)
		}
		if err := run.Sleep(ctx, firmwarePollEvery, firmwarePollEvery); err != nil {
			return remote.TaskState{}, err
		}
	}
}
