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
	"strings"
	"testing"

	"flotilla/internal/remote"
	"flotilla/pkg/models"
)

func firmwareJob(imageURI string, serverIDs ...string) models.Job {
	return models.Job{
		ID:          "fw-1",
		Type:        "firmware_apply",
		TargetScope: models.TargetScope{ServerIDs: serverIDs},
		Details:     map[string]any{"image_uri": imageURI},
	}
}

func TestFirmwareApplyFollowsTaskQueueToCompletion(t *testing.T) {
	fs := newHandlerStore()
	addServer(t, fs, "s1", "On")
	bmc := &fakeRedfish{
		state:    "On",
		taskPath: "/redfish/v1/TaskService/Tasks/JID_1",
		taskStates: []remote.TaskState{
			{ID: "JID_1", State: "Running", Percent: 10},
			{ID: "JID_1", State: "Running", Percent: 60},
			{ID: "JID_1", State: "Completed", Percent: 100},
		},
	}
	run := newHandlerRun(t, fs, firmwareJob("https://repo.local/bios.exe", "s1"))

	h := &FirmwareApply{deps: redfishDeps(map[string]*fakeRedfish{"s1": bmc})}
	if err := h.Run(context.Background(), run); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fs.jobStatus("fw-1"); got != models.JobStatusCompleted {
		t.Fatalf("status = %s, details = %v", got, fs.jobDetails("fw-1"))
	}

	// Every observed task state was mirrored onto the job row.
	queue, _ := fs.jobDetails("fw-1")["idrac_job_queue"].(map[string]any)
	entries, _ := queue["s1"].([]map[string]any)
	if len(entries) != 3 {
		t.Fatalf("job queue has %d entries, want 3", len(entries))
	}
	if entries[0]["state"] != "Running" || entries[2]["state"] != "Completed" {
		t.Fatalf("queue states = %v", entries)
	}
	if entries[2]["percent"] != 100 {
		t.Errorf("final percent = %v", entries[2]["percent"])
	}
}

func TestFirmwareApplyNonCompletedTerminalStateFails(t *testing.T) {
	fs := newHandlerStore()
	addServer(t, fs, "s1", "On")
	bmc := &fakeRedfish{
		state:    "On",
		taskPath: "/redfish/v1/TaskService/Tasks/JID_2",
		taskStates: []remote.TaskState{
			{ID: "JID_2", State: "Running", Percent: 30},
			{ID: "JID_2", State: "Exception", Percent: 30, StatusText: "Critical"},
		},
	}
	run := newHandlerRun(t, fs, firmwareJob("https://repo.local/bios.exe", "s1"))

	h := &FirmwareApply{deps: redfishDeps(map[string]*fakeRedfish{"s1": bmc})}
	if err := h.Run(context.Background(), run); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fs.jobStatus("fw-1"); got != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed (single target, update ended Exception)", got)
	}
	errMsg, _ := fs.jobDetails("fw-1")["error"].(string)
	if !strings.Contains(errMsg, "all 1 targets failed") {
		t.Fatalf("details.error = %q", errMsg)
	}
}

func TestFirmwareApplyRejectsNonHTTPImage(t *testing.T) {
	fs := newHandlerStore()
	addServer(t, fs, "s1", "On")
	run := newHandlerRun(t, fs, firmwareJob("ftp://repo.local/bios.exe", "s1"))

	h := &FirmwareApply{deps: redfishDeps(map[string]*fakeRedfish{"s1": {}})}
	if err := h.Run(context.Background(), run); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fs.jobStatus("fw-1"); got != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed on unsupported scheme", got)
	}
}
