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

package executor

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"
	"time"

	"flotilla/internal/coordinator"
	"flotilla/internal/logging"
	"flotilla/pkg/models"
)

// fakeStore is an in-memory coordinator for dispatcher and runtime
// tests. The embedded Store panics on anything not implemented here,
// which keeps the fake honest about what a test exercises.
type fakeStore struct {
	Store

	mu    sync.Mutex
	jobs  map[string]*models.Job
	tasks map[string]*models.Task
	seq   int

	// claimHook, when set, runs before a claim and can veto it.
	claimHook func(jobID string) error
}

func newFakeStore(jobs ...models.Job) *fakeStore {
	f := &fakeStore{
		jobs:  map[string]*models.Job{},
		tasks: map[string]*models.Task{},
	}
	for i := range jobs {
		j := jobs[i]
		if j.Details == nil {
			j.Details = map[string]any{}
		}
		f.jobs[j.ID] = &j
	}
	return f
}

func (f *fakeStore) snapshot(id string) *models.Job {
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	cp.Details = maps.Clone(j.Details)
	return &cp
}

func (f *fakeStore) FetchPendingJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for id, j := range f.jobs {
		if j.Status != models.JobStatusPending {
			continue
		}
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			continue
		}
		out = append(out, *f.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ClaimJob(ctx context.Context, jobID, workerID string, now time.Time) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimHook != nil {
		if err := f.claimHook(jobID); err != nil {
			return nil, err
		}
	}
	j, ok := f.jobs[jobID]
	if !ok || j.Status != models.JobStatusPending {
		return nil, coordinator.ErrNoRows
	}
	j.Status = models.JobStatusRunning
	t := now
	j.StartedAt = &t
	w := workerID
	j.WorkerID = &w
	return f.snapshot(jobID), nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.snapshot(jobID)
	if j == nil {
		return nil, coordinator.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, jobID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return coordinator.ErrNotFound
	}
	applyJobPatch(j, patch)
	return nil
}

func applyJobPatch(j *models.Job, patch map[string]any) {
	for k, v := range patch {
		switch k {
		case "status":
			switch s := v.(type) {
			case models.JobStatus:
				j.Status = s
			case string:
				j.Status = models.JobStatus(s)
			}
		case "details":
			if m, ok := v.(map[string]any); ok {
				j.Details = maps.Clone(m)
			}
		case "completed_at":
			if t, ok := v.(time.Time); ok {
				tt := t
				j.CompletedAt = &tt
			}
		case "started_at":
			if t, ok := v.(time.Time); ok {
				tt := t
				j.StartedAt = &tt
			}
		case "worker_id":
			if s, ok := v.(string); ok {
				w := s
				j.WorkerID = &w
			}
		}
	}
}

func (f *fakeStore) InsertJob(ctx context.Context, job models.Job) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		f.seq++
		job.ID = fmt.Sprintf("job-%d", f.seq)
	}
	if job.Details == nil {
		job.Details = map[string]any{}
	}
	cp := job
	f.jobs[job.ID] = &cp
	return f.snapshot(job.ID), nil
}

func (f *fakeStore) FetchJobsByWorker(ctx context.Context, workerID string, status models.JobStatus) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for id, j := range f.jobs {
		if j.Status == status && j.WorkerID != nil && *j.WorkerID == workerID {
			out = append(out, *f.snapshot(id))
		}
	}
	return out, nil
}

func (f *fakeStore) FetchJobsByType(ctx context.Context, jobType string, statuses ...models.JobStatus) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for id, j := range f.jobs {
		if j.Type != jobType {
			continue
		}
		for _, s := range statuses {
			if j.Status == s {
				out = append(out, *f.snapshot(id))
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, task models.Task) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	task.ID = fmt.Sprintf("task-%d", f.seq)
	cp := task
	f.tasks[task.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, taskID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return coordinator.ErrNotFound
	}
	for k, v := range patch {
		switch k {
		case "status":
			switch s := v.(type) {
			case models.JobStatus:
				task.Status = s
			case string:
				task.Status = models.JobStatus(s)
			}
		case "error":
			if s, ok := v.(string); ok {
				e := s
				task.Error = &e
			}
		case "completed_at":
			if t, ok := v.(time.Time); ok {
				tt := t
				task.CompletedAt = &tt
			}
		}
	}
	return nil
}

func (f *fakeStore) InsertAuditRow(ctx context.Context, row models.CommandAuditRow) error {
	return nil
}

func (f *fakeStore) jobStatus(id string) models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return j.Status
	}
	return ""
}

func (f *fakeStore) jobDetails(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return maps.Clone(j.Details)
	}
	return nil
}

func (f *fakeStore) jobsOfType(jobType string) []models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for id, j := range f.jobs {
		if j.Type == jobType {
			out = append(out, *f.snapshot(id))
		}
	}
	return out
}

func testRuntime(fs *fakeStore) *Runtime {
	return &Runtime{
		Store:    fs,
		Logger:   logging.NewWithWriter("error", io.Discard),
		WorkerID: "worker-test",
	}
}

func pendingJob(id, jobType string) models.Job {
	return models.Job{
		ID:        id,
		Type:      jobType,
		Status:    models.JobStatusPending,
		Details:   map[string]any{},
		CreatedAt: time.Now().Add(-time.Minute),
	}
}

func runningJob(id, jobType, workerID string, startedAgo time.Duration) models.Job {
	started := time.Now().Add(-startedAgo)
	w := workerID
	return models.Job{
		ID:        id,
		Type:      jobType,
		Status:    models.JobStatusRunning,
		StartedAt: &started,
		WorkerID:  &w,
		Details:   map[string]any{},
		CreatedAt: started,
	}
}
