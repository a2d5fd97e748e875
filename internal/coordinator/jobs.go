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

package coordinator

import (
	"context"
	"fmt"
	"time"

	"flotilla/pkg/models"
)

// FetchPendingJobs returns pending jobs whose scheduled_at has passed
// (or is unset), oldest first, bounded to limit. Eligibility on
// scheduled_at is evaluated client-side so the wire query stays within
// the coordinator's eq/in/is filter set.
func (c *Client) FetchPendingJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	var rows []models.Job
	err := c.Select(ctx, "jobs", Query{
		Filters: []Filter{Eq("status", string(models.JobStatusPending))},
		Order:   "created_at.asc",
		Limit:   limit * 2,
	}, &rows)
	if err != nil {
		return nil, err
	}
	eligible := make([]models.Job, 0, len(rows))
	for _, j := range rows {
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			continue
		}
		eligible = append(eligible, j)
		if len(eligible) >= limit {
			break
		}
	}
	return eligible, nil
}

// ClaimJob attempts the pending→running compare-and-set for jobID. The
// status=eq.pending filter is the sole concurrency-control primitive:
// zero rows changed means another worker won and ErrNoRows is returned.
func (c *Client) ClaimJob(ctx context.Context, jobID, workerID string, now time.Time) (*models.Job, error) {
	patch := map[string]any{
		"status":     models.JobStatusRunning,
		"started_at": now.UTC(),
		"worker_id":  workerID,
	}
	var rows []models.Job
	err := c.Patch(ctx, "jobs", []Filter{
		Eq("id", jobID),
		Eq("status", string(models.JobStatusPending)),
	}, patch, &rows)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// GetJob re-reads a single job row.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var rows []models.Job
	if err := c.Select(ctx, "jobs", Query{Filters: []Filter{Eq("id", jobID)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// UpdateJob patches arbitrary fields on a job row.
func (c *Client) UpdateJob(ctx context.Context, jobID string, patch map[string]any) error {
	return c.Patch(ctx, "jobs", []Filter{Eq("id", jobID)}, patch, nil)
}

// InsertJob creates a job row and returns the stored representation.
func (c *Client) InsertJob(ctx context.Context, job models.Job) (*models.Job, error) {
	var rows []models.Job
	if err := c.Insert(ctx, "jobs", job, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("coordinator: insert job returned no representation")
	}
	return &rows[0], nil
}

// FetchJobsByWorker returns jobs with the given status owned by workerID.
func (c *Client) FetchJobsByWorker(ctx context.Context, workerID string, status models.JobStatus) ([]models.Job, error) {
	var rows []models.Job
	err := c.Select(ctx, "jobs", Query{Filters: []Filter{
		Eq("worker_id", workerID),
		Eq("status", string(status)),
	}}, &rows)
	return rows, err
}

// FetchJobsByType returns jobs of jobType in any of the given statuses.
func (c *Client) FetchJobsByType(ctx context.Context, jobType string, statuses ...models.JobStatus) ([]models.Job, error) {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	var rows []models.Job
	err := c.Select(ctx, "jobs", Query{Filters: []Filter{
		Eq("type", jobType),
		In("status", vals...),
	}}, &rows)
	return rows, err
}

// InsertTask creates a per-target task row.
func (c *Client) InsertTask(ctx context.Context, task models.Task) (*models.Task, error) {
	var rows []models.Task
	if err := c.Insert(ctx, "tasks", task, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("coordinator: insert task returned no representation")
	}
	return &rows[0], nil
}

// UpdateTask patches fields on a task row.
func (c *Client) UpdateTask(ctx context.Context, taskID string, patch map[string]any) error {
	return c.Patch(ctx, "tasks", []Filter{Eq("id", taskID)}, patch, nil)
}

// InsertAuditRow appends a command audit row. Best-effort at call
// sites; audit failures never fail a job.
func (c *Client) InsertAuditRow(ctx context.Context, row models.CommandAuditRow) error {
	return c.Insert(ctx, "command_audit", row, nil)
}

// GetSetting reads a single named value from the settings resource.
// Used to fetch the signing secret when it is not configured locally.
func (c *Client) GetSetting(ctx context.Context, key string) (string, error) {
	var rows []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	err := c.Select(ctx, "settings", Query{Filters: []Filter{Eq("key", key)}}, &rows)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rows[0].Value, nil
}
