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
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flotilla/pkg/models"
)

// recoverOrphans fails any running jobs still attributed to this worker
// id from a previous life. Runs once at startup, before the first poll.
func (d *Dispatcher) recoverOrphans(ctx context.Context) error {
	orphans, err := d.rt.Store.FetchJobsByWorker(ctx, d.rt.WorkerID, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("fetch orphaned jobs: %w", err)
	}
	for _, job := range orphans {
		d.rt.Logger.Warn("recovering orphaned job",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type))
		details := mergeMaps(job.Details, map[string]any{
			"auto_recovered": true,
			"error":          "worker restarted during execution",
		})
		patch := map[string]any{
			"status":       models.JobStatusFailed,
			"completed_at": d.rt.now(),
			"details":      details,
		}
		if err := d.rt.Store.UpdateJob(ctx, job.ID, patch); err != nil {
			return fmt.Errorf("recover job %s: %w", job.ID, err)
		}
	}
	return nil
}

// bootstrapPeriodics guarantees each periodic type has a live chain:
// if no pending or fresh running row exists, one is inserted scheduled
// for now. Safe to run on every worker start; the scan-then-insert
// window can at worst double-insert, and the claim CAS makes the
// duplicate harmless.
func (d *Dispatcher) bootstrapPeriodics(ctx context.Context) error {
	for _, h := range d.reg.Periodics() {
		if err := d.schedulePeriodic(ctx, h, 0, ""); err != nil {
			return fmt.Errorf("bootstrap %s: %w", h.Type, err)
		}
	}
	return nil
}

// ensureSuccessor inserts the next run of a periodic handler after an
// invocation, skipping when a live row already exists. excludeJobID is
// the invocation that just finished, which must not count as live.
func (d *Dispatcher) ensureSuccessor(ctx context.Context, h Handler, excludeJobID string) error {
	return d.schedulePeriodic(ctx, h, h.Interval, excludeJobID)
}

func (d *Dispatcher) schedulePeriodic(ctx context.Context, h Handler, delay time.Duration, excludeJobID string) error {
	rows, err := d.rt.Store.FetchJobsByType(ctx, h.Type,
		models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("scan existing %s rows: %w", h.Type, err)
	}

	now := d.rt.now()
	alive := false
	for _, row := range rows {
		if row.ID == excludeJobID {
			continue
		}
		if row.Status == models.JobStatusRunning {
			if d.isStale(row, now) {
				d.reapStale(ctx, row)
				continue
			}
		}
		alive = true
	}
	if alive {
		return nil
	}

	sched := now.Add(delay)
	job := models.NewJob(h.Type, "executor:"+d.rt.WorkerID, models.TargetScope{}, nil)
	job.ID = uuid.NewString()
	job.ScheduledAt = &sched
	if _, err := d.rt.Store.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("insert %s successor: %w", h.Type, err)
	}
	d.rt.Logger.Info("periodic scheduled",
		slog.String("job_type", h.Type),
		slog.Time("scheduled_at", sched))
	return nil
}

// isStale reports whether a running periodic row has outlived the
// stale-running timeout; such rows belong to a dead worker.
func (d *Dispatcher) isStale(row models.Job, now time.Time) bool {
	ref := row.CreatedAt
	if row.StartedAt != nil {
		ref = *row.StartedAt
	}
	return now.Sub(ref) > d.opts.StaleRunning
}

// reapStale fails a stale running row regardless of owner so the chain
// can continue. Best-effort; a lost race with the owner is fine.
func (d *Dispatcher) reapStale(ctx context.Context, row models.Job) {
	d.rt.Logger.Warn("reaping stale periodic run",
		slog.String("job_id", row.ID),
		slog.String("job_type", row.Type))
	details := mergeMaps(row.Details, map[string]any{
		"auto_recovered": true,
		"error":          "stale running job reaped by " + d.rt.WorkerID,
	})
	patch := map[string]any{
		"status":       models.JobStatusFailed,
		"completed_at": d.rt.now(),
		"details":      details,
	}
	if err := d.rt.Store.UpdateJob(ctx, row.ID, patch); err != nil {
		d.rt.Logger.Warn("stale reap failed",
			slog.String("job_id", row.ID),
			slog.String("err", err.Error()))
	}
}
