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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flotilla/internal/audit"
	"flotilla/internal/metrics"
	"flotilla/internal/sessions"
	"flotilla/pkg/crypto"
	"flotilla/pkg/models"
	"flotilla/pkg/signing"
)

// ErrCancelled is returned from cancellation checkpoints once the
// coordinator has marked the job cancelled.
var ErrCancelled = errors.New("job cancelled")

// MaxConsoleLines bounds details.console_log; oldest lines are evicted.
const MaxConsoleLines = 100

// Runtime carries the process-wide dependencies a handler invocation
// needs. One Runtime serves all jobs of a worker.
type Runtime struct {
	Store    Store
	Sessions *sessions.Manager
	Audit    *audit.Recorder
	Crypto   *crypto.Encryptor
	Signer   *signing.Signer
	Logger   *slog.Logger
	WorkerID string

	// Now is stubbed in tests; defaults to time.Now.
	Now func() time.Time
}

func (rt *Runtime) now() time.Time {
	if rt.Now != nil {
		return rt.Now().UTC()
	}
	return time.Now().UTC()
}

// Run is the per-job handle passed to a handler. It wraps one claimed
// job and funnels all status, details, task, and audit writes through
// the coordinator.
type Run struct {
	rt  *Runtime
	job *models.Job
	log *slog.Logger

	progress   int
	phase      string
	phaseStart time.Time
}

// NewRun wraps one claimed job. The dispatcher calls this for every
// claimed row; handler tests call it directly with a fake store.
func NewRun(rt *Runtime, job *models.Job) *Run {
	return &Run{
		rt:  rt,
		job: job,
		log: rt.Logger.With(
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type)),
	}
}

// Job returns the claimed row as last observed.
func (r *Run) Job() *models.Job { return r.job }

// Store exposes the coordinator for inventory reads and patches.
func (r *Run) Store() Store { return r.rt.Store }

// Sessions exposes the shared per-endpoint session manager.
func (r *Run) Sessions() *sessions.Manager { return r.rt.Sessions }

// Audit exposes the shared command-audit recorder.
func (r *Run) Audit() *audit.Recorder { return r.rt.Audit }

// Signer exposes the outbound-callback signer; nil when unconfigured.
func (r *Run) Signer() *signing.Signer { return r.rt.Signer }

// Logger returns the job-scoped logger.
func (r *Run) Logger() *slog.Logger { return r.log }

// Now returns the runtime clock reading.
func (r *Run) Now() time.Time { return r.rt.now() }

// WorkerID returns the owning worker's identity.
func (r *Run) WorkerID() string { return r.rt.WorkerID }

// Decrypt recovers a stored credential for in-process use. The
// plaintext must never be written back to the coordinator or logged.
func (r *Run) Decrypt(blob string) (string, error) {
	if r.rt.Crypto == nil {
		return "", errors.New("runtime: no credential key configured")
	}
	return r.rt.Crypto.Decrypt(blob)
}

// SetStatus transitions the job. Terminal states are absorbing: once
// the stored row is terminal the patch is skipped and, for cancelled
// rows, ErrCancelled is returned so phase loops unwind.
func (r *Run) SetStatus(ctx context.Context, status models.JobStatus) error {
	cur, err := r.rt.Store.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("runtime: read job before status change: %w", err)
	}
	if cur.Status.IsTerminal() {
		r.job = cur
		if cur.Status == models.JobStatusCancelled {
			return ErrCancelled
		}
		return nil
	}
	patch := map[string]any{"status": status}
	if status.IsTerminal() {
		patch["completed_at"] = r.rt.now()
	}
	if err := r.rt.Store.UpdateJob(ctx, r.job.ID, patch); err != nil {
		return fmt.Errorf("runtime: set status %s: %w", status, err)
	}
	r.job.Status = status
	return nil
}

// MergeDetails deep-merges patch into details with a read-modify-write
// cycle. Nested maps merge recursively; every other value, arrays
// included, is replaced wholesale.
func (r *Run) MergeDetails(ctx context.Context, patch map[string]any) error {
	cur, err := r.rt.Store.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("runtime: read job before details merge: %w", err)
	}
	merged := mergeMaps(cur.Details, patch)
	if err := r.rt.Store.UpdateJob(ctx, r.job.ID, map[string]any{"details": merged}); err != nil {
		return fmt.Errorf("runtime: merge details: %w", err)
	}
	r.job.Details = merged
	return nil
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeMaps(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// StepResult appends a {step, status, message} record to
// details.step_results. Records stay in execution order; the merge
// replaces the whole array, so the current list is read first.
func (r *Run) StepResult(ctx context.Context, step, status, message string) error {
	cur, err := r.rt.Store.GetJob(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("runtime: read job before step append: %w", err)
	}
	var steps []any
	if existing, ok := cur.Details["step_results"].([]any); ok {
		steps = existing
	}
	steps = append(steps, map[string]any{
		"step":    step,
		"status":  status,
		"message": message,
	})
	return r.MergeDetails(ctx, map[string]any{"step_results": steps})
}

// SetProgress merges progress_percent, clamped to [0,100] and never
// moving backwards.
func (r *Run) SetProgress(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < r.progress {
		percent = r.progress
	}
	r.progress = percent
	return r.MergeDetails(ctx, map[string]any{"progress_percent": percent})
}

// SetPhase records the current phase and emits the duration of the one
// it replaces.
func (r *Run) SetPhase(ctx context.Context, phase string) error {
	now := r.rt.now()
	if r.phase != "" && !r.phaseStart.IsZero() {
		metrics.ObservePhase(r.job.Type, r.phase, now.Sub(r.phaseStart))
	}
	r.phase = phase
	r.phaseStart = now
	return r.MergeDetails(ctx, map[string]any{"current_phase": phase})
}

// Console appends a `[HH:MM:SS] LEVEL: msg` line to details.console_log,
// evicting the oldest lines beyond MaxConsoleLines. Best-effort: a
// failed append is logged and swallowed.
func (r *Run) Console(ctx context.Context, level, format string, args ...any) {
	line := fmt.Sprintf("[%s] %s: %s",
		r.rt.now().Format("15:04:05"),
		level,
		fmt.Sprintf(format, args...))

	cur, err := r.rt.Store.GetJob(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("console append read failed", slog.String("err", err.Error()))
		return
	}
	var lines []any
	if existing, ok := cur.Details["console_log"].([]any); ok {
		lines = existing
	}
	lines = append(lines, line)
	if len(lines) > MaxConsoleLines {
		lines = lines[len(lines)-MaxConsoleLines:]
	}
	if err := r.MergeDetails(ctx, map[string]any{"console_log": lines}); err != nil {
		r.log.Warn("console append failed", slog.String("err", err.Error()))
	}
}

// Infof logs and appends one console line at INFO.
func (r *Run) Infof(ctx context.Context, format string, args ...any) {
	r.log.Info(fmt.Sprintf(format, args...))
	r.Console(ctx, "INFO", format, args...)
}

// Warnf logs and appends one console line at WARN.
func (r *Run) Warnf(ctx context.Context, format string, args ...any) {
	r.log.Warn(fmt.Sprintf(format, args...))
	r.Console(ctx, "WARN", format, args...)
}

// Errorf logs and appends one console line at ERROR.
func (r *Run) Errorf(ctx context.Context, format string, args ...any) {
	r.log.Error(fmt.Sprintf(format, args...))
	r.Console(ctx, "ERROR", format, args...)
}

// CheckCancelled is the cooperative cancellation checkpoint. It
// re-reads the job and returns ErrCancelled when the coordinator has
// marked it cancelled. Called between phases and inside polling waits.
func (r *Run) CheckCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := r.rt.Store.GetJob(ctx, r.job.ID)
	if err != nil {
		// A flaky read must not kill a long workflow; the next
		// checkpoint will see the cancellation.
		r.log.Warn("cancellation check read failed", slog.String("err", err.Error()))
		return nil
	}
	r.job = cur
	if cur.Status == models.JobStatusCancelled {
		return ErrCancelled
	}
	return nil
}

// Sleep waits d, returning early on context cancellation or job
// cancellation (polled every pollEvery).
func (r *Run) Sleep(ctx context.Context, d, pollEvery time.Duration) error {
	if pollEvery <= 0 || pollEvery > d {
		pollEvery = d
	}
	deadline := r.rt.now().Add(d)
	for {
		if err := r.CheckCancelled(ctx); err != nil {
			return err
		}
		remaining := deadline.Sub(r.rt.now())
		if remaining <= 0 {
			return nil
		}
		step := pollEvery
		if remaining < step {
			step = remaining
		}
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CreateTask opens a per-target task row in running state.
func (r *Run) CreateTask(ctx context.Context, targetID string) (*models.Task, error) {
	now := r.rt.now()
	task := models.Task{
		JobID:     r.job.ID,
		TargetID:  targetID,
		Status:    models.JobStatusRunning,
		StartedAt: &now,
	}
	created, err := r.rt.Store.InsertTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("runtime: create task for %s: %w", targetID, err)
	}
	return created, nil
}

// FinishTask closes a task row. errMsg empty means success.
func (r *Run) FinishTask(ctx context.Context, taskID string, status models.JobStatus, errMsg string) error {
	patch := map[string]any{
		"status":       status,
		"completed_at": r.rt.now(),
	}
	if errMsg != "" {
		patch["error"] = errMsg
	}
	if err := r.rt.Store.UpdateTask(ctx, taskID, patch); err != nil {
		return fmt.Errorf("runtime: finish task %s: %w", taskID, err)
	}
	return nil
}

// Fail records the failure reason and moves the job to failed. The
// phase name, when set, lands in details.failed_phase.
func (r *Run) Fail(ctx context.Context, reason string) error {
	patch := map[string]any{"error": reason}
	if r.phase != "" {
		patch["failed_phase"] = r.phase
	}
	if err := r.MergeDetails(ctx, patch); err != nil {
		r.log.Warn("failure details merge failed", slog.String("err", err.Error()))
	}
	return r.SetStatus(ctx, models.JobStatusFailed)
}

// Complete moves the job to completed with progress forced to 100.
func (r *Run) Complete(ctx context.Context) error {
	if err := r.SetProgress(ctx, 100); err != nil {
		r.log.Warn("completion progress merge failed", slog.String("err", err.Error()))
	}
	return r.SetStatus(ctx, models.JobStatusCompleted)
}

// Cancelled finalizes a cooperatively cancelled job: cleanup already
// ran, the status is confirmed cancelled, and a console line records
// where the workflow stopped.
func (r *Run) Cancelled(ctx context.Context) error {
	r.Console(ctx, "WARN", "cancelled by user during %s", r.phaseOrStart())
	return r.SetStatus(ctx, models.JobStatusCancelled)
}

func (r *Run) phaseOrStart() string {
	if r.phase == "" {
		return "startup"
	}
	return r.phase
}
