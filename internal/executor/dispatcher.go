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
	"sync"
	"time"

	"flotilla/internal/coordinator"
	"flotilla/internal/metrics"
	"flotilla/pkg/models"
)

// Options tune the claim/dispatch loop.
type Options struct {
	PollInterval time.Duration // default 5s
	ClaimBatch   int           // default 10
	Concurrency  int           // default 4
	StaleRunning time.Duration // default 10m
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.StaleRunning <= 0 {
		o.StaleRunning = 10 * time.Minute
	}
}

// Dispatcher polls the coordinator for eligible pending jobs, claims
// them with a compare-and-set, and runs each claimed job on a bounded
// worker pool. Claiming is the only coordination between workers;
// there is no peer awareness.
type Dispatcher struct {
	rt   *Runtime
	reg  *Registry
	opts Options

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewDispatcher wires a dispatcher; opts fields at zero take defaults.
func NewDispatcher(rt *Runtime, reg *Registry, opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		rt:    rt,
		reg:   reg,
		opts:  opts,
		slots: make(chan struct{}, opts.Concurrency),
	}
}

// Start runs crash recovery and the periodic bootstrap, then polls
// until ctx is cancelled. It blocks; in-flight handlers get ctx's
// cancellation and their unfinished rows are recovered on next start.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverOrphans(ctx); err != nil {
		// Startup recovery is best-effort: a flaky coordinator must
		// not keep the worker down.
		d.rt.Logger.Warn("startup recovery incomplete", slog.String("err", err.Error()))
	}
	if err := d.bootstrapPeriodics(ctx); err != nil {
		d.rt.Logger.Warn("periodic bootstrap incomplete", slog.String("err", err.Error()))
	}

	d.rt.Logger.Info("dispatcher started",
		slog.String("worker_id", d.rt.WorkerID),
		slog.Duration("poll_interval", d.opts.PollInterval),
		slog.Int("concurrency", d.opts.Concurrency))

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.rt.Logger.Info("dispatcher stopping, waiting for in-flight jobs")
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

// pollOnce fetches one batch and claims what fits in free slots. A
// coordinator error skips the cycle; the fixed poll interval is the
// only backoff.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	jobs, err := d.rt.Store.FetchPendingJobs(ctx, d.opts.ClaimBatch, d.rt.now())
	if err != nil {
		if ctx.Err() == nil {
			d.rt.Logger.Warn("poll failed", slog.String("err", err.Error()))
		}
		return
	}
	for _, job := range jobs {
		select {
		case d.slots <- struct{}{}:
		default:
			return // pool full; leave the rest for the next cycle
		}
		claimed, err := d.rt.Store.ClaimJob(ctx, job.ID, d.rt.WorkerID, d.rt.now())
		if err != nil {
			<-d.slots
			if errors.Is(err, coordinator.ErrNoRows) || errors.Is(err, coordinator.ErrNotFound) || errors.Is(err, coordinator.ErrConflict) {
				metrics.IncClaim(metrics.ClaimLost)
				continue
			}
			if ctx.Err() == nil {
				d.rt.Logger.Warn("claim failed",
					slog.String("job_id", job.ID),
					slog.String("err", err.Error()))
			}
			continue
		}
		metrics.IncClaim(metrics.ClaimWon)
		d.wg.Add(1)
		go func(j *models.Job) {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			d.execute(ctx, j)
		}(claimed)
	}
}

// execute runs one claimed job to a terminal state, whatever the
// handler does. Panics become failed jobs, not dead workers.
func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	run := NewRun(d.rt, job)
	start := d.rt.now()

	handler, ok := d.reg.Lookup(job.Type)
	if !ok {
		run.Errorf(ctx, "no handler registered for job type %q", job.Type)
		if err := run.Fail(ctx, fmt.Sprintf("unknown job type %q", job.Type)); err != nil {
			d.rt.Logger.Error("failed to finalize unknown-type job",
				slog.String("job_id", job.ID), slog.String("err", err.Error()))
		}
		metrics.ObserveHandler(job.Type, "unknown_type", d.rt.now().Sub(start))
		return
	}

	err := d.invoke(ctx, handler, run)
	outcome := d.finalize(ctx, run, err)
	metrics.ObserveHandler(job.Type, outcome, d.rt.now().Sub(start))

	if handler.Periodic {
		if serr := d.ensureSuccessor(ctx, handler, job.ID); serr != nil {
			d.rt.Logger.Error("periodic successor scheduling failed",
				slog.String("job_type", handler.Type),
				slog.String("err", serr.Error()))
		}
	}
}

// invoke calls the handler with panic containment.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, run *Run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("Unexpected error: %v", rec)
			run.Logger().Error("handler panicked", slog.Any("panic", rec))
		}
	}()
	return h.Run(ctx, run)
}

// finalize guarantees the job row ends terminal and returns the
// outcome label for metrics.
func (d *Dispatcher) finalize(ctx context.Context, run *Run, handlerErr error) string {
	if errors.Is(handlerErr, ErrCancelled) {
		if err := run.Cancelled(ctx); err != nil && !errors.Is(err, ErrCancelled) {
			run.Logger().Error("cancel finalize failed", slog.String("err", err.Error()))
		}
		return string(models.JobStatusCancelled)
	}

	cur, err := d.rt.Store.GetJob(ctx, run.Job().ID)
	if err != nil {
		run.Logger().Error("finalize read failed", slog.String("err", err.Error()))
		cur = run.Job()
	}

	if handlerErr != nil {
		if !cur.Status.IsTerminal() {
			if ferr := run.Fail(ctx, handlerErr.Error()); ferr != nil && !errors.Is(ferr, ErrCancelled) {
				run.Logger().Error("failure finalize failed", slog.String("err", ferr.Error()))
			}
		}
		return string(models.JobStatusFailed)
	}

	if !cur.Status.IsTerminal() {
		// A handler that returns nil without terminating its job is a
		// bug; surface it on the row rather than leaking a running job.
		run.Logger().Error("handler returned without terminating job")
		if ferr := run.Fail(ctx, "handler did not terminate job"); ferr != nil && !errors.Is(ferr, ErrCancelled) {
			run.Logger().Error("non-terminal finalize failed", slog.String("err", ferr.Error()))
		}
		return "non_terminal"
	}
	return string(cur.Status)
}
