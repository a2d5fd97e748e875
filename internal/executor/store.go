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

// Package executor contains the claim/dispatch loop, the per-job
// runtime handed to workflow handlers, and the self-scheduling support
// for periodic job types. The coordinator remains the system of record
// throughout; the executor keeps no durable state of its own.
package executor

import (
	"context"
	"time"

	"flotilla/pkg/models"
)

// Store is the coordinator surface the executor and handlers depend
// on. *coordinator.Client satisfies it; tests embed the interface in a
// fake and override the methods they exercise.
type Store interface {
	// Job lifecycle.
	FetchPendingJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	ClaimJob(ctx context.Context, jobID, workerID string, now time.Time) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, jobID string, patch map[string]any) error
	InsertJob(ctx context.Context, job models.Job) (*models.Job, error)
	FetchJobsByWorker(ctx context.Context, workerID string, status models.JobStatus) ([]models.Job, error)
	FetchJobsByType(ctx context.Context, jobType string, statuses ...models.JobStatus) ([]models.Job, error)
	InsertTask(ctx context.Context, task models.Task) (*models.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch map[string]any) error
	InsertAuditRow(ctx context.Context, row models.CommandAuditRow) error
	GetSetting(ctx context.Context, key string) (string, error)

	// Inventory.
	GetServer(ctx context.Context, id string) (*models.Server, error)
	GetServers(ctx context.Context, ids []string) ([]models.Server, error)
	PatchServer(ctx context.Context, id string, patch map[string]any) error
	GetHost(ctx context.Context, id string) (*models.Host, error)
	ListHosts(ctx context.Context) ([]models.Host, error)
	PatchHost(ctx context.Context, id string, patch map[string]any) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetReplicationTarget(ctx context.Context, id string) (*models.ReplicationTarget, error)
	InsertReplicationTarget(ctx context.Context, t models.ReplicationTarget) (*models.ReplicationTarget, error)
	PatchReplicationTarget(ctx context.Context, id string, patch map[string]any) error
	ListProtectionGroups(ctx context.Context) ([]models.ProtectionGroup, error)
	GetProtectionGroup(ctx context.Context, id string) (*models.ProtectionGroup, error)
	PatchProtectionGroup(ctx context.Context, id string, patch map[string]any) error
	ListProtectedVMs(ctx context.Context, groupID string) ([]models.ProtectedVM, error)
	PatchProtectedVM(ctx context.Context, id string, patch map[string]any) error
	InsertReplicationMetric(ctx context.Context, m models.ReplicationMetric) error
	ListOpenViolations(ctx context.Context, groupID, violationType string) ([]models.SLAViolation, error)
	InsertViolation(ctx context.Context, v models.SLAViolation) error
	ResolveViolation(ctx context.Context, id string, patch map[string]any) error
}
