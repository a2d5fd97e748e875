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

// Package models contains the shared data records exchanged with the
// coordinator. The coordinator is the system of record; the executor
// holds these rows only for the duration of a claim.
package models

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
// pending → running → {completed|failed|cancelled}.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal
// (completed, failed, or cancelled).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// TargetScope selects the remote objects a job operates on. All fields
// are optional; each handler validates the fields it requires.
type TargetScope struct {
	ServerIDs         []string `json:"server_ids,omitempty"`
	HostIDs           []string `json:"host_ids,omitempty"`
	VMIDs             []string `json:"vm_ids,omitempty"`
	TemplateID        string   `json:"template_id,omitempty"`
	ProtectionGroupID string   `json:"protection_group_id,omitempty"`
	TargetID          string   `json:"target_id,omitempty"`
}

// Job is the unit of work claimed from the coordinator. Details doubles
// as input parameters and streaming output; handlers merge into it
// rather than replacing it.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      JobStatus      `json:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	TargetScope TargetScope    `json:"target_scope"`
	Details     map[string]any `json:"details"`
	WorkerID    *string        `json:"worker_id,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Task is an optional per-target sub-unit of a job, sharing the job
// status alphabet. It lets a multi-target job report per-target outcomes.
type Task struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	TargetID    string     `json:"target_id"`
	Status      JobStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// CommandAuditRow records one outbound remote call. Append-only from the
// executor's perspective; bodies are truncated and secret-scrubbed
// before leaving the process.
type CommandAuditRow struct {
	Timestamp      time.Time `json:"timestamp"`
	JobID          string    `json:"job_id,omitempty"`
	ServerID       string    `json:"server_id,omitempty"`
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RequestBody    string    `json:"request_body,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
}

// Server is the inventory row for a managed physical server and its
// out-of-band management endpoint.
type Server struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	BMCAddress    string     `json:"bmc_address"`
	BMCUsername   string     `json:"bmc_username,omitempty"`
	BMCCredential string     `json:"bmc_credential,omitempty"` // encrypted blob; decrypt in-process, never log
	Vendor        string     `json:"vendor,omitempty"`
	PowerState    string     `json:"power_state,omitempty"`
	HealthStatus  string     `json:"health_status,omitempty"`
	LegacyTLS     bool       `json:"legacy_tls,omitempty"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
}

// Host is a hypervisor host in the managed fleet.
type Host struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Address         string `json:"address"`
	Username        string `json:"username,omitempty"`
	Credential      string `json:"credential,omitempty"` // encrypted blob
	Version         string `json:"version,omitempty"`
	MaintenanceMode bool   `json:"maintenance_mode"`
	ConnectionState string `json:"connection_state,omitempty"`
}

// ReplicationTarget is a deployed ZFS storage appliance that receives
// replicated data and exports it over NFS.
type ReplicationTarget struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	SSHUsername   string     `json:"ssh_username,omitempty"`
	SSHCredential string     `json:"ssh_credential,omitempty"` // encrypted blob
	PoolName      string     `json:"pool_name,omitempty"`
	NFSExportPath string     `json:"nfs_export_path,omitempty"`
	Status        string     `json:"status,omitempty"`
	DeployedJobID string     `json:"deployed_job_id,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// SLA status values assigned by the SLO monitor.
const (
	SLAMeeting    = "meeting_sla"
	SLAWarning    = "warning"
	SLANotMeeting = "not_meeting_sla"
	SLAPaused     = "paused"
)

// ProtectionGroup is a set of protected VMs with a common RPO target and
// replication pair; the unit the SLO monitor reasons about.
type ProtectionGroup struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Enabled           bool       `json:"enabled"`
	Paused            bool       `json:"paused"`
	Syncing           bool       `json:"syncing"`
	Schedule          string     `json:"schedule"`
	RPOMinutes        int        `json:"rpo_minutes"`
	TargetID          string     `json:"target_id,omitempty"`
	LastReplicationAt *time.Time `json:"last_replication_at,omitempty"`
	SLAStatus         string     `json:"sla_status,omitempty"`
	CurrentRPOSeconds *int64     `json:"current_rpo_seconds,omitempty"`
}

// ProtectedVM is a VM inside a protection group.
type ProtectedVM struct {
	ID                string     `json:"id"`
	ProtectionGroupID string     `json:"protection_group_id"`
	VMID              string     `json:"vm_id"`
	Name              string     `json:"name,omitempty"`
	Dataset           string     `json:"dataset,omitempty"`
	LastSnapshot      string     `json:"last_snapshot,omitempty"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
}

// ReplicationMetric is one measurement row emitted per sync run.
type ReplicationMetric struct {
	ProtectionGroupID string    `json:"protection_group_id"`
	Timestamp         time.Time `json:"timestamp"`
	BytesTransferred  int64     `json:"bytes_transferred"`
	VMCount           int       `json:"vm_count"`
	DurationSeconds   float64   `json:"duration_seconds"`
	RPOSeconds        int64     `json:"rpo_seconds"`
}

// SLAViolation is an open/resolved record per breaching group. The SLO
// monitor dedupes on (group, violation_type) while a row is open.
type SLAViolation struct {
	ID                string     `json:"id,omitempty"`
	ProtectionGroupID string     `json:"protection_group_id"`
	ViolationType     string     `json:"violation_type"`
	Message           string     `json:"message,omitempty"`
	RPOSeconds        int64      `json:"rpo_seconds,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Template is a VM template used by the ZFS target deployment.
type Template struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	VMID      string `json:"vm_id"`
	GuestUser string `json:"guest_user,omitempty"`
	GuestCred string `json:"guest_cred,omitempty"` // encrypted blob
	StaticIP  string `json:"static_ip,omitempty"`  // empty means DHCP
}

// NewJob constructs a pending job. Caller assigns the ID (uuid) before
// insert when the coordinator does not generate one.
func NewJob(jobType, createdBy string, scope TargetScope, details map[string]any) Job {
	now := time.Now().UTC()
	if details == nil {
		details = map[string]any{}
	}
	return Job{
		Type:        jobType,
		Status:      JobStatusPending,
		TargetScope: scope,
		Details:     details,
		CreatedBy:   createdBy,
		CreatedAt:   now,
	}
}
