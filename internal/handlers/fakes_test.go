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
	"fmt"
	"io"
	"maps"
	"sync"
	"testing"
	"time"

	"flotilla/internal/executor"
	"flotilla/internal/logging"
	"flotilla/internal/remote"
	"flotilla/pkg/crypto"
	"flotilla/pkg/models"
)

// testEnc is the shared credential key for handler tests.
var testEnc = func() *crypto.Encryptor {
	e, err := crypto.NewEncryptor("handler-test-key")
	if err != nil {
		panic(err)
	}
	return e
}()

func encrypt(t *testing.T, plaintext string) string {
	t.Helper()
	blob, err := testEnc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return blob
}

// fakeClock advances ten seconds on every read so polling waits inside
// handlers expire without real sleeps. Deterministic starting point.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(10 * time.Second)
	return c.t
}

func (c *fakeClock) base() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// fakeStore is the in-memory coordinator for handler tests. The
// embedded Store panics on anything not implemented here, which keeps
// the fake honest about what a test exercises.
type fakeStore struct {
	executor.Store

	mu         sync.Mutex
	jobs       map[string]*models.Job
	tasks      map[string]*models.Task
	servers    map[string]*models.Server
	hosts      map[string]*models.Host
	templates  map[string]*models.Template
	targets    map[string]*models.ReplicationTarget
	groups     map[string]*models.ProtectionGroup
	vms        map[string]*models.ProtectedVM
	violations map[string]*models.SLAViolation
	metrics    []models.ReplicationMetric
	settings   map[string]string
	seq        int

	// phaseLog records every distinct current_phase value written, in
	// order, so phase-walk tests can assert the sequence.
	phaseLog []string
}

func newHandlerStore() *fakeStore {
	return &fakeStore{
		jobs:       map[string]*models.Job{},
		tasks:      map[string]*models.Task{},
		servers:    map[string]*models.Server{},
		hosts:      map[string]*models.Host{},
		templates:  map[string]*models.Template{},
		targets:    map[string]*models.ReplicationTarget{},
		groups:     map[string]*models.ProtectionGroup{},
		vms:        map[string]*models.ProtectedVM{},
		violations: map[string]*models.SLAViolation{},
		settings:   map[string]string{},
	}
}

// newHandlerRun stores job as a claimed running row and wraps it the
// way the dispatcher would.
func newHandlerRun(t *testing.T, fs *fakeStore, job models.Job) *executor.Run {
	t.Helper()
	job.Status = models.JobStatusRunning
	if job.Details == nil {
		job.Details = map[string]any{}
	}
	cp := job
	fs.jobs[job.ID] = &cp
	rt := &executor.Runtime{
		Store:    fs,
		Crypto:   testEnc,
		Logger:   logging.NewWithWriter("error", io.Discard),
		WorkerID: "worker-test",
		Now:      newFakeClock().Now,
	}
	return executor.NewRun(rt, &job)
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *j
	cp.Details = maps.Clone(j.Details)
	return &cp, nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, jobID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
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
				if phase, ok := m["current_phase"].(string); ok {
					if len(f.phaseLog) == 0 || f.phaseLog[len(f.phaseLog)-1] != phase {
						f.phaseLog = append(f.phaseLog, phase)
					}
				}
				j.Details = maps.Clone(m)
			}
		case "completed_at":
			if t, ok := v.(time.Time); ok {
				tt := t
				j.CompletedAt = &tt
			}
		}
	}
	return nil
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
	out := cp
	return &out, nil
}

func (f *fakeStore) FetchJobsByType(ctx context.Context, jobType string, statuses ...models.JobStatus) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.Type != jobType {
			continue
		}
		for _, s := range statuses {
			if j.Status == s {
				cp := *j
				cp.Details = maps.Clone(j.Details)
				out = append(out, cp)
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
		return fmt.Errorf("task %s not found", taskID)
	}
	if s, ok := patch["status"].(models.JobStatus); ok {
		task.Status = s
	}
	if e, ok := patch["error"].(string); ok {
		msg := e
		task.Error = &msg
	}
	return nil
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s not found", key)
	}
	return v, nil
}

func (f *fakeStore) GetServers(ctx context.Context, ids []string) ([]models.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Server
	for _, id := range ids {
		if s, ok := f.servers[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) PatchServer(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return fmt.Errorf("server %s not found", id)
	}
	if v, ok := patch["power_state"].(string); ok {
		s.PowerState = v
	}
	if v, ok := patch["health_status"].(string); ok {
		s.HealthStatus = v
	}
	if v, ok := patch["last_seen_at"].(time.Time); ok {
		t := v
		s.LastSeenAt = &t
	}
	return nil
}

func (f *fakeStore) GetHost(ctx context.Context, id string) (*models.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s not found", id)
	}
	cp := *h
	return &cp, nil
}

func (f *fakeStore) PatchHost(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return fmt.Errorf("host %s not found", id)
	}
	if v, ok := patch["version"].(string); ok {
		h.Version = v
	}
	if v, ok := patch["maintenance_mode"].(bool); ok {
		h.MaintenanceMode = v
	}
	return nil
}

func (f *fakeStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s not found", id)
	}
	cp := *tpl
	return &cp, nil
}

func (f *fakeStore) GetReplicationTarget(ctx context.Context, id string) (*models.ReplicationTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) InsertReplicationTarget(ctx context.Context, t models.ReplicationTarget) (*models.ReplicationTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t.ID = fmt.Sprintf("target-%d", f.seq)
	cp := t
	f.targets[t.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) PatchReplicationTarget(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return fmt.Errorf("target %s not found", id)
	}
	if v, ok := patch["status"].(string); ok {
		t.Status = v
	}
	return nil
}

func (f *fakeStore) ListProtectionGroups(ctx context.Context) ([]models.ProtectionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProtectionGroup
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeStore) GetProtectionGroup(ctx context.Context, id string) (*models.ProtectionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s not found", id)
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) PatchProtectionGroup(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return fmt.Errorf("group %s not found", id)
	}
	if v, ok := patch["syncing"].(bool); ok {
		g.Syncing = v
	}
	if v, ok := patch["sla_status"].(string); ok {
		g.SLAStatus = v
	}
	if v, ok := patch["last_replication_at"].(time.Time); ok {
		t := v
		g.LastReplicationAt = &t
	}
	if v, ok := patch["current_rpo_seconds"].(int64); ok {
		rpo := v
		g.CurrentRPOSeconds = &rpo
	} else if v, ok := patch["current_rpo_seconds"].(int); ok {
		rpo := int64(v)
		g.CurrentRPOSeconds = &rpo
	}
	return nil
}

func (f *fakeStore) ListProtectedVMs(ctx context.Context, groupID string) ([]models.ProtectedVM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProtectedVM
	for _, vm := range f.vms {
		if vm.ProtectionGroupID == groupID {
			out = append(out, *vm)
		}
	}
	return out, nil
}

func (f *fakeStore) PatchProtectedVM(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return fmt.Errorf("protected vm %s not found", id)
	}
	if v, ok := patch["last_snapshot"].(string); ok {
		vm.LastSnapshot = v
	}
	if v, ok := patch["last_sync_at"].(time.Time); ok {
		t := v
		vm.LastSyncAt = &t
	}
	return nil
}

func (f *fakeStore) InsertReplicationMetric(ctx context.Context, m models.ReplicationMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
	return nil
}

func (f *fakeStore) ListOpenViolations(ctx context.Context, groupID, violationType string) ([]models.SLAViolation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SLAViolation
	for _, v := range f.violations {
		if v.ProtectionGroupID == groupID && v.ViolationType == violationType && v.ResolvedAt == nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertViolation(ctx context.Context, v models.SLAViolation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	v.ID = fmt.Sprintf("violation-%d", f.seq)
	cp := v
	f.violations[v.ID] = &cp
	return nil
}

func (f *fakeStore) ResolveViolation(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.violations[id]
	if !ok {
		return fmt.Errorf("violation %s not found", id)
	}
	if t, ok := patch["resolved_at"].(time.Time); ok {
		tt := t
		v.ResolvedAt = &tt
	}
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
	for _, j := range f.jobs {
		if j.Type == jobType {
			cp := *j
			cp.Details = maps.Clone(j.Details)
			out = append(out, cp)
		}
	}
	return out
}

// fakeRedfish scripts one BMC per server id.
type fakeRedfish struct {
	mu       sync.Mutex
	state    string
	health   string
	stateErr error
	resetErr error
	resets   []string

	// Firmware scripting: SimpleUpdate hands back taskPath and Task
	// walks taskStates, holding the last one.
	taskPath   string
	updateErr  error
	taskStates []remote.TaskState
	taskIdx    int
}

func (r *fakeRedfish) PowerState(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.stateErr
}

func (r *fakeRedfish) Health(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stateErr != nil {
		return "", r.stateErr
	}
	return r.health, nil
}

func (r *fakeRedfish) Reset(ctx context.Context, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resetErr != nil {
		return r.resetErr
	}
	r.resets = append(r.resets, action)
	switch action {
	case "On":
		r.state = "On"
	case "GracefulShutdown", "ForceOff":
		r.state = "Off"
	}
	return nil
}

func (r *fakeRedfish) Preflight(ctx context.Context) error { return nil }

func (r *fakeRedfish) SimpleUpdate(ctx context.Context, imageURI string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return "", r.updateErr
	}
	if r.taskPath == "" {
		return "", fmt.Errorf("not scripted")
	}
	return r.taskPath, nil
}

func (r *fakeRedfish) Task(ctx context.Context, taskPath string) (remote.TaskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.taskStates) == 0 {
		return remote.TaskState{}, fmt.Errorf("not scripted")
	}
	st := r.taskStates[r.taskIdx]
	if r.taskIdx < len(r.taskStates)-1 {
		r.taskIdx++
	}
	return st, nil
}

// redfishDeps wires a per-server fakeRedfish map into Deps.
func redfishDeps(bmcs map[string]*fakeRedfish) Deps {
	return Deps{
		NewRedfish: func(run *executor.Run, server models.Server, password string) Redfish {
			rf, ok := bmcs[server.ID]
			if !ok {
				panic("no fake bmc for " + server.ID)
			}
			return rf
		},
	}
}

// fakeRunner satisfies remote.CommandRunner without a network.
type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, command string) (string, string, error) {
	return "", "", nil
}

func (fakeRunner) WaitReady(ctx context.Context, timeout time.Duration) error { return nil }

// fakeAppliance records storage operations and can fail sends.
type fakeAppliance struct {
	mu        sync.Mutex
	snapshots []string
	destroyed []string
	sends     []string
	pools     []string
	datasets  []string
	exports   []string
	sendErr   error
	bytes     int64
}

func (a *fakeAppliance) CreatePool(ctx context.Context, pool string, devices []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools = append(a.pools, pool)
	return nil
}

func (a *fakeAppliance) CreateDataset(ctx context.Context, dataset, mountpoint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.datasets = append(a.datasets, dataset)
	return nil
}

func (a *fakeAppliance) EnableNFS(ctx context.Context, dataset string, clients []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exports = append(a.exports, dataset)
	return "/" + dataset, nil
}

func (a *fakeAppliance) DisableNFS(ctx context.Context, dataset string) error { return nil }

func (a *fakeAppliance) Snapshot(ctx context.Context, dataset, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := dataset + "@" + name
	a.snapshots = append(a.snapshots, snap)
	return snap, nil
}

func (a *fakeAppliance) DestroySnapshot(ctx context.Context, snap string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = append(a.destroyed, snap)
	return nil
}

func (a *fakeAppliance) SendIncremental(ctx context.Context, fromSnap, toSnap, targetAddr, targetUser, targetDataset string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return 0, a.sendErr
	}
	a.sends = append(a.sends, fmt.Sprintf("%s->%s:%s", toSnap, targetAddr, targetDataset))
	return a.bytes, nil
}

func (a *fakeAppliance) PoolHealth(ctx context.Context, pool string) (string, error) {
	return "ONLINE", nil
}

// fakeHypervisor scripts the VM manager for deploy tests.
type fakeHypervisor struct {
	mu         sync.Mutex
	cloned     []string
	poweredOn  []string
	poweredOff []string
	destroyed  []string
	mounted    []string
	unmounted  []string
	ip         string
	cloneErr   error
}

func (h *fakeHypervisor) CloneVM(ctx context.Context, templateVMID, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cloneErr != nil {
		return "", h.cloneErr
	}
	vmID := "vm-" + name
	h.cloned = append(h.cloned, vmID)
	return vmID, nil
}

func (h *fakeHypervisor) PowerOnVM(ctx context.Context, vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.poweredOn = append(h.poweredOn, vmID)
	return nil
}

func (h *fakeHypervisor) PowerOffVM(ctx context.Context, vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.poweredOff = append(h.poweredOff, vmID)
	return nil
}

func (h *fakeHypervisor) DestroyVM(ctx context.Context, vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = append(h.destroyed, vmID)
	return nil
}

func (h *fakeHypervisor) VMToolsRunning(ctx context.Context, vmID string) (bool, error) {
	return true, nil
}

func (h *fakeHypervisor) VMIPAddress(ctx context.Context, vmID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ip, nil
}

func (h *fakeHypervisor) SnapshotVM(ctx context.Context, vmID, name string) error { return nil }

func (h *fakeHypervisor) MountNFSDatastore(ctx context.Context, hostID, name, remoteHost, remotePath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounted = append(h.mounted, hostID)
	return nil
}

func (h *fakeHypervisor) UnmountNFSDatastore(ctx context.Context, hostID, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmounted = append(h.unmounted, hostID)
	return nil
}

func (h *fakeHypervisor) EnterMaintenance(ctx context.Context, hostID string) error { return nil }

func (h *fakeHypervisor) ExitMaintenance(ctx context.Context, hostID string) error { return nil }

func (h *fakeHypervisor) HostConnectionState(ctx context.Context, hostID string) (string, error) {
	return "connected", nil
}
