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

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"flotilla/internal/audit"
	"flotilla/internal/metrics"
	"flotilla/internal/sessions"
	"flotilla/pkg/models"
)

// Hypervisor is the surface the handlers need from the hypervisor
// manager. The wire protocol behind it is not normative; tests provide
// fakes and production uses the vSphere REST implementation below.
type Hypervisor interface {
	CloneVM(ctx context.Context, templateVMID, name string) (vmID string, err error)
	PowerOnVM(ctx context.Context, vmID string) error
	PowerOffVM(ctx context.Context, vmID string) error
	DestroyVM(ctx context.Context, vmID string) error
	VMToolsRunning(ctx context.Context, vmID string) (bool, error)
	VMIPAddress(ctx context.Context, vmID string) (string, error)
	SnapshotVM(ctx context.Context, vmID, name string) error
	MountNFSDatastore(ctx context.Context, hostID, name, remoteHost, remotePath string) error
	UnmountNFSDatastore(ctx context.Context, hostID, name string) error
	EnterMaintenance(ctx context.Context, hostID string) error
	ExitMaintenance(ctx context.Context, hostID string) error
	HostConnectionState(ctx context.Context, hostID string) (string, error)
}

// vSphere operation labels.
const (
	OpVSphereSession = "session"
	OpVSphereVM      = "vm"
	OpVSphereHost    = "host"
	OpVSphereStore   = "datastore"
)

// VSphereClient talks to the hypervisor manager's JSON API through the
// session manager. One client per manager endpoint; safe for use from a
// single handler.
type VSphereClient struct {
	sessions *sessions.Manager
	audit    *audit.Recorder
	logger   *slog.Logger

	baseURL     string
	endpointKey string
	username    string
	password    string
	jobID       string

	sessionID string
}

var _ Hypervisor = (*VSphereClient)(nil)

// NewVSphereClient builds an adapter for one hypervisor manager.
func NewVSphereClient(mgr *sessions.Manager, rec *audit.Recorder, logger *slog.Logger, address, username, password, jobID string) *VSphereClient {
	if !strings.Contains(address, "://") {
		address = "https://" + address
	}
	return &VSphereClient{
		sessions:    mgr,
		audit:       rec,
		logger:      logger,
		baseURL:     strings.TrimSuffix(address, "/"),
		endpointKey: strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"),
		username:    username,
		password:    password,
		jobID:       jobID,
	}
}

func (c *VSphereClient) ensureSession(ctx context.Context) error {
	if c.sessionID != "" {
		return nil
	}
	resp, err := c.sessions.Do(ctx, sessions.Request{
		Method:      http.MethodPost,
		URL:         c.baseURL + "/api/session",
		EndpointKey: c.endpointKey,
		Username:    c.username,
		Password:    c.password,
	})
	if err != nil {
		return fmt.Errorf("vsphere: create session: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vsphere: create session: status=%d", resp.StatusCode)
	}
	var id string
	if err := json.Unmarshal(resp.Body, &id); err != nil || id == "" {
		return fmt.Errorf("vsphere: create session: bad response body")
	}
	c.sessionID = id
	return nil
}

func (c *VSphereClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vsphere: marshal body: %w", err)
		}
		payload = b
	}
	hdr := http.Header{}
	hdr.Set("vmware-api-session-id", c.sessionID)

	start := time.Now()
	resp, err := c.sessions.Do(ctx, sessions.Request{
		Method:      method,
		URL:         c.baseURL + path,
		EndpointKey: c.endpointKey,
		Body:        payload,
		Header:      hdr,
	})
	duration := time.Since(start)

	code := -1
	var respBody string
	if resp != nil {
		code = resp.StatusCode
		respBody = string(resp.Body)
	}
	metrics.ObserveRemoteRequest(metrics.ProtoVSphere, op, code, duration)
	if c.audit != nil {
		row := models.CommandAuditRow{
			JobID:          c.jobID,
			Method:         method,
			Endpoint:       c.baseURL + path,
			StatusCode:     code,
			ResponseTimeMS: duration.Milliseconds(),
			Success:        err == nil && code >= 200 && code < 300,
			RequestBody:    string(payload),
			ResponseBody:   respBody,
		}
		if err != nil {
			row.ErrorMessage = err.Error()
		}
		c.audit.Record(ctx, row)
	}

	if err != nil {
		return err
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("vsphere: %s %s: status=%d body=%s", method, path, code, truncate(respBody, 512))
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("vsphere: decode %s: %w", path, err)
		}
	}
	return nil
}

// CloneVM clones a template VM and returns the new VM id.
func (c *VSphereClient) CloneVM(ctx context.Context, templateVMID, name string) (string, error) {
	var vmID string
	body := map[string]any{"source": templateVMID, "name": name, "power_on": false}
	if err := c.do(ctx, OpVSphereVM, http.MethodPost, "/api/vcenter/vm?action=clone", body, &vmID); err != nil {
		return "", err
	}
	if vmID == "" {
		return "", fmt.Errorf("vsphere: clone returned empty vm id")
	}
	return vmID, nil
}

// PowerOnVM starts a VM.
func (c *VSphereClient) PowerOnVM(ctx context.Context, vmID string) error {
	return c.do(ctx, OpVSphereVM, http.MethodPost, "/api/vcenter/vm/"+vmID+"/power?action=start", nil, nil)
}

// PowerOffVM hard-stops a VM.
func (c *VSphereClient) PowerOffVM(ctx context.Context, vmID string) error {
	return c.do(ctx, OpVSphereVM, http.MethodPost, "/api/vcenter/vm/"+vmID+"/power?action=stop", nil, nil)
}

// DestroyVM deletes a VM.
func (c *VSphereClient) DestroyVM(ctx context.Context, vmID string) error {
	return c.do(ctx, OpVSphereVM, http.MethodDelete, "/api/vcenter/vm/"+vmID, nil, nil)
}

// VMToolsRunning reports whether the guest agent is up.
func (c *VSphereClient) VMToolsRunning(ctx context.Context, vmID string) (bool, error) {
	var st struct {
		RunStatus string `json:"run_status"`
	}
	if err := c.do(ctx, OpVSphereVM, http.MethodGet, "/api/vcenter/vm/"+vmID+"/tools", nil, &st); err != nil {
		return false, err
	}
	return strings.EqualFold(st.RunStatus, "RUNNING"), nil
}

// VMIPAddress returns the guest's primary IP, empty when not yet known.
func (c *VSphereClient) VMIPAddress(ctx context.Context, vmID string) (string, error) {
	var ident struct {
		IPAddress string `json:"ip_address"`
	}
	if err := c.do(ctx, OpVSphereVM, http.MethodGet, "/api/vcenter/vm/"+vmID+"/guest/identity", nil, &ident); err != nil {
		return "", err
	}
	return ident.IPAddress, nil
}

// SnapshotVM creates a named VM snapshot.
func (c *VSphereClient) SnapshotVM(ctx context.Context, vmID, name string) error {
	body := map[string]any{"name": name, "quiesce": false, "memory": false}
	return c.do(ctx, OpVSphereVM, http.MethodPost, "/api/vcenter/vm/"+vmID+"/snapshot", body, nil)
}

// MountNFSDatastore mounts an NFS export as a datastore on one host.
func (c *VSphereClient) MountNFSDatastore(ctx context.Context, hostID, name, remoteHost, remotePath string) error {
	body := map[string]any{
		"name": name,
		"type": "NFS",
		"nfs": map[string]any{
			"remote_host": remoteHost,
			"remote_path": remotePath,
		},
		"host": hostID,
	}
	return c.do(ctx, OpVSphereStore, http.MethodPost, "/api/vcenter/datastore", body, nil)
}

// UnmountNFSDatastore removes a datastore from one host.
func (c *VSphereClient) UnmountNFSDatastore(ctx context.Context, hostID, name string) error {
	return c.do(ctx, OpVSphereStore, http.MethodDelete, "/api/vcenter/datastore/"+name+"?host="+hostID, nil, nil)
}

// EnterMaintenance places a host into maintenance mode.
func (c *VSphereClient) EnterMaintenance(ctx context.Context, hostID string) error {
	return c.do(ctx, OpVSphereHost, http.MethodPost, "/api/vcenter/host/"+hostID+"?action=enter_maintenance", nil, nil)
}

// ExitMaintenance takes a host out of maintenance mode.
func (c *VSphereClient) ExitMaintenance(ctx context.Context, hostID string) error {
	return c.do(ctx, OpVSphereHost, http.MethodPost, "/api/vcenter/host/"+hostID+"?action=exit_maintenance", nil, nil)
}

// HostConnectionState returns "CONNECTED", "DISCONNECTED", or
// "NOT_RESPONDING".
func (c *VSphereClient) HostConnectionState(ctx context.Context, hostID string) (string, error) {
	var st struct {
		ConnectionState string `json:"connection_state"`
	}
	if err := c.do(ctx, OpVSphereHost, http.MethodGet, "/api/vcenter/host/"+hostID, nil, &st); err != nil {
		return "", err
	}
	return st.ConnectionState, nil
}
