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

// Package remote holds the thin protocol adapters the workflow handlers
// call: Redfish over HTTPS for out-of-band server management, the
// hypervisor manager API, and SSH for storage appliances. Adapters go
// through the session manager for per-endpoint serialization and emit a
// command audit row per call.
package remote

import (
	"context"
	"encoding/json"
	"errors"
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

// Redfish operation labels.
const (
	OpRedfishDiscover  = "discover"
	OpRedfishPowerRead = "power.read"
	OpRedfishReset     = "reset"
	OpRedfishHealth    = "health"
	OpRedfishFWApply   = "firmware.apply"
	OpRedfishTaskPoll  = "task.poll"
	OpRedfishPreflight = "firmware.preflight"
)

// RedfishClient drives one server's management controller. A client is
// bound to a job and server for audit attribution. Not safe for
// concurrent use; handlers hold one per target.
type RedfishClient struct {
	sessions *sessions.Manager
	audit    *audit.Recorder
	logger   *slog.Logger

	baseURL     string // https://<bmc_address>
	endpointKey string
	username    string
	password    string
	jobID       string
	serverID    string

	// legacy flips on permanently for this client after a modern-TLS
	// handshake failure; old firmware does not get better mid-job.
	legacy     bool
	systemPath string
	discovered bool
}

// NewRedfishClient builds an adapter for one server. password is the
// decrypted credential; it never leaves the process.
func NewRedfishClient(mgr *sessions.Manager, rec *audit.Recorder, logger *slog.Logger, server models.Server, password, jobID string) *RedfishClient {
	addr := server.BMCAddress
	if !strings.Contains(addr, "://") {
		addr = "https://" + addr
	}
	return &RedfishClient{
		sessions:    mgr,
		audit:       rec,
		logger:      logger,
		baseURL:     strings.TrimSuffix(addr, "/"),
		endpointKey: server.BMCAddress,
		username:    server.BMCUsername,
		password:    password,
		jobID:       jobID,
		serverID:    server.ID,
		legacy:      server.LegacyTLS,
	}
}

func (c *RedfishClient) do(ctx context.Context, op, method, path string, body any) (*sessions.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("redfish: marshal body: %w", err)
		}
		payload = b
	}

	req := sessions.Request{
		Method:      method,
		URL:         c.baseURL + path,
		EndpointKey: c.endpointKey,
		LegacyTLS:   c.legacy,
		Body:        payload,
		Username:    c.username,
		Password:    c.password,
	}
	start := time.Now()
	resp, err := c.sessions.Do(ctx, req)
	duration := time.Since(start)

	// One-shot fallback: a modern-TLS handshake failure against known
	// old hardware retries on the legacy transport and stays there.
	if err != nil && !c.legacy && sessions.IsTLSHandshakeError(err) {
		c.legacy = true
		if c.logger != nil {
			c.logger.Warn("redfish: falling back to legacy TLS", slog.String("endpoint", c.endpointKey))
		}
		req.LegacyTLS = true
		start = time.Now()
		resp, err = c.sessions.Do(ctx, req)
		duration = time.Since(start)
	}

	code := -1
	var respBody string
	if resp != nil {
		code = resp.StatusCode
		respBody = string(resp.Body)
	}
	metrics.ObserveRemoteRequest(metrics.ProtoRedfish, op, code, duration)
	row := models.CommandAuditRow{
		JobID:          c.jobID,
		ServerID:       c.serverID,
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
	if c.audit != nil {
		c.audit.Record(ctx, row)
	}

	if err != nil {
		return nil, err
	}
	if code < 200 || code >= 300 {
		return resp, fmt.Errorf("redfish: %s %s: status=%d body=%s", method, path, code, truncate(respBody, 512))
	}
	return resp, nil
}

// getWithRetry reads path under the per-phase retry budget. Transport
// faults, 5xx, and 429 consume budget; other statuses fail the call
// immediately.
func (c *RedfishClient) getWithRetry(ctx context.Context, op, path string) (*sessions.Response, error) {
	var resp *sessions.Response
	var lastErr error
	err := DoWithRetry(ctx, DefaultRetryConfig(metrics.ProtoRedfish, op), func(ctx context.Context) (int, error) {
		r, derr := c.do(ctx, op, http.MethodGet, path, nil)
		lastErr = derr
		if r != nil {
			resp = r
			return r.StatusCode, nil
		}
		return -1, derr
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return resp, nil
}

func (c *RedfishClient) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.getWithRetry(ctx, op, path)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("redfish: decode %s: %w", path, err)
		}
	}
	return nil
}

type odataID struct {
	OdataID string `json:"@odata.id"`
}

type collection struct {
	Members []odataID `json:"Members"`
}

type systemResource struct {
	ID         string `json:"Id"`
	PowerState string `json:"PowerState"`
	Status     struct {
		Health string `json:"Health"`
		State  string `json:"State"`
	} `json:"Status"`
}

// ensureDiscovery resolves and caches the first ComputerSystem path.
func (c *RedfishClient) ensureDiscovery(ctx context.Context) error {
	if c.discovered {
		return nil
	}
	var root struct {
		Systems       odataID `json:"Systems"`
		UpdateService odataID `json:"UpdateService"`
	}
	if err := c.getJSON(ctx, OpRedfishDiscover, "/redfish/v1/", &root); err != nil {
		return fmt.Errorf("discover service root: %w", err)
	}
	if root.Systems.OdataID == "" {
		return errors.New("redfish: ServiceRoot.Systems missing")
	}
	var coll collection
	if err := c.getJSON(ctx, OpRedfishDiscover, root.Systems.OdataID, &coll); err != nil {
		return fmt.Errorf("discover systems: %w", err)
	}
	if len(coll.Members) == 0 || coll.Members[0].OdataID == "" {
		return errors.New("redfish: no Systems members found")
	}
	c.systemPath = coll.Members[0].OdataID
	c.discovered = true
	return nil
}

// PowerState reads the current system power state ("On", "Off", ...).
func (c *RedfishClient) PowerState(ctx context.Context) (string, error) {
	if err := c.ensureDiscovery(ctx); err != nil {
		return "", err
	}
	var sys systemResource
	if err := c.getJSON(ctx, OpRedfishPowerRead, c.systemPath, &sys); err != nil {
		return "", err
	}
	return sys.PowerState, nil
}

// Health reads the system health rollup ("OK", "Warning", "Critical").
func (c *RedfishClient) Health(ctx context.Context) (string, error) {
	if err := c.ensureDiscovery(ctx); err != nil {
		return "", err
	}
	var sys systemResource
	if err := c.getJSON(ctx, OpRedfishHealth, c.systemPath, &sys); err != nil {
		return "", err
	}
	if sys.Status.Health == "" {
		return "Unknown", nil
	}
	return sys.Status.Health, nil
}

// Reset requests a power action. action is the Redfish ResetType:
// "On", "ForceOff", "GracefulShutdown", "GracefulRestart",
// "ForceRestart", "PowerCycle".
func (c *RedfishClient) Reset(ctx context.Context, action string) error {
	if err := c.ensureDiscovery(ctx); err != nil {
		return err
	}
	path := strings.TrimSuffix(c.systemPath, "/") + "/Actions/ComputerSystem.Reset"
	_, err := c.do(ctx, OpRedfishReset, http.MethodPost, path, map[string]any{"ResetType": action})
	return err
}

// Preflight verifies the update service is reachable before a firmware
// push.
func (c *RedfishClient) Preflight(ctx context.Context) error {
	var svc struct {
		ServiceEnabled *bool `json:"ServiceEnabled"`
	}
	if err := c.getJSON(ctx, OpRedfishPreflight, "/redfish/v1/UpdateService", &svc); err != nil {
		return err
	}
	if svc.ServiceEnabled != nil && !*svc.ServiceEnabled {
		return errors.New("redfish: update service disabled")
	}
	return nil
}

// SimpleUpdate triggers a firmware apply from an image URI and returns
// the monitor task path for polling.
func (c *RedfishClient) SimpleUpdate(ctx context.Context, imageURI string) (string, error) {
	body := map[string]any{
		"ImageURI":         imageURI,
		"TransferProtocol": "HTTP",
	}
	resp, err := c.do(ctx, OpRedfishFWApply, http.MethodPost,
		"/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate", body)
	if err != nil {
		return "", err
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	var task struct {
		OdataID string `json:"@odata.id"`
	}
	if err := json.Unmarshal(resp.Body, &task); err == nil && task.OdataID != "" {
		return task.OdataID, nil
	}
	return "", errors.New("redfish: firmware apply accepted but no task monitor returned")
}

// TaskState is a snapshot of a remote job-queue entry.
type TaskState struct {
	ID         string `json:"Id"`
	State      string `json:"TaskState"`
	Percent    int    `json:"PercentComplete"`
	StatusText string `json:"TaskStatus"`
}

// Task reads the state of a task monitor path returned by SimpleUpdate.
func (c *RedfishClient) Task(ctx context.Context, taskPath string) (TaskState, error) {
	var st TaskState
	if err := c.getJSON(ctx, OpRedfishTaskPoll, taskPath, &st); err != nil {
		return st, err
	}
	return st, nil
}

// TaskTerminal reports whether a task state string is final.
func TaskTerminal(state string) bool {
	switch state {
	case "Completed", "Exception", "Killed", "Cancelled":
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
