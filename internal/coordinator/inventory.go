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

	"flotilla/pkg/models"
)

// Typed accessors for the inventory families the handlers consult.
// Handlers read whole rows and patch specific fields; they never own
// these records.

// GetServer fetches one server row by id.
func (c *Client) GetServer(ctx context.Context, id string) (*models.Server, error) {
	var rows []models.Server
	if err := c.Select(ctx, "servers", Query{Filters: []Filter{Eq("id", id)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// GetServers fetches the server rows for the given ids.
func (c *Client) GetServers(ctx context.Context, ids []string) ([]models.Server, error) {
	var rows []models.Server
	err := c.Select(ctx, "servers", Query{Filters: []Filter{In("id", ids...)}}, &rows)
	return rows, err
}

// PatchServer updates specific fields on a server row.
func (c *Client) PatchServer(ctx context.Context, id string, patch map[string]any) error {
	return c.Patch(ctx, "servers", []Filter{Eq("id", id)}, patch, nil)
}

// GetHost fetches one hypervisor host row.
func (c *Client) GetHost(ctx context.Context, id string) (*models.Host, error) {
	var rows []models.Host
	if err := c.Select(ctx, "hosts", Query{Filters: []Filter{Eq("id", id)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ListHosts fetches all hypervisor host rows.
func (c *Client) ListHosts(ctx context.Context) ([]models.Host, error) {
	var rows []models.Host
	err := c.Select(ctx, "hosts", Query{}, &rows)
	return rows, err
}

// PatchHost updates specific fields on a host row.
func (c *Client) PatchHost(ctx context.Context, id string, patch map[string]any) error {
	return c.Patch(ctx, "hosts", []Filter{Eq("id", id)}, patch, nil)
}

// GetTemplate fetches one VM template row.
func (c *Client) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var rows []models.Template
	if err := c.Select(ctx, "templates", Query{Filters: []Filter{Eq("id", id)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// GetReplicationTarget fetches one replication target row.
func (c *Client) GetReplicationTarget(ctx context.Context, id string) (*models.ReplicationTarget, error) {
	var rows []models.ReplicationTarget
	if err := c.Select(ctx, "replication_targets", Query{Filters: []Filter{Eq("id", id)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// InsertReplicationTarget registers a newly deployed target and returns
// the stored row.
func (c *Client) InsertReplicationTarget(ctx context.Context, t models.ReplicationTarget) (*models.ReplicationTarget, error) {
	var rows []models.ReplicationTarget
	if err := c.Insert(ctx, "replication_targets", t, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// PatchReplicationTarget updates specific fields on a target row.
func (c *Client) PatchReplicationTarget(ctx context.Context, id string, patch map[string]any) error {
	return c.Patch(ctx, "replication_targets", []Filter{Eq("id", id)}, patch, nil)
}

// ListProtectionGroups fetches all protection groups.
func (c *Client) ListProtectionGroups(ctx context.Context) ([]models.ProtectionGroup, error) {
	var rows []models.ProtectionGroup
	err := c.Select(ctx, "protection_groups", Query{}, &rows)
	return rows, err
}

// GetProtectionGroup fetches one protection group.
func (c *Client) GetProtectionGroup(ctx context.Context, id string) (*models.ProtectionGroup, error) {
	var rows []models.ProtectionGroup
	if err := c.Select(ctx, "protection_groups", Query{Filters: []Filter{Eq("id", id)}}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// PatchProtectionGroup updates specific fields on a group row.
func (c *Client) PatchProtectionGroup(ctx context.Context, id string, patch map[string]any) error {
	return c.Patch(ctx, "protection_groups", []Filter{Eq("id", id)}, patch, nil)
}

// ListProtectedVMs fetches the protected VMs of a group.
func (c *Client) ListProtectedVMs(ctx context.Context, groupID string) ([]models.ProtectedVM, error) {
	var rows []models.ProtectedVM
	err := c.Select(ctx, "protected_vms", Query{Filters: []Filter{Eq("protection_group_id", groupID)}}, &rows)
	return rows, err
}

// PatchProtectedVM updates specific fields on a protected VM row.
func (c *Client) PatchProtectedVM(ctx context.Context, id string, patch map[string]any) error {
	return c.Patch(ctx, "protected_vms", []Filter{Eq("id", id)}, patch, nil)
}

// InsertReplicationMetric appends one measurement row.
func (c *Client) InsertReplicationMetric(ctx context.Context, m models.ReplicationMetric) error {
	return c.Insert(ctx, "replication_metrics", m, nil)
}

// ListOpenViolations returns the unresolved sla_violation rows for a
// group, optionally narrowed to one violation type.
func (c *Client) ListOpenViolations(ctx context.Context, groupID, violationType string) ([]models.SLAViolation, error) {
	filters := []Filter{
		Eq("protection_group_id", groupID),
		IsNull("resolved_at"),
	}
	if violationType != "" {
		filters = append(filters, Eq("violation_type", violationType))
	}
	var rows []models.SLAViolation
	err := c.Select(ctx, "sla_violations", Query{Filters: filters}, &rows)
	return rows, err
}

// InsertViolation opens a new sla_violation row.
func (c *Client) InsertViolation(ctx context.Context, v models.SLAViolation) error {
	return c.Insert(ctx, "sla_violations", v, nil)
}

// ResolveViolation stamps resolved_at on an open violation row.
func (c *Client) ResolveViolation(ctx context.Context, id string, patch map[string]any) error {
	return c.Patch(ctx, "sla_violations", []Filter{Eq("id", id)}, patch, nil)
}
