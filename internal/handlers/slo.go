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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"flotilla/internal/executor"
	"flotilla/pkg/models"
	"flotilla/pkg/signing"
)

// RPO classification: the warning band sits between the target and
// 1.5x the target; beyond that the group is out of SLA.
const rpoWarningFactor = 1.5

// violationTypeRPO is the single violation type the monitor manages.
const violationTypeRPO = "rpo_exceeded"

// SLOMonitor recomputes every group's RPO, patches the classification
// onto the rows, maintains deduplicated sla_violation records, and
// pushes a signed batch notification for newly opened violations.
type SLOMonitor struct {
	deps Deps
}

// Run implements the slo_monitor job type.
func (h *SLOMonitor) Run(ctx context.Context, run *executor.Run) error {
	groups, err := run.Store().ListProtectionGroups(ctx)
	if err != nil {
		return run.Fail(ctx, fmt.Sprintf("list protection groups: %v", err))
	}

	now := run.Now()
	var opened []models.SLAViolation
	counts := map[string]int{}
	for i, g := range groups {
		if cerr := run.CheckCancelled(ctx); cerr != nil {
			return cerr
		}
		v, status, err := h.evaluate(ctx, run, g)
		if err != nil {
			run.Warnf(ctx, "group %s: %v", g.Name, err)
			continue
		}
		counts[status]++
		if v != nil {
			opened = append(opened, *v)
		}
		if perr := run.SetProgress(ctx, (i+1)*90/max(len(groups), 1)); perr != nil {
			run.Logger().Warn("progress update failed", "err", perr)
		}
	}

	if len(opened) > 0 {
		if err := h.notify(ctx, run, opened, now); err != nil {
			run.Warnf(ctx, "violation notification failed: %v", err)
		}
	}

	if err := run.MergeDetails(ctx, map[string]any{
		"groups_checked": len(groups),
		"sla_counts":     toAnyMap(counts),
		"new_violations": len(opened),
	}); err != nil {
		run.Logger().Warn("summary merge failed", "err", err)
	}
	run.Infof(ctx, "slo sweep: %d groups, %d new violations", len(groups), len(opened))
	return run.Complete(ctx)
}

// evaluate classifies one group, patches its row, and reconciles its
// violation records. The returned violation is non-nil only when a new
// row was opened this sweep.
func (h *SLOMonitor) evaluate(ctx context.Context, run *executor.Run, g models.ProtectionGroup) (*models.SLAViolation, string, error) {
	now := run.Now()
	patch := map[string]any{}

	var status string
	var rpoSeconds int64
	switch {
	case !g.Enabled || g.Paused:
		status = models.SLAPaused
	case g.LastReplicationAt == nil:
		// Never replicated: out of SLA by definition, no RPO number
		// to report yet.
		status = models.SLANotMeeting
	default:
		rpoSeconds = int64(now.Sub(*g.LastReplicationAt).Seconds())
		target := int64(g.RPOMinutes) * 60
		switch {
		case target <= 0 || rpoSeconds <= target:
			status = models.SLAMeeting
		case float64(rpoSeconds) <= float64(target)*rpoWarningFactor:
			status = models.SLAWarning
		default:
			status = models.SLANotMeeting
		}
		patch["current_rpo_seconds"] = rpoSeconds
	}
	patch["sla_status"] = status

	if err := run.Store().PatchProtectionGroup(ctx, g.ID, patch); err != nil {
		return nil, status, fmt.Errorf("patch group: %w", err)
	}

	open, err := run.Store().ListOpenViolations(ctx, g.ID, violationTypeRPO)
	if err != nil {
		return nil, status, fmt.Errorf("list open violations: %w", err)
	}

	if status == models.SLANotMeeting {
		if len(open) > 0 {
			return nil, status, nil // already open; dedup
		}
		v := models.SLAViolation{
			ProtectionGroupID: g.ID,
			ViolationType:     violationTypeRPO,
			Message:           fmt.Sprintf("group %s RPO %ds exceeds %dm target", g.Name, rpoSeconds, g.RPOMinutes),
			RPOSeconds:        rpoSeconds,
			OpenedAt:          now,
		}
		if err := run.Store().InsertViolation(ctx, v); err != nil {
			return nil, status, fmt.Errorf("open violation: %w", err)
		}
		run.Warnf(ctx, "group %s breaching RPO target (%ds)", g.Name, rpoSeconds)
		return &v, status, nil
	}

	// Condition cleared (or group paused): close anything still open.
	for _, v := range open {
		if err := run.Store().ResolveViolation(ctx, v.ID, map[string]any{"resolved_at": now}); err != nil {
			return nil, status, fmt.Errorf("resolve violation %s: %w", v.ID, err)
		}
		run.Infof(ctx, "group %s violation resolved", g.Name)
	}
	return nil, status, nil
}

// notify posts the newly opened violations as one signed batch to the
// configured notification endpoint. Missing configuration disables
// notification without failing the sweep.
func (h *SLOMonitor) notify(ctx context.Context, run *executor.Run, opened []models.SLAViolation, at time.Time) error {
	signer := run.Signer()
	if signer == nil {
		run.Logger().Info("no signing secret configured, skipping notification")
		return nil
	}
	url, err := run.Store().GetSetting(ctx, "notification_url")
	if err != nil || url == "" {
		run.Logger().Info("no notification_url configured, skipping notification")
		return nil
	}

	batch := make([]map[string]any, 0, len(opened))
	for _, v := range opened {
		batch = append(batch, map[string]any{
			"protection_group_id": v.ProtectionGroupID,
			"violation_type":      v.ViolationType,
			"message":             v.Message,
			"rpo_seconds":         v.RPOSeconds,
		})
	}
	payload := map[string]any{
		"violations": batch,
		"worker_id":  run.WorkerID(),
	}

	body, err := signing.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	sig, ts, err := signer.Sign(payload, at)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderSignature, sig)
	req.Header.Set(signing.HeaderTimestamp, ts)

	resp, err := h.deps.Notifier.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	run.Infof(ctx, "notified %d new violations", len(opened))
	return nil
}

func toAnyMap(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
