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
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ZFSAppliance drives a deployed storage target over a CommandRunner.
// Commands are shell-quoted conservatively; dataset and snapshot names
// are validated before interpolation.
type ZFSAppliance struct {
	run CommandRunner
}

// NewZFSAppliance wraps a runner.
func NewZFSAppliance(run CommandRunner) *ZFSAppliance {
	return &ZFSAppliance{run: run}
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./:@-]*$`)

func checkName(kind, name string) error {
	if !safeName.MatchString(name) {
		return fmt.Errorf("zfs: unsafe %s name %q", kind, name)
	}
	return nil
}

// CreatePool creates a striped pool over the given devices and disables
// pool-level sharing. Idempotent: an existing pool of the same name is
// left alone.
func (z *ZFSAppliance) CreatePool(ctx context.Context, pool string, devices []string) error {
	if err := checkName("pool", pool); err != nil {
		return err
	}
	if out, _, err := z.run.Run(ctx, "zpool list -H -o name"); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if strings.TrimSpace(line) == pool {
				return nil
			}
		}
	}
	for _, d := range devices {
		if err := checkName("device", d); err != nil {
			return err
		}
	}
	cmd := fmt.Sprintf("zpool create -f %s %s", pool, strings.Join(devices, " "))
	if _, stderr, err := z.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("zfs: create pool %s: %w (%s)", pool, err, truncate(stderr, 256))
	}
	return nil
}

// CreateDataset ensures a dataset exists with the given mountpoint.
func (z *ZFSAppliance) CreateDataset(ctx context.Context, dataset, mountpoint string) error {
	if err := checkName("dataset", dataset); err != nil {
		return err
	}
	if _, _, err := z.run.Run(ctx, "zfs list -H -o name "+dataset); err == nil {
		return nil
	}
	cmd := "zfs create -o mountpoint=" + mountpoint + " " + dataset
	if _, stderr, err := z.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("zfs: create dataset %s: %w (%s)", dataset, err, truncate(stderr, 256))
	}
	return nil
}

// EnableNFS shares a dataset read-write to the given client networks
// and returns the export path.
func (z *ZFSAppliance) EnableNFS(ctx context.Context, dataset string, clients []string) (string, error) {
	if err := checkName("dataset", dataset); err != nil {
		return "", err
	}
	opts := "rw=@" + strings.Join(clients, ",rw=@")
	if len(clients) == 0 {
		opts = "on"
	}
	cmd := fmt.Sprintf("zfs set sharenfs=%q %s", opts, dataset)
	if _, stderr, err := z.run.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("zfs: enable nfs on %s: %w (%s)", dataset, err, truncate(stderr, 256))
	}
	out, _, err := z.run.Run(ctx, "zfs get -H -o value mountpoint "+dataset)
	if err != nil {
		return "", fmt.Errorf("zfs: read mountpoint for %s: %w", dataset, err)
	}
	return strings.TrimSpace(out), nil
}

// DisableNFS removes the share on a dataset.
func (z *ZFSAppliance) DisableNFS(ctx context.Context, dataset string) error {
	if err := checkName("dataset", dataset); err != nil {
		return err
	}
	if _, stderr, err := z.run.Run(ctx, "zfs set sharenfs=off "+dataset); err != nil {
		return fmt.Errorf("zfs: disable nfs on %s: %w (%s)", dataset, err, truncate(stderr, 256))
	}
	return nil
}

// Snapshot creates dataset@name.
func (z *ZFSAppliance) Snapshot(ctx context.Context, dataset, name string) (string, error) {
	snap := dataset + "@" + name
	if err := checkName("snapshot", snap); err != nil {
		return "", err
	}
	if _, stderr, err := z.run.Run(ctx, "zfs snapshot "+snap); err != nil {
		return "", fmt.Errorf("zfs: snapshot %s: %w (%s)", snap, err, truncate(stderr, 256))
	}
	return snap, nil
}

// DestroySnapshot removes dataset@name, tolerating absence.
func (z *ZFSAppliance) DestroySnapshot(ctx context.Context, snap string) error {
	if err := checkName("snapshot", snap); err != nil {
		return err
	}
	_, stderr, err := z.run.Run(ctx, "zfs destroy "+snap)
	if err != nil && !strings.Contains(stderr, "could not find") && !strings.Contains(stderr, "does not exist") {
		return fmt.Errorf("zfs: destroy %s: %w (%s)", snap, err, truncate(stderr, 256))
	}
	return nil
}

var sendBytesRe = regexp.MustCompile(`(?m)^(?:total estimated size is\s+|size\s+)(\d+)`)

// SendIncremental replicates fromSnap..toSnap to a receive dataset on
// targetAddr by piping zfs send into ssh zfs recv on the source side.
// fromSnap empty means a full send. Returns bytes transferred as
// reported by the source's verbose stream.
func (z *ZFSAppliance) SendIncremental(ctx context.Context, fromSnap, toSnap, targetAddr, targetUser, targetDataset string) (int64, error) {
	if err := checkName("snapshot", toSnap); err != nil {
		return 0, err
	}
	if err := checkName("dataset", targetDataset); err != nil {
		return 0, err
	}
	sendArgs := "-P " + toSnap
	if fromSnap != "" {
		if err := checkName("snapshot", fromSnap); err != nil {
			return 0, err
		}
		sendArgs = "-P -i " + fromSnap + " " + toSnap
	}
	cmd := fmt.Sprintf(
		"zfs send %s | ssh -o StrictHostKeyChecking=no %s@%s zfs recv -F %s",
		sendArgs, targetUser, targetAddr, targetDataset)
	_, stderr, err := z.run.Run(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("zfs: send %s: %w (%s)", toSnap, err, truncate(stderr, 256))
	}
	// -P emits machine-readable progress on stderr; the size line is
	// the per-stream byte count.
	if m := sendBytesRe.FindStringSubmatch(stderr); m != nil {
		if n, perr := strconv.ParseInt(m[1], 10, 64); perr == nil {
			return n, nil
		}
	}
	return 0, nil
}

// PoolHealth returns the zpool health field ("ONLINE", "DEGRADED", ...).
func (z *ZFSAppliance) PoolHealth(ctx context.Context, pool string) (string, error) {
	if err := checkName("pool", pool); err != nil {
		return "", err
	}
	out, _, err := z.run.Run(ctx, "zpool list -H -o health "+pool)
	if err != nil {
		return "", fmt.Errorf("zfs: pool health %s: %w", pool, err)
	}
	return strings.TrimSpace(out), nil
}

// ESXiHost drives a hypervisor host's CLI over a CommandRunner for the
// upgrade workflow.
type ESXiHost struct {
	run CommandRunner
}

// NewESXiHost wraps a runner.
func NewESXiHost(run CommandRunner) *ESXiHost {
	return &ESXiHost{run: run}
}

var esxiVersionRe = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

// Version reads the installed hypervisor version.
func (h *ESXiHost) Version(ctx context.Context) (string, error) {
	out, _, err := h.run.Run(ctx, "vmware -v")
	if err != nil {
		return "", fmt.Errorf("esxi: read version: %w", err)
	}
	if m := esxiVersionRe.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("esxi: unparseable version output %q", truncate(strings.TrimSpace(out), 128))
}

// ApplyProfile installs an image profile from an offline bundle. The
// host must already be in maintenance mode.
func (h *ESXiHost) ApplyProfile(ctx context.Context, bundlePath, profile string) error {
	cmd := fmt.Sprintf("esxcli software profile update -d %s -p %s", bundlePath, profile)
	_, stderr, err := h.run.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("esxi: apply profile %s: %w (%s)", profile, err, truncate(stderr, 256))
	}
	return nil
}

// Reboot asks the host to restart. The SSH connection is expected to
// drop; callers follow with WaitReady on the runner.
func (h *ESXiHost) Reboot(ctx context.Context) error {
	_, _, err := h.run.Run(ctx, "reboot")
	if err != nil && !isConnectionDrop(err) {
		return fmt.Errorf("esxi: reboot: %w", err)
	}
	return nil
}

// WaitReconnect waits for the host's SSH to come back after a reboot.
func (h *ESXiHost) WaitReconnect(ctx context.Context, timeout time.Duration) error {
	return h.run.WaitReady(ctx, timeout)
}

// isConnectionDrop matches the errors a mid-command reboot produces.
func isConnectionDrop(err error) bool {
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "EOF") ||
		strings.Contains(s, "wait: remote command exited without exit status")
}
