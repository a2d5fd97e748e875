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
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptRunner answers commands from a script function and records
// everything it was asked to run.
type scriptRunner struct {
	calls   []string
	respond func(cmd string) (string, string, error)
}

func (r *scriptRunner) Run(ctx context.Context, cmd string) (string, string, error) {
	r.calls = append(r.calls, cmd)
	if r.respond == nil {
		return "", "", nil
	}
	return r.respond(cmd)
}

func (r *scriptRunner) WaitReady(ctx context.Context, timeout time.Duration) error { return nil }

func TestCreatePoolIsIdempotent(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		if cmd == "zpool list -H -o name" {
			return "rpool\ntank\n", "", nil
		}
		return "", "", nil
	}}
	z := NewZFSAppliance(r)

	if err := z.CreatePool(context.Background(), "tank", []string{"/dev/sdb"}); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	for _, c := range r.calls {
		if strings.HasPrefix(c, "zpool create") {
			t.Fatalf("existing pool recreated: %q", c)
		}
	}
}

func TestCreatePoolRunsCreateWhenAbsent(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		if cmd == "zpool list -H -o name" {
			return "rpool\n", "", nil
		}
		return "", "", nil
	}}
	z := NewZFSAppliance(r)

	if err := z.CreatePool(context.Background(), "tank", []string{"/dev/sdb", "/dev/sdc"}); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	want := "zpool create -f tank /dev/sdb /dev/sdc"
	found := false
	for _, c := range r.calls {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("calls = %v, want %q", r.calls, want)
	}
}

func TestUnsafeNamesNeverReachTheShell(t *testing.T) {
	cases := []struct {
		name string
		call func(z *ZFSAppliance) error
	}{
		{"pool with injection", func(z *ZFSAppliance) error {
			return z.CreatePool(context.Background(), "tank; rm -rf /", nil)
		}},
		{"device with injection", func(z *ZFSAppliance) error {
			return z.CreatePool(context.Background(), "newpool", []string{"/dev/sdb && reboot"})
		}},
		{"dataset with space", func(z *ZFSAppliance) error {
			return z.CreateDataset(context.Background(), "tank/my data", "/mnt")
		}},
		{"snapshot with backtick", func(z *ZFSAppliance) error {
			_, err := z.Snapshot(context.Background(), "tank/vm", "snap`id`")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &scriptRunner{respond: func(cmd string) (string, string, error) {
				// Force the pool-exists probe to miss so CreatePool
				// proceeds to device validation.
				if cmd == "zpool list -H -o name" {
					return "", "", nil
				}
				return "", "", nil
			}}
			z := NewZFSAppliance(r)
			if err := tc.call(z); err == nil {
				t.Fatal("unsafe name accepted")
			}
			for _, c := range r.calls {
				if strings.Contains(c, "rm -rf") || strings.Contains(c, "reboot") ||
					strings.Contains(c, "`") || strings.Contains(c, "my data") {
					t.Fatalf("unsafe name reached the shell: %q", c)
				}
			}
		})
	}
}

func TestSendIncrementalParsesByteCount(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		if strings.HasPrefix(cmd, "zfs send") {
			return "", "incremental\ttank/vm@a\ttank/vm@b\nsize\t123456\n", nil
		}
		return "", "", nil
	}}
	z := NewZFSAppliance(r)

	n, err := z.SendIncremental(context.Background(), "tank/vm@a", "tank/vm@b", "10.0.2.10", "repl", "backup/replica/vm")
	if err != nil {
		t.Fatalf("SendIncremental: %v", err)
	}
	if n != 123456 {
		t.Fatalf("bytes = %d, want 123456", n)
	}
	sent := r.calls[len(r.calls)-1]
	if !strings.Contains(sent, "-i tank/vm@a tank/vm@b") {
		t.Errorf("send command %q missing the incremental pair", sent)
	}
	if !strings.Contains(sent, "repl@10.0.2.10 zfs recv -F backup/replica/vm") {
		t.Errorf("send command %q missing the receive side", sent)
	}
}

func TestSendFullStreamOmitsIncrementalFlag(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		return "", "full\ttank/vm@a\ntotal estimated size is 9000\n", nil
	}}
	z := NewZFSAppliance(r)

	n, err := z.SendIncremental(context.Background(), "", "tank/vm@a", "10.0.2.10", "repl", "backup/replica/vm")
	if err != nil {
		t.Fatalf("SendIncremental: %v", err)
	}
	if n != 9000 {
		t.Fatalf("bytes = %d", n)
	}
	if strings.Contains(r.calls[0], " -i ") {
		t.Fatalf("full send carries -i: %q", r.calls[0])
	}
}

func TestDestroySnapshotToleratesAbsence(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		return "", "cannot destroy snapshot: does not exist", errors.New("exit status 1")
	}}
	z := NewZFSAppliance(r)
	if err := z.DestroySnapshot(context.Background(), "tank/vm@gone"); err != nil {
		t.Fatalf("DestroySnapshot: %v", err)
	}
}

func TestEnableNFSReturnsMountpoint(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		if strings.HasPrefix(cmd, "zfs get") {
			return "/tank/replica\n", "", nil
		}
		return "", "", nil
	}}
	z := NewZFSAppliance(r)

	path, err := z.EnableNFS(context.Background(), "tank/replica", []string{"10.0.0.0/24"})
	if err != nil {
		t.Fatalf("EnableNFS: %v", err)
	}
	if path != "/tank/replica" {
		t.Fatalf("mountpoint = %q", path)
	}
	if !strings.Contains(r.calls[0], `sharenfs="rw=@10.0.0.0/24"`) {
		t.Errorf("share command = %q", r.calls[0])
	}
}

func TestESXiVersionParsing(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		return "VMware ESXi 8.0.3 build-24022510\n", "", nil
	}}
	h := NewESXiHost(r)

	v, err := h.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != "8.0.3" {
		t.Fatalf("version = %q", v)
	}
}

func TestESXiVersionUnparseableOutputErrors(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		return "command not found\n", "", nil
	}}
	if _, err := NewESXiHost(r).Version(context.Background()); err == nil {
		t.Fatal("expected an error for unparseable output")
	}
}

func TestESXiRebootToleratesConnectionDrop(t *testing.T) {
	r := &scriptRunner{respond: func(cmd string) (string, string, error) {
		return "", "", errors.New("read tcp: connection reset by peer")
	}}
	if err := NewESXiHost(r).Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
}
