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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"flotilla/internal/audit"
	"flotilla/internal/metrics"
	"flotilla/pkg/models"
)

// SSH operation label for metrics/audit.
const OpSSHExec = "exec"

// SSHDialTimeout bounds the TCP+handshake phase of each command.
const SSHDialTimeout = 10 * time.Second

// CommandRunner executes shell commands on a remote appliance. Tests
// provide fakes; production uses SSHRunner.
type CommandRunner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
	WaitReady(ctx context.Context, timeout time.Duration) error
}

// SSHRunner runs commands over SSH, one session per command. The
// credential is the already-decrypted password or PEM private key; it
// stays in process memory only.
type SSHRunner struct {
	audit  *audit.Recorder
	logger *slog.Logger

	address    string // host or host:port
	config     *ssh.ClientConfig
	jobID      string
	serverID   string
	endpointID string
}

var _ CommandRunner = (*SSHRunner)(nil)

// NewSSHRunner builds a runner for one appliance. credential is tried
// as a PEM private key first, then as a password.
func NewSSHRunner(rec *audit.Recorder, logger *slog.Logger, address, username, credential, jobID string) (*SSHRunner, error) {
	var auth []ssh.AuthMethod
	if signer, err := ssh.ParsePrivateKey([]byte(credential)); err == nil {
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(credential))
	}
	if !strings.Contains(address, ":") {
		address += ":22"
	}
	return &SSHRunner{
		audit:   rec,
		logger:  logger,
		address: address,
		config: &ssh.ClientConfig{
			User:            username,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         SSHDialTimeout,
		},
		jobID:      jobID,
		endpointID: address,
	}, nil
}

// Run executes one command in a fresh session and returns captured
// stdout/stderr. The connection is torn down after the command; the
// appliances are low-rate targets and stale connections through
// reboots are worse than the reconnect cost.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, string, error) {
	start := time.Now()
	stdout, stderr, err := r.run(ctx, command)
	duration := time.Since(start)

	code := 0
	if err != nil {
		code = -1
	}
	metrics.ObserveRemoteRequest(metrics.ProtoSSH, OpSSHExec, code, duration)
	if r.audit != nil {
		row := models.CommandAuditRow{
			JobID:          r.jobID,
			ServerID:       r.serverID,
			Method:         "SSH",
			Endpoint:       r.endpointID,
			ResponseTimeMS: duration.Milliseconds(),
			Success:        err == nil,
			RequestBody:    command,
			ResponseBody:   stdout,
		}
		if err != nil {
			row.ErrorMessage = err.Error()
			if stderr != "" {
				row.ResponseBody = stderr
			}
		}
		r.audit.Record(ctx, row)
	}
	return stdout, stderr, err
}

func (r *SSHRunner) run(ctx context.Context, command string) (string, string, error) {
	// The dial consumes the per-phase retry budget; a transient refusal
	// or reset does not surface until the budget is spent.
	var conn *ssh.Client
	err := DoWithRetry(ctx, DefaultRetryConfig(metrics.ProtoSSH, "dial"), func(ctx context.Context) (int, error) {
		c, derr := r.dial(ctx)
		if derr != nil {
			return 0, derr
		}
		conn = c
		return 0, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("ssh: dial %s: %w", r.address, err)
	}
	defer conn.Close()

	sess, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("ssh: session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		// Close tears down the channel; the goroutine unblocks.
		sess.Close()
		<-done
		return outBuf.String(), errBuf.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return outBuf.String(), errBuf.String(),
				fmt.Errorf("ssh: run %q: %w (stderr: %s)", firstWord(command), err, truncate(errBuf.String(), 256))
		}
		return outBuf.String(), errBuf.String(), nil
	}
}

// dial honors ctx cancellation during TCP connect, which the stock
// ssh.Dial does not.
func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: r.config.Timeout}
	tcp, err := d.DialContext(ctx, "tcp", r.address)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(tcp, r.address, r.config)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// WaitReady polls until an SSH handshake and a trivial command succeed
// or the timeout elapses. Used after VM boot and host reboot.
func (r *SSHRunner) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, _, err := r.run(ctx, "true"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		timer := time.NewTimer(5 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no successful connection")
	}
	return fmt.Errorf("ssh: %s not ready after %s: %w", r.address, timeout, lastErr)
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
