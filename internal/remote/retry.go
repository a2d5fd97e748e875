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
	"math/rand"
	"net"
	"net/http"
	"time"

	"flotilla/internal/metrics"
)

// Default retry configuration for remote calls inside a handler phase.
const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 3 * time.Second
	defaultJitterFrac  = 0.3
)

// RetryConfig defines the per-phase retry budget for a remote call.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // 0.0-1.0 fraction of delay to jitter
	Proto       string  // metrics protocol label
	Op          string  // metrics/logging operation label
}

// DefaultRetryConfig returns the standard budget for an operation.
func DefaultRetryConfig(proto, op string) RetryConfig {
	return RetryConfig{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		JitterFrac:  defaultJitterFrac,
		Proto:       proto,
		Op:          op,
	}
}

// Attempt is one try of a remote call. It returns the HTTP status code
// alongside the error: negative for transport errors, zero for
// protocols without status codes (SSH).
type Attempt func(ctx context.Context) (int, error)

// DoWithRetry executes fn under the retry budget, backing off with
// jitter between transient failures. Permanent failures (4xx other
// than 429) return immediately.
func DoWithRetry(ctx context.Context, cfg RetryConfig, fn Attempt) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 300 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.JitterFrac <= 0 {
		cfg.JitterFrac = 0.25
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		code, err := fn(ctx)
		if err == nil && (code == 0 || (code >= 200 && code < 300)) {
			return nil
		}
		if !isRetryable(err, code) {
			if err != nil {
				return err
			}
			return errors.New(cfg.Op + ": remote call failed permanently")
		}
		lastErr = err
		if lastErr == nil {
			lastErr = errors.New(cfg.Op + ": transient remote failure")
		}

		if attempt < cfg.MaxAttempts {
			exp := attempt - 1
			if exp > 10 {
				exp = 10 // cap exponent to prevent overflow
			}
			backoff := cfg.BaseDelay * (1 << exp)
			if backoff > cfg.MaxDelay {
				backoff = cfg.MaxDelay
			}
			jitter := time.Duration(rand.Float64() * cfg.JitterFrac * float64(backoff) * 2)
			sleep := backoff - time.Duration(cfg.JitterFrac*float64(backoff)) + jitter
			metrics.IncRemoteRetry(cfg.Proto, cfg.Op)

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

// isRetryable reports whether the error/status suggests a transient
// failure worth consuming retry budget on.
func isRetryable(err error, code int) bool {
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return true
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		// Connection resets and similar transport faults.
		return true
	}
	if code < 0 {
		return true
	}
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}
