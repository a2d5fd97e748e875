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

// Package metrics exposes the executor's Prometheus collectors through
// a package-level registry that tests can reset.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	remoteRequests        *prometheus.CounterVec
	remoteRequestDuration *prometheus.HistogramVec
	remoteRetries         *prometheus.CounterVec
	handlerDuration       *prometheus.HistogramVec
	jobClaims             *prometheus.CounterVec
	phaseDuration         *prometheus.HistogramVec
)

// Remote protocols used as metric labels.
const (
	ProtoRedfish     = "redfish"
	ProtoVSphere     = "vsphere"
	ProtoSSH         = "ssh"
	ProtoCoordinator = "coordinator"
)

// Claim outcomes.
const (
	ClaimWon  = "won"
	ClaimLost = "lost"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRemoteRequest records a completed outbound request attempt.
// code should be the HTTP status code (or exit status for SSH); use
// negative values to indicate transport errors.
func ObserveRemoteRequest(proto, op string, code int, duration time.Duration) {
	labelProto := sanitizeLabel(proto, "unknown")
	labelOp := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if remoteRequests != nil {
		remoteRequests.WithLabelValues(labelProto, labelOp, status).Inc()
	}
	if remoteRequestDuration != nil {
		remoteRequestDuration.WithLabelValues(labelProto, labelOp).Observe(durationSeconds(duration))
	}
}

// IncRemoteRetry increments the retry counter for a remote operation.
func IncRemoteRetry(proto, op string) {
	mu.RLock()
	defer mu.RUnlock()
	if remoteRetries != nil {
		remoteRetries.WithLabelValues(sanitizeLabel(proto, "unknown"), sanitizeLabel(op, "unknown")).Inc()
	}
}

// ObserveHandler records a completed handler invocation by job type and
// terminal outcome.
func ObserveHandler(jobType, outcome string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if handlerDuration != nil {
		handlerDuration.WithLabelValues(sanitizeLabel(jobType, "unknown"), sanitizeLabel(outcome, "unknown")).Observe(durationSeconds(duration))
	}
}

// IncClaim records a claim attempt outcome (won or lost).
func IncClaim(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobClaims != nil {
		jobClaims.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObservePhase records the duration of a named handler phase.
func ObservePhase(jobType, phase string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if phaseDuration != nil {
		phaseDuration.WithLabelValues(sanitizeLabel(jobType, "unknown"), sanitizeLabel(phase, "unknown")).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "executor",
		Name:      "remote_requests_total",
		Help:      "Total outbound remote requests grouped by protocol, operation, and status.",
	}, []string{"proto", "op", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flotilla",
		Subsystem: "executor",
		Name:      "remote_request_duration_seconds",
		Help:      "Duration of outbound remote requests by protocol and operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"proto", "op"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "executor",
		Name:      "remote_retries_total",
		Help:      "Total number of remote request retries by protocol and operation.",
	}, []string{"proto", "op"})

	handlerHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flotilla",
		Subsystem: "executor",
		Name:      "handler_duration_seconds",
		Help:      "Duration of handler invocations by job type and terminal outcome.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"type", "outcome"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flotilla",
		Subsystem: "executor",
		Name:      "job_claims_total",
		Help:      "Job claim attempts by outcome (won, lost).",
	}, []string{"outcome"})

	phaseHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flotilla",
		Subsystem: "executor",
		Name:      "phase_duration_seconds",
		Help:      "Duration of handler phases by job type and phase name.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"type", "phase"})

	registry.MustRegister(reqTotal, reqDuration, retries, handlerHist, claims, phaseHist)

	reg = registry
	remoteRequests = reqTotal
	remoteRequestDuration = reqDuration
	remoteRetries = retries
	handlerDuration = handlerHist
	jobClaims = claims
	phaseDuration = phaseHist
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
