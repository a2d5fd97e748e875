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

// Package sessions caches HTTP sessions per remote endpoint and
// serializes concurrent requests to the same endpoint. The per-endpoint
// mutex is held for the whole request, which is the only backpressure a
// fragile BMC needs; callers targeting different endpoints proceed in
// parallel.
package sessions

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds TCP+TLS establishment.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds the whole request.
	DefaultRequestTimeout = 30 * time.Second
)

// Request describes one outbound HTTP call through the manager.
type Request struct {
	Method      string
	URL         string
	EndpointKey string // typically the remote IP or host; groups serialization
	LegacyTLS   bool   // opt-in only; see NewLegacyTransport
	Body        []byte
	Header      http.Header
	Username    string // basic auth when set
	Password    string
	Bearer      string        // bearer auth when set; wins over basic
	Timeout     time.Duration // per-request override of DefaultRequestTimeout
}

// Response is the captured result of a request. The body is fully read
// and the connection returned to the pool before Do returns.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type session struct {
	mu sync.Mutex
	hc *http.Client
}

// Manager owns the session cache. Safe for concurrent use; the outer
// mutex only guards insertion of new endpoint keys.
type Manager struct {
	mu       sync.Mutex
	sessions map[sessionKey]*session
}

type sessionKey struct {
	endpoint string
	legacy   bool
}

// NewManager returns an empty session cache.
func NewManager() *Manager {
	return &Manager{sessions: make(map[sessionKey]*session)}
}

// NewTransport builds the modern TLS transport. The fleet runs
// self-signed certificates, so verification is disabled everywhere.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{Timeout: DefaultConnectTimeout}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // fleet uses self-signed certs
			MinVersion:         tls.VersionTLS12,
		},
	}
}

// NewLegacyTransport builds the legacy-TLS transport: TLS ≥ 1.0, unsafe
// legacy renegotiation, and the broader cipher list old management
// firmware requires. Strictly opt-in; a handler selects it only after
// the modern transport fails the handshake against known-old hardware.
func NewLegacyTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{Timeout: DefaultConnectTimeout}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			Renegotiation:      tls.RenegotiateFreelyAsClient,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
				tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
				tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_RSA_WITH_AES_256_CBC_SHA,
				tls.TLS_RSA_WITH_AES_128_CBC_SHA,
				tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
			},
		},
	}
}

func (m *Manager) session(key sessionKey) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		transport := NewTransport()
		if key.legacy {
			transport = NewLegacyTransport()
		}
		s = &session{hc: &http.Client{Transport: transport}}
		m.sessions[key] = s
	}
	return s
}

// Do executes the request, holding the endpoint's mutex for the entire
// duration. Two callers targeting the same endpoint are serialized;
// callers targeting different endpoints run in parallel.
func (m *Manager) Do(ctx context.Context, req Request) (*Response, error) {
	if req.EndpointKey == "" {
		return nil, errors.New("sessions: endpoint key is empty")
	}
	if req.Method == "" || req.URL == "" {
		return nil, errors.New("sessions: method and URL are required")
	}

	s := m.session(sessionKey{endpoint: req.EndpointKey, legacy: req.LegacyTLS})
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if len(req.Body) > 0 {
		rdr = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	} else if req.Username != "" || req.Password != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}

	resp, err := s.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// IsTLSHandshakeError reports whether err looks like a TLS negotiation
// failure, the trigger for retrying an endpoint with the legacy
// transport.
func IsTLSHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Op == "remote error" {
		return true
	}
	// net/http wraps handshake failures without a typed error.
	msg := err.Error()
	return strings.Contains(msg, "tls: handshake failure") ||
		strings.Contains(msg, "tls: protocol version") ||
		strings.Contains(msg, "handshake failure")
}
