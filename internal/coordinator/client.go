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

// Package coordinator is the typed REST client for the job coordinator,
// a PostgREST-style surface over the system-of-record relational store.
// Resources are addressed as /rest/v1/<resource> with column filters of
// the form col=op.value (eq, in, is.null).
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flotilla/internal/metrics"
)

var (
	// ErrNoRows means a conditional PATCH matched zero rows; on the
	// claim path this is "lost the race".
	ErrNoRows = errors.New("coordinator: no rows matched")
	// ErrNotFound maps HTTP 404 on a specific row.
	ErrNotFound = errors.New("coordinator: not found")
	// ErrConflict maps HTTP 409.
	ErrConflict = errors.New("coordinator: conflict")
)

// Filter is one column filter appended to the query string.
type Filter struct {
	Column string
	Op     string // "eq", "in", "is"
	Value  string
}

// Eq filters col = value.
func Eq(column, value string) Filter { return Filter{Column: column, Op: "eq", Value: value} }

// In filters col IN (values...).
func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: "in", Value: "(" + strings.Join(values, ",") + ")"}
}

// IsNull filters col IS NULL.
func IsNull(column string) Filter { return Filter{Column: column, Op: "is", Value: "null"} }

// Query carries the optional modifiers of a Select.
type Query struct {
	Filters []Filter
	Select  string
	Order   string
	Limit   int
}

// Client issues authenticated requests against the coordinator.
// It is read-only after construction and safe for concurrent use.
type Client struct {
	baseURL *url.URL
	token   string
	apiKey  string
	hc      *http.Client
	logger  *slog.Logger
}

// New constructs a Client for the given coordinator base URL.
func New(rawURL, serviceToken, apiKey string, logger *slog.Logger) (*Client, error) {
	if rawURL == "" {
		return nil, errors.New("coordinator: base URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("coordinator: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		baseURL: u,
		token:   serviceToken,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}, nil
}

func (c *Client) resourceURL(resource string, q Query) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rest/v1/" + resource
	vals := url.Values{}
	for _, f := range q.Filters {
		vals.Add(f.Column, f.Op+"."+f.Value)
	}
	if q.Select != "" {
		vals.Set("select", q.Select)
	}
	if q.Order != "" {
		vals.Set("order", q.Order)
	}
	if q.Limit > 0 {
		vals.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	u.RawQuery = vals.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any, representation bool) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("coordinator: marshal body: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if representation {
		req.Header.Set("Prefer", "return=representation")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("apikey", c.apiKey)

	start := time.Now()
	resp, err := c.hc.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveRemoteRequest(metrics.ProtoCoordinator, method, -1, duration)
		return nil, fmt.Errorf("coordinator: %s: %w", method, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	metrics.ObserveRemoteRequest(metrics.ProtoCoordinator, method, resp.StatusCode, duration)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrConflict
	default:
		return nil, fmt.Errorf("coordinator: %s %s: status=%d body=%s",
			method, rawURL, resp.StatusCode, truncate(string(data), 512))
	}
}

// Select fetches rows into out (a pointer to a slice).
func (c *Client) Select(ctx context.Context, resource string, q Query, out any) error {
	data, err := c.do(ctx, http.MethodGet, c.resourceURL(resource, q), nil, false)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("coordinator: decode %s: %w", resource, err)
		}
	}
	return nil
}

// Insert creates a row. When out is non-nil the inserted representation
// is requested and decoded into it (out is a pointer to a slice).
func (c *Client) Insert(ctx context.Context, resource string, row any, out any) error {
	data, err := c.do(ctx, http.MethodPost, c.resourceURL(resource, Query{}), row, out != nil)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("coordinator: decode inserted %s: %w", resource, err)
		}
	}
	return nil
}

// Patch partially updates the rows matched by filters. The updated
// representation is always requested so callers can detect zero matched
// rows; ErrNoRows is returned in that case. When out is non-nil the
// updated rows are decoded into it.
func (c *Client) Patch(ctx context.Context, resource string, filters []Filter, patch any, out any) error {
	data, err := c.do(ctx, http.MethodPatch, c.resourceURL(resource, Query{Filters: filters}), patch, true)
	if err != nil {
		return err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("coordinator: decode patched %s: %w", resource, err)
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("coordinator: decode patched %s: %w", resource, err)
		}
	}
	return nil
}

// Delete removes the rows matched by filters.
func (c *Client) Delete(ctx context.Context, resource string, filters []Filter) error {
	_, err := c.do(ctx, http.MethodDelete, c.resourceURL(resource, Query{Filters: filters}), nil, false)
	return err
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
