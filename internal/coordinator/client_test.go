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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"flotilla/internal/logging"
	"flotilla/pkg/models"
)

func parseQuery(raw string) (url.Values, error) { return url.ParseQuery(raw) }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "service-token", "api-key", logging.New("error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestSelectEncodesFiltersAndAuth(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotKey string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		w.Write([]byte(`[]`))
	})

	var out []models.Job
	err := c.Select(context.Background(), "jobs", Query{
		Filters: []Filter{Eq("status", "pending"), In("type", "power_action", "firmware_apply"), IsNull("worker_id")},
		Order:   "created_at.asc",
		Limit:   5,
	}, &out)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	if gotPath != "/rest/v1/jobs" {
		t.Errorf("path = %q", gotPath)
	}
	q, err := parseQuery(gotQuery)
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]string{
		"status":    "eq.pending",
		"type":      "in.(power_action,firmware_apply)",
		"worker_id": "is.null",
		"order":     "created_at.asc",
		"limit":     "5",
	}
	for k, want := range checks {
		if q.Get(k) != want {
			t.Errorf("query[%s] = %q, want %q", k, q.Get(k), want)
		}
	}
	if gotAuth != "Bearer service-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotKey != "api-key" {
		t.Errorf("apikey = %q", gotKey)
	}
}

func TestPatchZeroRowsIsErrNoRows(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("Prefer header missing, got %q", r.Header.Get("Prefer"))
		}
		w.Write([]byte(`[]`))
	})

	err := c.Patch(context.Background(), "jobs", []Filter{Eq("id", "j1"), Eq("status", "pending")},
		map[string]any{"status": "running"}, nil)
	if !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestClaimJobWinsRace(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		q, _ := parseQuery(r.URL.RawQuery)
		if q.Get("id") != "eq.j1" || q.Get("status") != "eq.pending" {
			t.Errorf("claim filters = %q", r.URL.RawQuery)
		}
		var patch map[string]any
		json.NewDecoder(r.Body).Decode(&patch)
		if patch["worker_id"] != "w1" || patch["status"] != "running" {
			t.Errorf("claim patch = %v", patch)
		}
		json.NewEncoder(w).Encode([]models.Job{{ID: "j1", Type: "power_action", Status: models.JobStatusRunning}})
	})

	job, err := c.ClaimJob(context.Background(), "j1", "w1", time.Now())
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job.ID != "j1" || job.Status != models.JobStatusRunning {
		t.Fatalf("claimed job = %+v", job)
	}
}

func TestClaimJobLosesRace(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`)) // another worker already flipped the row
	})
	_, err := c.ClaimJob(context.Background(), "j1", "w1", time.Now())
	if !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows on lost race, got %v", err)
	}
}

func TestFetchPendingJobsFiltersScheduledAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Job{
			{ID: "due-unset", Status: models.JobStatusPending},
			{ID: "not-due", Status: models.JobStatusPending, ScheduledAt: &future},
			{ID: "due-past", Status: models.JobStatusPending, ScheduledAt: &past},
		})
	})

	jobs, err := c.FetchPendingJobs(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("FetchPendingJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.ID == "not-due" {
			t.Fatal("future-scheduled job returned as eligible")
		}
	}
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		})
		var out []models.Job
		err := c.Select(context.Background(), "jobs", Query{}, &out)
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestGetSetting(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q, _ := parseQuery(r.URL.RawQuery)
		if q.Get("key") != "eq.signing_secret" {
			t.Errorf("filter = %q", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"key":"signing_secret","value":"s3cret"}]`))
	})
	v, err := c.GetSetting(context.Background(), "signing_secret")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "s3cret" {
		t.Fatalf("value = %q", v)
	}
}
