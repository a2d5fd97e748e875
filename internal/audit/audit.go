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

// Package audit appends one row per outbound remote call to the
// coordinator. Auditing is best-effort: a failed append is logged and
// dropped, never surfaced to the handler.
package audit

import (
	"context"
	"log/slog"
	"time"

	"flotilla/pkg/crypto"
	"flotilla/pkg/models"
)

// MaxBodyBytes bounds request/response bodies stored on a row.
const MaxBodyBytes = 2000

// Sink is where audit rows land; satisfied by the coordinator client.
type Sink interface {
	InsertAuditRow(ctx context.Context, row models.CommandAuditRow) error
}

// Recorder scrubs and appends command audit rows.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing to sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record scrubs secrets, truncates bodies, stamps the row, and appends
// it. Errors are logged, not returned.
func (r *Recorder) Record(ctx context.Context, row models.CommandAuditRow) {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	row.RequestBody = truncate(crypto.ScrubBody(row.RequestBody), MaxBodyBytes)
	row.ResponseBody = truncate(crypto.ScrubBody(row.ResponseBody), MaxBodyBytes)
	row.ErrorMessage = truncate(row.ErrorMessage, 512)

	if err := r.sink.InsertAuditRow(ctx, row); err != nil {
		if r.logger != nil {
			r.logger.Warn("audit append failed",
				slog.String("method", row.Method),
				slog.String("endpoint", row.Endpoint),
				slog.String("err", err.Error()))
		}
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
