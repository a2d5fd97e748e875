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

// Package schedule parses protection-group replication schedules. The
// grammar is deliberately small: the cron forms `*/N * * * *`,
// `0 */N * * *`, and `0 0 * * *`, plus the named forms `Hourly`,
// `Daily`, and `Every N minutes`. Anything else is a validation error;
// there is no silent fallback.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed replication cadence.
type Schedule struct {
	Interval time.Duration
	raw      string
}

// String returns the original schedule expression.
func (s Schedule) String() string { return s.raw }

// Due reports whether a run is owed given the last completed run. A
// zero lastRun means the group has never replicated and is always due.
func (s Schedule) Due(lastRun, now time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	return now.Sub(lastRun) >= s.Interval
}

var (
	everyNMinutes = regexp.MustCompile(`^\*/(\d{1,3}) \* \* \* \*$`)
	everyNHours   = regexp.MustCompile(`^0 \*/(\d{1,2}) \* \* \*$`)
	dailyCron     = regexp.MustCompile(`^0 0 \* \* \*$`)
	namedEveryN   = regexp.MustCompile(`(?i)^every (\d{1,3}) minutes?$`)
)

// Parse validates and parses a schedule expression.
func Parse(expr string) (Schedule, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return Schedule{}, fmt.Errorf("schedule: empty expression")
	}

	switch strings.ToLower(raw) {
	case "hourly":
		return Schedule{Interval: time.Hour, raw: raw}, nil
	case "daily":
		return Schedule{Interval: 24 * time.Hour, raw: raw}, nil
	}

	if m := namedEveryN.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 59 {
			return Schedule{}, fmt.Errorf("schedule: minutes out of range in %q", raw)
		}
		return Schedule{Interval: time.Duration(n) * time.Minute, raw: raw}, nil
	}

	if m := everyNMinutes.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 59 {
			return Schedule{}, fmt.Errorf("schedule: minutes out of range in %q", raw)
		}
		return Schedule{Interval: time.Duration(n) * time.Minute, raw: raw}, nil
	}

	if m := everyNHours.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 23 {
			return Schedule{}, fmt.Errorf("schedule: hours out of range in %q", raw)
		}
		return Schedule{Interval: time.Duration(n) * time.Hour, raw: raw}, nil
	}

	if dailyCron.MatchString(raw) {
		return Schedule{Interval: 24 * time.Hour, raw: raw}, nil
	}

	return Schedule{}, fmt.Errorf("schedule: unrecognized expression %q", raw)
}
