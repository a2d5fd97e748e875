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

package crypto

import (
	"regexp"
	"strings"
)

// RedactSecret redacts a secret string for logging.
// Empty strings return empty. Short strings (<=4 chars) return "****".
// Longer strings show first 2 and last 2 characters with asterisks in between.
func RedactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

// RedactToken redacts a bearer token or API token for logging.
// Shows first 4 and last 4 characters with ellipsis.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

// RedactPassword always returns "[REDACTED]" for any non-empty password.
func RedactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "[REDACTED]"
}

// RedactAuthHeader redacts an Authorization header value.
// For Basic auth, redacts the base64-encoded credentials.
// For Bearer tokens, redacts the token.
func RedactAuthHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	if strings.HasPrefix(authHeader, "Basic ") {
		return "Basic [REDACTED]"
	}
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		return "Bearer " + RedactToken(token)
	}
	return "[REDACTED]"
}

var secretFieldPattern = regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|credential|ks_cfg|private_key)"\s*:\s*)"(?:[^"\\]|\\.)*"`)

// ScrubBody replaces the values of well-known secret fields in a JSON
// body with a redaction marker. Used before a request or response body
// is attached to a command audit row.
func ScrubBody(body string) string {
	if body == "" {
		return ""
	}
	return secretFieldPattern.ReplaceAllString(body, `$1"[REDACTED]"`)
}
