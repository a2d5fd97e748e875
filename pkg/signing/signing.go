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

// Package signing implements the outbound callback authentication
// protocol: canonical JSON (keys sorted lexicographically at every
// object level) plus a UTC Unix-seconds timestamp, HMAC-SHA256 over the
// concatenation. Receivers reject signatures older than MaxSkew.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const (
	// HeaderSignature carries the hex HMAC of canonical body + timestamp.
	HeaderSignature = "X-Executor-Signature"
	// HeaderTimestamp carries the UTC Unix seconds the body was signed at.
	HeaderTimestamp = "X-Executor-Timestamp"
	// MaxSkew is the oldest acceptable signature age.
	MaxSkew = 5 * time.Minute
)

var (
	ErrBadSignature = errors.New("signing: signature mismatch")
	ErrStale        = errors.New("signing: timestamp outside acceptance window")
)

// CanonicalJSON serializes v with object keys sorted lexicographically
// at every level. Arrays keep their order; scalars use encoding/json
// rules. v may be a Go value or raw JSON bytes (json.RawMessage).
func CanonicalJSON(v any) ([]byte, error) {
	var generic any
	switch t := v.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(t, &generic); err != nil {
			return nil, fmt.Errorf("signing: parse payload: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(t, &generic); err != nil {
			return nil, fmt.Errorf("signing: parse payload: %w", err)
		}
	default:
		// Round-trip through encoding/json so struct tags and custom
		// marshalers apply before canonical ordering.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("signing: marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("signing: reparse payload: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Signer signs outbound callback bodies with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for the shared secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing: secret cannot be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign produces the signature and timestamp header values for payload
// at the given instant.
func (s *Signer) Sign(payload any, at time.Time) (signature, timestamp string, err error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", "", err
	}
	timestamp = strconv.FormatInt(at.UTC().Unix(), 10)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil)), timestamp, nil
}

// Verify checks a received signature against the payload. It rejects
// timestamps older than MaxSkew (or too far in the future) before
// comparing MACs, and compares in constant time.
func (s *Signer) Verify(payload any, signature, timestamp string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("signing: bad timestamp %q: %w", timestamp, err)
	}
	age := now.UTC().Sub(time.Unix(ts, 0))
	if age >= MaxSkew || age <= -MaxSkew {
		return ErrStale
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	mac.Write([]byte(timestamp))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
