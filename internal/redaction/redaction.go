// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package redaction keeps credential material out of logs, errors and
// status output while still allowing two log lines about the same value to
// be correlated.
package redaction

import (
	"fmt"
	"hash/crc32"
	"log/slog"
	"strconv"
)

// Fingerprint returns an 8-character hex CRC32 of s. It is a correlation aid,
// not a security primitive.
func Fingerprint(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// RedactString replaces s with a placeholder containing its length and
// fingerprint.
//
// Format: [REDACTED LENGTH=n HASH=xxxxxxxx]
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED LENGTH=" + strconv.Itoa(len(s)) + " HASH=" + Fingerprint(s) + "]"
}

// Identifier masks a user-facing identifier such as a username or an identity
// id. The first two characters are kept so operators can tell accounts apart.
func Identifier(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***#" + Fingerprint(s)
	}
	return s[:2] + "***#" + Fingerprint(s)
}

// Secret is a string that never renders its value through fmt, slog or JSON.
type Secret string

// Value returns the underlying secret.
func (s Secret) Value() string { return string(s) }

// String implements fmt.Stringer.
func (s Secret) String() string { return RedactString(string(s)) }

// GoString implements fmt.GoStringer so %#v does not leak either.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}
