// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package redaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactString(t *testing.T) {
	require.Empty(t, RedactString(""))
	out := RedactString("hunter2")
	require.Equal(t, "[REDACTED LENGTH=7 HASH="+Fingerprint("hunter2")+"]", out)
	require.NotContains(t, out, "hunter2")
	require.Equal(t, out, RedactString("hunter2"))
}

func TestIdentifier(t *testing.T) {
	for _, tc := range []struct {
		in     string
		prefix string
	}{
		{in: "", prefix: ""},
		{in: "bob", prefix: "***#"},
		{in: "alice@example.com", prefix: "al***#"},
	} {
		t.Run(tc.in, func(t *testing.T) {
			out := Identifier(tc.in)
			if tc.in == "" {
				require.Empty(t, out)
				return
			}
			require.Equal(t, tc.prefix+Fingerprint(tc.in), out)
		})
	}
}

func TestSecret(t *testing.T) {
	s := Secret("super-secret-token")
	require.Equal(t, "super-secret-token", s.Value())
	require.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "super-secret-token")

	b, err := json.Marshal(struct{ T Secret }{T: s})
	require.NoError(t, err)
	require.NotContains(t, string(b), "super-secret-token")

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("token", "value", s)
	require.NotContains(t, buf.String(), "super-secret-token")
	require.Contains(t, buf.String(), "REDACTED")
}
