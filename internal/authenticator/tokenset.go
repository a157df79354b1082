// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package authenticator

import (
	"log/slog"
	"time"

	"github.com/envoyproxy/credbroker/internal/redaction"
)

// TokenSet is the result of a successful authentication or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// AccessExpiry already has the safety margin subtracted.
	AccessExpiry time.Time
	// IssuedAt is when AccessToken was obtained.
	IssuedAt time.Time
	// RefreshExpiry is zero when no refresh token was issued.
	RefreshExpiry time.Time
	// Subject is the "sub" claim of the identity token, when readable.
	Subject  string
	Username string
	// Generation increases with every full authentication and is unchanged
	// by refreshes. Federation uses it to notice identity changes.
	Generation uint64
}

// AccessValid reports whether the access token can still be handed out.
func (t TokenSet) AccessValid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.AccessExpiry)
}

// RefreshValid reports whether the refresh token is present and assumed to
// be unexpired.
func (t TokenSet) RefreshValid(now time.Time) bool {
	return t.RefreshToken != "" && now.Before(t.RefreshExpiry)
}

// Assertion returns the token presented to the federation service: the
// identity token, or the access token when the provider issued no separate
// identity token.
func (t TokenSet) Assertion() string {
	if t.IDToken != "" {
		return t.IDToken
	}
	return t.AccessToken
}

// LogValue implements slog.LogValuer. Token values are never logged.
func (t TokenSet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_token", redaction.RedactString(t.AccessToken)),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
		slog.Bool("has_id_token", t.IDToken != ""),
		slog.Time("access_expiry", t.AccessExpiry),
		slog.Time("refresh_expiry", t.RefreshExpiry),
		slog.String("username", redaction.Identifier(t.Username)),
		slog.Uint64("generation", t.Generation),
	)
}
