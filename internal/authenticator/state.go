// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package authenticator

// State is the position of an Authenticator in its token lifecycle.
type State int

const (
	// StateUnauthenticated means there is no token set.
	StateUnauthenticated State = iota
	// StateAuthenticating means a password grant is in flight.
	StateAuthenticating
	// StateAuthenticated means the access token is valid and not near expiry.
	StateAuthenticated
	// StateNearExpiry means the access token expires within the lookahead.
	StateNearExpiry
	// StateExpired means the access token has expired.
	StateExpired
	// StateRefreshFailed means the provider rejected the refresh token and
	// the token set was cleared.
	StateRefreshFailed
)

var stateNames = [...]string{
	StateUnauthenticated: "Unauthenticated",
	StateAuthenticating:  "Authenticating",
	StateAuthenticated:   "Authenticated",
	StateNearExpiry:      "NearExpiry",
	StateExpired:         "Expired",
	StateRefreshFailed:   "RefreshFailed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
