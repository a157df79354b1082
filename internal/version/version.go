// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version holds build information set at link time.
package version

// Version is overridden with -ldflags "-X github.com/envoyproxy/credbroker/internal/version.Version=...".
var Version = "dev"

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string { return "credbroker/" + Version }
