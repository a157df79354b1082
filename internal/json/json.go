// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package json is the JSON codec used for server responses and CLI output.
// Under test it switches to the encoding/json compatible configuration so
// that output is deterministic.
package json

import (
	"testing"

	"github.com/bytedance/sonic"
)

var (
	Marshal       = sonic.ConfigDefault.Marshal
	MarshalIndent = sonic.ConfigDefault.MarshalIndent
	Unmarshal     = sonic.ConfigDefault.Unmarshal
)

func init() {
	if testing.Testing() {
		Marshal = sonic.ConfigStd.Marshal
		MarshalIndent = sonic.ConfigStd.MarshalIndent
		Unmarshal = sonic.ConfigStd.Unmarshal
	}
}
