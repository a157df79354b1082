// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package autherrors defines the failure taxonomy shared by the credential
// lifecycle: every error that leaves a network-calling component is turned
// into a ClassifiedError that answers "should I retry, and when" without
// carrying secret material.
package autherrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category groups failures by how the lifecycle reacts to them.
type Category string

const (
	// CategoryAuthentication is a rejected or missing credential. Never retried.
	CategoryAuthentication Category = "AUTHENTICATION"
	// CategoryNetwork is a DNS, connection or timeout failure.
	CategoryNetwork Category = "NETWORK"
	// CategoryThrottling is a provider-side rate limit.
	CategoryThrottling Category = "THROTTLING"
	// CategoryTokenRefresh is a refresh-specific failure.
	CategoryTokenRefresh Category = "TOKEN_REFRESH"
	// CategoryFederation is a credential-exchange failure.
	CategoryFederation Category = "FEDERATION"
	// CategoryUnknown is everything else.
	CategoryUnknown Category = "UNKNOWN"
)

// Operation names passed to Classify.
const (
	OpAuthenticate        = "authenticate"
	OpRefresh             = "refresh"
	OpResolveIdentity     = "federation.resolve"
	OpExchangeCredentials = "federation.exchange"
)

// IsFederationOp reports whether op is one of the federation calls.
func IsFederationOp(op string) bool { return strings.HasPrefix(op, "federation.") }

var (
	// ErrMissingCredentials is returned when no credential source can supply a
	// username and password without blocking.
	ErrMissingCredentials = errors.New("MISSING_CREDENTIALS: no credential source is configured")
	// ErrInvalidCredentials is returned when the identity provider rejects the
	// username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshRejected is returned when the identity provider explicitly
	// rejects the refresh token. Cached tokens are cleared when it is seen.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrChallengeRequired is returned when the provider answers a password
	// grant with an additional challenge, which this module does not handle.
	ErrChallengeRequired = errors.New("additional authentication challenge required")
)

// ClassifiedError is a categorized failure. Error never includes the raw
// provider response body.
type ClassifiedError struct {
	Category  Category
	Retryable bool
	// Message is a secret-free description.
	Message string
	// Code is the provider error code when one was available.
	Code      string
	Operation string
	// RetryAfter is the provider-supplied delay hint, zero when absent.
	RetryAfter time.Duration
	Err        error

	sentinel error
}

// Error implements error.
func (e *ClassifiedError) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Category))
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Is matches the sentinel attached during classification.
func (e *ClassifiedError) Is(target error) bool {
	return e.sentinel != nil && target == e.sentinel
}

// RateLimitError is returned when the local limiter rejects an attempt. It
// is distinct from provider throttling.
type RateLimitError struct {
	// Identifier is already redacted.
	Identifier        string
	RetryAfterSeconds int
}

// Error implements error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many authentication attempts for %s: retry after %ds", e.Identifier, e.RetryAfterSeconds)
}

// FederationError reports that the caller is authenticated but the
// credential exchange is failing.
type FederationError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *FederationError) Error() string {
	return fmt.Sprintf("federated credential %s failed: %v", strings.TrimPrefix(e.Op, "federation."), e.Err)
}

// Unwrap returns the underlying error.
func (e *FederationError) Unwrap() error { return e.Err }

// CategoryOf returns the category of err, classifying it without an
// operation when it is not already classified.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	return Classify(err, "").Category
}

// RetryAfterOf returns how long the caller should wait before retrying err,
// or zero when err carries no hint.
func RetryAfterOf(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return time.Duration(rl.RetryAfterSeconds) * time.Second
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
