// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package federation exchanges an identity assertion for temporary, scoped
// cloud credentials in two steps: resolve an identity handle, then exchange
// the handle and the assertion for a credential with an explicit expiry.
package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/redaction"
	"github.com/envoyproxy/credbroker/internal/retry"
)

// DefaultMargin is how long before expiry a cached credential is replaced.
const DefaultMargin = 5 * time.Minute

// IdentityHandle is the opaque identity reference returned by the resolve
// step.
type IdentityHandle struct {
	ID string
	// Session names the federated session where the service supports it.
	Session string
}

// Credential is a temporary cloud credential.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
	// SessionToken is empty for services that issue a single bearer secret.
	SessionToken string
	Expiration   time.Time
	IdentityID   string
}

// ValidAt reports whether c can be handed out at now with margin to spare.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.AccessKeyID != "" && now.Before(c.Expiration.Add(-margin))
}

// LogValue implements slog.LogValuer. Secrets are never logged.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_key_id", redaction.Identifier(c.AccessKeyID)),
		slog.String("identity_id", redaction.Identifier(c.IdentityID)),
		slog.Time("expiration", c.Expiration),
	)
}

// Assertion is the identity assertion presented to the federation service
// together with the identity generation it belongs to.
type Assertion struct {
	Token string
	// Generation changes only when the authenticated identity may have
	// changed, i.e. after a full authentication.
	Generation uint64
}

// Exchanger implements the two federation calls for one service. Both calls
// must be idempotent; they are retried by the Federator.
type Exchanger interface {
	ResolveIdentity(ctx context.Context, assertion string) (IdentityHandle, error)
	ExchangeCredentials(ctx context.Context, handle IdentityHandle, assertion string) (Credential, error)
}

// Federator caches one identity handle and one credential.
type Federator struct {
	exchanger Exchanger
	retry     *retry.Manager
	logger    *slog.Logger
	now       func() time.Time
	margin    time.Duration

	mu               sync.Mutex
	handle           *IdentityHandle
	handleGeneration uint64
	cred             *Credential
	credGeneration   uint64
}

// Option configures a Federator.
type Option func(*Federator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Federator) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Federator) { f.now = now }
}

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(f *Federator) {
		if d > 0 {
			f.margin = d
		}
	}
}

// New returns a Federator using exchanger.
func New(exchanger Exchanger, rm *retry.Manager, opts ...Option) *Federator {
	f := &Federator{
		exchanger: exchanger,
		retry:     rm,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
		margin:    DefaultMargin,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Cached returns the cached credential when it is still fresh and belongs
// to generation. It never makes a network call.
func (f *Federator) Cached(generation uint64) (Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil || f.credGeneration != generation || !f.cred.ValidAt(f.now(), f.margin) {
		return Credential{}, false
	}
	return *f.cred, true
}

// Snapshot returns the cached credential, if any, regardless of freshness.
func (f *Federator) Snapshot() (Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil {
		return Credential{}, false
	}
	return *f.cred, true
}

// Valid reports whether the cached credential is fresh at now.
func (f *Federator) Valid(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred != nil && f.cred.ValidAt(now, f.margin)
}

// Margin returns the refresh margin.
func (f *Federator) Margin() time.Duration { return f.margin }

// Invalidate drops the cached handle and credential.
func (f *Federator) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = nil
	f.cred = nil
}

// GetFederatedCredentials returns a fresh credential for a, resolving the
// identity only when none is cached for a.Generation. Failures are returned
// as *autherrors.FederationError and drop the cached credential.
func (f *Federator) GetFederatedCredentials(ctx context.Context, a Assertion) (Credential, error) {
	if c, ok := f.Cached(a.Generation); ok {
		return c, nil
	}
	if a.Token == "" {
		return Credential{}, &autherrors.FederationError{Op: autherrors.OpResolveIdentity, Err: errors.New("no identity assertion available")}
	}

	f.mu.Lock()
	if f.handle != nil && f.handleGeneration != a.Generation {
		f.handle, f.cred = nil, nil
	}
	handle := f.handle
	f.mu.Unlock()

	if handle == nil {
		h, err := retry.Do(ctx, f.retry, autherrors.OpResolveIdentity, func(ctx context.Context) (IdentityHandle, error) {
			return f.exchanger.ResolveIdentity(ctx, a.Token)
		})
		if err != nil {
			f.Invalidate()
			return Credential{}, &autherrors.FederationError{Op: autherrors.OpResolveIdentity, Err: err}
		}
		f.mu.Lock()
		f.handle, f.handleGeneration = &h, a.Generation
		f.mu.Unlock()
		handle = &h
		f.logger.Info("resolved federated identity", slog.String("identity_id", redaction.Identifier(h.ID)))
	}

	cred, err := retry.Do(ctx, f.retry, autherrors.OpExchangeCredentials, func(ctx context.Context) (Credential, error) {
		return f.exchanger.ExchangeCredentials(ctx, *handle, a.Token)
	})
	if err == nil && !cred.Expiration.After(f.now()) {
		err = fmt.Errorf("federation service returned a credential that expired at %s", cred.Expiration.Format(time.RFC3339))
	}
	if err != nil {
		f.mu.Lock()
		f.cred = nil
		if staleHandle(err) {
			f.handle = nil
		}
		f.mu.Unlock()
		return Credential{}, &autherrors.FederationError{Op: autherrors.OpExchangeCredentials, Err: err}
	}

	if cred.IdentityID == "" {
		cred.IdentityID = handle.ID
	}
	f.mu.Lock()
	f.cred, f.credGeneration = &cred, a.Generation
	f.mu.Unlock()
	f.logger.Info("obtained federated credentials", slog.Any("credential", cred))
	return cred, nil
}

// staleHandle reports whether err means the cached identity handle can no
// longer be used.
func staleHandle(err error) bool {
	var ce *autherrors.ClassifiedError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case "ResourceNotFoundException", "NotAuthorizedException":
		return true
	}
	return false
}
