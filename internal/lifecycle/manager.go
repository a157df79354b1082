// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package lifecycle is the single entry point callers use to obtain a valid
// access token or federated credential. Cached values are returned without
// network calls; everything else is collapsed into at most one in-flight
// authentication and one in-flight federation.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/envoyproxy/credbroker/internal/authenticator"
	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/federation"
	"github.com/envoyproxy/credbroker/internal/metrics"
	"github.com/envoyproxy/credbroker/internal/ratelimit"
	"github.com/envoyproxy/credbroker/internal/redaction"
	"github.com/envoyproxy/credbroker/internal/tracing/api"
)

const (
	authFlight       = "auth"
	federationFlight = "federation"

	// opFederate labels the combined resolve and exchange in metrics and logs.
	opFederate = "federate"
)

// ErrFederationDisabled is returned by the federation operations when no
// federation exchanger is configured.
var ErrFederationDisabled = errors.New("federation is not configured")

// AuthenticationStatus is a read-only snapshot. It never contains a token,
// password or key.
type AuthenticationStatus struct {
	State                        string     `json:"state"`
	Authenticated                bool       `json:"authenticated"`
	AccessTokenExpiresAt         *time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenValid            bool       `json:"refreshTokenValid"`
	RefreshTokenExpiresAt        *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	FederationEnabled            bool       `json:"federationEnabled"`
	FederatedCredentialValid     bool       `json:"federatedCredentialValid"`
	FederatedCredentialExpiresAt *time.Time `json:"federatedCredentialExpiresAt,omitempty"`
	IdentityID                   string     `json:"identityId,omitempty"`
	Username                     string     `json:"username,omitempty"`
	RateLimited                  bool       `json:"rateLimited"`
	RetryAfterSeconds            int        `json:"retryAfterSeconds,omitempty"`
	LastError                    string     `json:"lastError,omitempty"`
}

// Manager owns one Authenticator and, optionally, one Federator.
type Manager struct {
	auth    *authenticator.Authenticator
	fed     *federation.Federator
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	metrics metrics.Credential
	tracer  api.CredentialTracer

	// base bounds every flight. Canceling it aborts in-flight provider calls
	// while each waiter keeps its own cancellation.
	base   context.Context
	cancel context.CancelFunc

	group singleflight.Group
	// exclusive keeps a federation exchange from overlapping an
	// authentication, so the exchange never uses an identity that is being
	// replaced.
	exclusive sync.Mutex

	mu      sync.Mutex
	lastErr string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(c metrics.Credential) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t api.CredentialTracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithBaseContext ties in-flight provider calls to ctx, typically the
// process lifetime. Close cancels them as well.
func WithBaseContext(ctx context.Context) Option {
	return func(m *Manager) {
		if ctx != nil {
			m.base = ctx
		}
	}
}

// New returns a Manager. fed may be nil when federation is not configured.
func New(auth *authenticator.Authenticator, fed *federation.Federator, limiter *ratelimit.Limiter, opts ...Option) *Manager {
	m := &Manager{
		auth:    auth,
		fed:     fed,
		limiter: limiter,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: noopMetrics{},
		tracer:  api.NoopCredentialTracer{},
		base:    context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	m.base, m.cancel = context.WithCancel(m.base)
	return m
}

// Close aborts in-flight authentication and federation calls. Cached values
// are still served afterwards, but nothing new is fetched.
func (m *Manager) Close() {
	m.cancel()
}

// flightContext keeps the values of ctx, drops its cancellation and is
// canceled with the manager's base context instead.
func (m *Manager) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(m.base, cancel)
	return fctx, func() {
		stop()
		cancel()
	}
}

// GetAccessToken returns the cached access token while it is unexpired, and
// refreshes or authenticates otherwise. Proactive refresh ahead of expiry is
// left to EnsureValidTokens.
func (m *Manager) GetAccessToken(ctx context.Context) (string, time.Time, error) {
	if ts, _, ok := m.auth.Snapshot(); ok && ts.AccessValid(m.auth.Now()) {
		m.metrics.RecordCacheHit(ctx, metrics.TierToken)
		return ts.AccessToken, ts.AccessExpiry, nil
	}
	ts, err := m.EnsureValidTokens(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	return ts.AccessToken, ts.AccessExpiry, nil
}

// EnsureValidTokens returns a token set that is valid and not near expiry,
// refreshing or authenticating as needed.
func (m *Manager) EnsureValidTokens(ctx context.Context) (authenticator.TokenSet, error) {
	if ts, st, ok := m.auth.Snapshot(); ok && st == authenticator.StateAuthenticated {
		m.metrics.RecordCacheHit(ctx, metrics.TierToken)
		return ts, nil
	}
	ch := m.group.DoChan(authFlight, func() (any, error) {
		fctx, done := m.flightContext(ctx)
		defer done()
		return m.runAuth(fctx)
	})
	select {
	case <-ctx.Done():
		return authenticator.TokenSet{}, autherrors.Classify(ctx.Err(), autherrors.OpAuthenticate)
	case res := <-ch:
		if res.Err != nil {
			return authenticator.TokenSet{}, res.Err
		}
		return res.Val.(authenticator.TokenSet), nil
	}
}

// GetFederatedCredentials returns the cached federated credential while it is
// fresh for the current identity, and obtains a new one otherwise.
func (m *Manager) GetFederatedCredentials(ctx context.Context) (federation.Credential, error) {
	if m.fed == nil {
		return federation.Credential{}, ErrFederationDisabled
	}
	if ts, _, ok := m.auth.Snapshot(); ok && ts.AccessValid(m.auth.Now()) {
		if c, ok := m.fed.Cached(ts.Generation); ok {
			m.metrics.RecordCacheHit(ctx, metrics.TierFederation)
			return c, nil
		}
	}
	return m.EnsureValidFederatedCredentials(ctx)
}

// EnsureValidFederatedCredentials first makes sure the tokens are valid and
// not near expiry, then returns a fresh federated credential for them.
func (m *Manager) EnsureValidFederatedCredentials(ctx context.Context) (federation.Credential, error) {
	if m.fed == nil {
		return federation.Credential{}, ErrFederationDisabled
	}
	ts, err := m.EnsureValidTokens(ctx)
	if err != nil {
		return federation.Credential{}, err
	}
	if c, ok := m.fed.Cached(ts.Generation); ok {
		m.metrics.RecordCacheHit(ctx, metrics.TierFederation)
		return c, nil
	}
	ch := m.group.DoChan(federationFlight, func() (any, error) {
		fctx, done := m.flightContext(ctx)
		defer done()
		return m.runFederation(fctx, ts)
	})
	select {
	case <-ctx.Done():
		return federation.Credential{}, autherrors.Classify(ctx.Err(), autherrors.OpExchangeCredentials)
	case res := <-ch:
		if res.Err != nil {
			return federation.Credential{}, res.Err
		}
		return res.Val.(federation.Credential), nil
	}
}

// Logout drops the tokens and the federated credential. The next call
// authenticates from scratch.
func (m *Manager) Logout() {
	m.auth.Clear()
	if m.fed != nil {
		m.fed.Invalidate()
	}
	m.setLastError(nil)
	m.logger.Info("logged out")
}

// Status returns a snapshot of the lifecycle state. It makes no network
// calls.
func (m *Manager) Status() AuthenticationStatus {
	now := m.auth.Now()
	ts, st, ok := m.auth.Snapshot()
	s := AuthenticationStatus{
		State:             st.String(),
		Authenticated:     ok && ts.AccessValid(now),
		RefreshTokenValid: ok && ts.RefreshValid(now),
		FederationEnabled: m.fed != nil,
	}
	username := m.auth.LastUsername()
	if ok {
		s.AccessTokenExpiresAt = timePtr(ts.AccessExpiry)
		if ts.RefreshToken != "" {
			s.RefreshTokenExpiresAt = timePtr(ts.RefreshExpiry)
		}
		username = ts.Username
	}
	if username != "" {
		s.Username = redaction.Identifier(username)
		s.RateLimited, s.RetryAfterSeconds = m.limiter.Blocked(username)
	}
	if m.fed != nil {
		if c, ok := m.fed.Snapshot(); ok {
			s.FederatedCredentialValid = m.fed.Valid(now)
			s.FederatedCredentialExpiresAt = timePtr(c.Expiration)
			s.IdentityID = redaction.Identifier(c.IdentityID)
		}
	}
	m.mu.Lock()
	s.LastError = m.lastErr
	m.mu.Unlock()
	return s
}

func (m *Manager) runAuth(ctx context.Context) (authenticator.TokenSet, error) {
	m.exclusive.Lock()
	defer m.exclusive.Unlock()

	ts, st, ok := m.auth.Snapshot()
	if ok && st == authenticator.StateAuthenticated {
		return ts, nil
	}
	op, spanName := autherrors.OpAuthenticate, api.SpanAuthenticate
	if ok && (st == authenticator.StateNearExpiry || st == authenticator.StateExpired) && ts.RefreshValid(m.auth.Now()) {
		op, spanName = autherrors.OpRefresh, api.SpanRefresh
	}

	start := m.auth.Now()
	ctx, span := m.tracer.StartSpan(ctx, spanName)
	ts, err := m.auth.EnsureValidToken(ctx)
	span.EndSpan(err)
	m.metrics.RecordOperation(ctx, op, start, err)
	if err != nil {
		var rl *autherrors.RateLimitError
		if errors.As(err, &rl) {
			m.metrics.RecordRateLimitRejection(ctx)
		} else if m.fed != nil && autherrors.CategoryOf(err) == autherrors.CategoryAuthentication {
			// The identity behind the federated credential is gone too.
			m.fed.Invalidate()
		}
		m.surface(op, err)
		return authenticator.TokenSet{}, err
	}
	m.setLastError(nil)
	return ts, nil
}

func (m *Manager) runFederation(ctx context.Context, ts authenticator.TokenSet) (federation.Credential, error) {
	m.exclusive.Lock()
	defer m.exclusive.Unlock()

	// An authentication may have completed while this flight was queued.
	if cur, _, ok := m.auth.Snapshot(); ok && cur.AccessValid(m.auth.Now()) {
		ts = cur
	}
	if c, ok := m.fed.Cached(ts.Generation); ok {
		return c, nil
	}

	start := m.auth.Now()
	ctx, span := m.tracer.StartSpan(ctx, api.SpanFederate)
	c, err := m.fed.GetFederatedCredentials(ctx, federation.Assertion{Token: ts.Assertion(), Generation: ts.Generation})
	span.EndSpan(err)
	m.metrics.RecordOperation(ctx, opFederate, start, err)
	if err != nil {
		m.surface(opFederate, err)
		return federation.Credential{}, err
	}
	m.setLastError(nil)
	return c, nil
}

// surface logs err once, at the point it leaves the lifecycle.
func (m *Manager) surface(op string, err error) {
	ce := autherrors.Classify(err, op)
	attrs := []any{
		slog.String("operation", op),
		slog.String("category", string(ce.Category)),
		slog.String("code", ce.Code),
		slog.Bool("retryable", ce.Retryable),
		slog.String("error", err.Error()),
	}
	if ra := autherrors.RetryAfterOf(err); ra > 0 {
		attrs = append(attrs, slog.Duration("retry_after", ra))
	}
	switch ce.Category {
	case autherrors.CategoryNetwork, autherrors.CategoryThrottling:
		m.logger.Warn("credential operation failed", attrs...)
	default:
		m.logger.Error("credential operation failed", attrs...)
	}
	m.setLastError(err)
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastErr = ""
		return
	}
	m.lastErr = err.Error()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// RetryHook adapts the metrics recorder to retry.WithRetryHook.
func RetryHook(c metrics.Credential) func(string, autherrors.Category) {
	return func(op string, category autherrors.Category) {
		c.RecordRetry(context.Background(), op, category)
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(context.Context, string, time.Time, error) {}
func (noopMetrics) RecordRateLimitRejection(context.Context) {}
func (noopMetrics) RecordRetry(context.Context, string, autherrors.Category) {}
func (noopMetrics) RecordCacheHit(context.Context, string) {}
