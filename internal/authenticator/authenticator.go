// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package authenticator owns the password grant and the access/refresh
// token state machine.
//
// Unauthenticated -> Authenticating -> Authenticated -> NearExpiry -> Expired
// and, when the provider rejects a refresh token, RefreshFailed. Expired and
// RefreshFailed both resolve by authenticating again.
//
// The Authenticator serializes access to its token set with a mutex but does
// not de-duplicate concurrent network calls; callers that may race, such as
// the lifecycle manager, collapse them first.
package authenticator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/credsource"
	"github.com/envoyproxy/credbroker/internal/identity"
	"github.com/envoyproxy/credbroker/internal/ratelimit"
	"github.com/envoyproxy/credbroker/internal/redaction"
	"github.com/envoyproxy/credbroker/internal/retry"
)

const (
	DefaultSafetyMargin         = 60 * time.Second
	DefaultLookahead            = 5 * time.Minute
	DefaultRefreshTokenLifetime = 7 * 24 * time.Hour
	// DefaultAccessTokenLifetime is assumed when the provider reports no
	// lifetime and the access token carries no readable exp claim.
	DefaultAccessTokenLifetime = time.Hour
)

var (
	// ErrNoRefreshToken is returned by Refresh when there is no refresh token
	// or it is assumed expired. The caller must authenticate instead.
	ErrNoRefreshToken = errors.New("no valid refresh token")
	// ErrSessionCleared is returned when the token set was cleared while a
	// refresh was in flight.
	ErrSessionCleared = errors.New("token set was cleared during refresh")
)

// Config holds the token timing policy. Zero fields take the defaults.
type Config struct {
	// SafetyMargin is subtracted from the provider-reported lifetime.
	SafetyMargin time.Duration `json:"safetyMargin,omitempty"`
	// Lookahead is how long before AccessExpiry a token counts as near
	// expiry and is refreshed proactively.
	Lookahead time.Duration `json:"lookahead,omitempty"`
	// RefreshTokenLifetime is the assumed refresh token lifetime. Providers
	// rarely report it, so it is a policy choice.
	RefreshTokenLifetime time.Duration `json:"refreshTokenLifetime,omitempty"`
	// AccessTokenLifetime is the fallback access token lifetime.
	AccessTokenLifetime time.Duration `json:"accessTokenLifetime,omitempty"`
}

// WithDefaults returns c with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.RefreshTokenLifetime <= 0 {
		c.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	return c
}

// Authenticator obtains and refreshes tokens.
type Authenticator struct {
	cfg      Config
	provider identity.Provider
	source   credsource.Provider
	limiter  *ratelimit.Limiter
	retry    *retry.Manager
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	tokens         *TokenSet
	authenticating bool
	refreshFailed  bool
	generation     uint64
	// lastUsername is the username of the most recent password attempt.
	lastUsername string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New returns an Authenticator.
func New(provider identity.Provider, source credsource.Provider, limiter *ratelimit.Limiter, rm *retry.Manager, cfg Config, opts ...Option) *Authenticator {
	a := &Authenticator{
		cfg:      cfg.WithDefaults(),
		provider: provider,
		source:   source,
		limiter:  limiter,
		retry:    rm,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Config returns the effective timing policy.
func (a *Authenticator) Config() Config { return a.cfg }

// Now returns the current time of the authenticator's clock.
func (a *Authenticator) Now() time.Time { return a.now() }

// State returns the current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked(a.now())
}

func (a *Authenticator) stateLocked(now time.Time) State {
	switch {
	case a.authenticating:
		return StateAuthenticating
	case a.tokens == nil && a.refreshFailed:
		return StateRefreshFailed
	case a.tokens == nil:
		return StateUnauthenticated
	case !now.Before(a.tokens.AccessExpiry):
		return StateExpired
	case a.tokens.AccessExpiry.Sub(now) < a.lookahead(a.tokens):
		return StateNearExpiry
	default:
		return StateAuthenticated
	}
}

// lookahead is the configured lookahead, shortened to half the usable
// lifetime of tokens that would otherwise be near expiry as soon as they are
// issued.
func (a *Authenticator) lookahead(ts *TokenSet) time.Duration {
	if ts.IssuedAt.IsZero() {
		return a.cfg.Lookahead
	}
	return min(a.cfg.Lookahead, ts.AccessExpiry.Sub(ts.IssuedAt)/2)
}

// Snapshot returns a copy of the current token set and the state it is in.
func (a *Authenticator) Snapshot() (TokenSet, State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.stateLocked(a.now())
	if a.tokens == nil {
		return TokenSet{}, st, false
	}
	return *a.tokens, st, true
}

// IsRefreshTokenValid reports whether a refresh can be attempted.
func (a *Authenticator) IsRefreshTokenValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens != nil && a.tokens.RefreshValid(a.now())
}

// Generation returns the identity generation of the current token set.
func (a *Authenticator) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// LastUsername returns the username of the most recent password attempt, or
// "" if there has been none.
func (a *Authenticator) LastUsername() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsername
}

// Clear drops the token set. The next EnsureValidToken authenticates.
func (a *Authenticator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = nil
	a.refreshFailed = false
}

// Authenticate performs a full password grant and replaces the token set.
func (a *Authenticator) Authenticate(ctx context.Context) (TokenSet, error) {
	a.mu.Lock()
	a.authenticating = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.authenticating = false
		a.mu.Unlock()
	}()

	creds, err := a.source.Credentials(ctx)
	if err != nil {
		ce := autherrors.Classify(err, autherrors.OpAuthenticate)
		if ce.Category == autherrors.CategoryAuthentication {
			a.Clear()
		}
		return TokenSet{}, ce
	}

	a.mu.Lock()
	a.lastUsername = creds.Username
	a.mu.Unlock()

	if d := a.limiter.Check(creds.Username); !d.Allowed {
		return TokenSet{}, &autherrors.RateLimitError{
			Identifier:        redaction.Identifier(creds.Username),
			RetryAfterSeconds: d.RetryAfterSeconds,
		}
	}

	resp, err := retry.Do(ctx, a.retry, autherrors.OpAuthenticate, func(ctx context.Context) (*identity.TokenResponse, error) {
		return a.provider.PasswordGrant(ctx, creds)
	})
	if err != nil {
		if autherrors.CategoryOf(err) == autherrors.CategoryAuthentication {
			a.Clear()
		}
		return TokenSet{}, err
	}
	a.limiter.Reset(creds.Username)

	now := a.now()
	ts := TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		AccessExpiry: a.accessExpiry(now, resp),
		IssuedAt:     now,
		Username:     creds.Username,
		Subject:      subjectOf(resp),
	}
	if ts.RefreshToken != "" {
		ts.RefreshExpiry = now.Add(a.cfg.RefreshTokenLifetime)
		if ts.RefreshExpiry.Before(ts.AccessExpiry) {
			ts.RefreshExpiry = ts.AccessExpiry
		}
	}

	a.mu.Lock()
	a.generation++
	ts.Generation = a.generation
	a.tokens = &ts
	a.refreshFailed = false
	a.mu.Unlock()

	a.logger.Info("authenticated", slog.Any("tokens", ts))
	return ts, nil
}

// Refresh exchanges the refresh token for a new access token. Only fields the
// provider returned are updated. A rejected refresh token clears the token
// set; any other failure leaves it untouched.
func (a *Authenticator) Refresh(ctx context.Context) (TokenSet, error) {
	a.mu.Lock()
	cur := a.tokens
	a.mu.Unlock()
	if cur == nil || !cur.RefreshValid(a.now()) {
		return TokenSet{}, ErrNoRefreshToken
	}

	resp, err := retry.Do(ctx, a.retry, autherrors.OpRefresh, func(ctx context.Context) (*identity.TokenResponse, error) {
		return a.provider.Refresh(ctx, cur.Username, cur.RefreshToken)
	})
	if err != nil {
		if errors.Is(err, autherrors.ErrRefreshRejected) {
			a.mu.Lock()
			if a.tokens == cur {
				a.tokens = nil
				a.refreshFailed = true
			}
			a.mu.Unlock()
		}
		return TokenSet{}, err
	}

	now := a.now()
	next := *cur
	next.AccessToken = resp.AccessToken
	next.AccessExpiry = a.accessExpiry(now, resp)
	next.IssuedAt = now
	if resp.IDToken != "" {
		next.IDToken = resp.IDToken
		if sub := subjectOf(resp); sub != "" {
			next.Subject = sub
		}
	}
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
		next.RefreshExpiry = now.Add(a.cfg.RefreshTokenLifetime)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokens != cur {
		return TokenSet{}, ErrSessionCleared
	}
	a.tokens = &next
	a.logger.Info("refreshed access token",
		slog.Time("access_expiry", next.AccessExpiry),
		slog.Bool("refresh_token_rotated", resp.RefreshToken != ""))
	return next, nil
}

// EnsureValidToken returns a token set whose access token is valid and not
// near expiry whenever the provider can be reached, refreshing or
// authenticating as needed.
func (a *Authenticator) EnsureValidToken(ctx context.Context) (TokenSet, error) {
	ts, st, _ := a.Snapshot()
	switch st {
	case StateAuthenticated:
		return ts, nil
	case StateNearExpiry, StateExpired:
		if !ts.RefreshValid(a.now()) {
			break
		}
		refreshed, err := a.Refresh(ctx)
		if err == nil {
			return refreshed, nil
		}
		if errors.Is(err, autherrors.ErrRefreshRejected) || errors.Is(err, ErrNoRefreshToken) {
			a.logger.Info("refresh token no longer usable, authenticating again",
				slog.String("category", string(autherrors.CategoryOf(err))))
			break
		}
		if ts.AccessValid(a.now()) {
			// Transient failure ahead of expiry: the current token still works.
			a.logger.Warn("proactive refresh failed, keeping current access token",
				slog.String("error", err.Error()),
				slog.Time("access_expiry", ts.AccessExpiry))
			return ts, nil
		}
		return TokenSet{}, err
	}
	return a.Authenticate(ctx)
}

func (a *Authenticator) accessExpiry(now time.Time, resp *identity.TokenResponse) time.Time {
	lifetime := resp.ExpiresIn
	if lifetime <= 0 {
		lifetime = a.cfg.AccessTokenLifetime
		if c, err := identity.ParseClaims(resp.AccessToken); err == nil && c.ExpiresAt.After(now) {
			lifetime = c.ExpiresAt.Sub(now)
		}
	}
	exp := now.Add(lifetime - a.cfg.SafetyMargin)
	if exp.Before(now) {
		return now
	}
	return exp
}

func subjectOf(resp *identity.TokenResponse) string {
	for _, tok := range []string{resp.IDToken, resp.AccessToken} {
		if c, err := identity.ParseClaims(tok); err == nil && c.Subject != "" {
			return c.Subject
		}
	}
	return ""
}
