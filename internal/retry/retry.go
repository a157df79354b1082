// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package retry is the single retry layer used by every network call in the
// credential lifecycle. The AWS and OAuth2 clients are configured without
// retries of their own so attempts are only counted here.
package retry

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/envoyproxy/credbroker/internal/autherrors"
)

// Config controls attempts and backoff. Zero fields take the defaults.
type Config struct {
	// MaxAttempts bounds attempts for every retryable category except
	// federation.
	MaxAttempts int `json:"maxAttempts,omitempty"`
	// FederationMaxAttempts bounds attempts for federation calls.
	FederationMaxAttempts int `json:"federationMaxAttempts,omitempty"`
	// InitialDelay is the first backoff interval before jitter.
	InitialDelay time.Duration `json:"initialDelay,omitempty"`
	// MaxDelay caps any computed backoff interval.
	MaxDelay time.Duration `json:"maxDelay,omitempty"`
	// Multiplier grows the interval between attempts.
	Multiplier float64 `json:"multiplier,omitempty"`
	// Jitter is the randomization factor in [0, 1).
	Jitter float64 `json:"jitter,omitempty"`
	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration `json:"attemptTimeout,omitempty"`
	// MaxRetryAfter is the longest provider Retry-After hint that is waited
	// out locally. Longer hints are surfaced to the caller instead.
	MaxRetryAfter time.Duration `json:"maxRetryAfter,omitempty"`
}

const (
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = 200 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitter         = 0.5
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxRetryAfter  = 60 * time.Second
)

// WithDefaults returns c with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FederationMaxAttempts <= 0 {
		c.FederationMaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = DefaultMaxRetryAfter
	}
	return c
}

// Manager runs operations with classification-aware retries.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	onRetry func(operation string, category autherrors.Category)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for per-attempt debug records.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithRetryHook registers fn to be called before every retry.
func WithRetryHook(fn func(operation string, category autherrors.Category)) Option {
	return func(m *Manager) { m.onRetry = fn }
}

// NewManager returns a Manager for cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.WithDefaults(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget for its category is spent. The returned error is always
// a *autherrors.ClassifiedError.
//
// Nothing is logged above debug level here: the caller that surfaces the
// error logs it once.
func (m *Manager) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	b := m.newBackOff()
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		ce := autherrors.Classify(err, operation)
		if ctx.Err() != nil || !ce.Retryable || attempt >= m.limit(ce.Category) {
			return ce
		}
		if ce.RetryAfter > m.cfg.MaxRetryAfter {
			return ce
		}

		delay := b.NextBackOff()
		switch {
		case ce.RetryAfter > 0:
			delay = ce.RetryAfter
		case ce.Category == autherrors.CategoryUnknown:
			delay = min(2*delay, m.cfg.MaxDelay)
		}

		m.logger.Debug("retrying credential operation",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.String("category", string(ce.Category)),
			slog.String("code", ce.Code),
			slog.Duration("delay", delay))
		if m.onRetry != nil {
			m.onRetry(operation, ce.Category)
		}

		if err := m.sleep(ctx, delay); err != nil {
			canceled := autherrors.Classify(err, operation)
			canceled.Message = "canceled while waiting to retry after: " + ce.Message
			return canceled
		}
	}
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, m *Manager, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.Execute(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (m *Manager) limit(c autherrors.Category) int {
	if c == autherrors.CategoryFederation {
		return m.cfg.FederationMaxAttempts
	}
	return m.cfg.MaxAttempts
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialDelay
	b.MaxInterval = m.cfg.MaxDelay
	b.Multiplier = m.cfg.Multiplier
	b.RandomizationFactor = m.cfg.Jitter
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
