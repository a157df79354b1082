// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package ratelimit implements the process-local guard on authentication
// attempts. It fails fast so the identity provider is not hammered with
// attempts that are going to be rejected anyway; it is not a substitute for
// the provider's own limits.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultMaxAttempts   = 5
	DefaultBlockDuration = 300 * time.Second
)

// Config configures a Limiter. Zero fields take the defaults.
type Config struct {
	// Window is how long attempts are counted for after the first one.
	Window time.Duration `json:"window,omitempty"`
	// MaxAttempts is how many attempts are allowed inside one window.
	MaxAttempts int `json:"maxAttempts,omitempty"`
	// BlockDuration is how long an identifier stays blocked once it exceeds
	// MaxAttempts.
	BlockDuration time.Duration `json:"blockDuration,omitempty"`
}

// WithDefaults fills unset fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	return c
}

// Decision is the result of Check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is set when Allowed is false.
	RetryAfterSeconds int
}

type entry struct {
	attempts      int
	windowResetAt time.Time
	// blockUntil is zero when the entry is not blocked.
	blockUntil time.Time
}

func (e *entry) blocked(now time.Time) bool {
	return !e.blockUntil.IsZero() && now.Before(e.blockUntil)
}

// Limiter counts attempts per identifier. It is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter for cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.WithDefaults(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records one attempt for identifier and reports whether it may
// proceed.
func (l *Limiter) Check(identifier string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.collect(now)

	e, ok := l.entries[identifier]
	if ok && e.blocked(now) {
		return Decision{RetryAfterSeconds: ceilSeconds(e.blockUntil.Sub(now))}
	}
	if !ok || !e.blockUntil.IsZero() || !now.Before(e.windowResetAt) {
		e = &entry{windowResetAt: now.Add(l.cfg.Window)}
		l.entries[identifier] = e
	}

	e.attempts++
	if e.attempts > l.cfg.MaxAttempts {
		e.blockUntil = now.Add(l.cfg.BlockDuration)
		return Decision{RetryAfterSeconds: ceilSeconds(l.cfg.BlockDuration)}
	}
	return Decision{Allowed: true}
}

// Reset forgets identifier. It is called after a successful authentication.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identifier)
}

// Blocked reports whether identifier is currently blocked and for how many
// more seconds, without recording an attempt.
func (l *Limiter) Blocked(identifier string) (bool, int) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[identifier]
	if !ok || !e.blocked(now) {
		return false, 0
	}
	return true, ceilSeconds(e.blockUntil.Sub(now))
}

// collect drops entries whose window has passed and which are not blocked.
// Must be called with mu held.
func (l *Limiter) collect(now time.Time) {
	for id, e := range l.entries {
		if e.blocked(now) {
			continue
		}
		if !e.blockUntil.IsZero() || !now.Before(e.windowResetAt) {
			delete(l.entries, id)
		}
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
