// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clk.now)), clk
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(Config{})
	require.Equal(t, Config{Window: 60 * time.Second, MaxAttempts: 5, BlockDuration: 300 * time.Second}, l.cfg)
}

func TestLimiter_BlocksSixthAttemptAndRecovers(t *testing.T) {
	l, clk := newTestLimiter(Config{})

	for i := range 5 {
		d := l.Check("alice")
		require.True(t, d.Allowed, "attempt %d", i+1)
		clk.advance(time.Second)
	}

	d := l.Check("alice")
	require.False(t, d.Allowed)
	require.Equal(t, 300, d.RetryAfterSeconds)

	blocked, remaining := l.Blocked("alice")
	require.True(t, blocked)
	require.Equal(t, 300, remaining)

	clk.advance(100*time.Second + 500*time.Millisecond)
	d = l.Check("alice")
	require.False(t, d.Allowed)
	require.Equal(t, 200, d.RetryAfterSeconds)

	// Other identifiers are unaffected.
	require.True(t, l.Check("bob").Allowed)

	clk.advance(200 * time.Second)
	blocked, _ = l.Blocked("alice")
	require.False(t, blocked)
	require.True(t, l.Check("alice").Allowed)
}

func TestLimiter_WindowExpiryResetsCount(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: 10 * time.Second, MaxAttempts: 2})
	require.True(t, l.Check("id").Allowed)
	require.True(t, l.Check("id").Allowed)
	clk.advance(10 * time.Second)
	require.True(t, l.Check("id").Allowed)
	require.True(t, l.Check("id").Allowed)
	require.False(t, l.Check("id").Allowed)
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 1})
	require.True(t, l.Check("id").Allowed)
	require.False(t, l.Check("id").Allowed)
	l.Reset("id")
	require.True(t, l.Check("id").Allowed)
}

func TestLimiter_LazyCollection(t *testing.T) {
	l, clk := newTestLimiter(Config{Window: time.Minute, MaxAttempts: 1, BlockDuration: time.Hour})
	l.Check("expired")
	l.Check("blocked")
	l.Check("blocked")
	clk.advance(2 * time.Minute)

	l.Check("fresh")

	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotContains(t, l.entries, "expired")
	require.Contains(t, l.entries, "blocked")
	require.Contains(t, l.entries, "fresh")
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 50})
	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Check("shared").Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	var n int
	for a := range allowed {
		if a {
			n++
		}
	}
	require.Equal(t, 50, n)
}

func TestCeilSeconds(t *testing.T) {
	require.Equal(t, 0, ceilSeconds(0))
	require.Equal(t, 0, ceilSeconds(-time.Second))
	require.Equal(t, 1, ceilSeconds(time.Millisecond))
	require.Equal(t, 2, ceilSeconds(2*time.Second))
	require.Equal(t, 3, ceilSeconds(2*time.Second+1))
}
