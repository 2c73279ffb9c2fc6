// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides rate limiting using token bucket algorithm.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMaxKeys is the default number of tracked keys.
	DefaultMaxKeys = 65536

	// DefaultIdleTimeout is how long an unused bucket is kept.
	DefaultIdleTimeout = time.Minute
)

// Clock returns the current time.
type Clock func() time.Time

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
	now      Clock
}

// NewTokenBucket creates a full bucket holding capacity tokens and gaining
// refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now Clock) *TokenBucket {
	return &TokenBucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		rate:     float64(refillRate),
		last:     now(),
		now:      now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Available returns the number of whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.last).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now
}

// Config holds the per-key limiter configuration.
type Config struct {
	// Capacity is the burst size of each key's bucket.
	Capacity int64

	// RefillRate is the number of tokens each bucket gains per second.
	RefillRate int64

	// MaxKeys bounds the number of tracked keys. New keys are refused while
	// the limit is reached, until Sweep evicts idle buckets.
	// If 0, uses DefaultMaxKeys.
	MaxKeys int

	// IdleTimeout is how long a bucket may go unused before Sweep evicts it.
	// If 0, uses DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Clock overrides time.Now, for tests.
	Clock Clock
}

type entry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	cfg     Config
}

// NewLimiter creates a new rate limiter with per-key tracking.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*entry),
		cfg:     cfg,
	}
}

// Allow takes one token from key's bucket. It never scans the key table, so
// its cost does not grow with the number of tracked keys.
func (l *Limiter) Allow(key string) bool {
	now := l.cfg.Clock()

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.cfg.MaxKeys {
			l.mu.Unlock()
			return false
		}
		e = &entry{bucket: newTokenBucket(l.cfg.Capacity, l.cfg.RefillRate, l.cfg.Clock)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.bucket.Allow()
}

// Sweep evicts buckets unused for longer than the idle timeout and returns
// how many were evicted.
func (l *Limiter) Sweep() int {
	now := l.cfg.Clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.cfg.IdleTimeout {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
