// Package ratelimit implements an in-memory, per-key sliding-window limiter.
//
// Each key keeps the timestamps of its admitted calls. A call is admitted when
// fewer than the configured maximum fall inside the trailing window
// (now-window, now]. State is local to the Limiter instance; separate processes
// do not share quota.
package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrInvalidConfig is wrapped by every construction failure.
var ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

// Limiter tracks per-key call history within a sliding window.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	now      func() time.Time
	history  map[string][]time.Time
}

// Option customises a Limiter at construction.
type Option func(*Limiter)

// WithClock replaces the wall clock used to timestamp calls.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a limiter admitting at most maxCalls per key within window.
// The window must be at least one second.
func New(maxCalls int, window time.Duration, opts ...Option) (*Limiter, error) {
	if maxCalls < 1 {
		return nil, fmt.Errorf("%w: max calls must be at least 1, got %d", ErrInvalidConfig, maxCalls)
	}
	if window < time.Second {
		return nil, fmt.Errorf("%w: window must be at least 1s, got %v", ErrInvalidConfig, window)
	}
	l := &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		history:  make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// MaxCalls reports the per-window admission limit.
func (l *Limiter) MaxCalls() int { return l.maxCalls }

// Window reports the width of the sliding window.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow records a call for key and reports whether it was admitted.
// A denied call leaves the history untouched apart from pruning.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	calls := l.pruneLocked(key, now)
	if len(calls) >= l.maxCalls {
		return false
	}
	l.history[key] = append(calls, now)
	return true
}

// Remaining returns how many more calls key may make in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	return l.remainingLocked(l.pruneLocked(key, now))
}

// ResetIn returns the time until the oldest admitted call for key leaves the
// window. The boolean is false when key has no calls inside the window.
func (l *Limiter) ResetIn(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	return l.resetLocked(l.pruneLocked(key, now), now)
}

// Quota is a consistent view of a key's limit state.
type Quota struct {
	Limit     int
	Remaining int
	ResetIn   time.Duration
	// Resets is false when the key has nothing to reset.
	Resets bool
}

// Quota returns remaining calls and reset time for key under a single lock.
func (l *Limiter) Quota(key string) Quota {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	calls := l.pruneLocked(key, now)
	reset, ok := l.resetLocked(calls, now)
	return Quota{
		Limit:     l.maxCalls,
		Remaining: l.remainingLocked(calls),
		ResetIn:   reset,
		Resets:    ok,
	}
}

// Take admits a call like Allow and returns the quota left after the
// decision, both under the same lock.
func (l *Limiter) Take(key string) (bool, Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	calls := l.pruneLocked(key, now)
	allowed := len(calls) < l.maxCalls
	if allowed {
		calls = append(calls, now)
		l.history[key] = calls
	}
	reset, ok := l.resetLocked(calls, now)
	return allowed, Quota{
		Limit:     l.maxCalls,
		Remaining: l.remainingLocked(calls),
		ResetIn:   reset,
		Resets:    ok,
	}
}

// Sweep prunes every key and forgets the ones left without calls.
// It returns the number of keys removed. Nothing calls it implicitly.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	removed := 0
	for key := range l.history {
		if len(l.pruneLocked(key, now)) == 0 {
			delete(l.history, key)
			removed++
		}
	}
	return removed
}

// Stats describes the limiter's retained state.
type Stats struct {
	Keys     int `json:"keys"`
	MaxCalls int `json:"max_calls"`
	WindowS  int `json:"window_s"`
}

// Stats reports how many keys are tracked and the configured limits.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Keys:     len(l.history),
		MaxCalls: l.maxCalls,
		WindowS:  int(l.window / time.Second),
	}
}

// pruneLocked drops timestamps at or before now-window, compacting the
// stored slice in place. The clock is read under the lock, so each slice
// stays in non-decreasing order.
func (l *Limiter) pruneLocked(key string, now time.Time) []time.Time {
	calls, ok := l.history[key]
	if !ok {
		l.history[key] = nil
		return nil
	}
	cutoff := now.Add(-l.window)
	expired := sort.Search(len(calls), func(i int) bool {
		return calls[i].After(cutoff)
	})
	if expired == 0 {
		return calls
	}
	n := copy(calls, calls[expired:])
	calls = calls[:n]
	l.history[key] = calls
	return calls
}

func (l *Limiter) remainingLocked(calls []time.Time) int {
	remaining := l.maxCalls - len(calls)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *Limiter) resetLocked(calls []time.Time, now time.Time) (time.Duration, bool) {
	if len(calls) == 0 {
		return 0, false
	}
	reset := calls[0].Add(l.window).Sub(now)
	if reset < 0 {
		reset = 0
	}
	return reset, true
}
