// Package ratelimit provides the single gate every outbound fetch passes through.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time so waits can be asserted without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter enforces a minimum interval between consecutive Wait returns.
// The mutex is held while sleeping so concurrent callers queue behind one
// shared gate instead of each keeping its own timer.
type Limiter struct {
	interval time.Duration
	jitter   time.Duration
	clock    Clock
	randN    func(n int64) int64

	mu   sync.Mutex
	last time.Time
	hits int64
	wait time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithRand replaces the jitter source. fn must return a value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.randN = fn
		}
	}
}

// New builds a limiter. jitter adds a random delay in [0, jitter] on top
// of interval for every wait after the first.
func New(interval, jitter time.Duration, opts ...Option) *Limiter {
	if interval < 0 {
		interval = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	l := &Limiter{
		interval: interval,
		jitter:   jitter,
		clock:    realClock{},
		randN:    rand.Int63n,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until the gate opens. The first call returns immediately.
// A cancelled context aborts the wait without consuming the slot.
func (l *Limiter) Wait(ctx context.Context) error {
	_, err := l.WaitDelay(ctx)
	return err
}

// WaitDelay is Wait that also reports how long this call slept.
func (l *Limiter) WaitDelay(ctx context.Context) (time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var slept time.Duration
	if !l.last.IsZero() {
		target := l.last.Add(l.interval + l.nextJitter())
		if delay := target.Sub(l.clock.Now()); delay > 0 {
			if err := l.clock.Sleep(ctx, delay); err != nil {
				return 0, err
			}
			slept = delay
			l.wait += delay
		}
	}

	l.last = l.clock.Now()
	l.hits++
	return slept, nil
}

// Stats reports how many waits were granted and the total time spent sleeping.
func (l *Limiter) Stats() (granted int64, waited time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hits, l.wait
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

func (l *Limiter) nextJitter() time.Duration {
	if l.jitter <= 0 {
		return 0
	}
	return time.Duration(l.randN(int64(l.jitter) + 1))
}
