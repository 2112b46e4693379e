package engine

import (
	"context"
	"sync"
	"time"
)

// DefaultMinInterval keeps outgoing calls near the remote API's average of three per second.
const DefaultMinInterval = 350 * time.Millisecond

// DefaultRateLimitBackoff applies when a rate-limited response carries no Retry-After.
const DefaultRateLimitBackoff = time.Second

// Limiter enforces strict minimum spacing between outgoing remote calls. There is
// no burst allowance. One Limiter is shared by push, pull and repair.
type Limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	notBefore   time.Time
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// LimiterConfig configures a Limiter; Clock and Sleep default to real time.
type LimiterConfig struct {
	MinInterval time.Duration
	Clock       func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// NewLimiter builds a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	minInterval := cfg.MinInterval
	if minInterval < 0 {
		minInterval = 0
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return &Limiter{minInterval: minInterval, now: now, sleep: sleep}
}

// Wait blocks until a slot is free. The last-call timestamp moves only when the
// slot is granted.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		next := l.notBefore
		if !l.last.IsZero() {
			if spaced := l.last.Add(l.minInterval); spaced.After(next) {
				next = spaced
			}
		}
		if !now.Before(next) {
			l.last = now
			l.mu.Unlock()
			return nil
		}
		delay := next.Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Backoff holds every caller off for at least d from now.
func (l *Limiter) Backoff(d time.Duration) {
	if d <= 0 {
		d = DefaultRateLimitBackoff
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.notBefore) {
		l.notBefore = until
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
