package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class separates the budgets for listing fetches and article fetches.
// Image downloads ride on the article budget.
type Class string

const (
	ClassListing Class = "listing"
	ClassArticle Class = "article"
)

// DefaultCooldownBase is the first cooldown applied after a 429. Each
// consecutive 429 doubles it, capped at 5x the base.
const DefaultCooldownBase = 10 * time.Second

// Limiter is a per-source rate gate. Each request class keeps the timestamps
// of its grants from the trailing minute: a new grant is held back while the
// window already holds maxPerMinute of them, so no rolling 60-second span
// ever sees more. On top of that a floor delay separates consecutive grants;
// whichever constraint is stricter wins. A 429 reported by the fetcher opens
// a cooldown window that blocks Acquire beyond the normal window logic.
//
// A Limiter belongs to exactly one source's worker and is never shared, so
// one source's congestion cannot throttle another.
type Limiter struct {
	source       string
	maxPerMinute int
	floorDelay   time.Duration
	cooldownBase time.Duration
	cooldownMax  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	states map[Class]*classState
}

type classState struct {
	grants         []time.Time
	lastGrant      time.Time
	cooldownUntil  time.Time
	consecutive429 int
}

func New(source string, maxPerMinute int, floorDelay time.Duration) *Limiter {
	return &Limiter{
		source:       source,
		maxPerMinute: maxPerMinute,
		floorDelay:   floorDelay,
		cooldownBase: DefaultCooldownBase,
		cooldownMax:  5 * DefaultCooldownBase,
		now:          time.Now,
		sleep:        sleepCtx,
		states:       make(map[Class]*classState),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Limiter) state(class Class) *classState {
	s, ok := l.states[class]
	if !ok {
		s = &classState{}
		l.states[class] = s
	}
	return s
}

// Acquire blocks until the trailing-minute window has room, the floor delay
// since the last grant has elapsed and any active cooldown window has passed,
// then records the grant. It returns early only when ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	for {
		l.mu.Lock()
		wait := l.nextWait(class)
		if wait <= 0 {
			s := l.state(class)
			now := l.now()
			s.grants = append(s.grants, now)
			s.lastGrant = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// nextWait computes how long the caller must still wait. Caller holds l.mu.
func (l *Limiter) nextWait(class Class) time.Duration {
	s := l.state(class)
	now := l.now()

	// Drop grants that have left the trailing minute.
	cutoff := now.Add(-time.Minute)
	for len(s.grants) > 0 && !s.grants[0].After(cutoff) {
		s.grants = s.grants[1:]
	}

	var wait time.Duration

	if len(s.grants) >= l.maxPerMinute {
		// Room opens when the oldest grant ages out of the window.
		wait = s.grants[0].Add(time.Minute).Sub(now)
	}

	if l.floorDelay > 0 && !s.lastGrant.IsZero() {
		if since := now.Sub(s.lastGrant); since < l.floorDelay {
			if d := l.floorDelay - since; d > wait {
				wait = d
			}
		}
	}

	if until := s.cooldownUntil; now.Before(until) {
		if d := until.Sub(now); d > wait {
			wait = d
		}
	}

	return wait
}

// Report429 records a rate-limit response and opens a cooldown window using
// exponential backoff: base, 2x, 4x... capped at the ceiling. It returns the
// cooldown applied. When retryAfter is positive (a server-provided
// Retry-After) it takes precedence over the computed delay.
func (l *Limiter) Report429(class Class, retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(class)
	s.consecutive429++

	d := l.cooldownMax
	if n := s.consecutive429; n <= 16 {
		d = l.cooldownBase << (n - 1)
		if d > l.cooldownMax {
			d = l.cooldownMax
		}
	}
	if retryAfter > 0 {
		d = retryAfter
	}

	s.cooldownUntil = l.now().Add(d)
	return d
}

// ReportSuccess resets the consecutive-429 streak for the class.
func (l *Limiter) ReportSuccess(class Class) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state(class).consecutive429 = 0
}

// Stats reports the window occupancy for a class, mainly for debug logging.
func (l *Limiter) Stats(class Class) (inWindow int, cooldownUntil time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(class)
	cutoff := l.now().Add(-time.Minute)
	for len(s.grants) > 0 && !s.grants[0].After(cutoff) {
		s.grants = s.grants[1:]
	}
	return len(s.grants), s.cooldownUntil
}
