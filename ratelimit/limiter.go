// Package ratelimit enforces the provider call budget: at most N permits in
// any trailing W-second span, plus a minimum spacing between consecutive
// permits to smooth bursts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lhquant/dtsync/metrics"
)

// Limiter tracks grant timestamps in a rolling deque. A deque, not fixed
// buckets: bucket counting would admit 2N calls straddling a bucket edge.
type Limiter struct {
	mu       sync.Mutex
	stamps   []time.Time // grants still inside the window, oldest first
	maxCalls int
	window   time.Duration
	spacer   *rate.Limiter
	now      func() time.Time
}

func New(maxCalls int, window, minInterval time.Duration) *Limiter {
	spacer := rate.NewLimiter(rate.Inf, 1)
	if minInterval > 0 {
		spacer = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		spacer:   spacer,
		now:      time.Now,
	}
}

// Acquire blocks until a permit is admissible under both the window and the
// spacing constraint, or until ctx is done. The limiter itself never fails:
// the only error is ctx.Err().
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.maxCalls {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			if err := l.spacer.Wait(ctx); err != nil {
				return err
			}
			metrics.LimiterWait.Observe(l.now().Sub(start).Seconds())
			return nil
		}
		wakeAt := l.stamps[0].Add(l.window)
		l.mu.Unlock()

		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending reports how many permits are currently counted against the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// prune drops grants whose window share has expired. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && !l.stamps[cut].Add(l.window).After(now) {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}
