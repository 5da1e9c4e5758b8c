// Package retry wraps fallible provider operations with bounded, classified
// retries. The delay is a fixed interval, not exponential: the provider's
// throttling window is fixed, so backing off further buys nothing.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/metrics"
	"github.com/lhquant/dtsync/provider"
)

type Policy struct {
	MaxAttempts int
	Interval    time.Duration

	// OnAuth forces a fresh provider session. Invoked at most once per Do
	// call; a second auth failure propagates.
	OnAuth func(ctx context.Context) error

	sleep func(ctx context.Context, d time.Duration) error
}

func New(maxAttempts int, interval time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Interval:    interval,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, exhausts MaxAttempts, or fails fatally.
// Rate-limit and transient failures are retried after the fixed interval,
// or the provider's Retry-After hint when that is longer; a not-found result
// is success with nothing fetched; an auth failure gets one forced re-login,
// then is fatal.
func (p *Policy) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	reloggedIn := false
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; {
		start := time.Now()
		err := op(ctx)
		elapsed := time.Since(start)
		if err == nil {
			return nil
		}

		kind := provider.Classify(err)
		switch kind {
		case provider.ErrorKindNotFound:
			logger.L().Debug("no data for cell",
				zap.String("op", label),
				zap.Duration("elapsed", elapsed))
			return nil

		case provider.ErrorKindAuth:
			if reloggedIn || p.OnAuth == nil {
				return err
			}
			reloggedIn = true
			logger.L().Warn("session rejected, forcing re-login",
				zap.String("op", label),
				zap.Error(err))
			if rerr := p.OnAuth(ctx); rerr != nil {
				logger.L().Error("re-login failed", zap.String("op", label), zap.Error(rerr))
				return err
			}
			// Retry immediately on the fresh session; does not consume
			// an attempt.
			continue

		case provider.ErrorKindRateLimit, provider.ErrorKindTransient:
			lastErr = err
			metrics.RetryAttempts.WithLabelValues(string(kind)).Inc()
			if attempt == p.MaxAttempts {
				logger.L().Warn("attempts exhausted",
					zap.String("op", label),
					zap.Int("attempts", attempt),
					zap.String("kind", string(kind)),
					zap.Error(err))
				return lastErr
			}
			delay := p.Interval
			var rl *provider.RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			logger.L().Warn("attempt failed, will retry",
				zap.String("op", label),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Duration("elapsed", elapsed),
				zap.Duration("delay", delay),
				zap.Error(err))
			if serr := p.sleep(ctx, delay); serr != nil {
				return serr
			}
			attempt++

		default:
			return err
		}
	}
	return lastErr
}
