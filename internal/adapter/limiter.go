package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/deposit-settlement/internal/metrics"
)

// LimiterConfig holds configuration for the process-wide RPC limiter
type LimiterConfig struct {
	// MaxConcurrent bounds permits held at once. Default 10.
	MaxConcurrent int
	// RequestsPerSecond refills the token bucket. Default 25. Negative disables it.
	RequestsPerSecond float64
	// Burst is the bucket size. Default max(1, RequestsPerSecond).
	Burst int
	// Shared, when set, is consulted after the local bucket.
	Shared Quota
}

// Quota is a budget shared with other processes.
type Quota interface {
	Wait(ctx context.Context) error
}

// QuotaUsage is implemented by quotas that can report the current window.
type QuotaUsage interface {
	Used(ctx context.Context) (int, error)
}

// Limiter caps in-flight RPC calls and their start rate.
type Limiter struct {
	sem      chan struct{}
	bucket   *rate.Limiter
	shared   Quota
	inFlight atomic.Int64
}

// NewLimiter creates a limiter. A nil config uses the defaults.
func NewLimiter(cfg *LimiterConfig) *Limiter {
	c := LimiterConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 25
	}

	l := &Limiter{sem: make(chan struct{}, c.MaxConcurrent), shared: c.Shared}
	if c.RequestsPerSecond > 0 {
		burst := c.Burst
		if burst <= 0 {
			burst = int(c.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		l.bucket = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
	}
	return l
}

// Acquire blocks until a permit is free and the bucket allows a call. The
// returned release may be called more than once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			<-l.sem
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	if l.shared != nil {
		if err := l.shared.Wait(ctx); err != nil {
			<-l.sem
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("shared rpc budget: %w", err)
		}
	}

	metrics.LimiterWait.Observe(time.Since(start).Seconds())
	l.inFlight.Add(1)
	metrics.LimiterInFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			metrics.LimiterInFlight.Dec()
			<-l.sem
		})
	}, nil
}

// Do runs fn under a permit. The permit is returned even if fn panics.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// InFlight returns the number of permits currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// SharedUsed returns the calls counted by the shared quota in its current
// window. ok is false when there is no quota or it cannot report usage.
func (l *Limiter) SharedUsed(ctx context.Context) (used int, ok bool, err error) {
	usage, ok := l.shared.(QuotaUsage)
	if !ok {
		return 0, false, nil
	}
	used, err = usage.Used(ctx)
	if err != nil {
		return 0, false, err
	}
	return used, true, nil
}
