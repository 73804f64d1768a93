// Package lock provides TTL-based distributed locks used to make deposit
// ingestion exclusive across worker processes.
package lock

import (
	"context"
	"time"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/metrics"
	"github.com/deposit-settlement/internal/retry"
)

// Locker is the lock backend contract. Both operations must be atomic in the
// backing store; a holder that crashes loses the lock when ttl expires.
type Locker interface {
	// TryAcquire takes key for ttl without waiting. ok is false if another
	// owner holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release deletes key only if it is still owned by token.
	Release(ctx context.Context, key, token string) (bool, error)
}

// Handle is a held lock.
type Handle struct {
	Key   string
	Token string
	TTL   time.Duration

	locker Locker
}

// Release gives the lock back using a fresh context, so it still runs after
// the caller's context was cancelled.
func (h *Handle) Release() (bool, error) {
	if h == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.locker.Release(ctx, h.Key, h.Token)
}

// AcquireWait polls TryAcquire until it succeeds or wait elapses. On timeout it
// returns an error matching apperrors.ErrLockNotAcquired.
func AcquireWait(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (*Handle, error) {
	scope := scopeOf(key)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var handle *Handle
	var backendErr error
	res := retry.WithExponentialBackoff(waitCtx, &retry.RetryConfig{
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   1.5,
		Quiet:        true,
	}, func(ctx context.Context, attempt int) error {
		token, ok, err := locker.TryAcquire(ctx, key, ttl)
		if err != nil {
			if ctx.Err() == nil {
				backendErr = err
			}
			return err
		}
		if !ok {
			return apperrors.NewLockNotAcquiredError(key)
		}
		handle = &Handle{Key: key, Token: token, TTL: ttl, locker: locker}
		return nil
	})

	if res.Success {
		metrics.LockAcquireTotal.WithLabelValues(scope, "acquired").Inc()
		return handle, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metrics.LockAcquireTotal.WithLabelValues(scope, "contended").Inc()
	notAcquired := apperrors.NewLockNotAcquiredError(key)
	if backendErr != nil {
		notAcquired.Cause = backendErr
	}
	return nil, notAcquired
}

// scopeOf keeps metric cardinality bounded: "deposit:0xabc" -> "deposit".
func scopeOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
