package adapter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultSharedBudgetPrefix = "rpc:budget:"
	DefaultSharedBudgetWindow = time.Second
)

// consumeScript increments the window counter only while it stays within the
// budget. Returns 1 when the call was counted.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used + 1 > tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// SharedBudgetConfig holds configuration for a SharedBudget.
type SharedBudgetConfig struct {
	Client redis.Cmdable
	Limit  int           // calls per window across all processes
	Window time.Duration // default 1s
	Prefix string        // default "rpc:budget:"
}

// SharedBudget caps RPC call starts per time window across every process
// sharing one Redis, on top of each process's own Limiter.
type SharedBudget struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewSharedBudget creates a shared budget.
func NewSharedBudget(cfg *SharedBudgetConfig) (*SharedBudget, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Limit <= 0 {
		return nil, errors.New("shared budget limit must be positive")
	}
	b := &SharedBudget{
		client: cfg.Client,
		limit:  cfg.Limit,
		window: orDefault(cfg.Window, DefaultSharedBudgetWindow),
		prefix: cfg.Prefix,
		now:    time.Now,
	}
	if b.prefix == "" {
		b.prefix = DefaultSharedBudgetPrefix
	}
	return b, nil
}

// TryConsume counts one call against the current window. When the window is
// exhausted it returns false and the time left until the next one.
func (b *SharedBudget) TryConsume(ctx context.Context) (bool, time.Duration, error) {
	start := b.now().Truncate(b.window)
	key := b.prefix + strconv.FormatInt(start.UnixMilli(), 10)
	ttl := 2 * b.window

	ok, err := consumeScript.Run(ctx, b.client, []string{key}, b.limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, 0, err
	}
	if ok == 1 {
		return true, 0, nil
	}
	return false, start.Add(b.window).Sub(b.now()) + time.Millisecond, nil
}

// Wait blocks until the budget admits one call.
func (b *SharedBudget) Wait(ctx context.Context) error {
	for {
		ok, wait, err := b.TryConsume(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Used returns the calls counted in the current window.
func (b *SharedBudget) Used(ctx context.Context) (int, error) {
	key := b.prefix + strconv.FormatInt(b.now().Truncate(b.window).UnixMilli(), 10)
	n, err := b.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
