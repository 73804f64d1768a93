package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a process-local Locker with TTL expiry, used by tests and
// the CLI when no Redis is configured.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), clock: time.Now}
}

// TryAcquire implements Locker.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	return ok && l.clock().Before(e.expires)
}

var _ Locker = (*MemoryLocker)(nil)
