package runcontrol

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for single-instance deployments and
// tests, mirroring archive.NewMemoryStore's role as the Redis-free fallback.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
	now   func() time.Time
}

type memLock struct {
	owner    string
	expireAt time.Time
}

// NewMemoryLocker builds an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if existing, ok := l.locks[key]; ok && existing.expireAt.After(now) {
		return false, nil
	}
	l.locks[key] = memLock{owner: owner, expireAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.locks[key]
	if !ok || existing.owner != owner || !existing.expireAt.After(l.now()) {
		return false, nil
	}
	existing.expireAt = l.now().Add(ttl)
	l.locks[key] = existing
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.locks[key]; ok && existing.owner == owner {
		delete(l.locks, key)
	}
	return nil
}

func (l *MemoryLocker) Held(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.locks[key]
	if !ok {
		return false, nil
	}
	return existing.expireAt.After(l.now()), nil
}
