package lock

import (
	"context"
	"sync"
	"time"
)

const memorySweepInterval = time.Minute

type memoryLocker struct {
	mu      sync.Mutex
	entries map[string]lease
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryLocker returns a process-local locker. It only serialises releases
// handled by a single releaser instance.
func NewMemoryLocker() Locker {
	l := newMemoryLocker(time.Now)
	go l.sweepLoop()
	return l
}

func newMemoryLocker(now func() time.Time) *memoryLocker {
	return &memoryLocker{
		entries: make(map[string]lease),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (l *memoryLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[key]
	if ok && now.Before(current.expires) && current.owner != owner {
		return false, nil
	}
	l.entries[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *memoryLocker) Refresh(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[key]
	if !ok || current.owner != owner || !now.Before(current.expires) {
		return false, nil
	}
	current.expires = now.Add(ttl)
	l.entries[key] = current
	return true, nil
}

func (l *memoryLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.entries[key]; ok && current.owner == owner {
		delete(l.entries, key)
	}
	return nil
}

func (l *memoryLocker) Owner(_ context.Context, key string) (string, bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.entries[key]
	if !ok || !now.Before(current.expires) {
		return "", false, nil
	}
	return current.owner, true, nil
}

func (l *memoryLocker) sweepLoop() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(l.now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *memoryLocker) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, current := range l.entries {
		if !now.Before(current.expires) {
			delete(l.entries, key)
		}
	}
}

func (l *memoryLocker) Close() {
	l.once.Do(func() {
		close(l.stopCh)
	})
}
