package gryag

import (
	"context"
	"sync"
	"time"
)

// Coordinator provides short-lived locks and windowed counters for the
// rate limiters. The in-process implementation scopes state to one
// process; coord/redis provides the same semantics across processes.
// Picked at startup from configuration.
type Coordinator interface {
	// TryLock acquires key for ttl. Returns false while held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees key before its ttl expires.
	Release(ctx context.Context, key string) error
	// Allow admits one event for key inside an expiring window: the
	// count resets once window has passed since the first admitted
	// event. Denied events do not consume the window.
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// MemCoordinator is the in-process Coordinator. Entries expire lazily
// on access.
type MemCoordinator struct {
	mu     sync.Mutex
	locks  map[string]time.Time
	counts map[string]*windowCount
	now    func() time.Time // test hook
}

type windowCount struct {
	count int
	start time.Time
}

var _ Coordinator = (*MemCoordinator)(nil)

// NewMemCoordinator creates an empty in-process coordinator.
func NewMemCoordinator() *MemCoordinator {
	return &MemCoordinator{
		locks:  make(map[string]time.Time),
		counts: make(map[string]*windowCount),
		now:    time.Now,
	}
}

func (m *MemCoordinator) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, held := m.locks[key]; held && now.Before(exp) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

func (m *MemCoordinator) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *MemCoordinator) Allow(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	wc, ok := m.counts[key]
	if !ok || now.Sub(wc.start) > window {
		wc = &windowCount{start: now}
		m.counts[key] = wc
	}
	if wc.count >= max {
		return false, nil
	}
	wc.count++
	return true, nil
}
