package session

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend with LRU-style eviction at
// capacity, grounded on the teacher's map+mutex session bookkeeping and
// the original's MemorySessionStorage. Suitable for a single bridge
// instance; StorageExternalKV should be used for anything multi-process.
type MemoryBackend struct {
	mu          sync.Mutex
	maxSessions int
	data        map[string][]byte
	touchedAt   map[string]time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewMemoryBackend creates an in-memory backend holding at most
// maxSessions records, evicting the least-recently-touched on overflow.
func NewMemoryBackend(maxSessions int) *MemoryBackend {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &MemoryBackend{
		maxSessions: maxSessions,
		data:        make(map[string][]byte),
		touchedAt:   make(map[string]time.Time),
	}
}

// Start launches a background goroutine that calls CleanupExpired every
// sweepInterval using maxAge as the expiry threshold, until Stop is
// called or ctx is cancelled. Calling Start twice without an
// intervening Stop is a no-op.
func (b *MemoryBackend) Start(ctx context.Context, maxAge, sweepInterval time.Duration) error {
	b.mu.Lock()
	if b.stopSweep != nil {
		b.mu.Unlock()
		return nil
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	b.stopSweep = make(chan struct{})
	b.sweepDone = make(chan struct{})
	stop, done := b.stopSweep, b.sweepDone
	b.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				b.CleanupExpired(ctx, maxAge)
			}
		}
	}()
	return nil
}

// Stop halts the background sweep started by Start, if any, and waits
// for it to exit. Safe to call without a prior Start, or more than once.
func (b *MemoryBackend) Stop() error {
	b.mu.Lock()
	stop, done := b.stopSweep, b.sweepDone
	b.stopSweep, b.sweepDone = nil, nil
	b.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (b *MemoryBackend) Store(ctx context.Context, conversationID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.data[conversationID]; !exists && len(b.data) >= b.maxSessions {
		b.evictOldestLocked()
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[conversationID] = cp
	b.touchedAt[conversationID] = time.Now()
	return nil
}

func (b *MemoryBackend) Retrieve(ctx context.Context, conversationID string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.data[conversationID]
	if !ok {
		return nil, false, nil
	}
	b.touchedAt[conversationID] = time.Now()

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, conversationID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.data[conversationID]
	delete(b.data, conversationID)
	delete(b.touchedAt, conversationID)
	return ok, nil
}

func (b *MemoryBackend) ListActive(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.data))
	for id := range b.data {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *MemoryBackend) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, t := range b.touchedAt {
		if now.Sub(t) > maxAge {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(b.data, id)
		delete(b.touchedAt, id)
	}
	return len(expired), nil
}

func (b *MemoryBackend) Stats(ctx context.Context) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"backend":       "in_memory",
		"total_sessions": len(b.data),
		"max_sessions":   b.maxSessions,
	}, nil
}

// evictOldestLocked removes the least-recently-touched session. Caller
// must hold b.mu.
func (b *MemoryBackend) evictOldestLocked() {
	var oldestID string
	var oldestT time.Time
	first := true
	for id, t := range b.touchedAt {
		if first || t.Before(oldestT) {
			oldestID, oldestT = id, t
			first = false
		}
	}
	if !first {
		delete(b.data, oldestID)
		delete(b.touchedAt, oldestID)
	}
}
