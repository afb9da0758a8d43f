package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBucket keeps counters in process. Each bucket name has its own
// mutex so unrelated buckets never contend.
type MemoryBucket struct {
	now     func() time.Time
	windows sync.Map // name -> *window
}

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

type MemoryOption func(*MemoryBucket)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBucket) { b.now = now }
}

func NewMemoryBucket(opts ...MemoryOption) *MemoryBucket {
	b := &MemoryBucket{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBucket) window(name string) *window {
	if w, ok := b.windows.Load(name); ok {
		return w.(*window)
	}
	w, _ := b.windows.LoadOrStore(name, &window{})
	return w.(*window)
}

func (b *MemoryBucket) Take(_ context.Context, name string, limit Limit) (Decision, error) {
	w := b.window(name)
	now := b.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.expire(now)
	if w.count >= limit.Capacity {
		return Decision{RetryAfter: w.retryAfter(now, limit)}, nil
	}
	w.count++
	if w.count == 1 {
		w.resetAt = now.Add(limit.Window)
	}
	return Decision{Allowed: true, Remaining: limit.Capacity - w.count}, nil
}

func (b *MemoryBucket) Peek(_ context.Context, name string, limit Limit) (Decision, error) {
	w := b.window(name)
	now := b.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.expire(now)
	if w.count >= limit.Capacity {
		return Decision{RetryAfter: w.retryAfter(now, limit)}, nil
	}
	return Decision{Allowed: true, Remaining: limit.Capacity - w.count}, nil
}

func (w *window) expire(now time.Time) {
	if w.count > 0 && !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = time.Time{}
	}
}

func (w *window) retryAfter(now time.Time, limit Limit) time.Duration {
	if w.count == 0 {
		return limit.Window
	}
	return w.resetAt.Sub(now)
}
