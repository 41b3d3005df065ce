package store

import (
	"fmt"
	"sync"

	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/types"
)

// MemoryLimiter caps the bytes staged in the shared buffer. It is
// process-wide: every local state store of a node shares one limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	capacity int64
	used     int64
}

// NewMemoryLimiter creates a limiter with the given byte capacity
func NewMemoryLimiter(capacity int64) *MemoryLimiter {
	return &MemoryLimiter{capacity: capacity}
}

// Acquire reserves n bytes; overflow fails the write with a
// state-exceeded error so the epoch can be failed and recovered.
func (l *MemoryLimiter) Acquire(n int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used+n > l.capacity {
		return types.StateExceeded(fmt.Errorf("shared buffer over capacity: %d + %d > %d", l.used, n, l.capacity))
	}
	l.used += n
	metrics.SharedBufferBytes.Set(float64(l.used))
	return nil
}

// Release returns n bytes
func (l *MemoryLimiter) Release(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used -= n
	if l.used < 0 {
		l.used = 0
	}
	metrics.SharedBufferBytes.Set(float64(l.used))
}

// Used returns the currently reserved bytes
func (l *MemoryLimiter) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}
