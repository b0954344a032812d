package budget

import (
	"context"
	"sync"
	"time"
)

// Counter is the atomic daily-spend counter shared by all gateway replicas.
// IncrementIfBelow performs the check-and-increment in one step: it adds
// delta to the key only when the result would stay at or below limit, and
// reports the outcome together with the post-operation total. DecrementFloor
// subtracts delta without going below zero.
//
// All amounts are integer micro-units. The counter is the only shared
// mutator on the request hot path, so atomicity lives here and nowhere else.
type Counter interface {
	IncrementIfBelow(ctx context.Context, key string, delta, limit int64) (total int64, ok bool, err error)
	DecrementFloor(ctx context.Context, key string, delta int64) error
}

// =============================================================================
// IN-MEMORY COUNTER
// =============================================================================

// MemoryCounter is a process-local Counter for tests and single-node
// deployments. Keys expire lazily on access, mirroring the Redis TTL.
type MemoryCounter struct {
	mu     sync.Mutex
	totals map[string]int64
	expiry map[string]time.Time
	ttl    time.Duration

	// Now is swappable for expiry tests.
	Now func() time.Time
}

// NewMemoryCounter creates a counter whose keys live for ttl after first
// write. A zero ttl disables expiry.
func NewMemoryCounter(ttl time.Duration) *MemoryCounter {
	return &MemoryCounter{
		totals: make(map[string]int64),
		expiry: make(map[string]time.Time),
		ttl:    ttl,
		Now:    time.Now,
	}
}

func (c *MemoryCounter) IncrementIfBelow(_ context.Context, key string, delta, limit int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(key)

	current := c.totals[key]
	if current+delta > limit {
		return current, false, nil
	}

	if _, exists := c.totals[key]; !exists && c.ttl > 0 {
		c.expiry[key] = c.Now().Add(c.ttl)
	}
	c.totals[key] = current + delta
	return current + delta, true, nil
}

func (c *MemoryCounter) DecrementFloor(_ context.Context, key string, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(key)

	current := c.totals[key]
	current -= delta
	if current < 0 {
		current = 0
	}
	c.totals[key] = current
	return nil
}

func (c *MemoryCounter) expireLocked(key string) {
	if exp, ok := c.expiry[key]; ok && c.Now().After(exp) {
		delete(c.totals, key)
		delete(c.expiry, key)
	}
}
