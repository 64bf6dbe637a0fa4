package schedule

import (
	"sync"

	"taskgraph/internal/graph"
)

// Cache keeps the most recent schedule. A result computed for an older
// version than the one already cached is returned but not stored.
type Cache struct {
	mu  sync.Mutex
	cur *Schedule
}

func (c *Cache) Get(snap *graph.Snapshot) (*Schedule, error) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur != nil && cur.Version == snap.Version() {
		return cur, nil
	}

	s, err := Compute(snap)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.cur == nil || s.Version > c.cur.Version {
		c.cur = s
	}
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops the cached schedule.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}
