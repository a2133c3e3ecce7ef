package commit

import (
	"sync"
)

// Cache holds the latest-known State per table prefix. It is data only: the
// table writer and the optimizer both read and update it, and depend on the
// cache rather than on each other.
type Cache struct {
	mtx    sync.RWMutex
	tables map[string]*State
}

func NewCache() *Cache {
	return &Cache{tables: map[string]*State{}}
}

// Get returns a consistent snapshot of the cached state for prefix, or nil
// when the table has not been loaded yet.
func (c *Cache) Get(prefix string) *State {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	s, ok := c.tables[prefix]
	if !ok {
		return nil
	}
	return s.Clone()
}

// Put stores state as the latest-known view of prefix. Stale versions never
// replace newer ones: concurrent writer and optimizer updates may land out of
// order.
func (c *Cache) Put(prefix string, state *State) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if cur, ok := c.tables[prefix]; ok && cur.Version >= state.Version {
		return
	}
	c.tables[prefix] = state.Clone()
}

// Invalidate drops the cached state for prefix, forcing the next reader to
// replay the log.
func (c *Cache) Invalidate(prefix string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.tables, prefix)
}
