package command

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is the per-connection prepared-statement cache: reads are
// lock-free via sync.Map, and a bounded hashicorp/golang-lru index rides
// alongside purely to pick an eviction victim once the cache grows past
// its configured size. When two goroutines race to compile the same SQL
// text, the loser's redundant *Command is finalized immediately instead
// of being kept alive.
type Cache struct {
	entries sync.Map // string -> *Command
	order   *lru.Cache
}

// NewCache builds a Cache holding at most size distinct prepared
// statements. size <= 0 means unbounded (the lru index is skipped
// entirely and eviction never runs).
func NewCache(size int) (*Cache, error) {
	var c = &Cache{}
	if size <= 0 {
		return c, nil
	}
	order, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		if v, ok := c.entries.LoadAndDelete(key); ok {
			v.(*Command).finalize()
		}
	})
	if err != nil {
		return nil, err
	}
	c.order = order
	return c, nil
}

// GetOrCreate returns the cached *Command for sqlText, calling create to
// compile a fresh one on a miss. On a construction race, the losing
// Command is finalized and discarded in favor of the winner already
// stored — first writer wins, per the same rule typecache's descriptor
// cache applies to RecordDescriptors.
func (c *Cache) GetOrCreate(sqlText string, create func() (*Command, error)) (*Command, error) {
	if v, ok := c.entries.Load(sqlText); ok {
		if c.order != nil {
			c.order.Get(sqlText)
		}
		return v.(*Command), nil
	}

	cmd, err := create()
	if err != nil {
		return nil, err
	}

	actual, loaded := c.entries.LoadOrStore(sqlText, cmd)
	if loaded {
		cmd.finalize()
		return actual.(*Command), nil
	}
	if c.order != nil {
		c.order.Add(sqlText, struct{}{})
	}
	return actual.(*Command), nil
}

// Remove finalizes and drops one entry, if present.
func (c *Cache) Remove(sqlText string) {
	if c.order != nil {
		c.order.Remove(sqlText) // triggers the onEvicted callback
		return
	}
	if v, ok := c.entries.LoadAndDelete(sqlText); ok {
		v.(*Command).finalize()
	}
}

// Purge finalizes and drops every cached statement, e.g. on connection
// close.
func (c *Cache) Purge() {
	if c.order != nil {
		c.order.Purge()
		return
	}
	c.entries.Range(func(key, v interface{}) bool {
		c.entries.Delete(key)
		v.(*Command).finalize()
		return true
	})
}

// Len reports the number of cached statements.
func (c *Cache) Len() int {
	if c.order != nil {
		return c.order.Len()
	}
	var n int
	c.entries.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
