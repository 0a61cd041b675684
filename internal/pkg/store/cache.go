package store

import (
	"sync"
	"time"
)

// defaultCacheTTL bounds how long a lookup result may serve repeated polls
const defaultCacheTTL = 5 * time.Second

type cacheItem struct {
	job *Job
	at  time.Time
}

// jobCache absorbs rapid repeated polling for the same identifier.
// Entries are never authoritative beyond the ttl window.
type jobCache struct {
	ttl   time.Duration
	nowFn func() time.Time

	m     sync.Mutex
	items map[string]cacheItem
}

func newJobCache(ttl time.Duration) *jobCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &jobCache{ttl: ttl, nowFn: time.Now, items: make(map[string]cacheItem)}
}

func (c *jobCache) get(key string) (*Job, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	it, f := c.items[key]
	if !f {
		return nil, false
	}
	if c.nowFn().Sub(it.at) >= c.ttl {
		delete(c.items, key)
		return nil, false
	}
	return it.job, true
}

func (c *jobCache) put(key string, job *Job) {
	c.m.Lock()
	defer c.m.Unlock()
	c.items[key] = cacheItem{job: job, at: c.nowFn()}
}

func (c *jobCache) drop(key string) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.items, key)
}
