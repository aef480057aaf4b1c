package state

import (
	"fmt"
	"sync"
	"time"
)

// mappingCache is a bounded, TTL'd read cache over sync_mappings. It is
// owned by the Store and sized at construction; there is no package-level
// state. Entries are indexed both by task id and by event id so either
// lookup path hits.
type mappingCache struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	entries map[string]*cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	mapping  *Mapping
	lastUsed time.Time
}

func newMappingCache(size int, ttl time.Duration) *mappingCache {
	return &mappingCache{
		size:    size,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

func taskKey(ownerID, calendarID, taskID string) string {
	return fmt.Sprintf("t|%s|%s|%s", ownerID, calendarID, taskID)
}

func eventKey(ownerID, calendarID, eventID string) string {
	return fmt.Sprintf("e|%s|%s|%s", ownerID, calendarID, eventID)
}

func (c *mappingCache) get(key string) (*Mapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.lastUsed) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	e.lastUsed = c.now()
	return e.mapping, true
}

func (c *mappingCache) put(m *Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Two keys per mapping.
	for len(c.entries) >= c.size*2 && c.size > 0 {
		c.evictOldest()
	}
	entry := &cacheEntry{mapping: m, lastUsed: c.now()}
	c.entries[taskKey(m.OwnerID, m.CalendarID, m.TaskID)] = entry
	c.entries[eventKey(m.OwnerID, m.CalendarID, m.EventID)] = entry
}

func (c *mappingCache) invalidate(m *Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, taskKey(m.OwnerID, m.CalendarID, m.TaskID))
	delete(c.entries, eventKey(m.OwnerID, m.CalendarID, m.EventID))
}

// evictOldest drops the least recently used entry. Caller holds the lock.
func (c *mappingCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastUsed.Before(oldestTime) {
			oldestTime = e.lastUsed
			oldestKey = k
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (s *Store) cacheGet(key string) (*Mapping, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.get(key)
}

func (s *Store) cachePut(m *Mapping) {
	if s.cache == nil {
		return
	}
	copied := *m
	s.cache.put(&copied)
}

func (s *Store) cacheInvalidate(m *Mapping) {
	if s.cache == nil {
		return
	}
	s.cache.invalidate(m)
}
