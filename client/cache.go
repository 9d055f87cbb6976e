package client

import (
	"encoding/json"
	"sync"
	"time"
)

// AccessRights orders what the bot may do with a cached entity. Edit (admin)
// implies Write.
type AccessRights int

const (
	AccessRead AccessRights = iota
	AccessReadMembers
	AccessWrite
	AccessEdit
)

const cachePayloadTTL = 5 * time.Minute

type cacheEntry struct {
	payload   json.RawMessage
	rights    AccessRights
	updatedAt time.Time
}

// entityCache is a write-through cache for users and chats. The actor
// goroutine and the passthrough executor both touch it, hence the lock.
type entityCache struct {
	mu      sync.Mutex
	entries map[int64]cacheEntry
}

func newEntityCache() *entityCache {
	return &entityCache{entries: make(map[int64]cacheEntry)}
}

// get returns a cached entry with a still-fresh payload.
func (c *entityCache) get(id int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.payload == nil || time.Since(entry.updatedAt) > cachePayloadTTL {
		return cacheEntry{}, false
	}
	return entry, true
}

// rightsFor returns the last known access rights, regardless of payload age.
func (c *entityCache) rightsFor(id int64) (AccessRights, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return entry.rights, ok
}

func (c *entityCache) put(id int64, payload json.RawMessage, rights AccessRights) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = cacheEntry{payload: payload, rights: rights, updatedAt: time.Now()}
}

// touch updates rights without replacing the payload.
func (c *entityCache) touch(id int64, rights AccessRights) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[id]
	entry.rights = rights
	entry.updatedAt = time.Now()
	c.entries[id] = entry
}
