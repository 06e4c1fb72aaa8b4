package auth

import (
	"sync"
	"time"
)

// sessionCache keeps recently validated sessions so every request does not
// hit SQLite.
type sessionCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	stop    chan struct{}
}

type cacheEntry struct {
	user      *User
	session   *Session
	expiresAt time.Time
}

func newSessionCache(ttl time.Duration) *sessionCache {
	c := &sessionCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanupExpired()
	}
	return c
}

// Get returns the cached entry for a session id, if still fresh
func (c *sessionCache) Get(sessionID string) (*User, *Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil, false
	}
	return entry.user, entry.session, true
}

// Set caches a session, never past its own expiry
func (c *sessionCache) Set(user *User, session *Session) {
	if c.ttl <= 0 {
		return
	}
	expiresAt := time.Now().Add(c.ttl)
	if session.ExpiresAt.Before(expiresAt) {
		expiresAt = session.ExpiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[session.ID] = &cacheEntry{user: user, session: session, expiresAt: expiresAt}
}

// Delete removes a session from the cache
func (c *sessionCache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// DeleteUser drops every cached session of a user
func (c *sessionCache) DeleteUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		if entry.user.ID == userID {
			delete(c.entries, id)
		}
	}
}

// Size returns the number of entries in the cache
func (c *sessionCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine
func (c *sessionCache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// cleanupExpired periodically removes expired entries
func (c *sessionCache) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
