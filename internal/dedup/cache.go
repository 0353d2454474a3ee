// Package dedup holds the time-windowed suppression cache that keeps repeated
// incidents away from the analysis engine, and the janitor that evicts
// expired windows.
package dedup

import (
	"sync"
	"time"
)

// DefaultTTL is how long a fingerprint stays suppressed after it was admitted.
const DefaultTTL = 600 * time.Second

// Cache maps fingerprints to the instant their suppression window ends.
// It is safe for concurrent use. An entry is only ever removed by Sweep;
// freshness is always decided by comparing against suppressUntil.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // fingerprint -> suppressUntil
}

// New creates an empty cache. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// TTL returns the suppression window applied by Admit.
func (c *Cache) TTL() time.Duration { return c.ttl }

// IsSuppressed reports whether fp has a window that is still open at now.
func (c *Cache) IsSuppressed(fp string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressedLocked(fp, now)
}

// Suppress opens (or overwrites) the window for fp so it ends at now+ttl.
func (c *Cache) Suppress(fp string, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = now.Add(ttl)
}

// Admit is IsSuppressed followed by Suppress under a single lock. It returns
// true and reserves the window when fp is not currently suppressed, false
// when fp is a duplicate.
func (c *Cache) Admit(fp string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suppressedLocked(fp, now) {
		return false
	}
	c.entries[fp] = now.Add(c.ttl)
	return true
}

// SuppressedUntil returns the end of the window for fp, if an entry exists.
func (c *Cache) SuppressedUntil(fp string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.entries[fp]
	return until, ok
}

// Sweep evicts every entry whose window has closed at now and returns the
// number evicted and the number left.
func (c *Cache) Sweep(now time.Time) (evicted, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, until := range c.entries {
		if !now.Before(until) {
			delete(c.entries, fp)
			evicted++
		}
	}
	return evicted, len(c.entries)
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) suppressedLocked(fp string, now time.Time) bool {
	until, ok := c.entries[fp]
	return ok && now.Before(until)
}
