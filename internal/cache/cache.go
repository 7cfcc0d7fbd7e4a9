// Package cache implements the two-tier freshness cache: every entry has a
// fresh window, served without refetching, and a longer stale window during
// which it is only used as a fallback when upstreams fail.
package cache

import (
	"sync"
	"time"

	"tokenfeed/internal/metrics"
)

// State is the freshness of a cache lookup.
type State int

const (
	// Absent means no usable entry exists (never stored, or past its stale expiry).
	Absent State = iota
	// Fresh entries may be served without contacting any upstream.
	Fresh
	// Stale entries are past their fresh expiry but still usable as a fallback.
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is one stored result. Entries are immutable once stored and are
// replaced wholesale by the next successful fetch.
type Entry struct {
	Payload        any
	SourceID       string
	FetchedAt      time.Time
	FreshExpiresAt time.Time
	StaleExpiresAt time.Time
}

// StateAt classifies e at instant now.
func (e *Entry) StateAt(now time.Time) State {
	switch {
	case now.Before(e.FreshExpiresAt):
		return Fresh
	case now.Before(e.StaleExpiresAt):
		return Stale
	default:
		return Absent
	}
}

// Age is how long ago the payload was fetched.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Lookup is the result of Get. Entry is nil when State is Absent.
type Lookup struct {
	State State
	Entry *Entry
}

// Cache is a concurrency-safe in-memory key→entry store. Keys come from a
// bounded set of logical queries, so entries leave only by TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithJanitor drops dead entries every interval. Sweeping only reclaims
// memory; a dead entry already reads as Absent.
func WithJanitor(interval time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = interval }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.janitor()
	}
	return c
}

// Get classifies the entry stored under key.
func (c *Cache) Get(key string) Lookup {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	lookup := Lookup{State: Absent}
	if ok {
		if st := e.StateAt(c.now()); st != Absent {
			lookup = Lookup{State: st, Entry: e}
		}
	}

	metrics.CacheLookups.WithLabelValues(lookup.State.String()).Inc()
	return lookup
}

// Put stores payload under key, replacing any previous entry. A staleTTL
// shorter than freshTTL is raised to freshTTL.
func (c *Cache) Put(key string, payload any, sourceID string, freshTTL, staleTTL time.Duration) *Entry {
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}

	now := c.now()
	e := &Entry{
		Payload:        payload,
		SourceID:       sourceID,
		FetchedAt:      now,
		FreshExpiresAt: now.Add(freshTTL),
		StaleExpiresAt: now.Add(staleTTL),
	}

	c.mu.Lock()
	c.entries[key] = e
	n := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(n))
	return e
}

// Entries returns a snapshot of every non-dead entry keyed by cache key.
func (c *Cache) Entries() map[string]Entry {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		if e.StateAt(now) != Absent {
			out[k] = *e
		}
	}
	return out
}

// Len is the number of stored entries, dead ones included until swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Now is the cache's clock.
func (c *Cache) Now() time.Time {
	return c.now()
}

// Sweep removes dead entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if e.StateAt(now) == Absent {
			delete(c.entries, k)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(n))
	return removed
}

// Close stops the janitor. It is safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
