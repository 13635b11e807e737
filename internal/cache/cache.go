// Package cache memoizes rendered thread views behind an entry-count and
// time-to-live bound.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bskylink/bskylink/internal/model"
)

// Entry is what the cache stores per key. Entries are never mutated after Set.
type Entry struct {
	View       *model.ViewModel
	InsertedAt time.Time
}

type Cache struct {
	lru     *expirable.LRU[string, Entry]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(key string)
}

type Option func(*Cache)

// WithClock replaces time.Now for the cache's own expiry check.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithEvictHook is called with the key of every entry dropped because of
// capacity or age.
func WithEvictHook(fn func(key string)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New creates a cache holding at most maxEntries views, each for ttl after
// insertion. Reads do not extend an entry's life.
func New(maxEntries int, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.lru = expirable.NewLRU[string, Entry](maxEntries, func(key string, _ Entry) {
		if c.onEvict != nil {
			c.onEvict(key)
		}
	}, ttl)
	return c
}

// Get returns the view stored under key and marks it recently used.
func (c *Cache) Get(key string) (*model.ViewModel, bool) {
	e, ok := c.Entry(key)
	if !ok {
		return nil, false
	}
	return e.View, true
}

// Entry is Get returning the insertion time as well. An expired entry is
// reported as a miss and left for PurgeExpired, so a Set racing with the
// lookup is never removed by it.
func (c *Cache) Entry(key string) (Entry, bool) {
	e, ok := c.lru.Get(key)
	if !ok || c.expired(e) {
		return Entry{}, false
	}
	return e, true
}

// Has reports whether a live entry exists without touching its recency.
func (c *Cache) Has(key string) bool {
	e, ok := c.lru.Peek(key)
	return ok && !c.expired(e)
}

// Set stores v under key, evicting the least recently used entry when the
// cache is full.
func (c *Cache) Set(key string, v *model.ViewModel) {
	c.lru.Add(key, Entry{View: v, InsertedAt: c.now()})
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

// PurgeExpired drops entries past their TTL and returns how many went.
func (c *Cache) PurgeExpired() int {
	n := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && !c.expired(e) {
			continue
		}
		if c.lru.Remove(key) {
			n++
		}
	}
	return n
}

func (c *Cache) expired(e Entry) bool {
	return !c.now().Before(e.InsertedAt.Add(c.ttl))
}
