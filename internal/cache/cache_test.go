package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bskylink/bskylink/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, max int, ttl time.Duration) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(max, ttl, WithClock(clock.Now)), clock
}

func TestSetGet(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)
	view := &model.ViewModel{PostURL: "https://bsky.app/profile/a/post/1"}
	c.Set("k", view)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != view {
		t.Fatal("expected the stored view to be returned unchanged")
	}
	if !c.Has("k") {
		t.Fatal("expected Has to report the entry")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10, 5*time.Minute)
	c.Set("k", &model.ViewModel{})

	clock.Advance(5*time.Minute - time.Second)
	if !c.Has("k") {
		t.Fatal("entry expired early")
	}

	clock.Advance(time.Second + time.Millisecond)
	if c.Has("k") {
		t.Fatal("expected entry to be absent after ttl")
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry returned")
	}
}

func TestExpiredLookupLeavesRemovalToPurge(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Minute)
	c.Set("k", &model.ViewModel{})
	clock.Advance(time.Minute)

	if _, ok := c.Entry("k"); ok {
		t.Fatal("expired entry returned")
	}
	if c.Len() != 1 {
		t.Fatalf("lookup should not remove the entry, len=%d", c.Len())
	}

	// A rebuild landing after the expired lookup must survive it.
	fresh := &model.ViewModel{PostURL: "fresh"}
	c.Set("k", fresh)
	if got, ok := c.Get("k"); !ok || got != fresh {
		t.Fatal("expected the fresh entry")
	}

	clock.Advance(time.Minute)
	if n := c.PurgeExpired(); n != 1 || c.Len() != 0 {
		t.Fatalf("expected purge to drop one entry, got %d (len %d)", n, c.Len())
	}
}

func TestReadsDoNotExtendTTL(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Minute)
	c.Set("k", &model.ViewModel{})

	for i := 0; i < 5; i++ {
		clock.Advance(15 * time.Second)
		c.Get("k")
	}
	if c.Has("k") {
		t.Fatal("expected entry to expire despite reads")
	}
}

func TestCapacityEviction(t *testing.T) {
	const max = 3
	var evicted []string
	c := New(max, time.Hour, WithEvictHook(func(key string) { evicted = append(evicted, key) }))

	for i := 0; i <= max; i++ {
		c.Set(fmt.Sprintf("k%d", i), &model.ViewModel{})
	}

	if c.Len() != max {
		t.Fatalf("expected %d entries, got %d", max, c.Len())
	}
	if len(evicted) != 1 || evicted[0] != "k0" {
		t.Fatalf("expected k0 evicted, got %v", evicted)
	}
	if c.Has("k0") {
		t.Fatal("k0 still present")
	}
}

func TestEvictionPrefersLeastRecentlyUsed(t *testing.T) {
	c := New(2, time.Hour)
	c.Set("a", &model.ViewModel{})
	c.Set("b", &model.ViewModel{})
	c.Get("a")
	c.Set("c", &model.ViewModel{})

	if !c.Has("a") {
		t.Fatal("recently read entry was evicted")
	}
	if c.Has("b") {
		t.Fatal("expected b to be evicted")
	}
}

func TestPurgeExpired(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Minute)
	c.Set("old", &model.ViewModel{})
	clock.Advance(2 * time.Minute)
	c.Set("new", &model.ViewModel{})

	if n := c.PurgeExpired(); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if c.Len() != 1 || !c.Has("new") {
		t.Fatal("expected only the fresh entry to remain")
	}
}
