package cache

import (
	"context"
	"testing"
	"time"
)

func TestCachePutGet(t *testing.T) {
	c := New[string, int](4, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get() ok = true, want miss on empty cache")
	}

	c.Put("a", 1)
	got, ok := c.Get("a")
	if !ok {
		t.Fatal("Get() ok = false, want hit")
	}
	if got != 1 {
		t.Fatalf("Get() = %d, want 1", got)
	}

	c.Put("a", 2)
	got, _ = c.Get("a")
	if got != 2 {
		t.Fatalf("Get() = %d, want overwritten value 2", got)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New[string, int](4, time.Minute)
	now := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("a", 1)

	now = now.Add(30 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get() ok = false, want hit before TTL")
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("Get() ok = true, want miss after TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want expired entry removed on read", c.Len())
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2, time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("Get(b) ok = true, want least recently used entry evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) ok = false, want recently used entry kept")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("Get(c) ok = false, want new entry kept")
	}
}

func TestCacheDelete(t *testing.T) {
	c := New[string, int](4, time.Minute)

	c.Put("a", 1)
	c.Delete("a")
	c.Delete("a")

	if _, ok := c.Get("a"); ok {
		t.Fatal("Get() ok = true, want miss after delete")
	}
}

func TestCacheSweep(t *testing.T) {
	c := New[string, int](8, time.Minute)
	now := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("a", 1)
	c.Put("b", 2)
	now = now.Add(2 * time.Minute)
	c.Put("c", 3)

	if removed := c.Sweep(); removed != 2 {
		t.Fatalf("Sweep() = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("Get(c) ok = false, want live entry kept")
	}
}

func TestCacheSnapshotSkipsExpired(t *testing.T) {
	c := New[string, int](8, time.Minute)
	now := time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("a", 1)
	now = now.Add(2 * time.Minute)
	c.Put("b", 2)

	snapshot := c.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("len(snapshot) = %d, want 1", len(snapshot))
	}
	if snapshot["b"] != 2 {
		t.Fatalf("snapshot[b] = %d, want 2", snapshot["b"])
	}
}

func TestCacheDefaults(t *testing.T) {
	c := New[string, int](0, 0)
	if c.maxEntries != DefaultMaxEntries {
		t.Fatalf("maxEntries = %d, want %d", c.maxEntries, DefaultMaxEntries)
	}
	if c.ttl != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
}

func TestStartSweepWorkerStops(t *testing.T) {
	c := New[string, int](4, time.Minute)

	cancel, done := c.StartSweepWorker(context.Background(), 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep worker did not stop after cancel")
	}
}

func TestNilCacheSafe(t *testing.T) {
	var c *Cache[string, int]

	c.Put("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("Get() on nil cache ok = true")
	}
	if c.Len() != 0 {
		t.Fatal("Len() on nil cache != 0")
	}
	if c.Sweep() != 0 {
		t.Fatal("Sweep() on nil cache != 0")
	}
}
