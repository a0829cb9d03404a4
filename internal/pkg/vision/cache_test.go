package vision

import (
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewResultCache(time.Minute, 10)

	key := Key([]byte("image-bytes"))
	if got := c.Get(key); got != nil {
		t.Fatal("expected miss on empty cache")
	}

	want := &Result{Summary: "ok", Confidence: 0.9}
	c.Set(key, want)

	if got := c.Get(key); got != want {
		t.Fatalf("expected cached result, got %v", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewResultCache(10*time.Millisecond, 10)

	key := Key([]byte("image"))
	c.Set(key, &Result{Summary: "ok"})

	time.Sleep(20 * time.Millisecond)

	if got := c.Get(key); got != nil {
		t.Fatal("expected expired entry to miss")
	}
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewResultCache(time.Minute, 2)

	c.Set("a", &Result{Summary: "a"})
	time.Sleep(time.Millisecond)
	c.Set("b", &Result{Summary: "b"})
	time.Sleep(time.Millisecond)
	c.Set("c", &Result{Summary: "c"})

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if c.Get("a") != nil {
		t.Fatal("expected oldest entry evicted")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewResultCache(time.Minute, 10)
	c.Set("a", &Result{})
	c.Set("b", &Result{})

	c.Clear()

	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}
