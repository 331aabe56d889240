package tokencount

import (
	"testing"
	"time"
)

func TestCountIsStableAndCached(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: time.Hour})
	first := c.Count("hello world")
	second := c.Count("hello world")
	if first != second {
		t.Fatalf("expected stable count across calls, got %d then %d", first, second)
	}
	if first <= 0 {
		t.Fatalf("expected positive token count, got %d", first)
	}
	if c.Size() != 1 {
		t.Fatalf("expected one cache entry after repeated count of same text, got %d", c.Size())
	}
}

func TestCountEmptyStringIsZero(t *testing.T) {
	c := New(Config{})
	if n := c.Count(""); n != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", n)
	}
}

func TestCountMessagesSumsPerBlockOverhead(t *testing.T) {
	c := New(Config{})
	texts := []string{"one", "two"}
	total := c.CountMessages(texts)
	want := c.Count("one") + 4 + c.Count("two") + 4
	if total != want {
		t.Fatalf("expected %d, got %d", want, total)
	}
}

func TestSetEvictsOldestWhenAtCapacity(t *testing.T) {
	c := New(Config{MaxSize: 2, TTL: time.Hour})
	c.Count("a")
	c.Count("b")
	c.Count("c")
	if c.Size() > 2 {
		t.Fatalf("expected eviction to keep cache at or below capacity, got size %d", c.Size())
	}
}

func TestCleanupRemovesExpiredEntries(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: time.Nanosecond})
	c.Count("stale")
	time.Sleep(time.Millisecond)
	c.cleanup()
	if c.Size() != 0 {
		t.Fatalf("expected cleanup to remove expired entry, got size %d", c.Size())
	}
}
