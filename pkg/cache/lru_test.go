package cache

import (
	"testing"
	"time"
)

func rawEntry(key string, size int64) *Entry {
	now := time.Now()
	return &Entry{
		Key:          key,
		Value:        BlobValue([]byte(key), "raw"),
		SizeBytes:    size,
		StoredBytes:  size,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
	}
}

// TestMemoryTierLRUEviction tests byte-budget eviction order
func TestMemoryTierLRUEviction(t *testing.T) {
	tier := newMemoryTier("l1", 100)

	for _, key := range []string{"a", "b", "c"} {
		if evicted, stored := tier.put(rawEntry(key, 30)); !stored || len(evicted) != 0 {
			t.Fatalf("unexpected eviction inserting %s", key)
		}
	}

	// Touch "a" so "b" becomes the least recently used.
	if _, ok := tier.get("a", nil); !ok {
		t.Fatal("expected hit on a")
	}

	evicted, stored := tier.put(rawEntry("d", 30))
	if !stored {
		t.Fatal("expected d to be stored")
	}
	if len(evicted) != 1 || evicted[0].Key != "b" {
		t.Fatalf("expected b to be evicted, got %v", evicted)
	}

	if _, ok := tier.get("b", nil); ok {
		t.Error("b should be gone")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := tier.get(key, nil); !ok {
			t.Errorf("expected %s to survive", key)
		}
	}
}

// TestMemoryTierRejectsOversizedEntry tests the whole-budget guard
func TestMemoryTierRejectsOversizedEntry(t *testing.T) {
	tier := newMemoryTier("l1", 100)
	if _, stored := tier.put(rawEntry("huge", 101)); stored {
		t.Error("entry larger than the budget must be rejected")
	}
	if _, stored := tier.put(rawEntry("fits", 100)); !stored {
		t.Error("entry exactly at the budget must be stored")
	}
}

// TestMemoryTierReplaceAccountsBytes tests in-place replacement accounting
func TestMemoryTierReplaceAccountsBytes(t *testing.T) {
	tier := newMemoryTier("l1", 100)
	tier.put(rawEntry("a", 40))
	tier.put(rawEntry("a", 60))

	stats := tier.snapshot()
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Bytes != 60 {
		t.Errorf("expected 60 bytes accounted, got %d", stats.Bytes)
	}
}

// TestMemoryTierExpiry tests lazy expiry and the sweep
func TestMemoryTierExpiry(t *testing.T) {
	tier := newMemoryTier("l1", 1000)

	expired := rawEntry("old", 10)
	expired.CreatedAt = time.Now().Add(-time.Hour)
	expired.TTL = time.Minute
	tier.put(expired)

	fresh := rawEntry("fresh", 10)
	fresh.TTL = time.Hour
	tier.put(fresh)

	if _, ok := tier.get("old", nil); ok {
		t.Error("expired entry must read as a miss")
	}

	stale := rawEntry("stale", 10)
	stale.CreatedAt = time.Now().Add(-time.Hour)
	stale.TTL = time.Minute
	tier.put(stale)

	if purged := tier.sweepExpired(); purged != 1 {
		t.Errorf("expected sweep to purge 1 entry, got %d", purged)
	}
	if _, ok := tier.get("fresh", nil); !ok {
		t.Error("fresh entry must survive the sweep")
	}
}

// TestMemoryTierTags tests tag union on hit and tag-scoped removal
func TestMemoryTierTags(t *testing.T) {
	tier := newMemoryTier("l1", 1000)

	a := rawEntry("a", 10)
	a.Tags = []string{"type:server"}
	tier.put(a)

	b := rawEntry("b", 10)
	b.Tags = []string{"type:server", "env:prod"}
	tier.put(b)

	c := rawEntry("c", 10)
	c.Tags = []string{"env:prod"}
	tier.put(c)

	// A hit unions the requested tags into the entry's set.
	if entry, ok := tier.get("a", []string{"env:prod"}); !ok || !entry.HasTags([]string{"type:server", "env:prod"}) {
		t.Errorf("expected tag union on hit, got %v", a.Tags)
	}

	// Removal requires all tags to match.
	removed := tier.removeByTags([]string{"type:server", "env:prod"})
	if removed != 2 {
		t.Errorf("expected 2 removals, got %d", removed)
	}
	if _, ok := tier.get("c", nil); !ok {
		t.Error("c only carries env:prod and must survive")
	}
}
