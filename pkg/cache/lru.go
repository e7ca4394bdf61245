package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is the bookkeeping wrapper around one cached value. Fast tiers
// hold the decoded Value; slower tiers hold the serialized Payload,
// compressed when that pays off.
type Entry struct {
	Key   string
	Value Value

	// Payload is the serialized value on compressed and remote tiers.
	// Empty on the raw in-memory tier.
	Payload    []byte
	Compressed bool

	// SizeBytes is the serialized (uncompressed) size, measured once at
	// set time and used for placement decisions.
	SizeBytes int64

	// StoredBytes is what the holding tier accounts against its budget:
	// SizeBytes on the raw tier, len(Payload) on compressed tiers.
	StoredBytes int64

	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTL          time.Duration
	Tier         string
	Tags         []string
}

// Expired reports whether the entry's TTL has elapsed. Zero TTL means
// no expiry.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}

// HasTags reports whether the entry carries all the given tags.
func (e *Entry) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range e.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// addTags unions new tags into the entry's tag set.
func (e *Entry) addTags(tags []string) {
	for _, tag := range tags {
		present := false
		for _, have := range e.Tags {
			if have == tag {
				present = true
				break
			}
		}
		if !present {
			e.Tags = append(e.Tags, tag)
		}
	}
}

// TierStats is one tier's counters. Promotions count entries moved into
// the tier from a slower one; demotions count entries that arrived from
// a faster tier's eviction.
type TierStats struct {
	Tier       string  `json:"tier"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Evictions  uint64  `json:"evictions"`
	Promotions uint64  `json:"promotions"`
	Demotions  uint64  `json:"demotions"`
	Entries    int     `json:"entries"`
	Bytes      int64   `json:"bytes"`
	Capacity   int64   `json:"capacity"`
	HitRate    float64 `json:"hit_rate"`
}

// memoryTier is one in-memory cache level: a byte-budgeted map with LRU
// eviction. Each tier takes its own lock and never calls into another
// tier while holding it.
type memoryTier struct {
	name     string
	capacity int64

	mu        sync.Mutex
	bytes     int64
	items     map[string]*tierItem
	evictList *list.List
	stats     TierStats
}

type tierItem struct {
	entry   *Entry
	element *list.Element
}

// listEntry is the value stored in the eviction list elements.
type listEntry struct {
	key string
}

func newMemoryTier(name string, capacity int64) *memoryTier {
	return &memoryTier{
		name:      name,
		capacity:  capacity,
		items:     make(map[string]*tierItem),
		evictList: list.New(),
		stats:     TierStats{Tier: name, Capacity: capacity},
	}
}

// get returns the entry for key with hit bookkeeping applied. Expired
// entries are dropped and reported as misses.
func (t *memoryTier) get(key string, tags []string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[key]
	if !ok {
		t.stats.Misses++
		return nil, false
	}
	if item.entry.Expired(time.Now()) {
		t.removeItem(key, true)
		t.stats.Misses++
		return nil, false
	}

	item.entry.LastAccessed = time.Now()
	item.entry.AccessCount++
	item.entry.addTags(tags)
	t.evictList.MoveToFront(item.element)
	t.stats.Hits++
	return item.entry, true
}

// put inserts or replaces an entry, returning whatever the byte budget
// pushed out (most recently used first) and whether the entry was
// stored. An entry that alone exceeds the whole budget is rejected,
// since it would evict everything and still not fit.
func (t *memoryTier) put(entry *Entry) ([]*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry.StoredBytes > t.capacity {
		return nil, false
	}

	if existing, ok := t.items[entry.Key]; ok {
		t.bytes -= existing.entry.StoredBytes
		existing.entry = entry
		t.bytes += entry.StoredBytes
		t.evictList.MoveToFront(existing.element)
		entry.Tier = t.name
		return t.evictOverBudget(), true
	}

	element := t.evictList.PushFront(&listEntry{key: entry.Key})
	t.items[entry.Key] = &tierItem{entry: entry, element: element}
	t.bytes += entry.StoredBytes
	entry.Tier = t.name
	return t.evictOverBudget(), true
}

// remove drops the key, returning the entry if it was present.
func (t *memoryTier) remove(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[key]
	if !ok {
		return nil, false
	}
	entry := item.entry
	t.removeItem(key, false)
	return entry, true
}

// removeByTags drops every entry carrying all the given tags.
func (t *memoryTier) removeByTags(tags []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := []string{}
	for key, item := range t.items {
		if item.entry.HasTags(tags) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		t.removeItem(key, false)
	}
	return len(keys)
}

// sweepExpired purges entries whose TTL elapsed.
func (t *memoryTier) sweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	keys := []string{}
	for key, item := range t.items {
		if item.entry.Expired(now) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		t.removeItem(key, true)
	}
	return len(keys)
}

func (t *memoryTier) recordPromotion() {
	t.mu.Lock()
	t.stats.Promotions++
	t.mu.Unlock()
}

func (t *memoryTier) recordDemotion() {
	t.mu.Lock()
	t.stats.Demotions++
	t.mu.Unlock()
}

// snapshot returns the tier's current statistics.
func (t *memoryTier) snapshot() TierStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	stats.Entries = len(t.items)
	stats.Bytes = t.bytes
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// removeItem unlinks one key. Callers hold the lock.
func (t *memoryTier) removeItem(key string, expired bool) {
	item, ok := t.items[key]
	if !ok {
		return
	}
	t.evictList.Remove(item.element)
	delete(t.items, key)
	t.bytes -= item.entry.StoredBytes
	if expired {
		t.stats.Evictions++
	}
}

// evictOverBudget trims the tier back under its byte budget, least
// recently used first. Callers hold the lock.
func (t *memoryTier) evictOverBudget() []*Entry {
	var evicted []*Entry
	for t.bytes > t.capacity && t.evictList.Len() > 0 {
		element := t.evictList.Back()
		if element == nil {
			break
		}
		le := element.Value.(*listEntry)
		item, ok := t.items[le.key]
		if !ok {
			t.evictList.Remove(element)
			continue
		}
		evicted = append(evicted, item.entry)
		t.evictList.Remove(element)
		delete(t.items, le.key)
		t.bytes -= item.entry.StoredBytes
		t.stats.Evictions++
	}
	return evicted
}
