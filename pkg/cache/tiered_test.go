package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeDistributed is an in-memory DistributedCache for tests.
type fakeDistributed struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  bool
	calls int
}

func newFakeDistributed() *fakeDistributed {
	return &fakeDistributed{data: make(map[string][]byte)}
}

func (f *fakeDistributed) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, false, errors.New("distributed tier unavailable")
	}
	payload, ok := f.data[key]
	return payload, ok, nil
}

func (f *fakeDistributed) Set(_ context.Context, key string, payload []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("distributed tier unavailable")
	}
	f.data[key] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeDistributed) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("distributed tier unavailable")
	}
	delete(f.data, key)
	return nil
}

func (f *fakeDistributed) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

// testOptions returns thresholds small enough to steer placement from
// tests. The sweep interval is long so tests control expiry themselves.
func testOptions() Options {
	return Options{
		L1Capacity:           4 << 10,
		L2Capacity:           64 << 10,
		HotThreshold:         256,
		DistributedThreshold: 8 << 10,
		PromotionThreshold:   3,
		SweepInterval:        time.Hour,
	}
}

func blobOfSize(n int) Value {
	return BlobValue(bytes.Repeat([]byte("x"), n), "raw")
}

// inTier reports which in-memory tier currently holds the key.
func inTier(c *TieredCache, key string) string {
	c.l1.mu.Lock()
	_, inL1 := c.l1.items[key]
	c.l1.mu.Unlock()
	if inL1 {
		return TierL1
	}
	c.l2.mu.Lock()
	_, inL2 := c.l2.items[key]
	c.l2.mu.Unlock()
	if inL2 {
		return TierL2
	}
	return ""
}

// TestTieredPlacementBySize tests the size-based placement rules
func TestTieredPlacementBySize(t *testing.T) {
	remote := newFakeDistributed()
	opts := testOptions()
	opts.L3 = remote
	c := New(opts)
	defer c.Close()

	ctx := context.Background()

	// Small values land in the raw tier.
	if err := c.Set(ctx, "small", blobOfSize(64), 0); err != nil {
		t.Fatalf("failed to set small value: %v", err)
	}
	if tier := inTier(c, "small"); tier != TierL1 {
		t.Errorf("expected small value in l1, got %q", tier)
	}

	// Medium values land in the compressed tier.
	if err := c.Set(ctx, "medium", blobOfSize(2048), 0); err != nil {
		t.Fatalf("failed to set medium value: %v", err)
	}
	if tier := inTier(c, "medium"); tier != TierL2 {
		t.Errorf("expected medium value in l2, got %q", tier)
	}

	// Large values go to the distributed tier.
	if err := c.Set(ctx, "large", blobOfSize(32<<10), 0); err != nil {
		t.Fatalf("failed to set large value: %v", err)
	}
	if tier := inTier(c, "large"); tier != "" {
		t.Errorf("large value should not be in memory, got %q", tier)
	}
	if !remote.has("large") {
		t.Error("expected large value in the distributed tier")
	}

	// Every placement still serves reads.
	for _, key := range []string{"small", "medium", "large"} {
		if _, ok := c.Get(ctx, key); !ok {
			t.Errorf("expected hit on %s", key)
		}
	}
}

// TestTieredLargeFallsBackWithoutDistributed tests degraded placement
func TestTieredLargeFallsBackWithoutDistributed(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "large", blobOfSize(32<<10), 0); err != nil {
		t.Fatalf("failed to set large value: %v", err)
	}
	if tier := inTier(c, "large"); tier != TierL2 {
		t.Errorf("expected fallback to l2, got %q", tier)
	}
	if _, ok := c.Get(ctx, "large"); !ok {
		t.Error("expected hit after fallback placement")
	}
}

// TestTieredDistributedWriteFailureDegrades tests the unavailable-tier path
func TestTieredDistributedWriteFailureDegrades(t *testing.T) {
	remote := newFakeDistributed()
	remote.fail = true
	opts := testOptions()
	opts.L3 = remote
	c := New(opts)
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "large", blobOfSize(32<<10), 0); err != nil {
		t.Fatalf("set must degrade, not fail: %v", err)
	}
	if tier := inTier(c, "large"); tier != TierL2 {
		t.Errorf("expected fallback to l2, got %q", tier)
	}
	if _, ok := c.Get(ctx, "large"); !ok {
		t.Error("expected hit from the fallback tier")
	}
}

// TestTieredPromotion tests that busy entries move one tier faster
func TestTieredPromotion(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "busy", blobOfSize(2048), 0); err != nil {
		t.Fatalf("failed to set value: %v", err)
	}
	if tier := inTier(c, "busy"); tier != TierL2 {
		t.Fatalf("expected initial placement in l2, got %q", tier)
	}

	// Access count starts at 1; the hit that reaches the threshold
	// promotes.
	if _, ok := c.Get(ctx, "busy"); !ok {
		t.Fatal("expected first hit")
	}
	if tier := inTier(c, "busy"); tier != TierL2 {
		t.Fatalf("promotion happened too early, entry in %q", tier)
	}
	if _, ok := c.Get(ctx, "busy"); !ok {
		t.Fatal("expected second hit")
	}
	if tier := inTier(c, "busy"); tier != TierL1 {
		t.Fatalf("expected promotion to l1, entry in %q", tier)
	}

	stats := c.Stats()
	if stats[0].Promotions != 1 {
		t.Errorf("expected 1 promotion recorded on l1, got %d", stats[0].Promotions)
	}

	// The promoted entry still decodes correctly.
	v, ok := c.Get(ctx, "busy")
	if !ok {
		t.Fatal("expected hit after promotion")
	}
	if v.Kind != KindBlob || len(v.Blob) != 2048 {
		t.Errorf("promoted value corrupted: kind=%s len=%d", v.Kind, len(v.Blob))
	}
}

// TestTieredPromotionFromRemote tests remote hits moving into memory
func TestTieredPromotionFromRemote(t *testing.T) {
	remote := newFakeDistributed()
	opts := testOptions()
	opts.L3 = remote
	c := New(opts)
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "large", blobOfSize(32<<10), 0); err != nil {
		t.Fatalf("failed to set value: %v", err)
	}

	// Two hits reach the promotion threshold; the third would be a
	// memory-tier hit.
	c.Get(ctx, "large")
	c.Get(ctx, "large")

	if tier := inTier(c, "large"); tier != TierL2 {
		t.Errorf("expected promotion into l2, got %q", tier)
	}
	if remote.has("large") {
		t.Error("promoted entry should have left the distributed tier")
	}
	if v, ok := c.Get(ctx, "large"); !ok || len(v.Blob) != 32<<10 {
		t.Error("expected memory hit with intact payload after promotion")
	}
}

// TestTieredDemotion tests that warm evictions move one tier slower
func TestTieredDemotion(t *testing.T) {
	opts := testOptions()
	opts.L1Capacity = 400
	c := New(opts)
	defer c.Close()

	ctx := context.Background()

	// warm gets a second access, cold does not.
	if err := c.Set(ctx, "warm", blobOfSize(100), 0); err != nil {
		t.Fatalf("failed to set warm: %v", err)
	}
	if _, ok := c.Get(ctx, "warm"); !ok {
		t.Fatal("expected hit on warm")
	}
	if err := c.Set(ctx, "cold", blobOfSize(100), 0); err != nil {
		t.Fatalf("failed to set cold: %v", err)
	}

	// Two more inserts push both out of the raw tier.
	c.Set(ctx, "filler-1", blobOfSize(100), 0)
	c.Set(ctx, "filler-2", blobOfSize(100), 0)

	if tier := inTier(c, "warm"); tier != TierL2 {
		t.Errorf("expected warm entry demoted to l2, got %q", tier)
	}
	if tier := inTier(c, "cold"); tier != "" {
		t.Errorf("expected cold entry dropped, got %q", tier)
	}

	if v, ok := c.Get(ctx, "warm"); !ok || len(v.Blob) != 100 {
		t.Error("expected demoted entry to serve intact payload")
	}

	stats := c.Stats()
	if stats[1].Demotions != 1 {
		t.Errorf("expected 1 demotion recorded on l2, got %d", stats[1].Demotions)
	}
}

// TestTieredTTLExpiry tests lazy expiry on read
func TestTieredTTLExpiry(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "ephemeral", blobOfSize(64), 10*time.Millisecond); err != nil {
		t.Fatalf("failed to set value: %v", err)
	}
	if _, ok := c.Get(ctx, "ephemeral"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(ctx, "ephemeral"); ok {
		t.Error("expected miss after TTL elapsed")
	}
}

// TestTieredDeleteByTags tests tag invalidation over in-memory tiers
func TestTieredDeleteByTags(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "srv-1", blobOfSize(64), 0, "type:server")
	c.Set(ctx, "srv-2", blobOfSize(2048), 0, "type:server")
	c.Set(ctx, "db-1", blobOfSize(64), 0, "type:database")

	dropped := c.DeleteByTags(ctx, "type:server")
	if dropped != 2 {
		t.Errorf("expected 2 entries dropped, got %d", dropped)
	}
	if _, ok := c.Get(ctx, "srv-1"); ok {
		t.Error("srv-1 should be invalidated")
	}
	if _, ok := c.Get(ctx, "srv-2"); ok {
		t.Error("srv-2 should be invalidated")
	}
	if _, ok := c.Get(ctx, "db-1"); !ok {
		t.Error("db-1 should survive")
	}

	if c.DeleteByTags(ctx) != 0 {
		t.Error("empty tag list must not drop anything")
	}
}

// TestTieredDelete tests removal across tiers
func TestTieredDelete(t *testing.T) {
	remote := newFakeDistributed()
	opts := testOptions()
	opts.L3 = remote
	c := New(opts)
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "small", blobOfSize(64), 0)
	c.Set(ctx, "large", blobOfSize(32<<10), 0)

	if !c.Delete(ctx, "small") {
		t.Error("expected delete to report the in-memory entry")
	}
	c.Delete(ctx, "large")

	if _, ok := c.Get(ctx, "small"); ok {
		t.Error("small should be gone")
	}
	if _, ok := c.Get(ctx, "large"); ok {
		t.Error("large should be gone")
	}
	if remote.has("large") {
		t.Error("distributed copy should be gone")
	}
}

// TestTieredSetReplacesStaleCopies tests that re-set values leave no
// stale copy in other tiers
func TestTieredSetReplacesStaleCopies(t *testing.T) {
	remote := newFakeDistributed()
	opts := testOptions()
	opts.L3 = remote
	c := New(opts)
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "key", blobOfSize(32<<10), 0); err != nil {
		t.Fatalf("failed to set large version: %v", err)
	}
	if !remote.has("key") {
		t.Fatal("expected initial placement in the distributed tier")
	}

	// Shrinking the value moves it to l1 and must clear the remote copy.
	if err := c.Set(ctx, "key", blobOfSize(64), 0); err != nil {
		t.Fatalf("failed to set small version: %v", err)
	}
	if tier := inTier(c, "key"); tier != TierL1 {
		t.Errorf("expected replacement in l1, got %q", tier)
	}
	if remote.has("key") {
		t.Error("stale distributed copy must be dropped")
	}

	v, ok := c.Get(ctx, "key")
	if !ok || len(v.Blob) != 64 {
		t.Errorf("expected the new value to be served, got len=%d", len(v.Blob))
	}
}

// TestTieredBlobAdapter tests the opaque-payload convenience methods
func TestTieredBlobAdapter(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	ctx := context.Background()
	payload := []byte(`{"id":"srv-1"}`)
	if err := c.SetBlob(ctx, "resource:srv-1", payload, "json", 0, "type:server"); err != nil {
		t.Fatalf("failed to set blob: %v", err)
	}

	got, ok := c.GetBlob(ctx, "resource:srv-1")
	if !ok {
		t.Fatal("expected blob hit")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %q", got)
	}

	if _, ok := c.GetBlob(ctx, "missing"); ok {
		t.Error("expected miss for absent key")
	}
}

// TestTieredStats tests the per-tier counters
func TestTieredStats(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "a", blobOfSize(64), 0)
	c.Get(ctx, "a")
	c.Get(ctx, "missing")

	stats := c.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 tiers without distributed backends, got %d", len(stats))
	}
	if stats[0].Tier != TierL1 || stats[1].Tier != TierL2 {
		t.Errorf("unexpected tier order: %s, %s", stats[0].Tier, stats[1].Tier)
	}
	if stats[0].Hits != 1 {
		t.Errorf("expected 1 l1 hit, got %d", stats[0].Hits)
	}
	if stats[0].Misses != 1 || stats[1].Misses != 1 {
		t.Errorf("expected a miss on both tiers, got %d and %d", stats[0].Misses, stats[1].Misses)
	}
	if stats[0].Entries != 1 || stats[0].Bytes == 0 {
		t.Errorf("expected l1 to hold the entry, entries=%d bytes=%d", stats[0].Entries, stats[0].Bytes)
	}
}
