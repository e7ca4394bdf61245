package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tier names, ordered fastest to slowest.
const (
	TierL1 = "l1"
	TierL2 = "l2"
	TierL3 = "l3"
	TierL4 = "l4"
)

// Options configures a TieredCache. Zero values take the defaults
// documented per field.
type Options struct {
	// L1Capacity is the raw in-memory tier's byte budget. Default 64 MiB.
	L1Capacity int64

	// L2Capacity is the compressed in-memory tier's byte budget.
	// Default 256 MiB.
	L2Capacity int64

	// HotThreshold is the largest serialized size placed directly in
	// L1. Default 64 KiB.
	HotThreshold int64

	// DistributedThreshold is the serialized size above which values go
	// to a distributed tier when one is configured. Default 1 MiB.
	DistributedThreshold int64

	// PromotionThreshold is the access count at which a hit moves one
	// tier faster. Default 3.
	PromotionThreshold int64

	// SweepInterval is the cadence of the expired-entry sweep over the
	// in-memory tiers. Default 1 minute.
	SweepInterval time.Duration

	// DefaultTTL applies when Set is called with a zero TTL. Zero means
	// entries do not expire.
	DefaultTTL time.Duration

	// L3 and L4 are the optional distributed tiers, fastest first.
	L3 DistributedCache
	L4 DistributedCache
}

func (o *Options) applyDefaults() {
	if o.L1Capacity <= 0 {
		o.L1Capacity = 64 << 20
	}
	if o.L2Capacity <= 0 {
		o.L2Capacity = 256 << 20
	}
	if o.HotThreshold <= 0 {
		o.HotThreshold = 64 << 10
	}
	if o.DistributedThreshold <= 0 {
		o.DistributedThreshold = 1 << 20
	}
	if o.PromotionThreshold <= 0 {
		o.PromotionThreshold = 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
}

// TieredCache is the four-level adaptive cache: raw in-memory (L1),
// compressed in-memory (L2), and up to two optional distributed tiers
// (L3, L4). Reads check tiers fastest-first and promote busy entries;
// in-memory eviction demotes still-warm entries one tier slower.
// Every failure degrades to a miss or a no-op: the cache is never
// load-bearing for correctness.
type TieredCache struct {
	opts Options

	l1 *memoryTier
	l2 *memoryTier
	l3 *remoteTier
	l4 *remoteTier

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a TieredCache and starts its expiry sweep.
func New(opts Options) *TieredCache {
	opts.applyDefaults()

	c := &TieredCache{
		opts:   opts,
		l1:     newMemoryTier(TierL1, opts.L1Capacity),
		l2:     newMemoryTier(TierL2, opts.L2Capacity),
		stopCh: make(chan struct{}),
	}
	if opts.L3 != nil {
		c.l3 = newRemoteTier(TierL3, opts.L3)
	}
	if opts.L4 != nil {
		c.l4 = newRemoteTier(TierL4, opts.L4)
	}

	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Close stops the sweep goroutine. Cached data is left in place.
func (c *TieredCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Get looks the key up tier by tier, fastest first. Tags passed on a
// hit are unioned into the entry's tag set.
func (c *TieredCache) Get(ctx context.Context, key string, tags ...string) (Value, bool) {
	if entry, ok := c.l1.get(key, tags); ok {
		return entry.Value, true
	}

	if entry, ok := c.l2.get(key, tags); ok {
		v, err := c.decodeEntry(entry)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("tier", TierL2).
				Msg("dropping undecodable cache entry")
			c.l2.remove(key)
		} else {
			if entry.AccessCount >= c.opts.PromotionThreshold {
				c.promoteToL1(ctx, key, v, entry)
			}
			return v, true
		}
	}

	for _, rt := range c.remoteTiers() {
		entry, ok, err := rt.get(ctx, key, tags)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("tier", rt.name).
				Msg("distributed cache read failed")
			continue
		}
		if !ok {
			continue
		}
		v, err := c.decodeEntry(entry)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("tier", rt.name).
				Msg("dropping undecodable cache entry")
			_ = rt.delete(ctx, key)
			continue
		}
		if entry.AccessCount >= c.opts.PromotionThreshold {
			c.promoteFromRemote(ctx, rt, entry)
		} else if err := rt.put(ctx, entry); err != nil {
			// Write back the bumped access count; a failure only costs
			// bookkeeping.
			log.Debug().Err(err).Str("key", key).Str("tier", rt.name).
				Msg("failed to write back cache access count")
		}
		return v, true
	}

	return Value{}, false
}

// Set stores the value, placing it by serialized size: hot entries in
// L1, medium in compressed L2, large in a distributed tier when one is
// configured. The returned error reports serialization failures only;
// tier failures degrade internally.
func (c *TieredCache) Set(ctx context.Context, key string, v Value, ttl time.Duration, tags ...string) error {
	raw, err := encodeValue(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set degraded to no-op")
		return err
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	now := time.Now()
	entry := &Entry{
		Key:          key,
		SizeBytes:    int64(len(raw)),
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
		TTL:          ttl,
		Tags:         append([]string(nil), tags...),
	}

	if entry.SizeBytes <= c.opts.HotThreshold {
		entry.Value = v
		entry.StoredBytes = entry.SizeBytes
		if evicted, stored := c.l1.put(entry); stored {
			c.dropOtherTiers(ctx, key, TierL1)
			c.demote(ctx, TierL1, evicted)
			return nil
		}
		entry.Value = Value{}
	}

	entry.Payload, entry.Compressed = compressPayload(raw)
	entry.StoredBytes = int64(len(entry.Payload))

	if entry.SizeBytes > c.opts.DistributedThreshold {
		if rts := c.remoteTiers(); len(rts) > 0 {
			if err := rts[0].put(ctx, entry); err == nil {
				c.dropOtherTiers(ctx, key, rts[0].name)
				return nil
			}
			log.Warn().Str("key", key).Str("tier", rts[0].name).
				Msg("distributed cache write failed, falling back to in-memory tier")
		}
	}

	if evicted, stored := c.l2.put(entry); stored {
		c.dropOtherTiers(ctx, key, TierL2)
		c.demote(ctx, TierL2, evicted)
		return nil
	}

	log.Warn().Str("key", key).Int64("size_bytes", entry.SizeBytes).
		Msg("value exceeds in-memory cache budgets, not cached")
	return nil
}

// Delete removes the key from every tier. The return reflects the
// in-memory tiers; distributed deletes are best-effort.
func (c *TieredCache) Delete(ctx context.Context, key string) bool {
	_, inL1 := c.l1.remove(key)
	_, inL2 := c.l2.remove(key)
	for _, rt := range c.remoteTiers() {
		if err := rt.delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Str("tier", rt.name).
				Msg("distributed cache delete failed")
		}
	}
	return inL1 || inL2
}

// DeleteByTags removes every in-memory entry carrying all the given
// tags and returns the number dropped. Distributed tiers do not support
// tag invalidation.
func (c *TieredCache) DeleteByTags(_ context.Context, tags ...string) int {
	if len(tags) == 0 {
		return 0
	}
	return c.l1.removeByTags(tags) + c.l2.removeByTags(tags)
}

// Stats returns per-tier counters, fastest tier first.
func (c *TieredCache) Stats() []TierStats {
	stats := []TierStats{c.l1.snapshot(), c.l2.snapshot()}
	if c.l3 != nil {
		stats = append(stats, c.l3.snapshot())
	}
	if c.l4 != nil {
		stats = append(stats, c.l4.snapshot())
	}
	return stats
}

// GetBlob adapts Get for consumers that cache opaque payloads.
func (c *TieredCache) GetBlob(ctx context.Context, key string, tags ...string) ([]byte, bool) {
	v, ok := c.Get(ctx, key, tags...)
	if !ok {
		return nil, false
	}
	if v.Kind != KindBlob {
		log.Warn().Str("key", key).Str("kind", string(v.Kind)).
			Msg("cached value is not a blob")
		return nil, false
	}
	return v.Blob, true
}

// SetBlob adapts Set for consumers that cache opaque payloads.
func (c *TieredCache) SetBlob(ctx context.Context, key string, payload []byte, codec string, ttl time.Duration, tags ...string) error {
	return c.Set(ctx, key, BlobValue(payload, codec), ttl, tags...)
}

// decodeEntry recovers the Value from a payload-bearing entry.
func (c *TieredCache) decodeEntry(entry *Entry) (Value, error) {
	if entry.Payload == nil {
		return entry.Value, nil
	}
	raw, err := decompressPayload(entry.Payload, entry.Compressed)
	if err != nil {
		return Value{}, err
	}
	return decodeValue(raw)
}

// promoteToL1 moves a busy L2 entry into the raw tier. Entries too big
// for the raw tier's budget stay where they are.
func (c *TieredCache) promoteToL1(ctx context.Context, key string, v Value, entry *Entry) {
	promoted := &Entry{
		Key:          key,
		Value:        v,
		SizeBytes:    entry.SizeBytes,
		StoredBytes:  entry.SizeBytes,
		CreatedAt:    entry.CreatedAt,
		LastAccessed: entry.LastAccessed,
		AccessCount:  entry.AccessCount,
		TTL:          entry.TTL,
		Tags:         entry.Tags,
	}
	evicted, stored := c.l1.put(promoted)
	if !stored {
		return
	}
	c.l2.remove(key)
	c.demote(ctx, TierL1, evicted)
	c.l1.recordPromotion()
}

// promoteFromRemote moves a busy distributed entry one tier faster.
func (c *TieredCache) promoteFromRemote(ctx context.Context, rt *remoteTier, entry *Entry) {
	// L4 promotes into L3 when it exists, otherwise both promote into L2.
	if rt.name == TierL4 && c.l3 != nil {
		if err := c.l3.put(ctx, entry); err != nil {
			log.Warn().Err(err).Str("key", entry.Key).
				Msg("promotion to distributed tier failed, using in-memory tier")
		} else {
			c.l3.recordPromotion()
			c.removeFromRemote(ctx, rt, entry.Key)
			return
		}
	}

	evicted, stored := c.l2.put(entry)
	if !stored {
		// Too big for the compressed tier's budget; leave it where it is.
		return
	}
	c.demote(ctx, TierL2, evicted)
	c.l2.recordPromotion()
	c.removeFromRemote(ctx, rt, entry.Key)
}

func (c *TieredCache) removeFromRemote(ctx context.Context, rt *remoteTier, key string) {
	if err := rt.delete(ctx, key); err != nil {
		log.Debug().Err(err).Str("key", key).Str("tier", rt.name).
			Msg("failed to remove promoted entry from distributed tier")
	}
}

// demote reinserts still-warm evictions one tier slower. Entries with a
// single access are dropped outright.
func (c *TieredCache) demote(ctx context.Context, fromTier string, evicted []*Entry) {
	now := time.Now()
	for _, entry := range evicted {
		if entry.AccessCount <= 1 || entry.Expired(now) {
			continue
		}

		switch fromTier {
		case TierL1:
			raw, err := encodeValue(entry.Value)
			if err != nil {
				log.Warn().Err(err).Str("key", entry.Key).
					Msg("failed to serialize entry for demotion")
				continue
			}
			demoted := &Entry{
				Key:          entry.Key,
				SizeBytes:    entry.SizeBytes,
				CreatedAt:    entry.CreatedAt,
				LastAccessed: entry.LastAccessed,
				AccessCount:  entry.AccessCount,
				TTL:          entry.TTL,
				Tags:         entry.Tags,
			}
			demoted.Payload, demoted.Compressed = compressPayload(raw)
			demoted.StoredBytes = int64(len(demoted.Payload))
			if next, stored := c.l2.put(demoted); stored {
				c.demote(ctx, TierL2, next)
				c.l2.recordDemotion()
			}

		case TierL2:
			rts := c.remoteTiers()
			if len(rts) == 0 {
				continue
			}
			if err := rts[0].put(ctx, entry); err != nil {
				log.Debug().Err(err).Str("key", entry.Key).Str("tier", rts[0].name).
					Msg("failed to demote entry to distributed tier")
				continue
			}
			rts[0].recordDemotion()
		}
	}
}

// dropOtherTiers clears stale copies of a key everywhere except the
// tier about to hold it.
func (c *TieredCache) dropOtherTiers(ctx context.Context, key, keep string) {
	if keep != TierL1 {
		c.l1.remove(key)
	}
	if keep != TierL2 {
		c.l2.remove(key)
	}
	for _, rt := range c.remoteTiers() {
		if rt.name == keep {
			continue
		}
		if err := rt.delete(ctx, key); err != nil {
			log.Debug().Err(err).Str("key", key).Str("tier", rt.name).
				Msg("failed to clear stale distributed copy")
		}
	}
}

// remoteTiers returns the configured distributed tiers, fastest first.
func (c *TieredCache) remoteTiers() []*remoteTier {
	tiers := []*remoteTier{}
	if c.l3 != nil {
		tiers = append(tiers, c.l3)
	}
	if c.l4 != nil {
		tiers = append(tiers, c.l4)
	}
	return tiers
}

func (c *TieredCache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			purged := c.l1.sweepExpired() + c.l2.sweepExpired()
			if purged > 0 {
				log.Debug().Int("entries", purged).Msg("swept expired cache entries")
			}
		}
	}
}
