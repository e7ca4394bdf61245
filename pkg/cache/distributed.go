package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DistributedCache is the collaborator contract for the optional remote
// tiers: a shared store keyed by string with TTL support. Absence of a
// distributed tier degrades the cache to the in-memory levels with no
// functional loss beyond capacity. Tag invalidation is not supported on
// distributed tiers.
type DistributedCache interface {
	// Get returns the stored payload, or false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the payload under key for the given TTL. Zero TTL
	// means no expiry.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// remoteEnvelope is the document a remote tier stores per key: the
// serialized value plus the entry bookkeeping, so promotion decisions
// survive the round-trip.
type remoteEnvelope struct {
	Payload     []byte        `json:"payload"`
	Compressed  bool          `json:"compressed"`
	SizeBytes   int64         `json:"size_bytes"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl,omitempty"`
	AccessCount int64         `json:"access_count"`
	Tags        []string      `json:"tags,omitempty"`
}

// remoteTier adapts a DistributedCache collaborator into a cache level.
// Hit counters live in the stored envelope, so they are shared between
// processes using the same backing store.
type remoteTier struct {
	name   string
	client DistributedCache

	mu    sync.Mutex
	stats TierStats
}

func newRemoteTier(name string, client DistributedCache) *remoteTier {
	return &remoteTier{
		name:   name,
		client: client,
		stats:  TierStats{Tier: name},
	}
}

// get fetches and decodes the remote envelope. The error return carries
// collaborator failures; absent and expired keys are plain misses.
func (t *remoteTier) get(ctx context.Context, key string, tags []string) (*Entry, bool, error) {
	raw, ok, err := t.client.Get(ctx, key)
	if err != nil {
		t.recordMiss()
		return nil, false, err
	}
	if !ok {
		t.recordMiss()
		return nil, false, nil
	}

	var env remoteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.recordMiss()
		return nil, false, fmt.Errorf("failed to decode remote envelope: %w", err)
	}

	entry := &Entry{
		Key:          key,
		Payload:      env.Payload,
		Compressed:   env.Compressed,
		SizeBytes:    env.SizeBytes,
		StoredBytes:  int64(len(env.Payload)),
		CreatedAt:    env.CreatedAt,
		LastAccessed: time.Now(),
		AccessCount:  env.AccessCount + 1,
		TTL:          env.TTL,
		Tier:         t.name,
		Tags:         env.Tags,
	}
	if entry.Expired(time.Now()) {
		_ = t.client.Delete(ctx, key)
		t.recordMiss()
		return nil, false, nil
	}
	entry.addTags(tags)

	t.mu.Lock()
	t.stats.Hits++
	t.mu.Unlock()
	return entry, true, nil
}

// put stores the entry's envelope remotely.
func (t *remoteTier) put(ctx context.Context, entry *Entry) error {
	env := remoteEnvelope{
		Payload:     entry.Payload,
		Compressed:  entry.Compressed,
		SizeBytes:   entry.SizeBytes,
		CreatedAt:   entry.CreatedAt,
		TTL:         entry.TTL,
		AccessCount: entry.AccessCount,
		Tags:        entry.Tags,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode remote envelope: %w", err)
	}
	if err := t.client.Set(ctx, entry.Key, raw, entry.TTL); err != nil {
		return err
	}
	entry.Tier = t.name
	return nil
}

func (t *remoteTier) delete(ctx context.Context, key string) error {
	return t.client.Delete(ctx, key)
}

func (t *remoteTier) recordMiss() {
	t.mu.Lock()
	t.stats.Misses++
	t.mu.Unlock()
}

func (t *remoteTier) recordPromotion() {
	t.mu.Lock()
	t.stats.Promotions++
	t.mu.Unlock()
}

func (t *remoteTier) recordDemotion() {
	t.mu.Lock()
	t.stats.Demotions++
	t.mu.Unlock()
}

func (t *remoteTier) snapshot() TierStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// DiskCacheConfig configures a disk-backed distributed tier.
type DiskCacheConfig struct {
	Directory string
	MaxSize   int64
	IndexFile string
}

func (c *DiskCacheConfig) applyDefaults() error {
	if c.Directory == "" {
		return fmt.Errorf("cache directory is required")
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 1 << 30
	}
	if c.IndexFile == "" {
		c.IndexFile = "cache-index.json"
	}
	return nil
}

// diskItem is one index record of the disk cache.
type diskItem struct {
	Key        string    `json:"key"`
	FilePath   string    `json:"file_path"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"stored_at"`
	AccessedAt time.Time `json:"accessed_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Checksum   string    `json:"checksum"`
}

// DiskCache is a file-per-key DistributedCache for single-host
// deployments and tests: content-addressed files under one directory
// with a JSON index, checksum verification on read, and LRU pruning
// when the byte budget is exceeded.
type DiskCache struct {
	cfg DiskCacheConfig

	mu          sync.Mutex
	index       map[string]*diskItem
	currentSize int64
}

// NewDiskCache opens (or creates) the cache directory and loads any
// existing index.
func NewDiskCache(cfg DiskCacheConfig) (*DiskCache, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		cfg:   cfg,
		index: make(map[string]*diskItem),
	}
	if err := c.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}
	return c, nil
}

// Get reads the stored payload, verifying its checksum. Corrupt or
// missing files drop the index record and report a miss.
func (c *DiskCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.index[key]
	if !ok {
		return nil, false, nil
	}
	if !item.ExpiresAt.IsZero() && time.Now().After(item.ExpiresAt) {
		c.removeLocked(key)
		return nil, false, nil
	}

	payload, err := os.ReadFile(item.FilePath)
	if err != nil {
		c.removeLocked(key)
		return nil, false, nil
	}
	if checksumOf(payload) != item.Checksum {
		c.removeLocked(key)
		return nil, false, fmt.Errorf("checksum mismatch for cached key %s", key)
	}

	item.AccessedAt = time.Now()
	return payload, true, nil
}

// Set writes the payload to its content file and records it in the
// index, pruning least-recently-accessed entries past the byte budget.
func (c *DiskCache) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[key]; ok {
		_ = os.Remove(existing.FilePath)
		c.currentSize -= existing.Size
		delete(c.index, key)
	}

	item := &diskItem{
		Key:        key,
		FilePath:   c.filePathFor(key),
		Size:       int64(len(payload)),
		StoredAt:   time.Now(),
		AccessedAt: time.Now(),
		Checksum:   checksumOf(payload),
	}
	if ttl > 0 {
		item.ExpiresAt = item.StoredAt.Add(ttl)
	}

	if err := os.WriteFile(item.FilePath, payload, 0600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	c.index[key] = item
	c.currentSize += item.Size
	c.pruneLocked()
	return nil
}

// Delete removes the key and its content file.
func (c *DiskCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	return nil
}

// Close persists the index so a restart can reuse the cached files.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveIndexLocked()
}

func (c *DiskCache) filePathFor(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(c.cfg.Directory, fmt.Sprintf("%x.cache", hash[:8]))
}

func checksumOf(payload []byte) string {
	hash := sha256.Sum256(payload)
	return fmt.Sprintf("%x", hash)
}

func (c *DiskCache) removeLocked(key string) {
	item, ok := c.index[key]
	if !ok {
		return
	}
	_ = os.Remove(item.FilePath)
	delete(c.index, key)
	c.currentSize -= item.Size
}

// pruneLocked evicts least-recently-accessed items until the cache fits
// its budget.
func (c *DiskCache) pruneLocked() {
	if c.currentSize <= c.cfg.MaxSize {
		return
	}

	items := make([]*diskItem, 0, len(c.index))
	for _, item := range c.index {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AccessedAt.Before(items[j].AccessedAt)
	})

	for _, item := range items {
		if c.currentSize <= c.cfg.MaxSize {
			break
		}
		c.removeLocked(item.Key)
	}
}

func (c *DiskCache) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(c.cfg.Directory, c.cfg.IndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	items := map[string]*diskItem{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}

	// Drop records whose content files vanished.
	for key, item := range items {
		info, err := os.Stat(item.FilePath)
		if err != nil {
			continue
		}
		item.Size = info.Size()
		c.index[key] = item
		c.currentSize += item.Size
	}
	return nil
}

func (c *DiskCache) saveIndexLocked() error {
	raw, err := json.Marshal(c.index)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.cfg.Directory, c.cfg.IndexFile), raw, 0600)
}
