// Package cache implements the four-level adaptive cache serving state
// store reads: a raw in-memory tier, a compressed in-memory tier, and
// up to two optional distributed tiers. Entries move between tiers by
// access pattern (busy entries promote faster, evicted-but-warm entries
// demote slower), values are a tagged union of structured documents and
// opaque blobs with a declared codec, and every failure degrades to a
// cache miss so correctness never depends on a tier being available.
package cache
