package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// conflictAuditCapacity bounds the per-resource-type resolution history.
const conflictAuditCapacity = 1000

// ConflictResolver reconciles two divergent versions of the same
// resource. Resolution is deterministic for identical inputs: the only
// runtime-dependent output is the resolution timestamp it stamps.
// Conflicts never surface to callers as errors.
type ConflictResolver struct {
	defaultStrategy ConflictStrategy

	mu    sync.Mutex
	audit map[ResourceType]*conflictRing
}

// NewConflictResolver creates a resolver with the given default
// strategy. An empty strategy defaults to merge_properties.
func NewConflictResolver(defaultStrategy ConflictStrategy) *ConflictResolver {
	if defaultStrategy == "" {
		defaultStrategy = StrategyMergeProperties
	}
	return &ConflictResolver{
		defaultStrategy: defaultStrategy,
		audit:           make(map[ResourceType]*conflictRing),
	}
}

// DefaultStrategy returns the strategy used when Resolve is called with
// an empty one.
func (cr *ConflictResolver) DefaultStrategy() ConflictStrategy {
	return cr.defaultStrategy
}

// Resolve reconciles local and remote into a single resource. The
// result is a fresh copy: neither input is mutated. The resolved
// version is max(local, remote)+1 and the checksum is recomputed, so
// persisting the result keeps version monotonicity intact.
func (cr *ConflictResolver) Resolve(local, remote *Resource, strategy ConflictStrategy) (*Resource, error) {
	if local == nil || remote == nil {
		return nil, NewValidationError("conflict resolution requires two resources", nil)
	}
	if local.ID != remote.ID {
		return nil, NewValidationError(
			fmt.Sprintf("cannot resolve conflict across resources %s and %s", local.ID, remote.ID), nil)
	}
	if strategy == "" {
		strategy = cr.defaultStrategy
	}
	if err := strategy.Validate(); err != nil {
		return nil, NewValidationError("unknown conflict strategy", err)
	}

	newer, older := orderByRecency(local, remote)

	var resolved *Resource
	var mergedKeys []string
	switch strategy {
	case StrategyLastWriteWins:
		resolved = newer.Clone()
	case StrategyFirstWriteWins:
		resolved = older.Clone()
	case StrategyMergeProperties:
		resolved = newer.Clone()
		resolved.Properties, mergedKeys = mergeProperties(newer.Properties, older.Properties)
	case StrategyManual:
		resolved = newer.Clone()
		if resolved.Metadata == nil {
			resolved.Metadata = make(map[string]interface{})
		}
		resolved.Metadata["requires_review"] = true
		resolved.Metadata["review_reason"] = "manual conflict resolution requested"
	}

	now := time.Now().UTC()
	resolved.Version = maxVersion(local.Version, remote.Version) + 1
	resolved.UpdatedAt = now
	cr.appendProvenance(resolved, strategy, newer, local, remote, mergedKeys, now)
	resolved.Checksum = ComputeChecksum(resolved)

	cr.record(ConflictRecord{
		ResourceID:    resolved.ID,
		ResourceType:  resolved.Type,
		Strategy:      strategy,
		WinnerVersion: newer.Version,
		LoserVersion:  older.Version,
		MergedKeys:    mergedKeys,
		ResolvedAt:    now,
	})
	return resolved, nil
}

// History returns the retained resolutions for a resource type, oldest
// first. The slice is a copy; audit state is never load-bearing.
func (cr *ConflictResolver) History(t ResourceType) []ConflictRecord {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	ring := cr.audit[t]
	if ring == nil {
		return nil
	}
	return ring.snapshot()
}

// appendProvenance records the resolution in the resource metadata. The
// record is symmetric in its inputs (winner identified by checksum,
// versions sorted) so resolve(A,B) and resolve(B,A) agree on everything
// except the timestamp.
func (cr *ConflictResolver) appendProvenance(resolved *Resource, strategy ConflictStrategy, winner, local, remote *Resource, mergedKeys []string, now time.Time) {
	if resolved.Metadata == nil {
		resolved.Metadata = make(map[string]interface{})
	}
	lo, hi := local.Version, remote.Version
	if lo > hi {
		lo, hi = hi, lo
	}
	entry := map[string]interface{}{
		"strategy":        string(strategy),
		"winner_checksum": winner.Checksum,
		"input_versions":  []interface{}{lo, hi},
		"resolved_at":     now.Format(time.RFC3339Nano),
	}
	if len(mergedKeys) > 0 {
		keys := make([]interface{}, len(mergedKeys))
		for i, k := range mergedKeys {
			keys[i] = k
		}
		entry["merged_keys"] = keys
	}

	var resolutions []interface{}
	if existing, ok := resolved.Metadata["conflict_resolutions"].([]interface{}); ok {
		resolutions = existing
	}
	resolved.Metadata["conflict_resolutions"] = append(resolutions, entry)
}

func (cr *ConflictResolver) record(rec ConflictRecord) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	ring := cr.audit[rec.ResourceType]
	if ring == nil {
		ring = newConflictRing(conflictAuditCapacity)
		cr.audit[rec.ResourceType] = ring
	}
	ring.push(rec)
}

// orderByRecency returns (newer, older) by UpdatedAt. Equal timestamps
// break the tie with the lexically larger checksum, keeping the choice
// deterministic for identical inputs in either order.
func orderByRecency(a, b *Resource) (*Resource, *Resource) {
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a, b
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b, a
	}
	if strings.Compare(a.Checksum, b.Checksum) >= 0 {
		return a, b
	}
	return b, a
}

// mergeProperties deep-merges other into base without mutating either.
// Maps merge key-wise with base winning scalar conflicts; lists union,
// preserving base order and appending unseen elements of other. The
// returned keys are the top-level properties other contributed to.
func mergeProperties(base, other map[string]interface{}) (map[string]interface{}, []string) {
	merged := copyValueMap(base)
	if merged == nil {
		merged = make(map[string]interface{})
	}
	var contributed []string
	for k, otherVal := range other {
		baseVal, exists := merged[k]
		if !exists {
			merged[k] = copyValue(otherVal)
			contributed = append(contributed, k)
			continue
		}
		combined := mergeValue(baseVal, otherVal)
		if canonicalKey(combined) != canonicalKey(baseVal) {
			merged[k] = combined
			contributed = append(contributed, k)
		}
	}
	sort.Strings(contributed)
	return merged, contributed
}

func mergeValue(base, other interface{}) interface{} {
	baseMap, baseIsMap := base.(map[string]interface{})
	otherMap, otherIsMap := other.(map[string]interface{})
	if baseIsMap && otherIsMap {
		merged, _ := mergeProperties(baseMap, otherMap)
		return merged
	}

	baseList, baseIsList := base.([]interface{})
	otherList, otherIsList := other.([]interface{})
	if baseIsList && otherIsList {
		return unionLists(baseList, otherList)
	}

	// Scalar or mixed-kind conflict: the newer side wins.
	return copyValue(base)
}

func unionLists(base, other []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(base))
	out := make([]interface{}, 0, len(base)+len(other))
	for _, v := range base {
		seen[canonicalKey(v)] = struct{}{}
		out = append(out, copyValue(v))
	}
	for _, v := range other {
		key := canonicalKey(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, copyValue(v))
	}
	return out
}

// canonicalKey renders a value with the same canonical encoding the
// checksum uses, so equality is structural and order-independent.
func canonicalKey(v interface{}) string {
	var b strings.Builder
	encodeCanonical(&b, v)
	return b.String()
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// conflictRing is a fixed-capacity ring of resolution records.
type conflictRing struct {
	records []ConflictRecord
	head    int
	count   int
}

func newConflictRing(capacity int) *conflictRing {
	return &conflictRing{records: make([]ConflictRecord, capacity)}
}

func (r *conflictRing) push(rec ConflictRecord) {
	idx := (r.head + r.count) % len(r.records)
	if r.count == len(r.records) {
		// Full: overwrite the oldest entry.
		r.records[r.head] = rec
		r.head = (r.head + 1) % len(r.records)
		return
	}
	r.records[idx] = rec
	r.count++
}

func (r *conflictRing) snapshot() []ConflictRecord {
	out := make([]ConflictRecord, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.records[(r.head+i)%len(r.records)]
	}
	return out
}
