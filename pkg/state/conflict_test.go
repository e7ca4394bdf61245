package state

import (
	"fmt"
	"testing"
	"time"
)

// conflictPair returns two divergent copies of one resource, with the
// remote copy one hour newer.
func conflictPair() (*Resource, *Resource) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := &Resource{
		ID:        "res-1",
		Type:      ResourceTypeServer,
		Name:      "web-1",
		State:     StateActive,
		Version:   3,
		UpdatedAt: base,
		Properties: map[string]interface{}{
			"cpu_cores": float64(4),
			"region":    "eu-west",
		},
	}
	local.Checksum = ComputeChecksum(local)

	remote := &Resource{
		ID:        "res-1",
		Type:      ResourceTypeServer,
		Name:      "web-1",
		State:     StateActive,
		Version:   5,
		UpdatedAt: base.Add(time.Hour),
		Properties: map[string]interface{}{
			"cpu_cores": float64(8),
			"memory_gb": float64(64),
		},
	}
	remote.Checksum = ComputeChecksum(remote)
	return local, remote
}

// TestResolveLastWriteWins verifies the newer copy wins and the version
// moves past both inputs.
func TestResolveLastWriteWins(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()

	resolved, err := resolver.Resolve(local, remote, StrategyLastWriteWins)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Properties["cpu_cores"] != float64(8) {
		t.Errorf("cpu_cores = %v, want the newer copy's 8", resolved.Properties["cpu_cores"])
	}
	if resolved.Version != 6 {
		t.Errorf("version = %d, want max(3,5)+1 = 6", resolved.Version)
	}
	if resolved.Checksum == remote.Checksum {
		t.Error("checksum was not recomputed over the provenance metadata")
	}
}

// TestResolveFirstWriteWins verifies the older copy's content wins.
func TestResolveFirstWriteWins(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()

	resolved, err := resolver.Resolve(local, remote, StrategyFirstWriteWins)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Properties["cpu_cores"] != float64(4) {
		t.Errorf("cpu_cores = %v, want the older copy's 4", resolved.Properties["cpu_cores"])
	}
	if resolved.Version != 6 {
		t.Errorf("version = %d, want 6", resolved.Version)
	}
}

// TestResolveMergeProperties verifies deep merge: the newer side wins
// scalar conflicts and both sides' unique keys survive.
func TestResolveMergeProperties(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()

	resolved, err := resolver.Resolve(local, remote, StrategyMergeProperties)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Properties["cpu_cores"] != float64(8) {
		t.Errorf("cpu_cores = %v, want newer side's 8", resolved.Properties["cpu_cores"])
	}
	if resolved.Properties["memory_gb"] != float64(64) {
		t.Errorf("memory_gb = %v, want 64", resolved.Properties["memory_gb"])
	}
	if resolved.Properties["region"] != "eu-west" {
		t.Errorf("region = %v, want older side's eu-west to merge in", resolved.Properties["region"])
	}

	resolutions, ok := resolved.Metadata["conflict_resolutions"].([]interface{})
	if !ok || len(resolutions) != 1 {
		t.Fatalf("expected one provenance record, got %v", resolved.Metadata["conflict_resolutions"])
	}
}

// TestResolveMergeCommutesOnDisjointSets verifies merge produces the
// same properties regardless of argument order when the property sets
// are disjoint.
func TestResolveMergeCommutesOnDisjointSets(t *testing.T) {
	resolver := NewConflictResolver("")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Resource{
		ID: "res-1", Type: ResourceTypeServer, Name: "web-1",
		Version: 2, UpdatedAt: base,
		Properties: map[string]interface{}{"alpha": "a"},
	}
	a.Checksum = ComputeChecksum(a)
	b := &Resource{
		ID: "res-1", Type: ResourceTypeServer, Name: "web-1",
		Version: 4, UpdatedAt: base.Add(time.Minute),
		Properties: map[string]interface{}{"beta": "b"},
	}
	b.Checksum = ComputeChecksum(b)

	ab, err := resolver.Resolve(a, b, StrategyMergeProperties)
	if err != nil {
		t.Fatalf("failed to resolve a,b: %v", err)
	}
	ba, err := resolver.Resolve(b, a, StrategyMergeProperties)
	if err != nil {
		t.Fatalf("failed to resolve b,a: %v", err)
	}

	if CanonicalValue(ab.Properties) != CanonicalValue(ba.Properties) {
		t.Errorf("merge is not commutative on disjoint sets: %v vs %v", ab.Properties, ba.Properties)
	}
	if ab.Version != ba.Version {
		t.Errorf("versions differ across orders: %d vs %d", ab.Version, ba.Version)
	}
}

// TestResolveMergeUnionsLists verifies list values union, keeping base
// order and appending unseen elements.
func TestResolveMergeUnionsLists(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()
	local.Properties["tags"] = []interface{}{"a", "b"}
	local.Checksum = ComputeChecksum(local)
	remote.Properties["tags"] = []interface{}{"b", "c"}
	remote.Checksum = ComputeChecksum(remote)

	resolved, err := resolver.Resolve(local, remote, StrategyMergeProperties)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	tags, ok := resolved.Properties["tags"].([]interface{})
	if !ok {
		t.Fatalf("tags = %v, want a list", resolved.Properties["tags"])
	}
	// Remote is newer, so its order leads.
	want := []interface{}{"b", "c", "a"}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("tags = %v, want %v", tags, want)
		}
	}
}

// TestResolveManualFlagsReview verifies manual resolution behaves like
// last-write-wins but marks the result for human review.
func TestResolveManualFlagsReview(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()

	resolved, err := resolver.Resolve(local, remote, StrategyManual)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Properties["cpu_cores"] != float64(8) {
		t.Errorf("cpu_cores = %v, want newer copy's 8", resolved.Properties["cpu_cores"])
	}
	if resolved.Metadata["requires_review"] != true {
		t.Error("manual resolution did not flag requires_review")
	}
}

// TestResolveDeterministic verifies identical inputs resolve to the
// same content in either argument order, timestamps aside.
func TestResolveDeterministic(t *testing.T) {
	local, remote := conflictPair()

	first, err := NewConflictResolver("").Resolve(local, remote, StrategyMergeProperties)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	second, err := NewConflictResolver("").Resolve(remote, local, StrategyMergeProperties)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	if CanonicalValue(first.Properties) != CanonicalValue(second.Properties) {
		t.Error("resolution content depends on argument order")
	}
	if first.Version != second.Version {
		t.Errorf("versions differ: %d vs %d", first.Version, second.Version)
	}
}

// TestResolveInputsUntouched verifies resolution never mutates either
// input.
func TestResolveInputsUntouched(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()
	localSum, remoteSum := ComputeChecksum(local), ComputeChecksum(remote)

	if _, err := resolver.Resolve(local, remote, StrategyMergeProperties); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if ComputeChecksum(local) != localSum || ComputeChecksum(remote) != remoteSum {
		t.Error("resolution mutated an input resource")
	}
}

// TestResolveRejectsMismatchedResources verifies cross-resource
// resolution and unknown strategies are validation errors.
func TestResolveRejectsMismatchedResources(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()
	remote.ID = "res-2"

	if _, err := resolver.Resolve(local, remote, StrategyMergeProperties); !IsValidation(err) {
		t.Errorf("expected validation error for mismatched IDs, got %v", err)
	}
	remote.ID = local.ID
	if _, err := resolver.Resolve(local, remote, ConflictStrategy("coin_flip")); !IsValidation(err) {
		t.Errorf("expected validation error for unknown strategy, got %v", err)
	}
	if _, err := resolver.Resolve(nil, remote, StrategyMergeProperties); !IsValidation(err) {
		t.Errorf("expected validation error for nil input, got %v", err)
	}
}

// TestConflictHistoryRing verifies the audit ring retains records per
// resource type, oldest first, and drops the oldest past capacity.
func TestConflictHistoryRing(t *testing.T) {
	resolver := NewConflictResolver("")
	local, remote := conflictPair()

	for i := 0; i < 3; i++ {
		if _, err := resolver.Resolve(local, remote, StrategyLastWriteWins); err != nil {
			t.Fatalf("failed to resolve: %v", err)
		}
	}

	records := resolver.History(ResourceTypeServer)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Strategy != StrategyLastWriteWins || rec.ResourceID != "res-1" {
			t.Errorf("unexpected record %+v", rec)
		}
		if rec.WinnerVersion != 5 || rec.LoserVersion != 3 {
			t.Errorf("record versions = %d/%d, want 5/3", rec.WinnerVersion, rec.LoserVersion)
		}
	}
	if got := resolver.History(ResourceTypeDatabase); got != nil {
		t.Errorf("expected no history for an untouched type, got %d records", len(got))
	}
}

// TestConflictRingEviction verifies the fixed-capacity ring overwrites
// its oldest entries.
func TestConflictRingEviction(t *testing.T) {
	ring := newConflictRing(3)
	for i := 1; i <= 5; i++ {
		ring.push(ConflictRecord{ResourceID: fmt.Sprintf("res-%d", i)})
	}

	records := ring.snapshot()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{"res-3", "res-4", "res-5"}
	for i, rec := range records {
		if rec.ResourceID != want[i] {
			t.Fatalf("records = %v, want oldest-first %v", records, want)
		}
	}
}
