package state_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/statecraft/statecraft/pkg/cache"
	"github.com/statecraft/statecraft/pkg/drift"
	"github.com/statecraft/statecraft/pkg/state"
	"github.com/statecraft/statecraft/pkg/stores"
)

// recordingPublisher captures domain notifications for assertions.
type recordingPublisher struct {
	mu                sync.Mutex
	registered        []string
	updated           []string
	deleted           []string
	conflicts         []state.ConflictStrategy
	driftBatches      [][]state.DriftDetection
	snapshotsCreated  []string
	snapshotsRestored []string
}

func (p *recordingPublisher) PublishResourceRegistered(_ context.Context, r *state.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, r.ID)
}

func (p *recordingPublisher) PublishResourceUpdated(_ context.Context, r *state.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, r.ID)
}

func (p *recordingPublisher) PublishResourceDeleted(_ context.Context, r *state.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, r.ID)
}

func (p *recordingPublisher) PublishDriftDetected(_ context.Context, findings []state.DriftDetection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.driftBatches = append(p.driftBatches, findings)
}

func (p *recordingPublisher) PublishConflictResolved(_ context.Context, _ *state.Resource, strategy state.ConflictStrategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conflicts = append(p.conflicts, strategy)
}

func (p *recordingPublisher) PublishSnapshotCreated(_ context.Context, snap *state.StateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotsCreated = append(p.snapshotsCreated, snap.ID)
}

func (p *recordingPublisher) PublishSnapshotRestored(_ context.Context, snap *state.StateSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotsRestored = append(p.snapshotsRestored, snap.ID)
}

func (p *recordingPublisher) driftBatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.driftBatches)
}

// stubDiscoverer observes resources through a test-provided function.
type stubDiscoverer struct {
	observe func(r *state.Resource) *state.Resource
}

func (d *stubDiscoverer) Discover(_ context.Context, expected *state.Resource) (*state.Resource, error) {
	if d.observe == nil {
		return expected.Clone(), nil
	}
	return d.observe(expected), nil
}

func setupBackend(t *testing.T) *stores.MemoryStore {
	t.Helper()

	store := stores.NewMemoryStore(stores.MemoryConfig{})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func serverResource(id string) *state.Resource {
	return &state.Resource{
		ID:    id,
		Type:  state.ResourceTypeServer,
		Name:  id,
		State: state.StateActive,
		Properties: map[string]interface{}{
			"cpu_cores": float64(10),
		},
		Tags: map[string]string{"env": "prod"},
	}
}

// commitDirectly writes a resource through the backend, bypassing the
// manager and its cache - an out-of-band writer.
func commitDirectly(t *testing.T, backend state.Backend, r *state.Resource) {
	t.Helper()
	ctx := context.Background()

	txID, err := backend.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := backend.SaveResource(ctx, r, txID); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}
	if err := backend.CommitTx(ctx, txID); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestManagerRegister verifies registration stamps identity fields,
// journals a created event with sequence 1, and rejects duplicates.
func TestManagerRegister(t *testing.T) {
	ctx := context.Background()
	backend := setupBackend(t)
	pub := &recordingPublisher{}
	mgr := state.NewManager(backend, state.Options{NodeID: "node-test", Publisher: pub})

	r, err := mgr.Register(ctx, serverResource("res-1"))
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if r.Version != 1 {
		t.Errorf("version = %d, want 1", r.Version)
	}
	if r.Checksum == "" || r.Checksum != state.ComputeChecksum(r) {
		t.Error("checksum not stamped correctly")
	}
	if r.ShardKey != state.ShardKeyFor("res-1") {
		t.Errorf("shard key = %q, want %q", r.ShardKey, state.ShardKeyFor("res-1"))
	}
	if r.NodeID != "node-test" {
		t.Errorf("node id = %q, want node-test", r.NodeID)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}

	events, err := mgr.Events(ctx, state.EventFilter{ResourceID: "res-1"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != state.EventTypeCreated || events[0].SequenceNumber != 1 {
		t.Errorf("event = %s seq %d, want created seq 1", events[0].Type, events[0].SequenceNumber)
	}

	if _, err := mgr.Register(ctx, serverResource("res-1")); !state.IsValidation(err) {
		t.Errorf("duplicate registration should be a validation error, got %v", err)
	}
	if len(pub.registered) != 1 {
		t.Errorf("expected 1 registered notification, got %d", len(pub.registered))
	}
}

// TestManagerRegisterDefaultsState verifies an unset lifecycle state
// registers as active.
func TestManagerRegisterDefaultsState(t *testing.T) {
	ctx := context.Background()
	mgr := state.NewManager(setupBackend(t), state.Options{})

	r := serverResource("res-1")
	r.State = ""
	registered, err := mgr.Register(ctx, r)
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if registered.State != state.StateActive {
		t.Errorf("state = %s, want active", registered.State)
	}
}

// TestManagerUpdate verifies a property change bumps the version by
// exactly one, changes the checksum, journals sequences 1 and 2, and
// that re-applying the same value is a no-op.
func TestManagerUpdate(t *testing.T) {
	ctx := context.Background()
	backend := setupBackend(t)
	pub := &recordingPublisher{}
	mgr := state.NewManager(backend, state.Options{Publisher: pub})

	registered, err := mgr.Register(ctx, serverResource("res-1"))
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	updated, err := mgr.Update(ctx, "res-1", map[string]interface{}{"cpu_cores": float64(20)})
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.Checksum == registered.Checksum {
		t.Error("checksum did not change with the property")
	}
	if updated.Properties["cpu_cores"] != float64(20) {
		t.Errorf("cpu_cores = %v, want 20", updated.Properties["cpu_cores"])
	}

	events, err := mgr.Events(ctx, state.EventFilter{ResourceID: "res-1"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, want := range []int64{1, 2} {
		if events[i].SequenceNumber != want {
			t.Errorf("event %d sequence = %d, want %d", i, events[i].SequenceNumber, want)
		}
	}
	if events[1].Type != state.EventTypeUpdated {
		t.Errorf("second event = %s, want updated", events[1].Type)
	}

	// Same value again: no transaction, no event, version untouched.
	noop, err := mgr.Update(ctx, "res-1", map[string]interface{}{"cpu_cores": float64(20)})
	if err != nil {
		t.Fatalf("failed no-op update: %v", err)
	}
	if noop.Version != 2 {
		t.Errorf("no-op bumped version to %d", noop.Version)
	}
	events, _ = mgr.Events(ctx, state.EventFilter{ResourceID: "res-1"})
	if len(events) != 2 {
		t.Errorf("no-op appended an event, journal length %d", len(events))
	}
	if len(pub.updated) != 1 {
		t.Errorf("expected 1 updated notification, got %d", len(pub.updated))
	}
}

// TestManagerUpdatePatchSemantics verifies per-key patching: values
// replace, nils delete, untouched keys survive.
func TestManagerUpdatePatchSemantics(t *testing.T) {
	ctx := context.Background()
	mgr := state.NewManager(setupBackend(t), state.Options{})

	r := serverResource("res-1")
	r.Properties["scratch"] = "temp"
	if _, err := mgr.Register(ctx, r); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	updated, err := mgr.Update(ctx, "res-1", map[string]interface{}{
		"scratch":  nil,
		"hostname": "web-1.internal",
	})
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if _, exists := updated.Properties["scratch"]; exists {
		t.Error("nil patch value should delete the key")
	}
	if updated.Properties["hostname"] != "web-1.internal" {
		t.Errorf("hostname = %v, want web-1.internal", updated.Properties["hostname"])
	}
	if updated.Properties["cpu_cores"] != float64(10) {
		t.Errorf("untouched cpu_cores = %v, want 10", updated.Properties["cpu_cores"])
	}
}

// TestManagerUpdateConflict verifies the stale-basis path: a cached
// basis older than the backend copy routes the write through the
// conflict resolver, merging both writes, bumping the version past both
// inputs, and recording provenance.
func TestManagerUpdateConflict(t *testing.T) {
	ctx := context.Background()
	backend := setupBackend(t)
	pub := &recordingPublisher{}
	tiered := cache.New(cache.Options{})
	t.Cleanup(tiered.Close)
	mgr := state.NewManager(backend, state.Options{Cache: tiered, Publisher: pub})

	registered, err := mgr.Register(ctx, serverResource("res-1"))
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// An out-of-band writer commits cpu_cores=15 behind the cache's back.
	concurrent := registered.Clone()
	concurrent.Properties["cpu_cores"] = float64(15)
	concurrent.Version = 2
	concurrent.UpdatedAt = registered.UpdatedAt.Add(time.Millisecond)
	concurrent.Checksum = state.ComputeChecksum(concurrent)
	commitDirectly(t, backend, concurrent)

	// The manager's basis is still the cached version 1 copy.
	resolved, err := mgr.Update(ctx, "res-1", map[string]interface{}{"memory_gb": float64(64)})
	if err != nil {
		t.Fatalf("failed conflicted update: %v", err)
	}
	if resolved.Version != 3 {
		t.Errorf("version = %d, want max(1,2)+1 = 3", resolved.Version)
	}
	if resolved.Properties["cpu_cores"] != float64(15) {
		t.Errorf("cpu_cores = %v, want the committed writer's 15", resolved.Properties["cpu_cores"])
	}
	if resolved.Properties["memory_gb"] != float64(64) {
		t.Errorf("memory_gb = %v, want the caller's 64", resolved.Properties["memory_gb"])
	}
	resolutions, ok := resolved.Metadata["conflict_resolutions"].([]interface{})
	if !ok || len(resolutions) != 1 {
		t.Fatalf("expected 1 conflict resolution record, got %v", resolved.Metadata["conflict_resolutions"])
	}

	events, err := mgr.Events(ctx, state.EventFilter{ResourceID: "res-1"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	var sawConflict bool
	for _, ev := range events {
		if ev.Type == state.EventTypeConflictResolved {
			sawConflict = true
		}
	}
	if !sawConflict {
		t.Error("conflict_resolved event not journaled")
	}

	history := mgr.History(state.ResourceTypeServer)
	if len(history) != 1 || history[0].Strategy != state.StrategyMergeProperties {
		t.Errorf("unexpected conflict history %+v", history)
	}
	if len(pub.conflicts) != 1 || pub.conflicts[0] != state.StrategyMergeProperties {
		t.Errorf("unexpected conflict notifications %v", pub.conflicts)
	}
}

// TestManagerTransition verifies lifecycle transitions are validated by
// the state machine, bump the version, and journal state_changed.
func TestManagerTransition(t *testing.T) {
	ctx := context.Background()
	mgr := state.NewManager(setupBackend(t), state.Options{})

	if _, err := mgr.Register(ctx, serverResource("res-1")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	moved, err := mgr.Transition(ctx, "res-1", state.StateMaintenance)
	if err != nil {
		t.Fatalf("failed to transition: %v", err)
	}
	if moved.State != state.StateMaintenance || moved.Version != 2 {
		t.Errorf("got %s v%d, want maintenance v2", moved.State, moved.Version)
	}

	// maintenance -> drifted is not a legal edge.
	if _, err := mgr.Transition(ctx, "res-1", state.StateDrifted); !state.IsValidation(err) {
		t.Errorf("illegal transition should be a validation error, got %v", err)
	}

	// Same-state transition is a no-op.
	same, err := mgr.Transition(ctx, "res-1", state.StateMaintenance)
	if err != nil {
		t.Fatalf("failed same-state transition: %v", err)
	}
	if same.Version != 2 {
		t.Errorf("same-state transition bumped version to %d", same.Version)
	}

	events, _ := mgr.Events(ctx, state.EventFilter{ResourceID: "res-1", Types: []state.EventType{state.EventTypeStateChanged}})
	if len(events) != 1 {
		t.Errorf("expected 1 state_changed event, got %d", len(events))
	}
}

// TestManagerDelete verifies deletion journals a terminal event and
// subsequent reads miss.
func TestManagerDelete(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	mgr := state.NewManager(setupBackend(t), state.Options{Publisher: pub})

	if _, err := mgr.Register(ctx, serverResource("res-1")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := mgr.Delete(ctx, "res-1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, err := mgr.Get(ctx, "res-1"); !state.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	events, _ := mgr.Events(ctx, state.EventFilter{ResourceID: "res-1"})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != state.EventTypeDeleted || events[1].SequenceNumber != 2 {
		t.Errorf("final event = %s seq %d, want deleted seq 2", events[1].Type, events[1].SequenceNumber)
	}
	if len(pub.deleted) != 1 {
		t.Errorf("expected 1 deleted notification, got %d", len(pub.deleted))
	}

	if err := mgr.Delete(ctx, "res-1"); !state.IsNotFound(err) {
		t.Errorf("deleting a missing resource should be not found, got %v", err)
	}
}

// TestManagerGetUsesCache verifies reads are cache-first: a backend
// write that bypasses the manager stays invisible until the cache entry
// is gone.
func TestManagerGetUsesCache(t *testing.T) {
	ctx := context.Background()
	backend := setupBackend(t)
	tiered := cache.New(cache.Options{})
	t.Cleanup(tiered.Close)
	mgr := state.NewManager(backend, state.Options{Cache: tiered})

	registered, err := mgr.Register(ctx, serverResource("res-1"))
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	sneaky := registered.Clone()
	sneaky.Name = "renamed-behind-the-cache"
	sneaky.Version = 2
	sneaky.Checksum = state.ComputeChecksum(sneaky)
	commitDirectly(t, backend, sneaky)

	cached, err := mgr.Get(ctx, "res-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if cached.Name != "res-1" {
		t.Errorf("expected the cached copy, got name %q", cached.Name)
	}

	// A manager without the cache sees the backend truth.
	uncachedMgr := state.NewManager(backend, state.Options{})
	fresh, err := uncachedMgr.Get(ctx, "res-1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if fresh.Name != "renamed-behind-the-cache" {
		t.Errorf("expected the backend copy, got name %q", fresh.Name)
	}
}

// TestManagerSnapshotRestore verifies the full cycle: snapshot five
// resources, delete two, add an interloper, restore - the original five
// come back with matching checksums and bumped versions, the interloper
// is gone.
func TestManagerSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	tiered := cache.New(cache.Options{})
	t.Cleanup(tiered.Close)
	mgr := state.NewManager(setupBackend(t), state.Options{Cache: tiered, Publisher: pub})

	ids := []string{"res-a", "res-b", "res-c", "res-d", "res-e"}
	for _, id := range ids {
		if _, err := mgr.Register(ctx, serverResource(id)); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}

	snap, err := mgr.Snapshot(ctx, "pre-maintenance", "")
	if err != nil {
		t.Fatalf("failed to snapshot: %v", err)
	}
	if len(snap.Resources) != 5 {
		t.Fatalf("snapshot has %d resources, want 5", len(snap.Resources))
	}
	if snap.Checksum != state.SnapshotChecksum(snap.Resources) {
		t.Error("snapshot checksum does not cover its resources")
	}

	snapEvents, _ := mgr.Events(ctx, state.EventFilter{ResourceID: snap.ID})
	if len(snapEvents) != 1 || snapEvents[0].Type != state.EventTypeSnapshotCreated {
		t.Errorf("expected a snapshot_created event under the snapshot id, got %v", snapEvents)
	}

	for _, id := range []string{"res-a", "res-b"} {
		if err := mgr.Delete(ctx, id); err != nil {
			t.Fatalf("failed to delete %s: %v", id, err)
		}
	}
	if _, err := mgr.Register(ctx, serverResource("res-x")); err != nil {
		t.Fatalf("failed to register interloper: %v", err)
	}

	restored, err := mgr.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("failed to restore: %v", err)
	}
	if restored != 5 {
		t.Errorf("restored %d resources, want 5", restored)
	}

	listed, err := mgr.List(ctx, state.ResourceFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(listed) != 5 {
		t.Fatalf("live set has %d resources after restore, want 5", len(listed))
	}
	for _, r := range listed {
		snapCopy, ok := snap.Resources[r.ID]
		if !ok {
			t.Errorf("unexpected resource %s after restore", r.ID)
			continue
		}
		if r.Checksum != snapCopy.Checksum {
			t.Errorf("%s checksum diverged from the snapshot", r.ID)
		}
		if r.Version <= snapCopy.Version {
			t.Errorf("%s version %d not bumped past snapshot's %d", r.ID, r.Version, snapCopy.Version)
		}
	}

	// The restored resources' journals explain the restore.
	events, _ := mgr.Events(ctx, state.EventFilter{ResourceID: "res-a", Types: []state.EventType{state.EventTypeSnapshotRestored}})
	if len(events) != 1 {
		t.Errorf("expected 1 snapshot_restored event for res-a, got %d", len(events))
	}

	if len(pub.snapshotsCreated) != 1 || len(pub.snapshotsRestored) != 1 {
		t.Errorf("snapshot notifications = %d created, %d restored, want 1 and 1",
			len(pub.snapshotsCreated), len(pub.snapshotsRestored))
	}
}

// TestManagerShardScopedSnapshot verifies a shard-keyed snapshot only
// captures and restores its own shard.
func TestManagerShardScopedSnapshot(t *testing.T) {
	ctx := context.Background()
	mgr := state.NewManager(setupBackend(t), state.Options{})

	// Find two ids hashing to different shards.
	idA := "res-a"
	shardA := state.ShardKeyFor(idA)
	idB := ""
	for _, candidate := range []string{"res-b", "res-c", "res-d", "res-e", "res-f", "res-g", "res-h"} {
		if state.ShardKeyFor(candidate) != shardA {
			idB = candidate
			break
		}
	}
	if idB == "" {
		t.Fatal("could not find an id in a different shard")
	}

	for _, id := range []string{idA, idB} {
		if _, err := mgr.Register(ctx, serverResource(id)); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}

	snap, err := mgr.Snapshot(ctx, "one shard", shardA)
	if err != nil {
		t.Fatalf("failed to snapshot: %v", err)
	}
	if len(snap.Resources) != 1 {
		t.Fatalf("shard snapshot has %d resources, want 1", len(snap.Resources))
	}
	if _, ok := snap.Resources[idA]; !ok {
		t.Fatalf("shard snapshot missing %s", idA)
	}

	if err := mgr.Delete(ctx, idA); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := mgr.Update(ctx, idB, map[string]interface{}{"cpu_cores": float64(32)}); err != nil {
		t.Fatalf("failed to update %s: %v", idB, err)
	}

	if _, err := mgr.Restore(ctx, snap.ID); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}

	if _, err := mgr.Get(ctx, idA); err != nil {
		t.Errorf("%s should be back after restore: %v", idA, err)
	}
	other, err := mgr.Get(ctx, idB)
	if err != nil {
		t.Fatalf("failed to get %s: %v", idB, err)
	}
	if other.Properties["cpu_cores"] != float64(32) || other.Version != 2 {
		t.Errorf("out-of-shard resource was touched by restore: %+v", other)
	}
}

// TestManagerDriftLoop verifies the background drift check journals
// findings, publishes them, and moves the resource into the drifted
// state.
func TestManagerDriftLoop(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	discoverer := &stubDiscoverer{observe: func(r *state.Resource) *state.Resource {
		observed := r.Clone()
		observed.State = state.StateError
		return observed
	}}
	mgr := state.NewManager(setupBackend(t), state.Options{
		Publisher:        pub,
		Discoverer:       discoverer,
		Analyzer:         drift.NewAnalyzer(drift.DefaultRules()),
		DriftInterval:    30 * time.Millisecond,
		SnapshotInterval: time.Hour,
		PeerSyncInterval: time.Hour,
	})

	if _, err := mgr.Register(ctx, serverResource("res-1")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer mgr.Stop()

	waitFor(t, 3*time.Second, func() bool {
		r, err := mgr.Get(ctx, "res-1")
		return err == nil && r.State == state.StateDrifted
	}, "resource never entered the drifted state")

	waitFor(t, 3*time.Second, func() bool {
		return pub.driftBatchCount() > 0
	}, "drift findings were never published")

	events, err := mgr.Events(ctx, state.EventFilter{ResourceID: "res-1", Types: []state.EventType{state.EventTypeDriftDetected}})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(events) == 0 {
		t.Error("no drift_detected events journaled")
	}
}

// TestManagerStartStop verifies the loop lifecycle: double start is an
// error, stop is idempotent, and the manager can be restarted.
func TestManagerStartStop(t *testing.T) {
	ctx := context.Background()
	mgr := state.NewManager(setupBackend(t), state.Options{
		SnapshotInterval: time.Hour,
		PeerSyncInterval: time.Hour,
	})

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := mgr.Start(ctx); err == nil {
		t.Error("second start should fail")
	}
	mgr.Stop()
	mgr.Stop()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to restart: %v", err)
	}
	mgr.Stop()
}

// TestManagerAdmissionPolicy verifies a rejecting policy blocks the
// mutation before anything is persisted.
func TestManagerAdmissionPolicy(t *testing.T) {
	ctx := context.Background()
	backend := setupBackend(t)
	mgr := state.NewManager(backend, state.Options{Policy: denyDatabases{}})

	db := serverResource("db-1")
	db.Type = state.ResourceTypeDatabase
	if _, err := mgr.Register(ctx, db); !state.IsValidation(err) {
		t.Errorf("expected validation rejection, got %v", err)
	}
	listed, _ := backend.ListResources(ctx, state.ResourceFilter{})
	if len(listed) != 0 {
		t.Errorf("rejected registration persisted %d resources", len(listed))
	}

	if _, err := mgr.Register(ctx, serverResource("res-1")); err != nil {
		t.Errorf("permitted type should register: %v", err)
	}
}

// denyDatabases rejects any mutation touching database resources.
type denyDatabases struct{}

func (denyDatabases) Admit(_ context.Context, r *state.Resource, _ string) error {
	if r.Type == state.ResourceTypeDatabase {
		return state.NewValidationError("database resources are not admitted here", nil)
	}
	return nil
}

// TestManagerHealth verifies health passes through to the backend and
// fails after close.
func TestManagerHealth(t *testing.T) {
	ctx := context.Background()
	backend := setupBackend(t)
	mgr := state.NewManager(backend, state.Options{})

	if err := mgr.Health(ctx); err != nil {
		t.Errorf("healthy backend reported %v", err)
	}
	backend.Close()
	if err := mgr.Health(ctx); err == nil {
		t.Error("closed backend should fail health")
	}
}
