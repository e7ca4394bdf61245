package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/statecraft/statecraft/pkg/state"
)

// setupSQLiteStore creates a file-backed SQLite store for testing
func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	return store
}

// TestSQLiteStoreLifecycle tests database initialization and closure
func TestSQLiteStoreLifecycle(t *testing.T) {
	store := setupSQLiteStore(t)

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestSQLiteStoreMigrations tests that the schema exists and reruns are no-ops
func TestSQLiteStoreMigrations(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"resources", "state_events", "snapshots"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Errorf("re-running migrations should be a no-op: %v", err)
	}
}

// TestSQLiteStoreResourceRoundTrip tests full field fidelity through SQL
func TestSQLiteStoreResourceRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	r := testResource("srv-001")
	r.ParentID = "rack-42"
	r.Children = []string{"disk-1", "disk-2"}
	saveResource(t, store, r)

	loaded, err := store.LoadResource(ctx, "srv-001")
	if err != nil {
		t.Fatalf("failed to load resource: %v", err)
	}

	if loaded.ID != r.ID || loaded.Name != r.Name {
		t.Errorf("identity mismatch: got %s/%s", loaded.ID, loaded.Name)
	}
	if loaded.Type != state.ResourceTypeServer {
		t.Errorf("expected type server, got %s", loaded.Type)
	}
	if loaded.State != state.StateActive {
		t.Errorf("expected state active, got %s", loaded.State)
	}
	if loaded.Version != 1 {
		t.Errorf("expected version 1, got %d", loaded.Version)
	}
	if loaded.Checksum != r.Checksum {
		t.Errorf("expected checksum %s, got %s", r.Checksum, loaded.Checksum)
	}
	if loaded.ShardKey != r.ShardKey {
		t.Errorf("expected shard key %s, got %s", r.ShardKey, loaded.ShardKey)
	}
	if loaded.ParentID != "rack-42" {
		t.Errorf("expected parent rack-42, got %s", loaded.ParentID)
	}
	if len(loaded.Children) != 2 || loaded.Children[0] != "disk-1" {
		t.Errorf("unexpected children: %v", loaded.Children)
	}
	if loaded.Properties["hostname"] != "web-srv-001.example.com" {
		t.Errorf("unexpected hostname: %v", loaded.Properties["hostname"])
	}
	if loaded.Tags["env"] != "prod" {
		t.Errorf("unexpected tags: %v", loaded.Tags)
	}
	if !loaded.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("created_at drifted: %v vs %v", loaded.CreatedAt, r.CreatedAt)
	}
	if !loaded.UpdatedAt.Equal(r.UpdatedAt) {
		t.Errorf("updated_at drifted: %v vs %v", loaded.UpdatedAt, r.UpdatedAt)
	}

	// The checksum must survive the JSON round-trip through the
	// properties column.
	if got := state.ComputeChecksum(loaded); got != r.Checksum {
		t.Errorf("checksum not stable across persistence: %s vs %s", got, r.Checksum)
	}
}

// TestSQLiteStoreUpsert tests that a second save updates in place
func TestSQLiteStoreUpsert(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	r := testResource("srv-up")
	saveResource(t, store, r)

	updated := r.Clone()
	updated.Properties["cpu_cores"] = float64(8)
	updated.Version = 2
	updated.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	updated.Checksum = state.ComputeChecksum(updated)
	saveResource(t, store, updated)

	loaded, err := store.LoadResource(ctx, "srv-up")
	if err != nil {
		t.Fatalf("failed to load resource: %v", err)
	}
	if loaded.Version != 2 {
		t.Errorf("expected version 2, got %d", loaded.Version)
	}
	if loaded.Properties["cpu_cores"] != float64(8) {
		t.Errorf("expected 8 cores, got %v", loaded.Properties["cpu_cores"])
	}
	if !loaded.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("upsert must preserve created_at: %v vs %v", loaded.CreatedAt, r.CreatedAt)
	}

	all, err := store.ListResources(ctx, state.ResourceFilter{})
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("upsert must not duplicate rows, got %d", len(all))
	}
}

// TestSQLiteStoreRollback tests that rollback discards the write
func TestSQLiteStoreRollback(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	txID, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := store.SaveResource(ctx, testResource("srv-rb"), txID); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}
	if err := store.RollbackTx(ctx, txID); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	if _, err := store.LoadResource(ctx, "srv-rb"); !state.IsNotFound(err) {
		t.Errorf("expected not found after rollback, got %v", err)
	}
}

// TestSQLiteStoreSingleWritePerTransaction tests the one-write contract
func TestSQLiteStoreSingleWritePerTransaction(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	txID, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := store.SaveResource(ctx, testResource("srv-a"), txID); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	if err := store.SaveResource(ctx, testResource("srv-b"), txID); err == nil {
		t.Error("expected second write on the same transaction to fail")
	}
	if err := store.CommitTx(ctx, txID); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}
}

// TestSQLiteStoreEventJoinsTransaction tests events committing with writes
func TestSQLiteStoreEventJoinsTransaction(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()

	txID, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := store.SaveResource(ctx, testResource("srv-tx"), txID); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}
	ev := &state.StateEvent{
		ID:            "ev-tx-1",
		Type:          state.EventTypeCreated,
		ResourceID:    "srv-tx",
		TransactionID: txID,
	}
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if ev.SequenceNumber != 1 {
		t.Errorf("expected sequence 1, got %d", ev.SequenceNumber)
	}
	if err := store.CommitTx(ctx, txID); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	events, err := store.QueryEvents(ctx, state.EventFilter{ResourceID: "srv-tx"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 committed event, got %d", len(events))
	}

	// A rolled back transaction must take its event with it.
	txID, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := store.SaveResource(ctx, testResource("srv-tx2"), txID); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}
	if err := store.AppendEvent(ctx, &state.StateEvent{
		ID:            "ev-tx-2",
		Type:          state.EventTypeCreated,
		ResourceID:    "srv-tx2",
		TransactionID: txID,
	}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if err := store.RollbackTx(ctx, txID); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	gone, err := store.QueryEvents(ctx, state.EventFilter{ResourceID: "srv-tx2"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("expected rolled back event to vanish, got %d", len(gone))
	}
}

// TestSQLiteStoreEventSequences tests standalone per-resource sequences
func TestSQLiteStoreEventSequences(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()

	for i, rid := range []string{"srv-1", "srv-1", "srv-2", "srv-1"} {
		ev := &state.StateEvent{
			ID:         "ev-" + string(rune('a'+i)),
			Type:       state.EventTypeUpdated,
			ResourceID: rid,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	srv1, err := store.QueryEvents(ctx, state.EventFilter{ResourceID: "srv-1"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(srv1) != 3 {
		t.Fatalf("expected 3 events for srv-1, got %d", len(srv1))
	}
	for i, ev := range srv1 {
		if ev.SequenceNumber != int64(i+1) {
			t.Errorf("expected sequence %d at position %d, got %d", i+1, i, ev.SequenceNumber)
		}
	}

	srv2, err := store.QueryEvents(ctx, state.EventFilter{ResourceID: "srv-2"})
	if err != nil {
		t.Fatalf("failed to query events: %v", err)
	}
	if len(srv2) != 1 || srv2[0].SequenceNumber != 1 {
		t.Errorf("expected srv-2 sequence to start at 1, got %v", srv2)
	}

	limited, err := store.QueryEvents(ctx, state.EventFilter{
		ResourceID: "srv-1",
		Since:      base,
		Limit:      1,
	})
	if err != nil {
		t.Fatalf("failed to query with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].SequenceNumber != 2 {
		t.Errorf("expected single event with sequence 2, got %v", limited)
	}
}

// TestSQLiteStoreSnapshotImmutability tests snapshots cannot be overwritten
func TestSQLiteStoreSnapshotImmutability(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	snap := &state.StateSnapshot{
		ID:          "snap-1",
		Timestamp:   time.Now().UTC(),
		Resources:   map[string]*state.Resource{"srv-1": testResource("srv-1")},
		Description: "before upgrade",
	}
	snap.Checksum = state.SnapshotChecksum(snap.Resources)

	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	// Re-saving the same ID must keep the original contents.
	tampered := &state.StateSnapshot{
		ID:          "snap-1",
		Timestamp:   snap.Timestamp.Add(time.Hour),
		Resources:   map[string]*state.Resource{},
		Description: "tampered",
	}
	if err := store.SaveSnapshot(ctx, tampered); err != nil {
		t.Fatalf("failed to re-save snapshot: %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if loaded.Description != "before upgrade" {
		t.Errorf("snapshot was overwritten: %s", loaded.Description)
	}
	if len(loaded.Resources) != 1 {
		t.Errorf("expected original resource set, got %d resources", len(loaded.Resources))
	}
	if loaded.Checksum != snap.Checksum {
		t.Errorf("expected checksum %s, got %s", snap.Checksum, loaded.Checksum)
	}

	if _, err := store.LoadSnapshot(ctx, "missing"); !state.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}
