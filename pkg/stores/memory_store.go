package stores

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statecraft/statecraft/pkg/state"
)

// MemoryStore is a shard-partitioned in-memory backend. Resources are
// indexed by id and by (type, shard_key); all index mutation is
// serialized by a single RWMutex while reads fan out concurrently.
// Every value that crosses the store boundary is deep-copied, so
// callers can never mutate stored state in place.
type MemoryStore struct {
	cfg MemoryConfig

	mu        sync.RWMutex
	closed    bool
	resources map[string]*state.Resource
	shards    []map[string]*state.Resource
	typeIndex map[state.ResourceType]map[string]struct{}
	events    map[string][]*state.StateEvent
	snapshots map[string]*state.StateSnapshot
	txs       map[string]*logicalTx
}

// NewMemoryStore creates an in-memory backend.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	cfg.applyDefaults()
	return &MemoryStore{cfg: cfg}
}

// Init allocates the index structures. Safe to call once.
func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = make(map[string]*state.Resource)
	s.shards = make([]map[string]*state.Resource, s.cfg.ShardCount)
	for i := range s.shards {
		s.shards[i] = make(map[string]*state.Resource)
	}
	s.typeIndex = make(map[state.ResourceType]map[string]struct{})
	s.events = make(map[string][]*state.StateEvent)
	s.snapshots = make(map[string]*state.StateSnapshot)
	s.txs = make(map[string]*logicalTx)
	s.closed = false
	return nil
}

// Close marks the store closed. Subsequent operations fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck verifies the store is open and initialized.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.resources == nil {
		return state.NewPersistenceError("memory store is closed", nil)
	}
	return nil
}

// BeginTx opens a logical transaction.
func (s *MemoryStore) BeginTx(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", state.NewPersistenceError("memory store is closed", nil)
	}
	id := uuid.New().String()
	s.txs[id] = &logicalTx{
		ID:        id,
		Status:    txStatusPending,
		StartedAt: time.Now().UTC(),
	}
	return id, nil
}

// CommitTx marks the transaction committed and drops its bookkeeping.
func (s *MemoryStore) CommitTx(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return state.NewPersistenceError(fmt.Sprintf("unknown transaction %s", txID), nil)
	}
	tx.Status = txStatusCommitted
	delete(s.txs, txID)
	return nil
}

// RollbackTx reverts the transaction's bookkeeping. An already-applied
// write is not undone; this is the documented single-write contract.
func (s *MemoryStore) RollbackTx(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return state.NewPersistenceError(fmt.Sprintf("unknown transaction %s", txID), nil)
	}
	tx.Status = txStatusRolledBack
	delete(s.txs, txID)
	return nil
}

// claimTx marks the transaction as holding its single write.
func (s *MemoryStore) claimTx(txID, operation, resourceID string) error {
	if txID == "" {
		return state.NewPersistenceError("write requires a transaction", nil)
	}
	tx, ok := s.txs[txID]
	if !ok {
		return state.NewPersistenceError(fmt.Sprintf("unknown transaction %s", txID), nil)
	}
	if tx.used {
		return state.NewPersistenceError(
			fmt.Sprintf("transaction %s already holds a write (one write per transaction)", txID), nil)
	}
	tx.used = true
	tx.Operation = operation
	tx.ResourceID = resourceID
	return nil
}

// SaveResource upserts a deep copy of the resource into the id, shard,
// and type indexes.
func (s *MemoryStore) SaveResource(_ context.Context, r *state.Resource, txID string) error {
	if r == nil {
		return state.NewValidationError("cannot save nil resource", nil)
	}
	if err := r.Validate(); err != nil {
		return state.NewValidationError("invalid resource", err).WithResource(r.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.NewPersistenceError("memory store is closed", nil).WithResource(r.ID)
	}
	if err := s.claimTx(txID, "save", r.ID); err != nil {
		return err
	}

	if prev, ok := s.resources[r.ID]; ok && prev.Type != r.Type {
		delete(s.typeIndex[prev.Type], r.ID)
	}

	clone := r.Clone()
	s.resources[clone.ID] = clone
	s.shards[s.bucketFor(clone.ShardKey)][clone.ID] = clone
	if s.typeIndex[clone.Type] == nil {
		s.typeIndex[clone.Type] = make(map[string]struct{})
	}
	s.typeIndex[clone.Type][clone.ID] = struct{}{}
	return nil
}

// LoadResource returns a deep copy of the resource.
func (s *MemoryStore) LoadResource(_ context.Context, id string) (*state.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, state.NewPersistenceError("memory store is closed", nil).WithResource(id)
	}
	r, ok := s.resources[id]
	if !ok {
		return nil, state.NewNotFoundError(id)
	}
	return r.Clone(), nil
}

// ListResources returns deep copies of every resource matching the
// filter, ordered by ID.
func (s *MemoryStore) ListResources(_ context.Context, filter state.ResourceFilter) ([]*state.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, state.NewPersistenceError("memory store is closed", nil)
	}

	var out []*state.Resource
	if filter.Type != "" {
		// Type index narrows the scan.
		for id := range s.typeIndex[filter.Type] {
			if r := s.resources[id]; r != nil && filter.Matches(r) {
				out = append(out, r.Clone())
			}
		}
	} else {
		for _, r := range s.resources {
			if filter.Matches(r) {
				out = append(out, r.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteResource removes the resource and its index entries.
func (s *MemoryStore) DeleteResource(_ context.Context, id string, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.NewPersistenceError("memory store is closed", nil).WithResource(id)
	}
	if err := s.claimTx(txID, "delete", id); err != nil {
		return err
	}
	r, ok := s.resources[id]
	if !ok {
		return state.NewNotFoundError(id)
	}
	delete(s.resources, id)
	delete(s.shards[s.bucketFor(r.ShardKey)], id)
	delete(s.typeIndex[r.Type], id)
	return nil
}

// AppendEvent assigns the next per-resource sequence number and persists
// the event immutably. The assigned number is written back to the
// caller's event.
func (s *MemoryStore) AppendEvent(_ context.Context, ev *state.StateEvent) error {
	if ev == nil || ev.ResourceID == "" {
		return state.NewValidationError("event requires a resource id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.NewPersistenceError("memory store is closed", nil).WithResource(ev.ResourceID)
	}
	ev.SequenceNumber = int64(len(s.events[ev.ResourceID])) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.events[ev.ResourceID] = append(s.events[ev.ResourceID], ev.Clone())
	return nil
}

// QueryEvents returns deep copies of matching events ordered by
// timestamp then sequence number ascending.
func (s *MemoryStore) QueryEvents(_ context.Context, filter state.EventFilter) ([]*state.StateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, state.NewPersistenceError("memory store is closed", nil)
	}

	var out []*state.StateEvent
	if filter.ResourceID != "" {
		for _, ev := range s.events[filter.ResourceID] {
			if filter.Matches(ev) {
				out = append(out, ev.Clone())
			}
		}
	} else {
		for _, evs := range s.events {
			for _, ev := range evs {
				if filter.Matches(ev) {
					out = append(out, ev.Clone())
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveSnapshot stores a deep copy of the snapshot.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *state.StateSnapshot) error {
	if snap == nil || snap.ID == "" {
		return state.NewValidationError("snapshot requires an id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.NewPersistenceError("memory store is closed", nil)
	}
	s.snapshots[snap.ID] = snap.Clone()
	return nil
}

// LoadSnapshot returns a deep copy of the snapshot.
func (s *MemoryStore) LoadSnapshot(_ context.Context, id string) (*state.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, state.NewPersistenceError("memory store is closed", nil)
	}
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, state.NewSnapshotNotFoundError(id)
	}
	return snap.Clone(), nil
}

// ListSnapshots returns deep copies of all snapshots, newest first.
func (s *MemoryStore) ListSnapshots(_ context.Context) ([]*state.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, state.NewPersistenceError("memory store is closed", nil)
	}
	out := make([]*state.StateSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// bucketFor folds a logical shard key onto a physical bucket.
func (s *MemoryStore) bucketFor(shardKey string) int {
	h := fnv.New32a()
	h.Write([]byte(shardKey))
	return int(h.Sum32() % uint32(s.cfg.ShardCount))
}
