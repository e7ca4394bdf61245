// Package state is the core of the distributed infrastructure state
// store: resource and event types, the persistence and cache contracts,
// conflict resolution, and the Manager that composes them into the
// resource lifecycle API.
//
// # Overview
//
// A Resource carries its declared configuration plus the bookkeeping
// that makes change detection cheap: a deterministic content checksum
// (order-independent over properties and metadata), a version that
// increases by exactly one whenever the checksum changes, and an
// immutable shard key assigned at registration. Every mutation runs in
// a single-write logical transaction against a Backend and journals a
// StateEvent with a per-resource monotonic sequence number, so a
// resource's full history can be replayed from the event log.
//
// # Components
//
// Manager: the front door. Register, Update, Transition, Get, List,
// Delete, Snapshot, Restore, Events, plus the background drift-check,
// scheduled-snapshot, and peer-sync loops started by Start.
//
// ConflictResolver: reconciles divergent copies of one resource with
// last-write-wins, first-write-wins, merge-properties, or manual
// strategies. Resolutions are deterministic and audited in a bounded
// per-type ring buffer.
//
// Backend, Cache, Discoverer, DriftAnalyzer, AdmissionPolicy,
// EventPublisher: the collaborator contracts. Backends persist, caches
// accelerate (never load-bearing), discoverers observe live state for
// drift comparison, policies gate mutations, publishers receive
// fire-and-forget domain notifications.
//
// # Usage Example
//
//	store := stores.NewMemoryStore(stores.MemoryConfig{})
//	_ = store.Init(ctx)
//	mgr := state.NewManager(store, state.Options{NodeID: "node-a"})
//	r, err := mgr.Register(ctx, &state.Resource{
//		ID:   "srv-1",
//		Type: state.ResourceTypeServer,
//		Name: "srv-1",
//		Properties: map[string]interface{}{"cpu_cores": 8},
//	})
package state
