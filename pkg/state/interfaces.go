package state

import (
	"context"
	"time"
)

// Backend is the persistence contract the manager composes. Every
// operation that writes is scoped to a logical transaction: BeginTx
// opens bookkeeping for exactly one save or delete, CommitTx marks it
// applied, RollbackTx reverts the bookkeeping. Rollback does not undo an
// already-durable write; callers must not issue multiple writes inside
// one transaction expecting atomic rollback.
type Backend interface {
	// Init prepares the backend (connections, schema migration).
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error

	// BeginTx opens a logical transaction and returns its ID.
	BeginTx(ctx context.Context) (string, error)

	// CommitTx marks the transaction committed.
	CommitTx(ctx context.Context, txID string) error

	// RollbackTx reverts the transaction's bookkeeping.
	RollbackTx(ctx context.Context, txID string) error

	// SaveResource upserts a resource, indexed by id and by
	// (type, shard_key). Idempotent.
	SaveResource(ctx context.Context, r *Resource, txID string) error

	// LoadResource retrieves a resource by ID. Absent resources return a
	// not_found StateError.
	LoadResource(ctx context.Context, id string) (*Resource, error)

	// ListResources returns resources matching the filter, ordered by ID.
	ListResources(ctx context.Context, filter ResourceFilter) ([]*Resource, error)

	// DeleteResource removes a resource and its index entries.
	DeleteResource(ctx context.Context, id string, txID string) error

	// AppendEvent persists an event, assigning its per-resource
	// monotonic sequence number at commit time.
	AppendEvent(ctx context.Context, ev *StateEvent) error

	// QueryEvents returns events matching the filter, ordered by
	// timestamp then sequence number ascending.
	QueryEvents(ctx context.Context, filter EventFilter) ([]*StateEvent, error)

	// SaveSnapshot persists an immutable snapshot.
	SaveSnapshot(ctx context.Context, snap *StateSnapshot) error

	// LoadSnapshot retrieves a snapshot by ID. Absent snapshots return a
	// not_found StateError.
	LoadSnapshot(ctx context.Context, id string) (*StateSnapshot, error)

	// ListSnapshots returns snapshot descriptors, newest first.
	ListSnapshots(ctx context.Context) ([]*StateSnapshot, error)
}

// ResourceFilter narrows a ListResources call. Zero values match
// everything.
type ResourceFilter struct {
	// Type filters by resource type.
	Type ResourceType `json:"type,omitempty"`

	// State filters by lifecycle state.
	State ResourceState `json:"state,omitempty"`

	// ShardKey filters by shard.
	ShardKey string `json:"shard_key,omitempty"`

	// Tags filters by exact tag matches (all must match).
	Tags map[string]string `json:"tags,omitempty"`
}

// Matches reports whether a resource passes the filter.
func (f ResourceFilter) Matches(r *Resource) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.ShardKey != "" && r.ShardKey != f.ShardKey {
		return false
	}
	for k, v := range f.Tags {
		if r.Tags[k] != v {
			return false
		}
	}
	return true
}

// EventFilter narrows a QueryEvents call. Zero values match everything.
type EventFilter struct {
	// ResourceID filters events to a single resource's history.
	ResourceID string `json:"resource_id,omitempty"`

	// Types filters by event type.
	Types []EventType `json:"types,omitempty"`

	// Since excludes events committed at or before this instant.
	Since time.Time `json:"since,omitempty"`

	// Limit caps the number of returned events. Zero means no cap.
	Limit int `json:"limit,omitempty"`
}

// Matches reports whether an event passes the filter, ignoring Limit.
func (f EventFilter) Matches(e *StateEvent) bool {
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && !e.Timestamp.After(f.Since) {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Cache is the multi-tier read/write-through cache collaborator. The
// manager stores resources as opaque JSON blobs; the cache decides
// placement, compression, and eviction. Cache failures must degrade to
// miss/no-op - the cache is never load-bearing for correctness.
type Cache interface {
	// GetBlob returns the cached payload for key, or false on miss.
	// Tags passed on a hit are added to the entry's tag set.
	GetBlob(ctx context.Context, key string, tags ...string) ([]byte, bool)

	// SetBlob stores an opaque payload with its codec name and TTL.
	SetBlob(ctx context.Context, key string, payload []byte, codec string, ttl time.Duration, tags ...string) error

	// Delete removes the key from all tiers. Returns true if any tier
	// held it.
	Delete(ctx context.Context, key string) bool

	// DeleteByTags removes every in-memory entry carrying all the given
	// tags and returns the number of entries dropped. Distributed tiers
	// do not support tag invalidation.
	DeleteByTags(ctx context.Context, tags ...string) int
}

// EventPublisher receives domain notifications after a mutation
// commits. Publishing is fire-and-forget: implementations log their own
// failures and never block or fail the mutating caller.
type EventPublisher interface {
	// PublishResourceRegistered notifies that a resource was registered.
	PublishResourceRegistered(ctx context.Context, r *Resource)

	// PublishResourceUpdated notifies that a resource changed.
	PublishResourceUpdated(ctx context.Context, r *Resource)

	// PublishResourceDeleted notifies that a resource was removed.
	PublishResourceDeleted(ctx context.Context, r *Resource)

	// PublishDriftDetected notifies about fresh drift findings.
	PublishDriftDetected(ctx context.Context, findings []DriftDetection)

	// PublishConflictResolved notifies that a write conflict was
	// resolved with the given strategy.
	PublishConflictResolved(ctx context.Context, r *Resource, strategy ConflictStrategy)

	// PublishSnapshotCreated notifies that a snapshot was taken.
	PublishSnapshotCreated(ctx context.Context, snap *StateSnapshot)

	// PublishSnapshotRestored notifies that a snapshot was restored.
	PublishSnapshotRestored(ctx context.Context, snap *StateSnapshot)
}

// Discoverer supplies the observed state of a resource for drift
// comparison. Probing internals are out of scope for the state store; a
// (nil, nil) return means the resource could not be observed at all.
type Discoverer interface {
	// Discover returns the actually-observed version of the expected
	// resource, or (nil, nil) when the resource is not observable.
	Discover(ctx context.Context, expected *Resource) (*Resource, error)
}

// DriftAnalyzer compares an expected resource against its observed
// counterpart and returns severity-ranked findings. Implementations must
// be pure: identical inputs yield identical findings (timestamps aside).
type DriftAnalyzer interface {
	// Analyze diffs expected against actual. An actual of nil means the
	// resource was not observed. Identical inputs return no findings.
	Analyze(expected, actual *Resource) []DriftDetection
}

// AdmissionPolicy gates resource mutations before they are persisted.
// A nil error admits the mutation.
type AdmissionPolicy interface {
	// Admit evaluates the resource for the given operation ("register",
	// "update"). A validation StateError rejects the mutation.
	Admit(ctx context.Context, r *Resource, operation string) error
}
