package state

import (
	"fmt"
	"time"
)

// Resource represents a tracked infrastructure resource: its declared
// configuration, lifecycle state, and the bookkeeping fields used for
// change detection and partitioning.
type Resource struct {
	// ID is the stable unique identifier for this resource.
	ID string `json:"id"`

	// Type is the resource type (e.g., "server", "network_device").
	Type ResourceType `json:"type"`

	// Name is the human-readable name of the resource.
	Name string `json:"name"`

	// State is the current lifecycle state of the resource.
	State ResourceState `json:"state"`

	// Properties is the declared configuration of the resource.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Metadata holds change history, conflict provenance, and review flags.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Tags are key-value pairs for organizing and selecting resources.
	Tags map[string]string `json:"tags,omitempty"`

	// ParentID is the ID of the parent resource, if any.
	ParentID string `json:"parent_id,omitempty"`

	// Children lists the IDs of child resources.
	Children []string `json:"children,omitempty"`

	// CreatedAt is when the resource was first registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the resource was last mutated.
	UpdatedAt time.Time `json:"updated_at"`

	// Version starts at 1 and increases by exactly 1 whenever the
	// checksum changes across a mutation.
	Version int64 `json:"version"`

	// Checksum is a deterministic hash over type, name, state, properties,
	// and metadata. It is recomputed immediately after any mutation and is
	// the only field consumers should rely on for change detection.
	Checksum string `json:"checksum"`

	// ShardKey is a stable hash of the ID used to partition resources
	// across storage and cache. It never changes after creation.
	ShardKey string `json:"shard_key"`

	// NodeID identifies the process that owns this resource.
	NodeID string `json:"node_id,omitempty"`
}

// Validate checks that the resource carries the fields every stored
// resource must have.
func (r *Resource) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if err := r.Type.Validate(); err != nil {
		return err
	}
	if r.State != "" {
		if err := r.State.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the resource. Properties, metadata, tags,
// and children are copied recursively so mutations on the clone never
// leak into the original.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Properties = copyValueMap(r.Properties)
	clone.Metadata = copyValueMap(r.Metadata)
	clone.Tags = copyStringMap(r.Tags)
	if r.Children != nil {
		clone.Children = append([]string(nil), r.Children...)
	}
	return &clone
}

// TagList flattens the resource tags into "key=value" strings, used as
// cache invalidation tags.
func (r *Resource) TagList() []string {
	if len(r.Tags) == 0 {
		return nil
	}
	tags := make([]string, 0, len(r.Tags))
	for k, v := range r.Tags {
		tags = append(tags, k+"="+v)
	}
	return tags
}

// StateEvent is a single entry in the append-only event journal. Events
// are immutable once written and are never deleted; deleting a resource
// appends a terminal event instead.
type StateEvent struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the kind of state change this event records.
	Type EventType `json:"type"`

	// ResourceID is the resource this event belongs to.
	ResourceID string `json:"resource_id"`

	// Timestamp is when the event was committed.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries event-specific data (changed properties, versions).
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Metadata carries additional event context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// NodeID identifies the process that committed the event.
	NodeID string `json:"node_id,omitempty"`

	// UserID identifies the user who triggered the mutation, if known.
	UserID string `json:"user_id,omitempty"`

	// TransactionID links the event to the logical transaction that
	// produced it.
	TransactionID string `json:"transaction_id,omitempty"`

	// SequenceNumber is monotonic per resource_id, assigned by the
	// backend at commit time. The first event for a resource is 1.
	SequenceNumber int64 `json:"sequence_number"`
}

// Clone returns a deep copy of the event.
func (e *StateEvent) Clone() *StateEvent {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Payload = copyValueMap(e.Payload)
	clone.Metadata = copyValueMap(e.Metadata)
	return &clone
}

// StateSnapshot is an immutable point-in-time copy of the resource set,
// usable for restore.
type StateSnapshot struct {
	// ID is the unique identifier for this snapshot.
	ID string `json:"id"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// Resources maps resource ID to a deep copy of that resource.
	Resources map[string]*Resource `json:"resources"`

	// Checksum is computed over the contained per-resource checksums,
	// independent of map iteration order.
	Checksum string `json:"checksum"`

	// ShardKey restricts the snapshot to a single shard when set.
	ShardKey string `json:"shard_key,omitempty"`

	// ParentSnapshotID links incremental snapshots to their base.
	ParentSnapshotID string `json:"parent_snapshot_id,omitempty"`

	// Description is an optional operator-supplied label.
	Description string `json:"description,omitempty"`
}

// Clone returns a deep copy of the snapshot, including every contained
// resource.
func (s *StateSnapshot) Clone() *StateSnapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Resources = make(map[string]*Resource, len(s.Resources))
	for id, r := range s.Resources {
		clone.Resources[id] = r.Clone()
	}
	return &clone
}

// DriftDetection is a single drift finding produced by the analyzer:
// one divergence between a resource's expected and observed state.
type DriftDetection struct {
	// ID is the unique identifier for this finding.
	ID string `json:"id"`

	// ResourceID is the drifted resource.
	ResourceID string `json:"resource_id"`

	// DriftType classifies the divergence.
	DriftType DriftType `json:"drift_type"`

	// PropertyName is the affected property, when the drift is
	// property-scoped.
	PropertyName string `json:"property_name,omitempty"`

	// Expected is the declared value.
	Expected interface{} `json:"expected,omitempty"`

	// Actual is the observed value.
	Actual interface{} `json:"actual,omitempty"`

	// Severity ranks the finding.
	Severity DriftSeverity `json:"severity"`

	// Description is a human-readable summary of the divergence.
	Description string `json:"description"`

	// DetectedAt is when the finding was produced.
	DetectedAt time.Time `json:"detected_at"`

	// AutoRemediationAvailable reports whether the finding is eligible
	// for automatic remediation under the configured allow/deny rules.
	AutoRemediationAvailable bool `json:"auto_remediation_available"`

	// RemediationActions are the ordered steps to remediate, when
	// remediation is available.
	RemediationActions []string `json:"remediation_actions,omitempty"`
}

// ConflictRecord captures one conflict resolution for audit. Records are
// retained in a bounded per-resource-type ring buffer and are never used
// for correctness.
type ConflictRecord struct {
	ResourceID    string           `json:"resource_id"`
	ResourceType  ResourceType     `json:"resource_type"`
	Strategy      ConflictStrategy `json:"strategy"`
	WinnerVersion int64            `json:"winner_version"`
	LoserVersion  int64            `json:"loser_version"`
	MergedKeys    []string         `json:"merged_keys,omitempty"`
	ResolvedAt    time.Time        `json:"resolved_at"`
}

// copyValueMap deep-copies a string-keyed map of arbitrary JSON-like
// values. Nested maps and slices are copied recursively; scalars are
// shared (they are immutable).
func copyValueMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyValueMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
