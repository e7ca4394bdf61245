package state

import (
	"encoding/json"
	"fmt"
)

// ResourceType classifies the kind of infrastructure object a resource
// represents.
type ResourceType string

const (
	// ResourceTypeServer is a physical or virtual machine.
	ResourceTypeServer ResourceType = "server"

	// ResourceTypeNetworkDevice is a switch, router, or firewall.
	ResourceTypeNetworkDevice ResourceType = "network_device"

	// ResourceTypeService is a managed service or daemon.
	ResourceTypeService ResourceType = "service"

	// ResourceTypeCloudObject is a generic cloud provider object.
	ResourceTypeCloudObject ResourceType = "cloud_object"

	// ResourceTypeDatabase is a database instance or cluster.
	ResourceTypeDatabase ResourceType = "database"

	// ResourceTypeLoadBalancer is a traffic distribution endpoint.
	ResourceTypeLoadBalancer ResourceType = "load_balancer"

	// ResourceTypeStorage is a volume, bucket, or filesystem.
	ResourceTypeStorage ResourceType = "storage"

	// ResourceTypeCustom is an operator-defined resource type.
	ResourceTypeCustom ResourceType = "custom"
)

// Validate checks if the resource type is valid.
func (t ResourceType) Validate() error {
	switch t {
	case ResourceTypeServer, ResourceTypeNetworkDevice, ResourceTypeService,
		ResourceTypeCloudObject, ResourceTypeDatabase, ResourceTypeLoadBalancer,
		ResourceTypeStorage, ResourceTypeCustom:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", t)
	}
}

// ResourceState represents the lifecycle state of a resource.
type ResourceState string

const (
	// StateUnknown indicates the resource state has not been determined.
	StateUnknown ResourceState = "unknown"

	// StateCreating indicates the resource is being provisioned.
	StateCreating ResourceState = "creating"

	// StateActive indicates the resource is live and serving.
	StateActive ResourceState = "active"

	// StateUpdating indicates a mutation is being applied.
	StateUpdating ResourceState = "updating"

	// StateMaintenance indicates the resource is under planned maintenance.
	StateMaintenance ResourceState = "maintenance"

	// StateInactive indicates the resource is stopped but not removed.
	StateInactive ResourceState = "inactive"

	// StateDeleting indicates the resource is being torn down.
	StateDeleting ResourceState = "deleting"

	// StateError indicates the resource is in a failed state.
	StateError ResourceState = "error"

	// StateDrifted indicates the observed state diverges from the
	// declared state.
	StateDrifted ResourceState = "drifted"

	// StateRemoved is the only terminal state.
	StateRemoved ResourceState = "removed"
)

// stateTransitions is the resource lifecycle state machine. Absence of a
// target means the transition is rejected.
var stateTransitions = map[ResourceState][]ResourceState{
	StateUnknown:     {StateCreating},
	StateCreating:    {StateActive, StateError},
	StateActive:      {StateUpdating, StateMaintenance, StateInactive, StateDeleting, StateError, StateDrifted},
	StateUpdating:    {StateActive, StateError, StateDeleting},
	StateMaintenance: {StateActive, StateDeleting},
	StateInactive:    {StateActive, StateDeleting},
	StateError:       {StateActive, StateDeleting},
	StateDrifted:     {StateActive, StateUpdating, StateDeleting},
	StateDeleting:    {StateRemoved},
	StateRemoved:     {},
}

// CanTransitionTo reports whether the state machine permits moving from
// the current state to the target state.
func (s ResourceState) CanTransitionTo(target ResourceState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the state is final.
func (s ResourceState) IsTerminal() bool {
	return s == StateRemoved
}

// IsTransitional returns true if the state represents an in-progress
// lifecycle operation.
func (s ResourceState) IsTransitional() bool {
	return s == StateCreating || s == StateUpdating || s == StateDeleting
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	switch s {
	case StateUnknown, StateCreating, StateActive, StateUpdating,
		StateMaintenance, StateInactive, StateDeleting, StateError,
		StateDrifted, StateRemoved:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ResourceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceState(str)
	return s.Validate()
}

// EventType represents the kind of state change an event records.
type EventType string

const (
	// EventTypeCreated indicates a resource was registered.
	EventTypeCreated EventType = "created"

	// EventTypeUpdated indicates a resource's properties changed.
	EventTypeUpdated EventType = "updated"

	// EventTypeDeleted is the terminal event appended when a resource is
	// removed.
	EventTypeDeleted EventType = "deleted"

	// EventTypeStateChanged indicates a lifecycle state transition.
	EventTypeStateChanged EventType = "state_changed"

	// EventTypeDriftDetected indicates the drift analyzer found
	// divergence.
	EventTypeDriftDetected EventType = "drift_detected"

	// EventTypeConflictResolved indicates concurrent writes were
	// reconciled.
	EventTypeConflictResolved EventType = "conflict_resolved"

	// EventTypeSnapshotCreated indicates a snapshot was taken.
	EventTypeSnapshotCreated EventType = "snapshot_created"

	// EventTypeSnapshotRestored indicates the live set was replaced from
	// a snapshot.
	EventTypeSnapshotRestored EventType = "snapshot_restored"
)

// Severity returns the log severity associated with the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeDriftDetected, EventTypeConflictResolved:
		return "warning"
	default:
		return "info"
	}
}

// DriftType classifies a divergence between expected and observed state.
type DriftType string

const (
	// DriftTypePropertyChanged indicates a property value differs.
	DriftTypePropertyChanged DriftType = "property_changed"

	// DriftTypePropertyMissing indicates a declared property is absent
	// from the observed state.
	DriftTypePropertyMissing DriftType = "property_missing"

	// DriftTypePropertyAdded indicates an undeclared property appeared
	// in the observed state.
	DriftTypePropertyAdded DriftType = "property_added"

	// DriftTypeStateChanged indicates the lifecycle state diverged.
	DriftTypeStateChanged DriftType = "state_changed"

	// DriftTypeConfigDrift indicates the overall checksums diverged.
	DriftTypeConfigDrift DriftType = "config_drift"

	// DriftTypeSecurityDrift indicates a security-sensitive property
	// diverged.
	DriftTypeSecurityDrift DriftType = "security_drift"

	// DriftTypePerformanceDrift indicates a numeric performance property
	// diverged beyond threshold.
	DriftTypePerformanceDrift DriftType = "performance_drift"
)

// Validate checks if the drift type is valid.
func (d DriftType) Validate() error {
	switch d {
	case DriftTypePropertyChanged, DriftTypePropertyMissing, DriftTypePropertyAdded,
		DriftTypeStateChanged, DriftTypeConfigDrift, DriftTypeSecurityDrift,
		DriftTypePerformanceDrift:
		return nil
	default:
		return fmt.Errorf("invalid drift type: %s", d)
	}
}

// DriftSeverity ranks the impact of a drift finding.
type DriftSeverity string

const (
	// SeverityLow is cosmetic or informational drift.
	SeverityLow DriftSeverity = "low"

	// SeverityMedium is drift that should be reviewed.
	SeverityMedium DriftSeverity = "medium"

	// SeverityHigh is drift that degrades the resource.
	SeverityHigh DriftSeverity = "high"

	// SeverityCritical is drift that must be acted on immediately.
	SeverityCritical DriftSeverity = "critical"
)

var severityRank = map[DriftSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of the severity, low to critical.
func (s DriftSeverity) Rank() int {
	return severityRank[s]
}

// Escalate raises the severity by one level. Critical stays critical.
func (s DriftSeverity) Escalate() DriftSeverity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return s
	}
}

// Validate checks if the severity is valid.
func (s DriftSeverity) Validate() error {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid drift severity: %s", s)
	}
}

// ConflictStrategy selects how two divergent versions of a resource are
// reconciled.
type ConflictStrategy string

const (
	// StrategyLastWriteWins keeps the copy with the newer UpdatedAt.
	StrategyLastWriteWins ConflictStrategy = "last_write_wins"

	// StrategyFirstWriteWins keeps the copy with the older UpdatedAt.
	StrategyFirstWriteWins ConflictStrategy = "first_write_wins"

	// StrategyMergeProperties deep-merges both property sets onto the
	// newer copy and records provenance.
	StrategyMergeProperties ConflictStrategy = "merge_properties"

	// StrategyManual resolves like last-write-wins but flags the result
	// for human review.
	StrategyManual ConflictStrategy = "manual"
)

// Validate checks if the conflict strategy is valid.
func (s ConflictStrategy) Validate() error {
	switch s {
	case StrategyLastWriteWins, StrategyFirstWriteWins,
		StrategyMergeProperties, StrategyManual:
		return nil
	default:
		return fmt.Errorf("invalid conflict strategy: %s", s)
	}
}
