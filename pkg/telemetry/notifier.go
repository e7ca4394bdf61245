package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/statecraft/statecraft/pkg/state"
)

// Notifier adapts the telemetry pillars to the manager's publisher
// contract: every domain notification is counted in Prometheus and
// fanned out on the event bus. Publishing is fire-and-forget; bus
// errors (buffer full, shutdown) are logged and swallowed so a slow
// subscriber can never fail a committed mutation.
type Notifier struct {
	metrics *Metrics
	events  *EventPublisher
}

// NewNotifier creates a notifier over the given metrics collector and
// event bus. Either may be a disabled (no-op) instance.
func NewNotifier(metrics *Metrics, events *EventPublisher) *Notifier {
	return &Notifier{metrics: metrics, events: events}
}

// PublishResourceRegistered counts and broadcasts a registration.
func (n *Notifier) PublishResourceRegistered(_ context.Context, r *state.Resource) {
	n.metrics.RecordStateEvent(string(state.EventTypeCreated))
	n.report(n.events.PublishResourceRegistered(r.ID, string(r.Type), r.Version))
}

// PublishResourceUpdated counts and broadcasts an update or lifecycle
// transition.
func (n *Notifier) PublishResourceUpdated(_ context.Context, r *state.Resource) {
	n.metrics.RecordStateEvent(string(state.EventTypeUpdated))
	n.report(n.events.PublishResourceUpdated(r.ID, r.Version, r.Checksum))
}

// PublishResourceDeleted counts and broadcasts a removal.
func (n *Notifier) PublishResourceDeleted(_ context.Context, r *state.Resource) {
	n.metrics.RecordStateEvent(string(state.EventTypeDeleted))
	n.report(n.events.PublishResourceDeleted(r.ID, string(r.Type)))
}

// PublishDriftDetected counts each finding by type and severity and
// broadcasts one bus event per scan.
func (n *Notifier) PublishDriftDetected(_ context.Context, findings []state.DriftDetection) {
	if len(findings) == 0 {
		return
	}
	for _, f := range findings {
		n.metrics.RecordDriftFinding(string(f.DriftType), string(f.Severity))
	}
	n.metrics.RecordStateEvent(string(state.EventTypeDriftDetected))
	first := findings[0]
	n.report(n.events.PublishDriftDetected(first.ResourceID, len(findings), string(first.Severity)))
}

// PublishConflictResolved counts the resolution by resource type and
// strategy and broadcasts it.
func (n *Notifier) PublishConflictResolved(_ context.Context, r *state.Resource, strategy state.ConflictStrategy) {
	n.metrics.RecordConflict(string(r.Type), string(strategy))
	n.metrics.RecordStateEvent(string(state.EventTypeConflictResolved))
	n.report(n.events.PublishConflictResolved(r.ID, string(strategy), r.Version))
}

// PublishSnapshotCreated counts and broadcasts a snapshot.
func (n *Notifier) PublishSnapshotCreated(_ context.Context, snap *state.StateSnapshot) {
	n.metrics.RecordStateEvent(string(state.EventTypeSnapshotCreated))
	n.report(n.events.PublishSnapshotCreated(snap.ID, snap.ShardKey, len(snap.Resources)))
}

// PublishSnapshotRestored counts and broadcasts a restore.
func (n *Notifier) PublishSnapshotRestored(_ context.Context, snap *state.StateSnapshot) {
	n.metrics.RecordStateEvent(string(state.EventTypeSnapshotRestored))
	n.report(n.events.PublishSnapshotRestored(snap.ID, len(snap.Resources)))
}

func (n *Notifier) report(err error) {
	if err != nil {
		log.Debug().Err(err).Msg("event bus publish dropped")
	}
}
