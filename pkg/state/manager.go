package state

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultCacheTTL         = 30 * time.Minute
	defaultDriftInterval    = 15 * time.Minute
	defaultSnapshotInterval = 6 * time.Hour
	defaultPeerSyncInterval = 5 * time.Minute

	resourceCacheTag = "resource"
)

// Options configures a Manager. Collaborator fields are optional: a nil
// Cache disables caching, a nil Publisher disables notifications, a nil
// Policy admits every mutation, and the drift loop only runs when both
// Discoverer and Analyzer are set.
type Options struct {
	// NodeID identifies this process on resources and events.
	NodeID string

	// Cache is the multi-tier read/write-through cache.
	Cache Cache

	// Discoverer observes the live counterpart of declared resources.
	Discoverer Discoverer

	// Analyzer classifies divergence between declared and observed.
	Analyzer DriftAnalyzer

	// Policy gates register and update before persistence.
	Policy AdmissionPolicy

	// Publisher receives domain notifications after commits.
	Publisher EventPublisher

	// DefaultStrategy resolves concurrent write conflicts. Empty means
	// merge_properties.
	DefaultStrategy ConflictStrategy

	// CacheTTL bounds cached resource entries. Zero means 30 minutes.
	CacheTTL time.Duration

	// DriftInterval is the drift-check loop period. Zero means 15
	// minutes.
	DriftInterval time.Duration

	// SnapshotInterval is the scheduled-snapshot loop period. Zero means
	// 6 hours.
	SnapshotInterval time.Duration

	// PeerSyncInterval is the peer-sync loop period. Zero means 5
	// minutes.
	PeerSyncInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.NodeID == "" {
		o.NodeID = "node-" + uuid.New().String()[:8]
	}
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = StrategyMergeProperties
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.DriftInterval <= 0 {
		o.DriftInterval = defaultDriftInterval
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = defaultSnapshotInterval
	}
	if o.PeerSyncInterval <= 0 {
		o.PeerSyncInterval = defaultPeerSyncInterval
	}
	return o
}

// Manager is the state store's front door: it composes the persistence
// backend, the cache, the conflict resolver, and the drift collaborators
// into the resource lifecycle API, and runs the background maintenance
// loops.
type Manager struct {
	backend  Backend
	resolver *ConflictResolver
	opts     Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a manager on top of an initialized backend.
func NewManager(backend Backend, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		backend:  backend,
		resolver: NewConflictResolver(opts.DefaultStrategy),
		opts:     opts,
	}
}

// Register persists a new resource. The stored copy is stamped with this
// node, its immutable shard key, version 1, and a content checksum; a
// created event is journaled in the same transaction. Registering an
// existing ID is a validation error - use Update.
func (m *Manager) Register(ctx context.Context, r *Resource) (*Resource, error) {
	if r == nil {
		return nil, NewValidationError("resource is required", nil)
	}
	working := r.Clone()
	if working.State == "" {
		working.State = StateActive
	}
	if err := working.Validate(); err != nil {
		return nil, NewValidationError("invalid resource", err).WithResource(working.ID).WithOperation("register")
	}
	if err := m.admit(ctx, working, "register"); err != nil {
		return nil, err
	}
	if _, err := m.backend.LoadResource(ctx, working.ID); err == nil {
		return nil, NewValidationError(
			fmt.Sprintf("resource %s is already registered", working.ID), nil).WithOperation("register")
	} else if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to check for existing resource: %w", err)
	}

	now := time.Now().UTC()
	working.CreatedAt = now
	working.UpdatedAt = now
	working.Version = 1
	working.ShardKey = ShardKeyFor(working.ID)
	if working.NodeID == "" {
		working.NodeID = m.opts.NodeID
	}
	working.Checksum = ComputeChecksum(working)

	txID, err := m.backend.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := m.backend.SaveResource(ctx, working, txID); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to save resource: %w", err)
	}
	ev := m.newEvent(EventTypeCreated, working.ID, txID, map[string]interface{}{
		"version":    working.Version,
		"checksum":   working.Checksum,
		"type":       string(working.Type),
		"properties": working.Properties,
	})
	if err := m.backend.AppendEvent(ctx, ev); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to append created event: %w", err)
	}
	if err := m.backend.CommitTx(ctx, txID); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.cacheStore(ctx, working)
	if m.opts.Publisher != nil {
		m.opts.Publisher.PublishResourceRegistered(ctx, working)
	}
	return working, nil
}

// Update applies a property patch to a resource. Patch semantics are
// per top-level key: values replace, nil deletes. The basis for the
// update is the cache-first read; if the backend copy moved past that
// basis in the meantime, the write is reconciled through the conflict
// resolver instead of clobbering. A patch that does not change the
// checksum is a no-op: no transaction, no event, version untouched.
func (m *Manager) Update(ctx context.Context, id string, properties map[string]interface{}) (*Resource, error) {
	if id == "" {
		return nil, NewValidationError("resource id is required", nil).WithOperation("update")
	}

	basis, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	working := basis.Clone()
	working.Properties = applyPatch(working.Properties, properties)
	if err := m.admit(ctx, working, "update"); err != nil {
		return nil, err
	}

	// Reload straight from the backend: the basis may have come from the
	// cache and gone stale.
	authoritative, err := m.backend.LoadResource(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload resource: %w", err)
	}

	conflicted := authoritative.Checksum != basis.Checksum
	if conflicted {
		// The working copy keeps the basis timestamp, so the committed
		// backend copy is the newer input: concurrent committed writes
		// win scalar conflicts, while the caller's disjoint keys merge
		// in.
		resolved, rerr := m.resolver.Resolve(working, authoritative, m.opts.DefaultStrategy)
		if rerr != nil {
			return nil, fmt.Errorf("failed to resolve write conflict: %w", rerr)
		}
		working = resolved
	} else {
		candidate := ComputeChecksum(working)
		if candidate == authoritative.Checksum {
			return authoritative, nil
		}
		working.Version = authoritative.Version + 1
		working.UpdatedAt = time.Now().UTC()
		working.Checksum = candidate
	}

	txID, err := m.backend.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := m.backend.SaveResource(ctx, working, txID); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to save resource: %w", err)
	}
	if conflicted {
		ev := m.newEvent(EventTypeConflictResolved, working.ID, txID, map[string]interface{}{
			"strategy":       string(m.opts.DefaultStrategy),
			"basis_checksum": basis.Checksum,
			"basis_version":  basis.Version,
			"stored_version": authoritative.Version,
			"final_version":  working.Version,
		})
		if err := m.backend.AppendEvent(ctx, ev); err != nil {
			m.rollback(ctx, txID)
			return nil, fmt.Errorf("failed to append conflict event: %w", err)
		}
	}
	ev := m.newEvent(EventTypeUpdated, working.ID, txID, map[string]interface{}{
		"properties":        properties,
		"version":           working.Version,
		"checksum":          working.Checksum,
		"previous_checksum": authoritative.Checksum,
	})
	if err := m.backend.AppendEvent(ctx, ev); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to append updated event: %w", err)
	}
	if err := m.backend.CommitTx(ctx, txID); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.cacheStore(ctx, working)
	if m.opts.Publisher != nil {
		if conflicted {
			m.opts.Publisher.PublishConflictResolved(ctx, working, m.opts.DefaultStrategy)
		}
		m.opts.Publisher.PublishResourceUpdated(ctx, working)
	}
	return working, nil
}

// Transition moves a resource to a new lifecycle state, validated
// against the state machine. The checksum covers the state, so a
// transition always bumps the version and journals a state_changed
// event.
func (m *Manager) Transition(ctx context.Context, id string, target ResourceState) (*Resource, error) {
	if err := target.Validate(); err != nil {
		return nil, NewValidationError("invalid target state", err).WithResource(id).WithOperation("transition")
	}
	current, err := m.backend.LoadResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == target {
		return current, nil
	}
	if !current.State.CanTransitionTo(target) {
		return nil, NewValidationError(
			fmt.Sprintf("cannot transition from %s to %s", current.State, target), nil).
			WithResource(id).WithOperation("transition")
	}

	working := current.Clone()
	working.State = target
	working.Version = current.Version + 1
	working.UpdatedAt = time.Now().UTC()
	working.Checksum = ComputeChecksum(working)

	txID, err := m.backend.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := m.backend.SaveResource(ctx, working, txID); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to save resource: %w", err)
	}
	ev := m.newEvent(EventTypeStateChanged, working.ID, txID, map[string]interface{}{
		"from":     string(current.State),
		"to":       string(target),
		"version":  working.Version,
		"checksum": working.Checksum,
	})
	if err := m.backend.AppendEvent(ctx, ev); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to append state event: %w", err)
	}
	if err := m.backend.CommitTx(ctx, txID); err != nil {
		m.rollback(ctx, txID)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.cacheStore(ctx, working)
	if m.opts.Publisher != nil {
		m.opts.Publisher.PublishResourceUpdated(ctx, working)
	}
	return working, nil
}

// Get returns a resource, trying the cache before the backend. A
// backend hit refreshes the cache.
func (m *Manager) Get(ctx context.Context, id string) (*Resource, error) {
	if id == "" {
		return nil, NewValidationError("resource id is required", nil).WithOperation("get")
	}
	if r, ok := m.cacheLoad(ctx, id); ok {
		return r, nil
	}
	r, err := m.backend.LoadResource(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cacheStore(ctx, r)
	return r, nil
}

// List returns resources matching the filter, ordered by ID.
func (m *Manager) List(ctx context.Context, filter ResourceFilter) ([]*Resource, error) {
	return m.backend.ListResources(ctx, filter)
}

// Delete removes a resource, journaling a terminal deleted event in the
// same transaction and evicting the cache entry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	current, err := m.backend.LoadResource(ctx, id)
	if err != nil {
		return err
	}

	txID, err := m.backend.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := m.backend.DeleteResource(ctx, id, txID); err != nil {
		m.rollback(ctx, txID)
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	ev := m.newEvent(EventTypeDeleted, id, txID, map[string]interface{}{
		"final_version":  current.Version,
		"final_checksum": current.Checksum,
		"final_state":    string(current.State),
	})
	if err := m.backend.AppendEvent(ctx, ev); err != nil {
		m.rollback(ctx, txID)
		return fmt.Errorf("failed to append deleted event: %w", err)
	}
	if err := m.backend.CommitTx(ctx, txID); err != nil {
		m.rollback(ctx, txID)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if m.opts.Cache != nil {
		m.opts.Cache.Delete(ctx, resourceCacheKey(id))
	}
	if m.opts.Publisher != nil {
		m.opts.Publisher.PublishResourceDeleted(ctx, current)
	}
	return nil
}

// Events returns journal entries matching the filter, oldest first.
func (m *Manager) Events(ctx context.Context, filter EventFilter) ([]*StateEvent, error) {
	return m.backend.QueryEvents(ctx, filter)
}

// Snapshot captures the current resource set - or a single shard when
// shardKey is set - as an immutable snapshot.
func (m *Manager) Snapshot(ctx context.Context, description, shardKey string) (*StateSnapshot, error) {
	resources, err := m.backend.ListResources(ctx, ResourceFilter{ShardKey: shardKey})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources for snapshot: %w", err)
	}

	snap := &StateSnapshot{
		ID:          "snap-" + uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Resources:   make(map[string]*Resource, len(resources)),
		ShardKey:    shardKey,
		Description: description,
	}
	for _, r := range resources {
		snap.Resources[r.ID] = r.Clone()
	}
	snap.Checksum = SnapshotChecksum(snap.Resources)

	if err := m.backend.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	ev := m.newEvent(EventTypeSnapshotCreated, snap.ID, "", map[string]interface{}{
		"resource_count": len(snap.Resources),
		"checksum":       snap.Checksum,
		"shard_key":      shardKey,
	})
	if err := m.backend.AppendEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("snapshot_id", snap.ID).Msg("failed to journal snapshot creation")
	}

	if m.opts.Publisher != nil {
		m.opts.Publisher.PublishSnapshotCreated(ctx, snap)
	}
	return snap, nil
}

// GetSnapshot returns a snapshot by ID.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (*StateSnapshot, error) {
	return m.backend.LoadSnapshot(ctx, id)
}

// ListSnapshots returns snapshot descriptors, newest first.
func (m *Manager) ListSnapshots(ctx context.Context) ([]*StateSnapshot, error) {
	return m.backend.ListSnapshots(ctx)
}

// Restore replaces the live resource set - or only the snapshot's shard
// - with the snapshot contents. Every restored resource keeps its
// snapshot content and checksum but gets a bumped version and a fresh
// UpdatedAt, so version monotonicity survives the restore. Resources
// inside the scope but absent from the snapshot are deleted. Each write
// runs in its own single-write transaction; a failure aborts the
// restore with the already-applied prefix in place. Returns the number
// of resources written.
func (m *Manager) Restore(ctx context.Context, snapshotID string) (int, error) {
	snap, err := m.backend.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return 0, err
	}
	live, err := m.backend.ListResources(ctx, ResourceFilter{ShardKey: snap.ShardKey})
	if err != nil {
		return 0, fmt.Errorf("failed to list live resources: %w", err)
	}

	liveByID := make(map[string]*Resource, len(live))
	for _, r := range live {
		liveByID[r.ID] = r
	}

	// Remove resources the snapshot does not know about.
	for _, r := range live {
		if _, ok := snap.Resources[r.ID]; ok {
			continue
		}
		if err := m.Delete(ctx, r.ID); err != nil {
			return 0, fmt.Errorf("failed to remove %s during restore: %w", r.ID, err)
		}
	}

	restored := 0
	now := time.Now().UTC()
	for _, id := range sortedResourceIDs(snap.Resources) {
		snapRes := snap.Resources[id]
		working := snapRes.Clone()
		working.UpdatedAt = now
		working.Version = snapRes.Version + 1
		if current, ok := liveByID[id]; ok && current.Version >= working.Version {
			working.Version = current.Version + 1
		}

		txID, err := m.backend.BeginTx(ctx)
		if err != nil {
			return restored, fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := m.backend.SaveResource(ctx, working, txID); err != nil {
			m.rollback(ctx, txID)
			return restored, fmt.Errorf("failed to restore %s: %w", id, err)
		}
		ev := m.newEvent(EventTypeSnapshotRestored, id, txID, map[string]interface{}{
			"snapshot_id": snap.ID,
			"version":     working.Version,
			"checksum":    working.Checksum,
		})
		if err := m.backend.AppendEvent(ctx, ev); err != nil {
			m.rollback(ctx, txID)
			return restored, fmt.Errorf("failed to append restore event for %s: %w", id, err)
		}
		if err := m.backend.CommitTx(ctx, txID); err != nil {
			m.rollback(ctx, txID)
			return restored, fmt.Errorf("failed to commit restore of %s: %w", id, err)
		}
		restored++
	}

	// Drop every cached resource entry, then re-prime with the restored
	// set. Distributed tiers do not support tag invalidation; stale
	// remote entries age out by TTL.
	if m.opts.Cache != nil {
		m.opts.Cache.DeleteByTags(ctx, resourceCacheTag)
	}
	for _, id := range sortedResourceIDs(snap.Resources) {
		if r, err := m.backend.LoadResource(ctx, id); err == nil {
			m.cacheStore(ctx, r)
		}
	}

	if m.opts.Publisher != nil {
		m.opts.Publisher.PublishSnapshotRestored(ctx, snap)
	}
	return restored, nil
}

// History returns the retained conflict resolutions for a resource
// type, oldest first.
func (m *Manager) History(resourceType ResourceType) []ConflictRecord {
	return m.resolver.History(resourceType)
}

// Health verifies the backend is reachable and writable.
func (m *Manager) Health(ctx context.Context) error {
	return m.backend.HealthCheck(ctx)
}

// Start launches the background maintenance loops: drift checks,
// scheduled snapshots, and peer sync. Each loop jitters its first run,
// logs and backs off on failure, and never terminates the manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	if m.opts.Discoverer != nil && m.opts.Analyzer != nil {
		m.wg.Add(1)
		go m.runLoop(loopCtx, "drift-check", m.opts.DriftInterval, m.driftCheck)
	} else {
		log.Info().Msg("drift loop disabled: no discoverer or analyzer configured")
	}

	m.wg.Add(1)
	go m.runLoop(loopCtx, "snapshot", m.opts.SnapshotInterval, func(ctx context.Context) error {
		_, err := m.Snapshot(ctx, "scheduled snapshot", "")
		return err
	})

	m.wg.Add(1)
	go m.runLoop(loopCtx, "peer-sync", m.opts.PeerSyncInterval, m.peerSync)

	return nil
}

// Stop cancels the background loops and waits for them to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.started = false
	m.mu.Unlock()

	m.wg.Wait()
}

// runLoop drives one background loop. The first run is jittered so
// restarting nodes do not stampede shared infrastructure; failures back
// off exponentially up to the loop interval.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer m.wg.Done()

	wait := jitteredDelay(interval)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait = backoffDelay(interval, failures)
			log.Error().Err(err).
				Str("loop", name).
				Int("consecutive_failures", failures).
				Dur("retry_in", wait).
				Msg("background loop iteration failed")
			continue
		}
		failures = 0
		wait = interval
	}
}

// driftCheck compares every tracked resource against its observed
// counterpart, journals findings, and moves drifted resources into the
// drifted state. Per-resource failures are logged and skipped so one
// bad probe cannot starve the rest of the fleet.
func (m *Manager) driftCheck(ctx context.Context) error {
	resources, err := m.backend.ListResources(ctx, ResourceFilter{})
	if err != nil {
		return fmt.Errorf("failed to list resources for drift check: %w", err)
	}

	for _, r := range resources {
		observed, err := m.opts.Discoverer.Discover(ctx, r)
		if err != nil {
			log.Warn().Err(err).Str("resource_id", r.ID).Msg("discovery failed, skipping resource")
			continue
		}
		findings := m.opts.Analyzer.Analyze(r, observed)
		if len(findings) == 0 {
			continue
		}

		ev := m.newEvent(EventTypeDriftDetected, r.ID, "", map[string]interface{}{
			"finding_count": len(findings),
			"top_severity":  string(findings[0].Severity),
			"findings":      driftPayload(findings),
		})
		if err := m.backend.AppendEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("resource_id", r.ID).Msg("failed to journal drift findings")
		}
		if m.opts.Publisher != nil {
			m.opts.Publisher.PublishDriftDetected(ctx, findings)
		}

		if r.State.CanTransitionTo(StateDrifted) {
			if _, err := m.Transition(ctx, r.ID, StateDrifted); err != nil {
				log.Warn().Err(err).Str("resource_id", r.ID).Msg("failed to mark resource drifted")
			}
		}
	}
	return nil
}

// peerSync is a placeholder for cross-node reconciliation. It only
// verifies backend health and logs a heartbeat today.
func (m *Manager) peerSync(ctx context.Context) error {
	if err := m.backend.HealthCheck(ctx); err != nil {
		return fmt.Errorf("peer sync health probe failed: %w", err)
	}
	log.Debug().Str("node_id", m.opts.NodeID).Msg("peer sync heartbeat")
	return nil
}

func (m *Manager) admit(ctx context.Context, r *Resource, operation string) error {
	if m.opts.Policy == nil {
		return nil
	}
	if err := m.opts.Policy.Admit(ctx, r, operation); err != nil {
		return fmt.Errorf("admission rejected %s of %s: %w", operation, r.ID, err)
	}
	return nil
}

func (m *Manager) newEvent(t EventType, resourceID, txID string, payload map[string]interface{}) *StateEvent {
	return &StateEvent{
		ID:            uuid.New().String(),
		Type:          t,
		ResourceID:    resourceID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		NodeID:        m.opts.NodeID,
		TransactionID: txID,
	}
}

// rollback reverts transaction bookkeeping, logging rather than
// propagating: the caller is already unwinding with the original error.
func (m *Manager) rollback(ctx context.Context, txID string) {
	if err := m.backend.RollbackTx(ctx, txID); err != nil {
		log.Warn().Err(err).Str("transaction_id", txID).Msg("rollback failed")
	}
}

// cacheLoad returns the cached copy of a resource, treating decode
// failures as misses.
func (m *Manager) cacheLoad(ctx context.Context, id string) (*Resource, bool) {
	if m.opts.Cache == nil {
		return nil, false
	}
	blob, ok := m.opts.Cache.GetBlob(ctx, resourceCacheKey(id))
	if !ok {
		return nil, false
	}
	var r Resource
	if err := json.Unmarshal(blob, &r); err != nil {
		log.Warn().Err(err).Str("resource_id", id).Msg("cached resource failed to decode, evicting")
		m.opts.Cache.Delete(ctx, resourceCacheKey(id))
		return nil, false
	}
	return &r, true
}

// cacheStore writes a resource through to the cache. Failures degrade
// to uncached reads; the cache is never load-bearing.
func (m *Manager) cacheStore(ctx context.Context, r *Resource) {
	if m.opts.Cache == nil {
		return
	}
	blob, err := json.Marshal(r)
	if err != nil {
		log.Warn().Err(err).Str("resource_id", r.ID).Msg("resource not cacheable")
		return
	}
	tags := append(r.TagList(), resourceCacheTag)
	if err := m.opts.Cache.SetBlob(ctx, resourceCacheKey(r.ID), blob, "json", m.opts.CacheTTL, tags...); err != nil {
		log.Warn().Err(err).Str("resource_id", r.ID).Msg("cache write failed")
	}
}

func resourceCacheKey(id string) string {
	return "resource:" + id
}

// applyPatch merges a property patch per top-level key: values replace,
// explicit nils delete. The input map is never mutated.
func applyPatch(current, patch map[string]interface{}) map[string]interface{} {
	merged := copyValueMap(current)
	if merged == nil {
		merged = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = copyValue(v)
	}
	return merged
}

// driftPayload flattens findings for the event journal, dropping the
// expected/actual values (already redacted where sensitive) down to
// what replay needs.
func driftPayload(findings []DriftDetection) []interface{} {
	out := make([]interface{}, 0, len(findings))
	for _, f := range findings {
		entry := map[string]interface{}{
			"id":          f.ID,
			"drift_type":  string(f.DriftType),
			"severity":    string(f.Severity),
			"description": f.Description,
		}
		if f.PropertyName != "" {
			entry["property"] = f.PropertyName
		}
		out = append(out, entry)
	}
	return out
}

func sortedResourceIDs(resources map[string]*Resource) []string {
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// jitteredDelay spreads the first loop run across the second quarter of
// the interval.
func jitteredDelay(interval time.Duration) time.Duration {
	span := int64(interval / 4)
	if span <= 0 {
		return interval
	}
	return time.Duration(rand.Int63n(span)) + interval/4
}

// backoffDelay grows exponentially from a sixteenth of the interval and
// caps at the interval itself.
func backoffDelay(interval time.Duration, failures int) time.Duration {
	base := interval / 16
	if base <= 0 {
		base = time.Second
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
	if delay > interval || delay <= 0 {
		delay = interval
	}
	return delay
}
