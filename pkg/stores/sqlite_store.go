package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/statecraft/statecraft/pkg/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Backend interface using SQLite.
//
// Logical transactions map onto serializable SQL transactions: BeginTx
// opens one, the single save or delete executes on it, and an event
// carrying the transaction ID joins the same SQL transaction so the
// journal write commits atomically with the resource write.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  SQLiteConfig

	mu  sync.Mutex
	txs map[string]*sqliteTx
}

type sqliteTx struct {
	logicalTx
	tx *sql.Tx
}

// NewSQLiteStore creates a new SQLite backend instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		txs:  make(map[string]*sqliteTx),
	}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting; the DSN parameter alone does not cover
	// pooled connections.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.Migrate(ctx)
}

// Close rolls back any open transactions and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for id, tx := range s.txs {
		_ = tx.tx.Rollback()
		delete(s.txs, id)
	}
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return state.NewPersistenceError("database not initialized", nil)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return state.NewPersistenceError("database unreachable", err)
	}
	return nil
}

// BeginTx opens a logical transaction backed by a serializable SQL
// transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", state.NewPersistenceError("database not initialized", nil)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return "", state.NewPersistenceError("failed to begin transaction", err)
	}

	id := uuid.New().String()
	s.mu.Lock()
	s.txs[id] = &sqliteTx{
		logicalTx: logicalTx{
			ID:        id,
			Status:    txStatusPending,
			StartedAt: time.Now().UTC(),
		},
		tx: tx,
	}
	s.mu.Unlock()
	return id, nil
}

// CommitTx commits the underlying SQL transaction.
func (s *SQLiteStore) CommitTx(_ context.Context, txID string) error {
	tx, err := s.takeTx(txID)
	if err != nil {
		return err
	}
	if err := tx.tx.Commit(); err != nil {
		return state.NewPersistenceError("failed to commit transaction", err)
	}
	return nil
}

// RollbackTx rolls back the underlying SQL transaction.
func (s *SQLiteStore) RollbackTx(_ context.Context, txID string) error {
	tx, err := s.takeTx(txID)
	if err != nil {
		return err
	}
	if err := tx.tx.Rollback(); err != nil {
		return state.NewPersistenceError("failed to roll back transaction", err)
	}
	return nil
}

func (s *SQLiteStore) takeTx(txID string) (*sqliteTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, state.NewPersistenceError(fmt.Sprintf("unknown transaction %s", txID), nil)
	}
	delete(s.txs, txID)
	return tx, nil
}

// claimTx fetches an open transaction and marks it as holding its
// single write.
func (s *SQLiteStore) claimTx(txID, operation, resourceID string) (*sqliteTx, error) {
	if txID == "" {
		return nil, state.NewPersistenceError("write requires a transaction", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, state.NewPersistenceError(fmt.Sprintf("unknown transaction %s", txID), nil)
	}
	if tx.used {
		return nil, state.NewPersistenceError(
			fmt.Sprintf("transaction %s already holds a write (one write per transaction)", txID), nil)
	}
	tx.used = true
	tx.Operation = operation
	tx.ResourceID = resourceID
	return tx, nil
}

// lookupTx fetches an open transaction without claiming its write slot,
// used by event appends that join a resource write.
func (s *SQLiteStore) lookupTx(txID string) *sqliteTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs[txID]
}

// SaveResource upserts a resource within the logical transaction.
func (s *SQLiteStore) SaveResource(ctx context.Context, r *state.Resource, txID string) error {
	if r == nil {
		return state.NewValidationError("cannot save nil resource", nil)
	}
	if err := r.Validate(); err != nil {
		return state.NewValidationError("invalid resource", err).WithResource(r.ID)
	}
	tx, err := s.claimTx(txID, "save", r.ID)
	if err != nil {
		return err
	}

	properties, err := marshalBlob(r.Properties, "{}")
	if err != nil {
		return state.NewSerializationError("failed to encode properties", err).WithResource(r.ID)
	}
	metadata, err := marshalBlob(r.Metadata, "{}")
	if err != nil {
		return state.NewSerializationError("failed to encode metadata", err).WithResource(r.ID)
	}
	tags, err := marshalBlob(r.Tags, "{}")
	if err != nil {
		return state.NewSerializationError("failed to encode tags", err).WithResource(r.ID)
	}
	children, err := marshalBlob(r.Children, "[]")
	if err != nil {
		return state.NewSerializationError("failed to encode children", err).WithResource(r.ID)
	}

	query := `
		INSERT INTO resources (
			id, type, name, state, properties, metadata, tags,
			parent_id, children, created_at, updated_at, version,
			checksum, shard_key, node_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			state = excluded.state,
			properties = excluded.properties,
			metadata = excluded.metadata,
			tags = excluded.tags,
			parent_id = excluded.parent_id,
			children = excluded.children,
			updated_at = excluded.updated_at,
			version = excluded.version,
			checksum = excluded.checksum,
			node_id = excluded.node_id
	`

	_, err = tx.tx.ExecContext(ctx, query,
		r.ID,
		string(r.Type),
		r.Name,
		string(r.State),
		properties,
		metadata,
		tags,
		r.ParentID,
		children,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		r.Version,
		r.Checksum,
		r.ShardKey,
		r.NodeID,
	)
	if err != nil {
		return state.NewPersistenceError("failed to save resource", err).WithResource(r.ID)
	}
	return nil
}

// LoadResource retrieves a resource by ID.
func (s *SQLiteStore) LoadResource(ctx context.Context, id string) (*state.Resource, error) {
	query := `
		SELECT id, type, name, state, properties, metadata, tags,
		       parent_id, children, created_at, updated_at, version,
		       checksum, shard_key, node_id
		FROM resources
		WHERE id = ?
	`
	r, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, state.NewNotFoundError(id)
	}
	if err != nil {
		return nil, state.NewPersistenceError("failed to load resource", err).WithResource(id)
	}
	return r, nil
}

// ListResources returns resources matching the filter, ordered by ID.
// Type, state, and shard are pushed into SQL; tag matching happens
// after decode.
func (s *SQLiteStore) ListResources(ctx context.Context, filter state.ResourceFilter) ([]*state.Resource, error) {
	query := `
		SELECT id, type, name, state, properties, metadata, tags,
		       parent_id, children, created_at, updated_at, version,
		       checksum, shard_key, node_id
		FROM resources
		WHERE 1=1
	`
	args := []interface{}{}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.ShardKey != "" {
		query += " AND shard_key = ?"
		args = append(args, filter.ShardKey)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, state.NewPersistenceError("failed to list resources", err)
	}
	defer rows.Close()

	resources := []*state.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, state.NewPersistenceError("failed to scan resource", err)
		}
		if filter.Matches(r) {
			resources = append(resources, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, state.NewPersistenceError("error iterating resources", err)
	}
	return resources, nil
}

// DeleteResource removes a resource within the logical transaction.
func (s *SQLiteStore) DeleteResource(ctx context.Context, id string, txID string) error {
	tx, err := s.claimTx(txID, "delete", id)
	if err != nil {
		return err
	}

	result, err := tx.tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
	if err != nil {
		return state.NewPersistenceError("failed to delete resource", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return state.NewPersistenceError("failed to get rows affected", err).WithResource(id)
	}
	if rows == 0 {
		return state.NewNotFoundError(id)
	}
	return nil
}

// AppendEvent persists an event with the next per-resource sequence
// number. When the event carries the ID of an open logical transaction
// it joins that SQL transaction; otherwise it commits standalone.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *state.StateEvent) error {
	if ev == nil || ev.ResourceID == "" {
		return state.NewValidationError("event requires a resource id", nil)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if joined := s.lookupTx(ev.TransactionID); joined != nil {
		return s.appendEventOn(ctx, joined.tx, ev)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.NewPersistenceError("failed to begin event transaction", err).WithResource(ev.ResourceID)
	}
	if err := s.appendEventOn(ctx, tx, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return state.NewPersistenceError("failed to commit event", err).WithResource(ev.ResourceID)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) appendEventOn(ctx context.Context, q execQuerier, ev *state.StateEvent) error {
	var next int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM state_events WHERE resource_id = ?`,
		ev.ResourceID,
	).Scan(&next)
	if err != nil {
		return state.NewPersistenceError("failed to assign sequence number", err).WithResource(ev.ResourceID)
	}

	payload, err := marshalBlob(ev.Payload, "{}")
	if err != nil {
		return state.NewSerializationError("failed to encode event payload", err).WithResource(ev.ResourceID)
	}
	metadata, err := marshalBlob(ev.Metadata, "{}")
	if err != nil {
		return state.NewSerializationError("failed to encode event metadata", err).WithResource(ev.ResourceID)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO state_events (
			id, type, resource_id, timestamp, payload, metadata,
			node_id, user_id, transaction_id, sequence_number
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		string(ev.Type),
		ev.ResourceID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		payload,
		metadata,
		ev.NodeID,
		ev.UserID,
		ev.TransactionID,
		next,
	)
	if err != nil {
		return state.NewPersistenceError("failed to append event", err).WithResource(ev.ResourceID)
	}
	ev.SequenceNumber = next
	return nil
}

// QueryEvents returns events matching the filter, ordered by timestamp
// then sequence number ascending.
func (s *SQLiteStore) QueryEvents(ctx context.Context, filter state.EventFilter) ([]*state.StateEvent, error) {
	query := `
		SELECT id, type, resource_id, timestamp, payload, metadata,
		       node_id, user_id, transaction_id, sequence_number
		FROM state_events
		WHERE 1=1
	`
	args := []interface{}{}
	if filter.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, filter.ResourceID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp > ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp ASC, sequence_number ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, state.NewPersistenceError("failed to query events", err)
	}
	defer rows.Close()

	events := []*state.StateEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, state.NewPersistenceError("failed to scan event", err)
		}
		if filter.Matches(ev) {
			events = append(events, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, state.NewPersistenceError("error iterating events", err)
	}
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// SaveSnapshot persists an immutable snapshot. The resource set is
// stored as a single JSON document.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *state.StateSnapshot) error {
	if snap == nil || snap.ID == "" {
		return state.NewValidationError("snapshot requires an id", nil)
	}
	resources, err := marshalBlob(snap.Resources, "{}")
	if err != nil {
		return state.NewSerializationError("failed to encode snapshot resources", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			id, timestamp, resources, checksum, shard_key,
			parent_snapshot_id, description
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		snap.ID,
		snap.Timestamp.UTC().Format(time.RFC3339Nano),
		resources,
		snap.Checksum,
		snap.ShardKey,
		snap.ParentSnapshotID,
		snap.Description,
	)
	if err != nil {
		return state.NewPersistenceError("failed to save snapshot", err)
	}
	return nil
}

// LoadSnapshot retrieves a snapshot by ID.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, id string) (*state.StateSnapshot, error) {
	query := `
		SELECT id, timestamp, resources, checksum, shard_key,
		       parent_snapshot_id, description
		FROM snapshots
		WHERE id = ?
	`
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, state.NewSnapshotNotFoundError(id)
	}
	if err != nil {
		return nil, state.NewPersistenceError("failed to load snapshot", err)
	}
	return snap, nil
}

// ListSnapshots returns all snapshots, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]*state.StateSnapshot, error) {
	query := `
		SELECT id, timestamp, resources, checksum, shard_key,
		       parent_snapshot_id, description
		FROM snapshots
		ORDER BY timestamp DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, state.NewPersistenceError("failed to list snapshots", err)
	}
	defer rows.Close()

	snapshots := []*state.StateSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, state.NewPersistenceError("failed to scan snapshot", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, state.NewPersistenceError("error iterating snapshots", err)
	}
	// Timestamps share a fixed UTC format, so SQL ordering is already
	// chronological; the sort keeps equal timestamps stable by ID.
	sort.SliceStable(snapshots, func(i, j int) bool {
		if snapshots[i].Timestamp.Equal(snapshots[j].Timestamp) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResource(row scanner) (*state.Resource, error) {
	var (
		r          state.Resource
		typ        string
		st         string
		properties string
		metadata   string
		tags       string
		children   string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(
		&r.ID,
		&typ,
		&r.Name,
		&st,
		&properties,
		&metadata,
		&tags,
		&r.ParentID,
		&children,
		&createdAt,
		&updatedAt,
		&r.Version,
		&r.Checksum,
		&r.ShardKey,
		&r.NodeID,
	)
	if err != nil {
		return nil, err
	}

	r.Type = state.ResourceType(typ)
	r.State = state.ResourceState(st)
	if err := unmarshalBlob(properties, &r.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode properties: %w", err)
	}
	if err := unmarshalBlob(metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := unmarshalBlob(tags, &r.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if err := unmarshalBlob(children, &r.Children); err != nil {
		return nil, fmt.Errorf("failed to decode children: %w", err)
	}
	if r.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &r, nil
}

func scanEvent(row scanner) (*state.StateEvent, error) {
	var (
		ev        state.StateEvent
		typ       string
		timestamp string
		payload   string
		metadata  string
	)
	err := row.Scan(
		&ev.ID,
		&typ,
		&ev.ResourceID,
		&timestamp,
		&payload,
		&metadata,
		&ev.NodeID,
		&ev.UserID,
		&ev.TransactionID,
		&ev.SequenceNumber,
	)
	if err != nil {
		return nil, err
	}

	ev.Type = state.EventType(typ)
	if err := unmarshalBlob(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if err := unmarshalBlob(metadata, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode event metadata: %w", err)
	}
	if ev.Timestamp, err = parseStoredTime(timestamp); err != nil {
		return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
	}
	return &ev, nil
}

func scanSnapshot(row scanner) (*state.StateSnapshot, error) {
	var (
		snap      state.StateSnapshot
		timestamp string
		resources string
	)
	err := row.Scan(
		&snap.ID,
		&timestamp,
		&resources,
		&snap.Checksum,
		&snap.ShardKey,
		&snap.ParentSnapshotID,
		&snap.Description,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalBlob(resources, &snap.Resources); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot resources: %w", err)
	}
	if snap.Timestamp, err = parseStoredTime(timestamp); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	return &snap, nil
}

// marshalBlob encodes a value as a JSON string, substituting the given
// empty document for nil so columns stay NOT NULL.
func marshalBlob(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func unmarshalBlob(blob string, target interface{}) error {
	if blob == "" {
		return nil
	}
	return json.Unmarshal([]byte(blob), target)
}

func parseStoredTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
