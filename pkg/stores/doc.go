// Package stores provides persistence backends for the state store.
// It includes a shard-partitioned in-memory backend and a SQLite-based
// backend with WAL mode, embedded schema migrations, and logical
// single-write transactions covering resources, the append-only event
// journal, and snapshots.
package stores
