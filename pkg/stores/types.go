package stores

import (
	"fmt"
	"time"
)

// txStatus tracks the lifecycle of a logical transaction.
type txStatus string

const (
	txStatusPending    txStatus = "pending"
	txStatusCommitted  txStatus = "committed"
	txStatusRolledBack txStatus = "rolled_back"
)

// logicalTx is the bookkeeping for one logical transaction. A
// transaction wraps exactly one save or delete; the used flag rejects a
// second write on the same transaction.
type logicalTx struct {
	ID         string
	Status     txStatus
	Operation  string
	ResourceID string
	StartedAt  time.Time
	used       bool
}

// SQLiteConfig holds SQLite backend configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// applyDefaults fills unset pool settings.
func (c *SQLiteConfig) applyDefaults() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return nil
}

// MemoryConfig holds in-memory backend configuration.
type MemoryConfig struct {
	// ShardCount is the number of physical buckets logical shard keys
	// fold onto. Defaults to 16.
	ShardCount int
}

func (c *MemoryConfig) applyDefaults() {
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
}
