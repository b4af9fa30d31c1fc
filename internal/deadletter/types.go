package deadletter

import (
	"context"
	"time"
)

// Config configures the dead-letter store.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", dead-lettering is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MaxEntries caps how many abandoned payloads are retained.
	// Oldest entries are pruned first. 0 means the default (1000).
	MaxEntries int
}

// Entry is one abandoned payload kept for post-mortem inspection.
// Retention is best-effort: the store never guarantees delivery and is not a
// redelivery queue.
type Entry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Records   int       `json:"records"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Payload   []byte    `json:"payload"`
}

// Store is the persistence API used by the delivery worker.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

const defaultMaxEntries = 1000
