package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chatsink/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id         TEXT PRIMARY KEY,
    at         TEXT NOT NULL,
    records    INTEGER NOT NULL,
    attempts   INTEGER NOT NULL,
    last_error TEXT NOT NULL,
    payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_at ON dead_letters(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	max int

	// opCount triggers periodic pruning instead of pruning on every write.
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, max: cfg.MaxEntries, pruneEvery: 50}, nil
}

func (s *sqliteStore) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, at, records, attempts, last_error, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		e.Records, e.Attempts, e.LastError, e.Payload)
	if err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		s.prune(ctx)
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, records, attempts, last_error, payload
		 FROM dead_letters ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.ID, &at, &e.Records, &e.Attempts, &e.LastError, &e.Payload); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	// Oldest-first, matching the file driver.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) prune(ctx context.Context) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE id NOT IN
		 (SELECT id FROM dead_letters ORDER BY at DESC LIMIT ?)`, s.max)
	if err != nil {
		s.log.Warn("dead-letter prune failed", logx.Err(err))
	}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
