// Package deadletter persists payloads the delivery worker gave up on.
//
// Abandoned batches are otherwise invisible beyond a counter and a log line;
// keeping the final payload plus the last error makes "why didn't this alert
// arrive" answerable after the fact. The store is append-mostly, pruned by
// count, and strictly best-effort: a store failure never affects delivery.
package deadletter

import (
	"errors"
	"strings"

	"chatsink/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if dead-lettering is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown dead-letter driver: " + driver)
	}
}
