package record

import (
	"strings"
	"time"
)

// Level is the severity of a captured record.
// The numeric order matters: filters compare levels directly.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name onto a Level, falling back to def.
// Accepts the common aliases ("warning", lowercase, surrounding space).
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "err":
		return LevelError
	default:
		return def
	}
}

// Field is one structured key/value attached to a record.
// Order is preserved from the emitting call site.
type Field struct {
	Key   string
	Value any
}

// Record is an immutable snapshot of one captured event.
//
// It is built synchronously on the emitting goroutine, handed to the delivery
// worker over a channel, and discarded after formatting (or on drop). Nothing
// mutates a Record after construction, so it needs no locking.
type Record struct {
	Time    time.Time
	Level   Level
	Target  string
	Message string
	Fields  []Field

	// Source is the emitting file:line when the host provides one, else "".
	Source string
}
