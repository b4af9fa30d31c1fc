package relay

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/valyala/fastjson"

	"chatsink/pkg/logx"
)

// maxLineBytes bounds a single NDJSON record. Anything larger is treated as
// malformed input rather than buffered without limit.
const maxLineBytes = 1 << 20

// readLoop consumes newline-delimited JSON records from the input and feeds
// them into the current sink's handler. EOF is a clean shutdown: the
// supervisor context is cancelled so the daemon exits after the drain.
func (a *App) readLoop(ctx context.Context) error {
	sc := bufio.NewScanner(a.input)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var pool fastjson.ParserPool
	var malformed uint64

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		p := pool.Get()
		v, err := p.ParseBytes(line)
		if err != nil {
			pool.Put(p)
			malformed++
			a.log.Debug("malformed input line", logx.Err(err), logx.Uint64("total", malformed))
			continue
		}
		a.forward(ctx, v)
		pool.Put(p)
	}

	if err := sc.Err(); err != nil {
		return err
	}
	a.log.Info("input closed", logx.Uint64("malformed", malformed))
	a.sup.Cancel()
	return nil
}

// forward maps one parsed line onto a slog record and hands it to the
// current sink. Recognized keys: time/ts, level, target/logger, message/msg.
// Everything else becomes a field.
func (a *App) forward(ctx context.Context, v *fastjson.Value) {
	s := a.sink.Load()
	if s == nil {
		return
	}

	msg := string(v.GetStringBytes("message"))
	if msg == "" {
		msg = string(v.GetStringBytes("msg"))
	}
	level := parseSlogLevel(string(v.GetStringBytes("level")))
	ts := parseTime(v)

	rec := slog.NewRecord(ts, level, msg, 0)
	if target := string(v.GetStringBytes("target")); target != "" {
		rec.AddAttrs(slog.String("target", target))
	} else if logger := string(v.GetStringBytes("logger")); logger != "" {
		rec.AddAttrs(slog.String("target", logger))
	}

	obj, err := v.Object()
	if err != nil {
		return
	}
	obj.Visit(func(key []byte, val *fastjson.Value) {
		switch string(key) {
		case "time", "ts", "level", "target", "logger", "message", "msg":
			return
		}
		rec.AddAttrs(slog.Any(string(key), fieldValue(val)))
	})

	h := s.Handler()
	if h.Enabled(ctx, level) {
		_ = h.Handle(ctx, rec)
	}
}

func fieldValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		f := v.GetFloat64()
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeNull:
		return nil
	default:
		// Arrays and objects ship as their JSON text.
		return v.String()
	}
}

// parseTime accepts RFC3339 strings under "time" or epoch seconds,
// milliseconds, or nanoseconds under "ts". Absent or unparseable timestamps
// fall back to now.
func parseTime(v *fastjson.Value) time.Time {
	if raw := v.GetStringBytes("time"); len(raw) > 0 {
		if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			return t
		}
	}
	if ts := v.GetInt64("ts"); ts > 0 {
		switch {
		case ts > 1e17: // nanoseconds
			return time.Unix(0, ts)
		case ts > 1e12: // milliseconds
			return time.UnixMilli(ts)
		default: // seconds
			return time.Unix(ts, 0)
		}
	}
	return time.Now()
}

func parseSlogLevel(s string) slog.Level {
	switch s {
	case "trace", "TRACE":
		return slog.LevelDebug - 4
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "warning", "WARN", "WARNING":
		return slog.LevelWarn
	case "error", "err", "ERROR", "ERR", "fatal", "FATAL", "panic", "PANIC":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
