package chatsink

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"

	"chatsink/internal/record"
	"chatsink/pkg/logx"
)

// handler adapts a Sink to log/slog. It is immutable; WithAttrs and
// WithGroup return copies, so one sink can back any number of loggers.
type handler struct {
	sink   *Sink
	attrs  []record.Field // pre-bound fields, already prefixed
	groups []string
}

var _ slog.Handler = (*handler)(nil)

// Enabled gates on the severity threshold only; pattern filters need the
// full record and run in Handle. This keeps disabled levels nearly free for
// the host.
func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return levelFromSlog(level) >= h.sink.policy.MinLevel
}

// Handle converts the slog record and offers it to the sink. It never
// returns an error and never blocks: a full queue drops the record, and a
// panic anywhere downstream is swallowed so the host's logging call site
// stays safe.
func (h *handler) Handle(_ context.Context, r slog.Record) error {
	defer func() {
		if p := recover(); p != nil {
			h.sink.opts.log.Error("sink hook panic", logx.Any("panic", p))
		}
	}()

	rec := &record.Record{
		Time:    r.Time,
		Level:   levelFromSlog(r.Level),
		Target:  h.sink.opts.defaultTarget,
		Message: r.Message,
	}

	if n := len(h.attrs) + r.NumAttrs(); n > 0 {
		rec.Fields = make([]record.Field, 0, n)
	}
	rec.Fields = append(rec.Fields, h.attrs...)

	targetKey := h.sink.opts.targetKey
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		if prefix == "" && a.Value.Kind() == slog.KindString && a.Key == targetKey {
			rec.Target = a.Value.String()
			return true
		}
		rec.Fields = appendAttr(rec.Fields, prefix, a)
		return true
	})

	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		if f, _ := frames.Next(); f.File != "" {
			rec.Source = f.File + ":" + strconv.Itoa(f.Line)
		}
	}

	h.sink.offer(rec)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := h.clone()
	prefix := groupPrefix(h.groups)
	for _, a := range attrs {
		nh.attrs = appendAttr(nh.attrs, prefix, a)
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *handler) clone() *handler {
	return &handler{
		sink:   h.sink,
		attrs:  append([]record.Field(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

// appendAttr flattens groups into dot-separated keys so the payload layer
// only ever sees flat fields.
func appendAttr(dst []record.Field, prefix string, a slog.Attr) []record.Field {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		gp := prefix
		if a.Key != "" {
			gp = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			dst = appendAttr(dst, gp, ga)
		}
		return dst
	}
	if a.Key == "" {
		return dst
	}
	return append(dst, record.Field{Key: prefix + a.Key, Value: v.Any()})
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

// levelFromSlog maps slog's sparse level space onto the sink's ladder.
// Anything below Debug counts as trace, anything at or above Error as error.
func levelFromSlog(l slog.Level) record.Level {
	switch {
	case l < slog.LevelDebug:
		return record.LevelTrace
	case l < slog.LevelInfo:
		return record.LevelDebug
	case l < slog.LevelWarn:
		return record.LevelInfo
	case l < slog.LevelError:
		return record.LevelWarn
	default:
		return record.LevelError
	}
}
