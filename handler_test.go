package chatsink

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsink/internal/record"
)

type memTransport struct {
	mu     sync.Mutex
	bodies []string
}

func (m *memTransport) Send(_ context.Context, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, string(body))
	return nil
}

func (m *memTransport) Describe() string { return "mem" }

func (m *memTransport) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bodies...)
}

func TestLevelFromSlog(t *testing.T) {
	cases := []struct {
		in   slog.Level
		want record.Level
	}{
		{slog.LevelDebug - 4, record.LevelTrace},
		{slog.LevelDebug, record.LevelDebug},
		{slog.LevelInfo, record.LevelInfo},
		{slog.LevelInfo + 1, record.LevelInfo},
		{slog.LevelWarn, record.LevelWarn},
		{slog.LevelError, record.LevelError},
		{slog.LevelError + 8, record.LevelError},
	}
	for _, c := range cases {
		if got := levelFromSlog(c.in); got != c.want {
			t.Errorf("levelFromSlog(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestHandlerFlattensAttrsAndGroups(t *testing.T) {
	tr := &memTransport{}
	s := newTestSink(t, "", withTransport(tr),
		WithMinLevel("info"), WithBatch(1, time.Minute))

	log := slog.New(s.Handler()).With("svc", "api").WithGroup("req")
	log.Warn("slow request", "ms", int64(900), slog.Group("peer", "addr", "10.0.0.7"))

	waitFor(t, func() bool { return len(tr.all()) == 1 })
	body := tr.all()[0]
	for _, want := range []string{"svc=api", "req.ms=900", "req.peer.addr=10.0.0.7"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q: %s", want, body)
		}
	}
}

func TestTargetKeyOnlyAtTopLevel(t *testing.T) {
	tr := &memTransport{}
	s := newTestSink(t, "", withTransport(tr),
		WithMinLevel("info"), WithBatch(1, time.Minute))

	log := slog.New(s.Handler()).WithGroup("g")
	log.Warn("message", "target", "not.a.target")

	waitFor(t, func() bool { return len(tr.all()) == 1 })
	body := tr.all()[0]
	if !strings.Contains(body, "[WARN] app: message") {
		t.Fatalf("grouped target attr changed the record target: %s", body)
	}
	if !strings.Contains(body, "g.target=not.a.target") {
		t.Fatalf("grouped attr lost: %s", body)
	}
}

func TestEnabledTracksThreshold(t *testing.T) {
	tr := &memTransport{}
	s := newTestSink(t, "", withTransport(tr), WithMinLevel("warn"))

	h := s.Handler()
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("INFO enabled under warn threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatal("WARN disabled under warn threshold")
	}
}

func TestHandlerIsImmutable(t *testing.T) {
	tr := &memTransport{}
	s := newTestSink(t, "", withTransport(tr),
		WithMinLevel("info"), WithBatch(1, time.Minute))

	base := s.Handler()
	derived := base.WithAttrs([]slog.Attr{slog.String("k", "v")})

	log := slog.New(base)
	log.Warn("bare")

	waitFor(t, func() bool { return len(tr.all()) == 1 })
	if strings.Contains(tr.all()[0], "k=v") {
		t.Fatalf("derived attrs leaked into base handler: %s", tr.all()[0])
	}
	_ = derived
}
