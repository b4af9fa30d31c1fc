package chatsink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsink/internal/delivery"
	"chatsink/internal/eventbus"
)

// webhookRecorder captures request bodies and plays back a scripted status
// sequence (0 means 200 OK; once the script runs out every call succeeds).
type webhookRecorder struct {
	mu     sync.Mutex
	bodies []string
	script []int
}

func (w *webhookRecorder) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.bodies = append(w.bodies, string(body))
		status := 0
		if n := len(w.bodies) - 1; n < len(w.script) {
			status = w.script[n]
		}
		w.mu.Unlock()
		if status != 0 {
			http.Error(rw, "nope", status)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}
}

func (w *webhookRecorder) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

func (w *webhookRecorder) body(i int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i >= len(w.bodies) {
		return ""
	}
	return w.bodies[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func newTestSink(t *testing.T, url string, opts ...Option) *Sink {
	t.Helper()
	opts = append(opts,
		WithRetry(4, time.Millisecond, 5*time.Millisecond),
		WithShutdownGrace(5*time.Second),
		withSeed(1),
	)
	s, err := New(url, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestFilterThresholdAndPattern(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s := newTestSink(t, srv.URL,
		WithMinLevel("warn"),
		WithPattern("db"),
		WithBatch(1, time.Minute),
	)
	log := slog.New(s.Handler())

	log.Info("db connection ok")   // below threshold
	log.Warn("db timeout")         // passes
	log.Error("disk almost full")  // no pattern match

	waitFor(t, func() bool { return rec.calls() == 1 })
	if got := rec.body(0); !strings.Contains(got, "[WARN] app: db timeout") {
		t.Fatalf("unexpected body: %s", got)
	}
	// Give the third record a moment to (incorrectly) arrive.
	time.Sleep(20 * time.Millisecond)
	if rec.calls() != 1 {
		t.Fatalf("filtered records were delivered: %d calls", rec.calls())
	}

	// The INFO record is rejected by Enabled before Handle runs, so only the
	// two that reached the hook count as captured.
	snap := s.Counters()
	if snap.EventsCaptured != 2 || snap.EventsFiltered != 1 {
		t.Fatalf("counters: captured=%d filtered=%d", snap.EventsCaptured, snap.EventsFiltered)
	}
}

func TestBatchByCount(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s := newTestSink(t, srv.URL, WithMinLevel("info"), WithBatch(2, time.Minute))
	log := slog.New(s.Handler())

	log.Warn("first")
	log.Warn("second")

	waitFor(t, func() bool { return rec.calls() == 1 })
	var env struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(rec.body(0)), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := "[WARN] app: first\n[WARN] app: second"
	if env.Text != want {
		t.Fatalf("text = %q, want %q", env.Text, want)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	rec := &webhookRecorder{script: []int{500, 500, 0}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s := newTestSink(t, srv.URL, WithMinLevel("info"), WithBatch(1, time.Minute))
	log := slog.New(s.Handler())

	log.Error("upstream broke")

	waitFor(t, func() bool { return s.Counters().BatchesDelivered == 1 })
	if rec.calls() != 3 {
		t.Fatalf("calls = %d, want 3", rec.calls())
	}
	if snap := s.Counters(); snap.SendRetries != 2 {
		t.Fatalf("retries = %d, want 2", snap.SendRetries)
	}
}

func TestIdentityAndTargetAttr(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s := newTestSink(t, srv.URL,
		WithMinLevel("info"),
		WithBatch(1, time.Minute),
		WithIdentity("sinkbot", "#alerts", ":rotating_light:"),
	)
	log := slog.New(s.Handler())

	log.Warn("pool exhausted", "target", "db.pool", "waiters", 12)

	waitFor(t, func() bool { return rec.calls() == 1 })
	var env struct {
		Text     string `json:"text"`
		Username string `json:"username"`
		Channel  string `json:"channel"`
		Icon     string `json:"icon_emoji"`
	}
	if err := json.Unmarshal([]byte(rec.body(0)), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Username != "sinkbot" || env.Channel != "#alerts" || env.Icon != ":rotating_light:" {
		t.Fatalf("identity not carried: %+v", env)
	}
	if !strings.Contains(env.Text, "[WARN] db.pool: pool exhausted") {
		t.Fatalf("target attr not lifted: %q", env.Text)
	}
	if !strings.Contains(env.Text, "waiters=12") {
		t.Fatalf("field missing: %q", env.Text)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s, err := New(srv.URL, WithMinLevel("info"), WithBatch(16, time.Hour), withSeed(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log := slog.New(s.Handler())
	log.Warn("going down")

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.calls() != 1 {
		t.Fatalf("close did not flush: %d calls", rec.calls())
	}
	if err := s.Close(context.Background()); err != ErrClosed {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestEventsObserveDelivery(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s := newTestSink(t, srv.URL, WithMinLevel("info"), WithBatch(1, time.Minute))
	events, unsub := s.Events(8)
	defer unsub()

	slog.New(s.Handler()).Warn("observed")

	select {
	case e := <-events:
		if e.Type != eventbus.TypeBatchDelivered {
			t.Fatalf("event type = %q", e.Type)
		}
		de, ok := e.Data.(eventbus.DeliveryEvent)
		if !ok || de.Records != 1 {
			t.Fatalf("event data = %+v", e.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery event")
	}
}

func TestDigestBypassesFilter(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	// Threshold would reject INFO; the digest ships anyway.
	s := newTestSink(t, srv.URL, WithMinLevel("error"), WithBatch(1, time.Minute))
	s.sendDigest()

	waitFor(t, func() bool { return rec.calls() == 1 })
	if got := rec.body(0); !strings.Contains(got, "chatsink.digest") {
		t.Fatalf("digest body: %s", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Setenv(EnvWebhookURL, "")
	if _, err := New("", withSeed(1)); err == nil {
		t.Fatal("no destination accepted")
	}
	if _, err := New("http://example.invalid", WithPattern("["), withSeed(1)); err == nil {
		t.Fatal("invalid pattern accepted")
	}
	if _, err := New("http://example.invalid", WithDigest("not a cron spec"), withSeed(1)); err == nil {
		t.Fatal("invalid cron spec accepted")
	}
}

func TestHookPanicIsContained(t *testing.T) {
	s := newTestSink(t, "http://example.invalid", withTransport(panicTransport{}), WithBatch(1, time.Minute))
	// A transport panic must not reach the logging call site; the worker
	// contains it and the hook itself never panics.
	log := slog.New(s.Handler())
	log.Warn("boom fuel")
	waitFor(t, func() bool { return s.Counters().BatchesAbandoned == 1 })
}

type panicTransport struct{}

func (panicTransport) Send(context.Context, []byte) error { panic("transport exploded") }
func (panicTransport) Describe() string                   { return "panic" }

var _ delivery.Transport = panicTransport{}
