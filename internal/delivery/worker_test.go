package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatsink/internal/deadletter"
	"chatsink/internal/diag"
	"chatsink/internal/eventbus"
	"chatsink/internal/payload"
	"chatsink/internal/record"
	"chatsink/pkg/logx"
)

// scriptedTransport fails or succeeds per a scripted status sequence; once
// the script runs out every call succeeds. Status 0 means success.
type scriptedTransport struct {
	mu     sync.Mutex
	script []int
	calls  int
	bodies [][]byte
}

func (s *scriptedTransport) Describe() string { return "scripted" }

func (s *scriptedTransport) Send(ctx context.Context, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	if idx < len(s.script) && s.script[idx] != 0 {
		return &StatusError{Code: s.script[idx]}
	}
	return nil
}

func (s *scriptedTransport) snapshot() (int, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([][]byte(nil), s.bodies...)
}

func testWorker(t *testing.T, cfg Config, tr Transport, dead deadletter.Store) (*Worker, *diag.Counters, func()) {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	cfg.Seed = 1

	counters := &diag.Counters{}
	fmtr := payload.New(payload.Config{Layout: payload.LayoutText})
	w := NewWorker(cfg, tr, fmtr, counters, eventbus.New(), dead, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	stop := func() {
		w.BeginShutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cancel()
			<-done
		}
		cancel()
	}
	return w, counters, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mkRec(level record.Level, target, msg string) *record.Record {
	return &record.Record{Time: time.Now(), Level: level, Target: target, Message: msg}
}

func TestMaxCountFlushDeliversWithoutAgeWait(t *testing.T) {
	tr := &scriptedTransport{}
	w, counters, stop := testWorker(t, Config{MaxCount: 2, MaxAge: time.Hour}, tr, nil)
	defer stop()

	if !w.Enqueue(mkRec(record.LevelError, "app", "one")) {
		t.Fatalf("enqueue rejected")
	}
	if !w.Enqueue(mkRec(record.LevelError, "app", "two")) {
		t.Fatalf("enqueue rejected")
	}

	waitFor(t, "delivery", func() bool { return counters.Snapshot().BatchesDelivered == 1 })
	if got := counters.Snapshot().SendRetries; got != 0 {
		t.Fatalf("retries = %d, want 0", got)
	}
	calls, bodies := tr.snapshot()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	var env struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(bodies[0], &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Text != "[ERROR] app: one\n[ERROR] app: two" {
		t.Fatalf("text = %q", env.Text)
	}
}

func TestMaxAgeFlush(t *testing.T) {
	tr := &scriptedTransport{}
	w, counters, stop := testWorker(t, Config{MaxCount: 100, MaxAge: 20 * time.Millisecond}, tr, nil)
	defer stop()

	// Far below MaxCount: only the age threshold can trigger this flush.
	w.Enqueue(mkRec(record.LevelWarn, "app", "lonely"))

	waitFor(t, "age-triggered delivery", func() bool { return counters.Snapshot().BatchesDelivered == 1 })
	calls, _ := tr.snapshot()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryThenDeliver(t *testing.T) {
	tr := &scriptedTransport{script: []int{500, 500, 0}}
	w, counters, stop := testWorker(t, Config{MaxCount: 1, MaxAge: time.Hour, MaxAttempts: 4}, tr, nil)
	defer stop()

	w.Enqueue(mkRec(record.LevelError, "app", "flaky"))

	waitFor(t, "delivery after retries", func() bool { return counters.Snapshot().BatchesDelivered == 1 })
	s := counters.Snapshot()
	if s.SendRetries != 2 {
		t.Fatalf("retries = %d, want 2", s.SendRetries)
	}
	if s.BatchesAbandoned != 0 {
		t.Fatalf("abandoned = %d, want 0", s.BatchesAbandoned)
	}
	calls, _ := tr.snapshot()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryCeilingAbandons(t *testing.T) {
	tr := &scriptedTransport{script: []int{500, 500, 500, 500, 500, 500}}
	w, counters, stop := testWorker(t, Config{MaxCount: 1, MaxAge: time.Hour, MaxAttempts: 3}, tr, nil)
	defer stop()

	w.Enqueue(mkRec(record.LevelError, "app", "down"))

	waitFor(t, "abandonment", func() bool { return counters.Snapshot().BatchesAbandoned == 1 })
	calls, _ := tr.snapshot()
	if calls != 3 {
		t.Fatalf("calls = %d, want exactly the ceiling of 3", calls)
	}
	if got := counters.Snapshot().BatchesDelivered; got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}

	// No further attempts happen later.
	time.Sleep(30 * time.Millisecond)
	if calls2, _ := tr.snapshot(); calls2 != 3 {
		t.Fatalf("calls grew to %d after abandonment", calls2)
	}
}

func TestNonRetryable4xxAbandonsImmediately(t *testing.T) {
	tr := &scriptedTransport{script: []int{400}}
	dir := t.TempDir()
	dead, err := deadletter.Open(deadletter.Config{Driver: "file", Path: filepath.Join(dir, "dead.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("deadletter.Open: %v", err)
	}
	defer dead.Close()

	w, counters, stop := testWorker(t, Config{MaxCount: 1, MaxAge: time.Hour, MaxAttempts: 5}, tr, dead)
	defer stop()

	w.Enqueue(mkRec(record.LevelError, "app", "bad payload"))

	waitFor(t, "abandonment", func() bool { return counters.Snapshot().BatchesAbandoned == 1 })
	calls, _ := tr.snapshot()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 400)", calls)
	}
	if got := counters.Snapshot().SendRetries; got != 0 {
		t.Fatalf("retries = %d, want 0", got)
	}

	entries, err := dead.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 1 || entries[0].Records != 1 {
		t.Fatalf("entry = %+v", entries[0])
	}
	if entries[0].LastError == "" {
		t.Fatalf("dead letter lost its cause")
	}
}

func TestBackpressureDropsExactOverflow(t *testing.T) {
	// Worker never runs: the queue stays saturated after QueueSize sends.
	counters := &diag.Counters{}
	fmtr := payload.New(payload.Config{Layout: payload.LayoutText})
	w := NewWorker(Config{QueueSize: 4}, &scriptedTransport{}, fmtr, counters, nil, nil, logx.Nop())

	const submitted = 10
	start := time.Now()
	accepted := 0
	for i := 0; i < submitted; i++ {
		if w.Enqueue(mkRec(record.LevelInfo, "t", fmt.Sprintf("m%d", i))) {
			accepted++
		}
	}
	elapsed := time.Since(start)

	if accepted != 4 {
		t.Fatalf("accepted = %d, want 4", accepted)
	}
	if got := counters.Snapshot().EventsDropped; got != submitted-4 {
		t.Fatalf("dropped = %d, want %d", got, submitted-4)
	}
	// The hook path must never block on a stalled consumer.
	if elapsed > time.Second {
		t.Fatalf("enqueue of %d events took %v", submitted, elapsed)
	}
}

func TestGracefulShutdownFlushesAccumulatingBatch(t *testing.T) {
	tr := &scriptedTransport{}
	w, counters, stop := testWorker(t, Config{MaxCount: 100, MaxAge: time.Hour}, tr, nil)

	for i := 0; i < 3; i++ {
		if !w.Enqueue(mkRec(record.LevelWarn, "app", fmt.Sprintf("m%d", i))) {
			t.Fatalf("enqueue rejected")
		}
	}
	stop()

	if got := counters.Snapshot().BatchesDelivered; got != 1 {
		t.Fatalf("delivered = %d, want 1 (final flush)", got)
	}
	if got := counters.Snapshot().EventsDropped; got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}

	// Late events are dropped, not queued.
	if w.Enqueue(mkRec(record.LevelWarn, "app", "late")) {
		t.Fatalf("enqueue after shutdown must be rejected")
	}
	if got := counters.Snapshot().EventsDropped; got != 1 {
		t.Fatalf("late drop not counted: %d", got)
	}
}
