package deadletter

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"chatsink/pkg/logx"
)

func entry(i int) Entry {
	return Entry{
		ID:        fmt.Sprintf("id-%03d", i),
		At:        time.Now().Add(time.Duration(i) * time.Second),
		Records:   2,
		Attempts:  4,
		LastError: "remote returned 500",
		Payload:   []byte(`{"text":"x"}`),
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled store: got (%v, %v)", st, err)
	}
	st, err = Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("driver=none: got (%v, %v)", st, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.Put(ctx, entry(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "id-000" || got[2].ID != "id-002" {
		t.Fatalf("order wrong: %q .. %q", got[0].ID, got[2].ID)
	}
	if got[1].LastError != "remote returned 500" {
		t.Fatalf("entry data lost: %+v", got[1])
	}
}

func TestFileCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	st, err := Open(Config{Driver: "file", Path: path, MaxEntries: 5}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if err := st.Put(ctx, entry(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := st.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) > 6 {
		t.Fatalf("compaction did not bound the file: %d entries", len(got))
	}
	// The newest entry always survives.
	last := got[len(got)-1]
	if last.ID != "id-011" {
		t.Fatalf("newest entry missing, got %q", last.ID)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.Put(ctx, entry(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := st.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Oldest-first within the returned window.
	if got[0].ID != "id-001" || got[1].ID != "id-002" {
		t.Fatalf("order wrong: %q, %q", got[0].ID, got[1].ID)
	}
	if string(got[0].Payload) != `{"text":"x"}` {
		t.Fatalf("payload lost: %q", got[0].Payload)
	}
}
