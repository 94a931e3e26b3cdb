package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "user-1", "house-1", ttl, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestBeginLoadResolve(t *testing.T) {
	m := newTestManager(t, time.Hour)

	cp, err := m.Begin([]string{"op-1", "op-2", "op-3"}, "req-1")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if cp.RequestID != "req-1" || len(cp.InFlight) != 3 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || loaded.CheckpointID != cp.CheckpointID {
		t.Fatalf("expected same checkpoint back, got %+v", loaded)
	}

	if err := m.Resolve([]string{"op-1", "op-3"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	loaded, err = m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || len(loaded.InFlight) != 1 || loaded.InFlight[0] != "op-2" {
		t.Fatalf("expected only op-2 in flight, got %+v", loaded)
	}

	// Resolving the last operation deletes the checkpoint.
	if err := m.Resolve([]string{"op-2"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	loaded, err = m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected checkpoint gone, got %+v", loaded)
	}
}

func TestStaleCheckpointDiscardedOnLoad(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)

	if _, err := m.Begin([]string{"op-1"}, "req-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// Advance the manager's clock past the TTL instead of sleeping.
	m.now = func() time.Time { return time.Now().Add(time.Second) }

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("stale checkpoint should be discarded, got %+v", loaded)
	}

	// And the file is actually gone.
	loaded, err = m.Load()
	if err != nil || loaded != nil {
		t.Fatalf("expected no checkpoint after discard, got %+v err=%v", loaded, err)
	}
}

func TestStalenessMeasuredFromLastAttempt(t *testing.T) {
	m := newTestManager(t, time.Minute)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	if _, err := m.Begin([]string{"op-1"}, "req-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// An attempt 50s in refreshes the staleness reference point.
	m.now = func() time.Time { return base.Add(50 * time.Second) }
	if _, err := m.RecordAttempt(); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	// 90s after creation but only 40s after the last attempt: still live.
	m.now = func() time.Time { return base.Add(90 * time.Second) }
	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("checkpoint should still be live")
	}
	if loaded.AttemptCount != 1 {
		t.Errorf("expected attemptCount 1, got %d", loaded.AttemptCount)
	}
}

func TestBeginReplacesPreviousCheckpoint(t *testing.T) {
	m := newTestManager(t, time.Hour)

	if _, err := m.Begin([]string{"op-1"}, "req-1"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	second, err := m.Begin([]string{"op-9"}, "req-2")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.CheckpointID != second.CheckpointID || loaded.RequestID != "req-2" {
		t.Fatalf("expected second checkpoint to win, got %+v", loaded)
	}
}

func TestCorruptCheckpointCleared(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "user-1", "", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "checkpoint-user-1.json"), []byte("garbage"), 0640); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load should clear corruption, got error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil checkpoint, got %+v", loaded)
	}
}
