package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileManagerRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Load(ctx); err != ErrNoCheckpoint {
		t.Fatalf("Load before Save = %v, want ErrNoCheckpoint", err)
	}

	cp := &Checkpoint{RunID: "run-1", Mode: "single", Polls: 12, NextChunk: 13, Alerts: 40}
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if cp.UpdatedAt.IsZero() {
		t.Error("Save should stamp UpdatedAt")
	}

	got, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Polls != 12 || got.NextChunk != 13 || got.RunID != "run-1" {
		t.Errorf("Load = %+v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "checkpoint_stream.json")); err != nil {
		t.Errorf("checkpoint file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoint_stream.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()

	if err := m.Save(ctx, &Checkpoint{Polls: 1}); err != nil {
		t.Errorf("Save = %v", err)
	}
	if _, err := m.Load(ctx); err != ErrNoCheckpoint {
		t.Errorf("Load = %v, want ErrNoCheckpoint", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "checkpoint_x.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(Config{Enabled: true, Dir: dir, Name: "x"})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := m.Load(context.Background()); err == nil || err == ErrNoCheckpoint {
		t.Errorf("Load corrupt = %v, want parse error", err)
	}
}
