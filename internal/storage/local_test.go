package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoreCreateIsExclusive(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir, "alerts")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	key := "processed_0001.json"

	if err := store.Create(ctx, key, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = store.Create(ctx, key, []byte(`{"b":2}`))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("second Create should fail with ErrExists, got %v", err)
	}

	// Original content must survive the rejected write
	data, err := os.ReadFile(filepath.Join(tmpDir, "alerts", key))
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("content = %s, want original", data)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Join(tmpDir, "alerts"))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLocalStoreReadDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing should return ErrNotFound, got %v", err)
	}

	if err := store.Create(ctx, "x.json", []byte("{}")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	exists, err := store.Exists(ctx, "x.json")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}

	data, err := store.Read(ctx, "x.json")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("Read = %s", data)
	}

	if err := store.Delete(ctx, "x.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "x.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete should return ErrNotFound, got %v", err)
	}
}

func TestLocalStoreList(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	for _, k := range []string{"processed_0002.json", "processed_0001.json", "reformatted_0001.json"} {
		if err := store.Create(ctx, k, []byte("{}")); err != nil {
			t.Fatalf("Create %s failed: %v", k, err)
		}
	}
	// Leftover temp file and a subdirectory must be ignored
	os.WriteFile(filepath.Join(tmpDir, "processed_0003.json.tmp.abc"), []byte("{"), 0644)
	os.Mkdir(filepath.Join(tmpDir, "processed_dir"), 0755)

	keys, err := store.List(ctx, "processed_")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"processed_0001.json", "processed_0002.json"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("List = %v, want %v", keys, want)
	}
}

func TestLocalStoreURI(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewLocalStore(tmpDir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	uri := store.URI("processed_0001.json")
	if !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, "/processed_0001.json") {
		t.Errorf("URI = %s", uri)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	if _, err := NewStore(ctx, Config{Backend: "gcs"}); err == nil {
		t.Error("gcs without bucket should fail")
	}
	if _, err := NewStore(ctx, Config{Backend: "ftp"}); err == nil {
		t.Error("unknown backend should fail")
	}

	store, err := NewStore(ctx, ConfigFor(t.TempDir()))
	if err != nil {
		t.Fatalf("local NewStore failed: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("plain path should open a LocalStore, got %T", store)
	}

	store, err = NewStore(ctx, ConfigFor("mem://"))
	if err != nil {
		t.Fatalf("mem NewStore failed: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*BlobStore); !ok {
		t.Errorf("mem:// should open a BlobStore, got %T", store)
	}
}
