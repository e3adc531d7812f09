package state

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleProgress(path string) FileProgress {
	return FileProgress{
		Path:            path,
		Size:            2048,
		ModTime:         time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC),
		ProcessedOffset: 1024,
		Header:          []string{"id", "val"},
		RowsEmitted:     12,
		RowsSkipped:     1,
		Inode:           5678,
	}
}

func TestStorePutGet(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "state"), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	if p, ok := store.Get("/data/missing.csv"); ok || p.ProcessedOffset != 0 || p.Header != nil {
		t.Errorf("Get() of absent path = %+v, %v; want zero record", p, ok)
	}

	store.Put(sampleProgress("/data/a.csv"))

	p, ok := store.Get("/data/a.csv")
	if !ok {
		t.Fatal("Progress not found")
	}
	if p.ProcessedOffset != 1024 {
		t.Errorf("Expected offset 1024, got %d", p.ProcessedOffset)
	}
	if p.RowsRead() != 13 {
		t.Errorf("Expected 13 rows read, got %d", p.RowsRead())
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	store1, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	missing := sampleProgress("/data/b.csv")
	missing.MissingSince = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	empty := FileProgress{Path: "/data/empty.csv", ModTime: time.Unix(1700000000, 0)}

	store1.Put(sampleProgress("/data/a.csv"))
	store1.Put(missing)
	store1.Put(empty)

	if err := store1.Save(); err != nil {
		t.Fatalf("Failed to save state: %v", err)
	}

	store2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Failed to open second store: %v", err)
	}
	if err := store2.Load(); err != nil {
		t.Fatalf("Failed to load state: %v", err)
	}

	if !reflect.DeepEqual(store1.Snapshot(), store2.Snapshot()) {
		t.Errorf("round trip mismatch:\n saved  %+v\n loaded %+v", store1.Snapshot(), store2.Snapshot())
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	if err := store.Load(); err != nil {
		t.Fatalf("Load() without a state file should succeed, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected empty store, got %d entries", store.Len())
	}
}

func TestStoreLoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{not json"},
		{"truncated", `{"version":1,"files":{"/a.csv":{"path":"/a.csv","si`},
		{"unknown version", `{"version":99,"files":{}}`},
		{"legacy layout", `{"/a.csv":{"last_mtime":1.5,"last_size":10,"last_row":3}}`},
		{"negative offset", `{"version":1,"files":{"/a.csv":{"path":"/a.csv","processed_offset":-1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := Open(dir, nil)
			if err != nil {
				t.Fatalf("Failed to open store: %v", err)
			}
			if err := os.WriteFile(store.Path(), []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write state file: %v", err)
			}

			err = store.Load()
			var corrupt *CorruptionError
			if !errors.As(err, &corrupt) {
				t.Fatalf("Load() error = %v, want *CorruptionError", err)
			}
			if store.Len() != 0 {
				t.Errorf("Expected empty store after corruption, got %d", store.Len())
			}
			if _, err := os.Stat(store.Path() + ".corrupt"); err != nil {
				t.Errorf("corrupt file should be preserved: %v", err)
			}

			// The store stays usable.
			store.Put(sampleProgress("/data/a.csv"))
			if err := store.Save(); err != nil {
				t.Fatalf("Save() after corruption error = %v", err)
			}
		})
	}
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	store.Put(sampleProgress("/data/a.csv"))
	for i := 0; i < 3; i++ {
		if err := store.Save(); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"version": 1`) {
		t.Errorf("state file is not versioned: %s", data)
	}
}

func TestStoreMarkSeen(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	store.Put(sampleProgress("/data/a.csv"))
	store.Put(sampleProgress("/data/b.csv"))

	grace := time.Hour
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	present := map[string]struct{}{"/data/a.csv": {}}

	if dropped := store.MarkSeen(present, start, grace); len(dropped) != 0 {
		t.Fatalf("nothing should be dropped on first absence, got %v", dropped)
	}
	b, _ := store.Get("/data/b.csv")
	if !b.MissingSince.Equal(start) {
		t.Errorf("MissingSince = %v, want %v", b.MissingSince, start)
	}

	// Still within grace.
	if dropped := store.MarkSeen(present, start.Add(30*time.Minute), grace); len(dropped) != 0 {
		t.Fatalf("dropped within grace: %v", dropped)
	}

	// File comes back: mark cleared.
	both := map[string]struct{}{"/data/a.csv": {}, "/data/b.csv": {}}
	store.MarkSeen(both, start.Add(40*time.Minute), grace)
	b, _ = store.Get("/data/b.csv")
	if !b.MissingSince.IsZero() {
		t.Errorf("MissingSince should be cleared, got %v", b.MissingSince)
	}

	// Gone again, then past grace.
	store.MarkSeen(present, start.Add(2*time.Hour), grace)
	dropped := store.MarkSeen(present, start.Add(4*time.Hour), grace)
	if len(dropped) != 1 || dropped[0] != "/data/b.csv" {
		t.Fatalf("dropped = %v, want [/data/b.csv]", dropped)
	}
	if _, ok := store.Get("/data/b.csv"); ok {
		t.Error("b.csv should be removed from state")
	}
	if _, ok := store.Get("/data/a.csv"); !ok {
		t.Error("a.csv should remain")
	}
}

func TestStoreReset(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	store.Put(sampleProgress("/data/a.csv"))
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("store not empty after reset")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Errorf("state file should be removed, stat err = %v", err)
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	if _, err := AcquireLock(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLocked", err)
	}

	if err := lock1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	lock2.Release()
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()

	files, err := Inspect(dir)
	if err != nil || len(files) != 0 {
		t.Fatalf("Inspect() of empty dir = %v, %v", files, err)
	}

	store, _ := Open(dir, nil)
	store.Put(sampleProgress("/data/a.csv"))
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	files, err = Inspect(dir)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if files["/data/a.csv"].ProcessedOffset != 1024 {
		t.Errorf("Inspect() = %+v", files)
	}

	os.WriteFile(store.Path(), []byte("{not json"), 0644)
	_, err = Inspect(dir)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Errorf("Inspect() error = %v, want *CorruptionError", err)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Errorf("Inspect must not move the state file: %v", err)
	}
}
