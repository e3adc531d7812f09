package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitWake(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up received")
	}
}

func TestWakeOnWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Debounce: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(path, []byte("id\n1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitWake(t, w)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("2\n")
	f.Close()
	waitWake(t, w)
}

func TestBurstCoalesces(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Debounce: 100 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i))+".csv")
		if err := os.WriteFile(name, []byte("x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	waitWake(t, w)

	select {
	case <-w.Wake():
		t.Error("burst produced more than one wake-up")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRecursiveWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Recursive: true, Debounce: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	sub := filepath.Join(dir, "2024")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	waitWake(t, w)

	// Give the loop a moment to register the new directory
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "b.csv"), []byte("id\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitWake(t, w)
}

func TestNewErrors(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error without a directory")
	}
	if _, err := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil); err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.Start()
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
