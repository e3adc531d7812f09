package dlq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/parser"
)

func TestNewDeadLetterQueue(t *testing.T) {
	if _, err := NewDeadLetterQueue(DLQConfig{}); err == nil {
		t.Error("expected error without a directory")
	}

	dir := filepath.Join(t.TempDir(), "nested", "dlq")
	q, err := NewDeadLetterQueue(DLQConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewDeadLetterQueue() error = %v", err)
	}
	defer q.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory not created: %v", err)
	}
	if q.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %q", q.Path())
	}
	if q.config.MaxSizeMB != 10 || q.config.MaxBackups != 3 {
		t.Errorf("defaults not applied: %+v", q.config)
	}
}

func TestEnqueueAndRead(t *testing.T) {
	q, err := NewDeadLetterQueue(DLQConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewDeadLetterQueue() error = %v", err)
	}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	rejects := []*parser.ParseError{
		{Path: "/data/a.csv", RowIndex: 3, Offset: 42, Values: []string{"3"}, Err: parser.ErrColumnCount},
		{Path: "/data/a.csv", RowIndex: 7, Offset: 99, Err: parser.ErrInvalidUTF8},
	}
	for _, r := range rejects {
		if err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	entries, err := q.GetAll()
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	first := entries[0]
	if first.Path != "/data/a.csv" || first.RowIndex != 3 || first.Offset != 42 {
		t.Errorf("entry = %+v", first)
	}
	if first.Reason != parser.ErrColumnCount.Error() {
		t.Errorf("Reason = %q", first.Reason)
	}
	if len(first.Values) != 1 || first.Values[0] != "3" {
		t.Errorf("Values = %v", first.Values)
	}
	if !first.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, fixed)
	}
	if entries[1].Values == nil {
		t.Error("missing values should round-trip as an empty list")
	}

	if m := q.Metrics(); m.Enqueued != 2 || m.Failed != 0 {
		t.Errorf("Metrics() = %+v", m)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.Enqueue(rejects[0]); !errors.Is(err, ErrDLQClosed) {
		t.Errorf("Enqueue() after Close = %v, want ErrDLQClosed", err)
	}
	if err := q.Close(); !errors.Is(err, ErrDLQClosed) {
		t.Errorf("second Close() = %v, want ErrDLQClosed", err)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		q, err := NewDeadLetterQueue(DLQConfig{Dir: dir})
		if err != nil {
			t.Fatalf("NewDeadLetterQueue() error = %v", err)
		}
		if err := q.Enqueue(&parser.ParseError{Path: "b.csv", RowIndex: int64(i + 1), Err: parser.ErrColumnCount}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		q.Close()
	}

	entries, err := ReadEntries(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want entries appended across opens", len(entries))
	}
}

func TestReadEntries(t *testing.T) {
	entries, err := ReadEntries(filepath.Join(t.TempDir(), "missing.ndjson"))
	if err != nil || entries != nil {
		t.Errorf("missing file = (%v, %v), want (nil, nil)", entries, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.ndjson")
	if err := os.WriteFile(bad, []byte("{\"path\":\"a.csv\"}\n\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	entries, err = ReadEntries(bad)
	if err == nil {
		t.Error("expected decode error")
	}
	if len(entries) != 1 {
		t.Errorf("entries before the bad line = %d, want 1", len(entries))
	}
}
