// Package dlq keeps rows the parser had to skip so they can be inspected
// and replayed by hand.
package dlq

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/parser"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the active dead letter file
const FileName = "rejected.ndjson"

var ErrDLQClosed = errors.New("DLQ is closed")

// DLQConfig holds configuration for the dead letter queue
type DLQConfig struct {
	Dir string

	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept
	MaxBackups int

	// MaxAge removes rotated files older than this
	MaxAge time.Duration
}

// DLQEntry is one rejected row
type DLQEntry struct {
	Path      string    `json:"path"`
	RowIndex  int64     `json:"row_index"`
	Offset    int64     `json:"offset"`
	Reason    string    `json:"reason"`
	Values    []string  `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterQueue appends rejected rows as NDJSON to a size-capped file
type DeadLetterQueue struct {
	config DLQConfig
	path   string
	now    func() time.Time

	mu     sync.Mutex
	w      *lumberjack.Logger
	closed bool

	enqueued uint64
	failed   uint64
}

// NewDeadLetterQueue creates a dead letter queue writing under config.Dir
func NewDeadLetterQueue(config DLQConfig) (*DeadLetterQueue, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("DLQ directory is required")
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 10
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 3
	}
	if config.MaxAge == 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
	}

	path := filepath.Join(config.Dir, FileName)
	maxAgeDays := int(config.MaxAge / (24 * time.Hour))
	if maxAgeDays < 1 {
		maxAgeDays = 1
	}

	return &DeadLetterQueue{
		config: config,
		path:   path,
		now:    time.Now,
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     maxAgeDays,
		},
	}, nil
}

// Path returns the active dead letter file
func (dlq *DeadLetterQueue) Path() string {
	return dlq.path
}

// Enqueue appends a rejected row
func (dlq *DeadLetterQueue) Enqueue(perr *parser.ParseError) error {
	entry := DLQEntry{
		Path:     perr.Path,
		RowIndex: perr.RowIndex,
		Offset:   perr.Offset,
		Values:   perr.Values,
	}
	if perr.Err != nil {
		entry.Reason = perr.Err.Error()
	}
	if entry.Values == nil {
		entry.Values = []string{}
	}

	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}
	entry.Timestamp = dlq.now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		dlq.failed++
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := dlq.w.Write(data); err != nil {
		dlq.failed++
		return fmt.Errorf("failed to write entry: %w", err)
	}
	dlq.enqueued++
	return nil
}

// GetAll reads back the entries of the active file
func (dlq *DeadLetterQueue) GetAll() ([]DLQEntry, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return ReadEntries(dlq.path)
}

// ReadEntries reads a dead letter file. A missing file has no entries.
func ReadEntries(path string) ([]DLQEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open DLQ file: %w", err)
	}
	defer file.Close()

	var entries []DLQEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return entries, fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// Close closes the underlying file
func (dlq *DeadLetterQueue) Close() error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if dlq.closed {
		return ErrDLQClosed
	}
	dlq.closed = true
	return dlq.w.Close()
}

// DLQMetrics holds DLQ statistics
type DLQMetrics struct {
	Enqueued uint64
	Failed   uint64
}

// Metrics returns DLQ statistics
func (dlq *DeadLetterQueue) Metrics() DLQMetrics {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	return DLQMetrics{Enqueued: dlq.enqueued, Failed: dlq.failed}
}
