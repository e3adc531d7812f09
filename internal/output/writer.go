package output

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// FileConfig contains configuration for the NDJSON file output
type FileConfig struct {
	BaseConfig `yaml:",inline"`

	// Path is the file events are appended to
	Path string `yaml:"path"`

	// Sync fsyncs the file on every flush
	Sync bool `yaml:"sync,omitempty"`
}

// WriterOutput writes one JSON event per line to a stream
type WriterOutput struct {
	name    string
	dst     io.Writer
	w       *bufio.Writer
	file    *os.File
	sync    bool
	closer  io.Closer
	metrics *OutputMetrics
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewWriterOutput creates an output writing NDJSON to w
func NewWriterOutput(name string, w io.Writer) *WriterOutput {
	if name == "" {
		name = TypeStdout
	}
	return &WriterOutput{
		name:    name,
		dst:     w,
		w:       bufio.NewWriter(w),
		metrics: &OutputMetrics{},
	}
}

// NewStdoutOutput creates an output writing NDJSON to standard output
func NewStdoutOutput(name string) *WriterOutput {
	return NewWriterOutput(name, os.Stdout)
}

// NewFileOutput creates an output appending NDJSON to a file
func NewFileOutput(config FileConfig) (*WriterOutput, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("no path specified")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	name := config.Name
	if name == "" {
		name = TypeFile
	}

	out := NewWriterOutput(name, f)
	out.file = f
	out.sync = config.Sync
	out.closer = f
	return out, nil
}

// Send buffers an event
func (o *WriterOutput) Send(ctx context.Context, event *types.Event) error {
	if o.closed.Load() {
		return fmt.Errorf("%s output is closed", o.name)
	}

	rec, err := Encode(event)
	if err != nil {
		o.recordError(err, 1)
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.w.Write(rec.Data); err != nil {
		o.discardLocked()
		o.recordErrorLocked(err, 1)
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := o.w.WriteByte('\n'); err != nil {
		o.discardLocked()
		o.recordErrorLocked(err, 1)
		return fmt.Errorf("failed to write event: %w", err)
	}

	o.metrics.EventsSent++
	o.metrics.BytesSent += int64(len(rec.Data) + 1)
	return nil
}

// Flush writes buffered events to the underlying stream
func (o *WriterOutput) Flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.w.Buffered() == 0 {
		return nil
	}

	if err := o.w.Flush(); err != nil {
		o.discardLocked()
		o.recordErrorLocked(err, 0)
		return fmt.Errorf("failed to flush %s: %w", o.name, err)
	}
	if o.sync && o.file != nil {
		if err := o.file.Sync(); err != nil {
			o.recordErrorLocked(err, 0)
			return fmt.Errorf("failed to sync %s: %w", o.name, err)
		}
	}

	o.metrics.BatchesSent++
	o.metrics.LastSendTime = time.Now()
	return nil
}

// Close flushes and closes the output
func (o *WriterOutput) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := o.Flush(context.Background())
	if o.closer != nil {
		if cerr := o.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Name returns the output name
func (o *WriterOutput) Name() string {
	return o.name
}

// Metrics returns the current metrics
func (o *WriterOutput) Metrics() *OutputMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metricsCopy := *o.metrics
	return &metricsCopy
}

// discardLocked drops buffered bytes after a write error. bufio.Writer keeps
// its first error, so a fresh buffer is needed for later sends to succeed.
func (o *WriterOutput) discardLocked() {
	o.w.Reset(o.dst)
}

func (o *WriterOutput) recordError(err error, events int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recordErrorLocked(err, events)
}

func (o *WriterOutput) recordErrorLocked(err error, events int64) {
	o.metrics.EventsFailed += events
	o.metrics.LastError = err.Error()
	o.metrics.LastErrorTime = time.Now()
}
