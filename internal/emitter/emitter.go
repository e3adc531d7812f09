// Package emitter turns parsed rows into events and hands them to a sink.
package emitter

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/output"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// Defaults applied when the configuration leaves them empty
const (
	DefaultSourcetype = "csv_data"
	DefaultIndex      = "main"
)

// ReservedPrefix is prepended to columns whose names collide with metadata
const ReservedPrefix = "extracted_"

// SinkWriteError reports an event the sink did not accept
type SinkWriteError struct {
	Sink string
	Path string
	Err  error
}

func (e *SinkWriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Path, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// Config holds emitter configuration
type Config struct {
	Sourcetype string
	Index      string
	Transforms []TransformConfig
}

// Emitter builds events and writes them to an output
type Emitter struct {
	sourcetype string
	index      string
	pipeline   *Pipeline
	out        output.Output
	observe    func(*types.Event)
	logger     *logging.Logger

	current string
	pending int
}

// New creates an emitter writing to out
func New(cfg Config, out output.Output, logger *logging.Logger) (*Emitter, error) {
	if out == nil {
		return nil, fmt.Errorf("no output configured")
	}
	if cfg.Sourcetype == "" {
		cfg.Sourcetype = DefaultSourcetype
	}
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	pipeline, err := NewPipeline(cfg.Transforms)
	if err != nil {
		return nil, fmt.Errorf("invalid transforms: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Emitter{
		sourcetype: cfg.Sourcetype,
		index:      cfg.Index,
		pipeline:   pipeline,
		out:        out,
		logger:     logger.WithComponent("emitter"),
	}, nil
}

// Output returns the sink events are written to
func (e *Emitter) Output() output.Output {
	return e.out
}

// OnEvent registers fn to see every event the sink accepted
func (e *Emitter) OnEvent(fn func(*types.Event)) {
	e.observe = fn
}

// Build converts a row into an event. Data fields keep header order and
// are followed by source, sourcetype, index and time.
func (e *Emitter) Build(row types.ParsedRow, header []string) *types.Event {
	fields := make([]types.Field, 0, len(header))
	for i, name := range header {
		var value string
		if i < len(row.Values) {
			value = row.Values[i]
		}
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		fields = append(fields, types.Field{Name: name, Value: value})
	}

	fields = e.pipeline.Transform(fields)

	return &types.Event{
		Fields:     uniqueNames(fields),
		Source:     filepath.Base(row.SourceFile),
		Sourcetype: e.sourcetype,
		Index:      e.index,
		Time:       row.Timestamp,
	}
}

// Emit builds the event for row and sends it
func (e *Emitter) Emit(ctx context.Context, row types.ParsedRow, header []string) error {
	event := e.Build(row, header)
	if err := e.out.Send(ctx, event); err != nil {
		return &SinkWriteError{Sink: e.out.Name(), Path: row.SourceFile, Err: err}
	}
	e.current = row.SourceFile
	e.pending++
	if e.observe != nil {
		e.observe(event)
	}
	return nil
}

// Flush completes delivery of every event sent since the last flush
func (e *Emitter) Flush(ctx context.Context) error {
	path, pending := e.current, e.pending
	e.current, e.pending = "", 0

	if err := e.out.Flush(ctx); err != nil {
		return &SinkWriteError{Sink: e.out.Name(), Path: path, Err: err}
	}
	if pending > 0 {
		e.logger.Debug().Str("path", path).Int("events", pending).Msg("Flushed events")
	}
	return nil
}

func isReserved(name string) bool {
	switch name {
	case types.FieldSource, types.FieldSourcetype, types.FieldIndex, types.FieldTime:
		return true
	}
	return false
}

// uniqueNames renames columns that shadow metadata and suffixes repeated
// names with their 1-based position.
func uniqueNames(fields []types.Field) []types.Field {
	seen := make(map[string]bool, len(fields))
	for i := range fields {
		name := fields[i].Name
		if isReserved(name) {
			name = ReservedPrefix + name
		}
		if seen[name] {
			base := name + "_" + strconv.Itoa(i+1)
			name = base
			for n := 2; seen[name]; n++ {
				name = base + "_" + strconv.Itoa(n)
			}
		}
		seen[name] = true
		fields[i].Name = name
	}
	return fields
}
