// Package parser reads CSV rows from a file starting at a recorded byte offset.
package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/scanner"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/state"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

const utf8BOM = "\ufeff"

// Config holds row processor configuration
type Config struct {
	Delimiter        rune
	Comment          rune
	TrimLeadingSpace bool

	// TimestampFields are column names checked first for the event time
	TimestampFields []string

	// TimeFormats are the layouts tried against timestamp candidates
	TimeFormats []string

	// Location applies to timestamps without a zone
	Location *time.Location

	// PartialRowGrace defers a final row without a line terminator while
	// the file was modified more recently than this
	PartialRowGrace time.Duration
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{
		Delimiter:       ',',
		TimestampFields: DefaultTimestampFields(),
		TimeFormats:     DefaultTimeFormats(),
		Location:        time.Local,
		PartialRowGrace: 2 * time.Second,
	}
}

// EmitFunc receives each valid row along with the header it is bound to
type EmitFunc func(row types.ParsedRow, header []string) error

// RejectFunc receives each skipped row
type RejectFunc func(err *ParseError)

// ParseError describes a data row that was skipped
type ParseError struct {
	Path     string
	RowIndex int64
	Offset   int64
	Values   []string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: row %d: %v", e.Path, e.RowIndex, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Row validation failures
var (
	ErrColumnCount = errors.New("column count does not match header")
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// FileAccessError reports a file that could not be opened or read. The
// file's progress is left as it was.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("cannot access %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// Stats summarizes one pass over a file
type Stats struct {
	RowsEmitted   int64
	RowsSkipped   int64
	BytesRead     int64
	HeaderRead    bool
	HeaderChanged bool
	Deferred      bool
}

// Processor parses the unread part of CSV files
type Processor struct {
	cfg    Config
	reject RejectFunc
	now    func() time.Time
	logger *logging.Logger
}

// New creates a processor
func New(cfg Config, logger *logging.Logger) (*Processor, error) {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	if !validDelim(cfg.Delimiter) {
		return nil, fmt.Errorf("invalid delimiter %q", cfg.Delimiter)
	}
	if cfg.Comment != 0 && (!validDelim(cfg.Comment) || cfg.Comment == cfg.Delimiter) {
		return nil, fmt.Errorf("invalid comment character %q", cfg.Comment)
	}
	if cfg.PartialRowGrace < 0 {
		return nil, fmt.Errorf("partial row grace must be non-negative")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Processor{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.WithComponent("parser"),
	}, nil
}

// OnReject registers a handler for skipped rows
func (p *Processor) OnReject(fn RejectFunc) {
	p.reject = fn
}

// SetClock replaces the processor's clock
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Process reads f from progress.ProcessedOffset up to the size observed at
// open time, handing each valid row to emit. It returns the advanced
// progress. When emit fails, the progress up to the last emitted row is
// returned together with the error.
func (p *Processor) Process(ctx context.Context, f scanner.File, progress state.FileProgress, emit EmitFunc) (state.FileProgress, Stats, error) {
	var stats Stats

	file, err := os.Open(f.Path)
	if err != nil {
		return progress, stats, &FileAccessError{Path: f.Path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return progress, stats, &FileAccessError{Path: f.Path, Err: err}
	}
	size := info.Size()

	// The file shrank between scan and open: start over.
	if size < progress.ProcessedOffset {
		p.logger.Warn().
			Str("path", f.Path).
			Int64("size", size).
			Int64("offset", progress.ProcessedOffset).
			Msg("File truncated since scan, reading from start")
		header := progress.Header
		progress = progress.Reset()
		progress.Header = header
	}

	// A resumed file without a cached header cannot be bound, re-read it.
	if progress.ProcessedOffset > 0 && len(progress.Header) == 0 {
		p.logger.Warn().Str("path", f.Path).Msg("No cached header for resumed file, reading from start")
		progress = progress.Reset()
	}

	next := progress
	next.Size = size
	next.ModTime = info.ModTime().UTC()
	next.Inode = scanner.InodeOf(info)

	// At offset 0 the header is read again. A cached one only serves drift
	// detection and is not carried into the returned record.
	var previousHeader []string
	if next.ProcessedOffset == 0 {
		previousHeader = next.Header
		next.Header = nil
	}

	start := progress.ProcessedOffset
	if start == size {
		return next, stats, nil
	}

	terminated, err := endsWithNewline(file, size)
	if err != nil {
		return progress, stats, &FileAccessError{Path: f.Path, Err: err}
	}
	writing := p.now().Sub(info.ModTime()) < p.cfg.PartialRowGrace

	reader := csv.NewReader(io.NewSectionReader(file, start, size-start))
	reader.Comma = p.cfg.Delimiter
	reader.Comment = p.cfg.Comment
	reader.TrimLeadingSpace = p.cfg.TrimLeadingSpace
	reader.FieldsPerRecord = -1

	var extractor *TimeExtractor
	if len(next.Header) > 0 && start > 0 {
		extractor = p.extractor(next.Header)
	}

	eof := false
	for {
		if err := ctx.Err(); err != nil {
			return next, stats, err
		}

		record, readErr := reader.Read()
		if readErr == io.EOF {
			eof = true
			break
		}
		end := start + reader.InputOffset()

		// The last record may still be in the middle of being written.
		if end >= size && writing && (!terminated || readErr != nil) {
			stats.Deferred = true
			p.logger.Debug().
				Str("path", f.Path).
				Int64("offset", next.ProcessedOffset).
				Msg("Deferring incomplete final row")
			break
		}

		var parseErr *csv.ParseError
		if readErr != nil && !errors.As(readErr, &parseErr) {
			return next, stats, &FileAccessError{Path: f.Path, Err: readErr}
		}

		// Header position
		if next.ProcessedOffset == 0 {
			if readErr != nil {
				// An unreadable header leaves nothing to bind rows to.
				p.logger.Warn().Err(readErr).Str("path", f.Path).Msg("Malformed header, skipping file")
				return progress, stats, &ParseError{Path: f.Path, RowIndex: 0, Err: readErr}
			}
			header := normalizeHeader(record)
			if len(previousHeader) > 0 && !slices.Equal(previousHeader, header) {
				stats.HeaderChanged = true
				p.logger.Warn().
					Str("path", f.Path).
					Strs("previous", previousHeader).
					Strs("current", header).
					Msg("Header changed, using new header")
			}
			next.Header = header
			next.ProcessedOffset = end
			stats.HeaderRead = true
			stats.BytesRead = end - start
			extractor = p.extractor(header)
			continue
		}

		rowIndex := next.RowsRead() + 1
		if err := validateRow(record, readErr, len(next.Header)); err != nil {
			perr := &ParseError{
				Path:     f.Path,
				RowIndex: rowIndex,
				Offset:   next.ProcessedOffset,
				Values:   record,
				Err:      err,
			}
			p.logger.Warn().
				Err(err).
				Str("path", f.Path).
				Int64("row", rowIndex).
				Msg("Skipping malformed row")
			if p.reject != nil {
				p.reject(perr)
			}
			next.RowsSkipped++
			next.ProcessedOffset = end
			stats.RowsSkipped++
			stats.BytesRead = end - start
			continue
		}

		row := types.ParsedRow{
			SourceFile: f.Path,
			RowIndex:   rowIndex,
			Values:     record,
		}
		if ts, ok := extractor.Extract(next.Header, record); ok {
			row.Timestamp = ts
			row.TimestampFound = true
		} else {
			row.Timestamp = p.now()
		}

		if err := emit(row, next.Header); err != nil {
			return next, stats, err
		}

		next.RowsEmitted++
		next.ProcessedOffset = end
		stats.RowsEmitted++
		stats.BytesRead = end - start
	}

	// Blank and comment lines after the last record yield no record but are
	// consumed, so the file can be classified unchanged next cycle.
	if eof && next.ProcessedOffset < size {
		next.ProcessedOffset = size
		stats.BytesRead = size - start
	}

	return next, stats, nil
}

func (p *Processor) extractor(header []string) *TimeExtractor {
	return NewTimeExtractor(header, p.cfg.TimestampFields, p.cfg.TimeFormats, p.cfg.Location)
}

func validateRow(record []string, readErr error, columns int) error {
	if readErr != nil {
		return readErr
	}
	if len(record) != columns {
		return fmt.Errorf("%w: got %d fields, want %d", ErrColumnCount, len(record), columns)
	}
	for _, v := range record {
		if !utf8.ValidString(v) {
			return ErrInvalidUTF8
		}
	}
	return nil
}

func normalizeHeader(record []string) []string {
	header := make([]string, len(record))
	copy(header, record)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return header
}

func endsWithNewline(file *os.File, size int64) (bool, error) {
	if size == 0 {
		return true, nil
	}
	var last [1]byte
	if _, err := file.ReadAt(last[:], size-1); err != nil {
		return false, err
	}
	return last[0] == '\n' || last[0] == '\r', nil
}

func validDelim(r rune) bool {
	return r != 0 && r != '"' && r != '\r' && r != '\n' && utf8.ValidRune(r) && r != utf8.RuneError
}
