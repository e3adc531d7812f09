// Package agent drives scan, detect, process, emit and persist cycles over
// the watched directory.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/detect"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/dlq"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/emitter"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/metrics"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/parser"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/scanner"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/state"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/tracing"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// Defaults applied when the configuration leaves them empty
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMissingGrace = 24 * time.Hour
)

// Config holds scheduler configuration
type Config struct {
	// PollInterval is the wait between cycles in continuous mode
	PollInterval time.Duration

	// MissingGrace is how long a vanished file keeps its progress record
	MissingGrace time.Duration
}

// Components are the collaborators of the scheduler. Store, Scanner,
// Processor and Emitter are required.
type Components struct {
	Store     *state.Store
	Scanner   *scanner.Scanner
	Processor *parser.Processor
	Emitter   *emitter.Emitter

	Metrics   *metrics.Collector
	Extractor *metrics.Extractor
	Tracer    *tracing.Provider
	Rejects   *dlq.DeadLetterQueue

	// Wake cuts the wait between cycles short
	Wake <-chan struct{}
}

// FileReport is the outcome for one file in a cycle
type FileReport struct {
	Path        string
	Status      detect.Status
	StartOffset int64
	EndOffset   int64
	RowsEmitted int64
	RowsSkipped int64
	Err         error
}

// CycleReport summarizes one cycle
type CycleReport struct {
	ID          string
	Start       time.Time
	End         time.Time
	Files       []FileReport
	Dropped     []string
	RowsEmitted int64
	RowsSkipped int64

	// Aborted is set when a sink error stopped emission
	Aborted bool
}

// Count returns how many files were classified as status
func (r CycleReport) Count(status detect.Status) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

// Agent owns the state store and runs cycles against it
type Agent struct {
	cfg       Config
	store     *state.Store
	scanner   *scanner.Scanner
	processor *parser.Processor
	emitter   *emitter.Emitter
	metrics   *metrics.Collector
	tracer    *tracing.Provider
	rejects   *dlq.DeadLetterQueue
	wake      <-chan struct{}
	now       func() time.Time
	logger    *logging.Logger

	mu          sync.RWMutex
	last        CycleReport
	lastSuccess time.Time
}

// New wires the scheduler
func New(cfg Config, c Components, logger *logging.Logger) (*Agent, error) {
	if c.Store == nil || c.Scanner == nil || c.Processor == nil || c.Emitter == nil {
		return nil, fmt.Errorf("agent requires a store, scanner, processor and emitter")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MissingGrace <= 0 {
		cfg.MissingGrace = DefaultMissingGrace
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if c.Tracer == nil {
		c.Tracer = tracing.Noop()
	}

	a := &Agent{
		cfg:       cfg,
		store:     c.Store,
		scanner:   c.Scanner,
		processor: c.Processor,
		emitter:   c.Emitter,
		metrics:   c.Metrics,
		tracer:    c.Tracer,
		rejects:   c.Rejects,
		wake:      c.Wake,
		now:       time.Now,
		logger:    logger.WithComponent("agent"),
	}

	a.processor.OnReject(a.reject)
	if c.Extractor != nil {
		a.emitter.OnEvent(c.Extractor.Observe)
	}

	return a, nil
}

// LoadState reads the persisted progress. A corrupt state file is logged
// and the agent starts empty.
func (a *Agent) LoadState() error {
	err := a.store.Load()
	var corrupt *state.CorruptionError
	if errors.As(err, &corrupt) {
		if a.metrics != nil {
			a.metrics.StateCorruptions.Inc()
		}
		return nil
	}
	if err == nil && a.metrics != nil {
		a.metrics.StateEntries.Set(float64(a.store.Len()))
	}
	return err
}

// LastCycle returns the report of the most recent cycle
func (a *Agent) LastCycle() CycleReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// LastSuccess returns when a cycle last finished without error
func (a *Agent) LastSuccess() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSuccess
}

// Run executes cycles until ctx is cancelled. Cancellation is only observed
// between cycles; a running cycle always finishes and persists. Cycle
// errors are logged and the next cycle retries.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Dur("poll_interval", a.cfg.PollInterval).
		Str("dir", a.scanner.Dir()).
		Msg("Starting continuous mode")

	for {
		if ctx.Err() != nil {
			a.logger.Info().Msg("Stopping before next cycle")
			return nil
		}

		if _, err := a.RunOnce(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Cycle failed, retrying next cycle")
		}

		timer := time.NewTimer(a.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info().Msg("Stopping before next cycle")
			return nil
		case <-timer.C:
		case <-a.wake:
			timer.Stop()
			a.logger.Debug().Msg("Woken by directory change")
		}
	}
}

// RunOnce executes a single cycle and persists the state. The cycle ignores
// cancellation of ctx so that it never stops half way.
func (a *Agent) RunOnce(ctx context.Context) (CycleReport, error) {
	report, err := a.cycle(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.last = report
	if err == nil {
		a.lastSuccess = report.End
	}
	a.mu.Unlock()

	return report, err
}

func (a *Agent) cycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: uuid.NewString(), Start: a.now()}
	log := a.logger.WithField("cycle", report.ID)

	ctx, span := a.tracer.StartCycle(ctx, report.ID)
	defer span.End()

	result, err := a.scanner.Scan(ctx)
	if err != nil {
		report.End = a.now()
		a.record(metrics.CycleScanError, report)
		tracing.RecordError(ctx, err)
		return report, err
	}

	report.Dropped = a.store.MarkSeen(result.Present(), report.Start, a.cfg.MissingGrace)
	for _, path := range report.Dropped {
		log.Info().Str("path", path).Msg("Dropped progress of missing file")
	}
	if a.metrics != nil {
		a.metrics.FilesDropped.Add(float64(len(report.Dropped)))
	}

	var sinkErr error
	for _, f := range result.Files {
		fr, err := a.processFile(ctx, log, f)
		report.Files = append(report.Files, fr)
		report.RowsEmitted += fr.RowsEmitted
		report.RowsSkipped += fr.RowsSkipped

		var swe *emitter.SinkWriteError
		if errors.As(err, &swe) {
			sinkErr = err
			report.Aborted = true
			log.Error().Err(err).Str("path", f.Path).Msg("Sink write failed, aborting cycle")
			break
		}
	}

	// Progress of every file touched so far is persisted exactly once
	saveErr := a.store.Save()
	if saveErr != nil {
		log.Error().Err(saveErr).Msg("Failed to persist state")
		if a.metrics != nil {
			a.metrics.StateSaveFailures.Inc()
		}
	}
	if a.metrics != nil {
		a.metrics.StateEntries.Set(float64(a.store.Len()))
	}

	report.End = a.now()
	span.SetAttributes(
		attribute.Int("cycle.files", len(report.Files)),
		attribute.Int64("cycle.rows_emitted", report.RowsEmitted),
		attribute.Bool("cycle.aborted", report.Aborted),
	)

	if err := errors.Join(sinkErr, saveErr); err != nil {
		tracing.RecordError(ctx, err)
		if sinkErr != nil {
			a.record(metrics.CycleSinkError, report)
		} else {
			a.record(metrics.CycleSaveError, report)
		}
		return report, err
	}

	a.record(metrics.CycleOK, report)
	log.Info().
		Int("files", len(report.Files)).
		Int("new", report.Count(detect.StatusNew)).
		Int("modified", report.Count(detect.StatusModified)).
		Int("rotated", report.Count(detect.StatusRotated)).
		Int64("rows_emitted", report.RowsEmitted).
		Int64("rows_skipped", report.RowsSkipped).
		Dur("duration", report.End.Sub(report.Start)).
		Msg("Cycle complete")
	return report, nil
}

// processFile classifies f, emits its pending rows and updates its record.
// The record is left at its pre-cycle value when the sink fails, so the
// file is retried in full by the next cycle.
func (a *Agent) processFile(ctx context.Context, log *logging.Logger, f scanner.File) (FileReport, error) {
	prev, known := a.store.Get(f.Path)
	status := detect.Classify(f.Fingerprint(), prev, known)
	fr := FileReport{Path: f.Path, Status: status, StartOffset: prev.ProcessedOffset, EndOffset: prev.ProcessedOffset}

	if a.metrics != nil {
		a.metrics.FilesTotal.WithLabelValues(status.String()).Inc()
	}
	if !status.NeedsRead() {
		return fr, nil
	}
	if status == detect.StatusRotated {
		log.Info().
			Str("path", f.Path).
			Int64("previous_offset", prev.ProcessedOffset).
			Int64("size", f.Size).
			Msg("File rotated, reading from start")
	}

	start := detect.StartingPoint(status, prev)
	fr.StartOffset = start.ProcessedOffset

	ctx, span := a.tracer.StartFile(ctx, f.Path, status.String(), start.ProcessedOffset)
	defer span.End()

	next, stats, err := a.processor.Process(ctx, f, start, func(row types.ParsedRow, header []string) error {
		return a.emitter.Emit(ctx, row, header)
	})
	fr.RowsEmitted = stats.RowsEmitted
	fr.RowsSkipped = stats.RowsSkipped
	a.observe(stats)

	var swe *emitter.SinkWriteError
	if errors.As(err, &swe) {
		fr.Err = err
		tracing.RecordError(ctx, err)
		return fr, err
	}

	if stats.RowsEmitted > 0 {
		fctx, fspan := a.tracer.StartFlush(ctx, a.emitter.Output().Name())
		ferr := a.emitter.Flush(fctx)
		if ferr != nil {
			tracing.RecordError(fctx, ferr)
		}
		fspan.End()
		if ferr != nil {
			fr.Err = ferr
			return fr, ferr
		}
	}

	if err != nil {
		fr.Err = err
		tracing.RecordError(ctx, err)
		a.fileError(log, f.Path, err)
	}

	// Keep whatever was consumed, even when the read stopped early
	if err == nil || next.ProcessedOffset > start.ProcessedOffset {
		a.store.Put(next)
		fr.EndOffset = next.ProcessedOffset
	}

	span.SetAttributes(
		attribute.Int64("file.end_offset", fr.EndOffset),
		attribute.Int64("file.rows_emitted", stats.RowsEmitted),
	)
	return fr, nil
}

func (a *Agent) fileError(log *logging.Logger, path string, err error) {
	reason := "other"
	var access *parser.FileAccessError
	var perr *parser.ParseError
	switch {
	case errors.As(err, &access):
		reason = "access"
		log.Warn().Err(err).Str("path", path).Msg("Cannot read file, skipping this cycle")
	case errors.As(err, &perr):
		reason = "header"
		log.Warn().Err(err).Str("path", path).Msg("Cannot parse header, skipping this cycle")
	default:
		log.Error().Err(err).Str("path", path).Msg("Failed to process file")
	}
	if a.metrics != nil {
		a.metrics.FileErrors.WithLabelValues(reason).Inc()
	}
}

func (a *Agent) observe(stats parser.Stats) {
	if a.metrics == nil {
		return
	}
	a.metrics.RowsEmitted.Add(float64(stats.RowsEmitted))
	a.metrics.RowsSkipped.Add(float64(stats.RowsSkipped))
	a.metrics.BytesRead.Add(float64(stats.BytesRead))
	if stats.HeaderChanged {
		a.metrics.HeaderChanges.Inc()
	}
}

func (a *Agent) reject(perr *parser.ParseError) {
	if a.rejects == nil {
		return
	}
	if err := a.rejects.Enqueue(perr); err != nil {
		a.logger.Error().Err(err).Str("path", perr.Path).Msg("Failed to record rejected row")
		return
	}
	if a.metrics != nil {
		a.metrics.DLQEntriesWritten.Inc()
	}
}

func (a *Agent) record(result string, report CycleReport) {
	if a.metrics != nil {
		a.metrics.RecordCycle(result, report.End.Sub(report.Start), report.End)
	}
}
