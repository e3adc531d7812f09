package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "csvagent"

// Cycle results
const (
	CycleOK        = "ok"
	CycleSinkError = "sink_error"
	CycleScanError = "scan_error"
	CycleSaveError = "save_error"
)

// Collector provides a central place for all application metrics
type Collector struct {
	// Cycle metrics
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	LastSuccessfulTime prometheus.Gauge

	// File metrics
	FilesTotal    *prometheus.CounterVec
	FileErrors    *prometheus.CounterVec
	FilesDropped  prometheus.Counter
	HeaderChanges prometheus.Counter

	// Row metrics
	RowsEmitted prometheus.Counter
	RowsSkipped prometheus.Counter
	BytesRead   prometheus.Counter

	// State metrics
	StateEntries      prometheus.Gauge
	StateSaveFailures prometheus.Counter
	StateCorruptions  prometheus.Counter

	// Reject log metrics
	DLQEntriesWritten prometheus.Counter

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.initCycleMetrics()
	c.initFileMetrics()
	c.initRowMetrics()
	c.initStateMetrics()
	c.initDLQMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initCycleMetrics() {
	c.CyclesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Total number of processing cycles by result",
		},
		[]string{"result"},
	)

	c.CycleDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of processing cycles",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		},
	)

	c.LastSuccessfulTime = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that completed without a sink error",
		},
	)
}

func (c *Collector) initFileMetrics() {
	c.FilesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "classified_total",
			Help:      "Files classified per cycle by status",
		},
		[]string{"status"},
	)

	c.FileErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "errors_total",
			Help:      "Files skipped for a cycle by reason",
		},
		[]string{"reason"},
	)

	c.FilesDropped = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "dropped_total",
			Help:      "Progress records dropped after their file went missing",
		},
	)

	c.HeaderChanges = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "header_changes_total",
			Help:      "Headers that differed from the cached header when re-read",
		},
	)
}

func (c *Collector) initRowMetrics() {
	c.RowsEmitted = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "emitted_total",
			Help:      "Rows emitted as events",
		},
	)

	c.RowsSkipped = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "skipped_total",
			Help:      "Malformed rows skipped",
		},
	)

	c.BytesRead = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "bytes_read_total",
			Help:      "Bytes consumed from CSV files",
		},
	)
}

func (c *Collector) initStateMetrics() {
	c.StateEntries = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "entries",
			Help:      "Number of files tracked in the state store",
		},
	)

	c.StateSaveFailures = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "save_failures_total",
			Help:      "Failed attempts to persist the state file",
		},
	)

	c.StateCorruptions = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "corruptions_total",
			Help:      "State files that could not be decoded and were reinitialized",
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEntriesWritten = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries_written_total",
			Help:      "Rejected rows written to the reject log",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

// SinkStats reports cumulative counters of one sink
type SinkStats func() (sent, failed, retries int64)

// RegisterSink exposes a sink's own counters. The function is called at
// scrape time.
func (c *Collector) RegisterSink(name string, stats SinkStats) error {
	labels := prometheus.Labels{"sink": name}
	sent := func() float64 { v, _, _ := stats(); return float64(v) }
	failed := func() float64 { _, v, _ := stats(); return float64(v) }
	retries := func() float64 { _, _, v := stats(); return float64(v) }

	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sink",
			Name:        "events_sent_total",
			Help:        "Events delivered by the sink",
			ConstLabels: labels,
		}, sent),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sink",
			Name:        "events_failed_total",
			Help:        "Events the sink failed to deliver",
			ConstLabels: labels,
		}, failed),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sink",
			Name:        "retries_total",
			Help:        "Delivery attempts retried by the sink",
			ConstLabels: labels,
		}, retries),
	}

	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// RecordCycle records the outcome of one cycle
func (c *Collector) RecordCycle(result string, duration time.Duration, end time.Time) {
	c.CyclesTotal.WithLabelValues(result).Inc()
	c.CycleDuration.Observe(duration.Seconds())
	if result == CycleOK {
		c.LastSuccessfulTime.Set(float64(end.Unix()))
	}
}

// Start begins collecting system metrics periodically
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.collectSystemMetrics()

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stop:
				return
			}
		}
	}(c.stop, c.done)
}

// Stop stops the background collection and waits for it to exit
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
