package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c.registry == nil {
		t.Fatal("registry is nil")
	}

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			t.Errorf("metric %s lacks the %s namespace", mf.GetName(), namespace)
		}
	}

	// Collectors are independent
	other := NewCollector()
	c.RowsEmitted.Add(3)
	if v := counterValue(t, other.RowsEmitted); v != 0 {
		t.Errorf("second collector RowsEmitted = %f, want 0", v)
	}
}

func TestRecordCycle(t *testing.T) {
	c := NewCollector()
	end := time.Unix(1700000000, 0)

	c.RecordCycle(CycleOK, 250*time.Millisecond, end)
	c.RecordCycle(CycleSinkError, time.Second, end.Add(time.Minute))

	if v := counterValue(t, c.CyclesTotal.WithLabelValues(CycleOK)); v != 1 {
		t.Errorf("ok cycles = %f, want 1", v)
	}
	if v := counterValue(t, c.CyclesTotal.WithLabelValues(CycleSinkError)); v != 1 {
		t.Errorf("sink_error cycles = %f, want 1", v)
	}
	if v := gaugeValue(t, c.LastSuccessfulTime); v != 1700000000 {
		t.Errorf("LastSuccessfulTime = %f, failed cycles must not move it", v)
	}

	metric := &dto.Metric{}
	if err := c.CycleDuration.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("duration samples = %d, want 2", metric.Histogram.GetSampleCount())
	}
}

func TestFileAndRowMetrics(t *testing.T) {
	c := NewCollector()

	c.FilesTotal.WithLabelValues("new").Inc()
	c.FilesTotal.WithLabelValues("modified").Add(2)
	c.FileErrors.WithLabelValues("access").Inc()
	c.RowsEmitted.Add(10)
	c.RowsSkipped.Inc()
	c.StateEntries.Set(4)

	if v := counterValue(t, c.FilesTotal.WithLabelValues("modified")); v != 2 {
		t.Errorf("modified files = %f, want 2", v)
	}
	if v := counterValue(t, c.RowsEmitted); v != 10 {
		t.Errorf("RowsEmitted = %f, want 10", v)
	}
	if v := gaugeValue(t, c.StateEntries); v != 4 {
		t.Errorf("StateEntries = %f, want 4", v)
	}
}

func TestRegisterSink(t *testing.T) {
	c := NewCollector()

	var sent, failed, retries int64 = 5, 1, 2
	if err := c.RegisterSink("hec", func() (int64, int64, int64) { return sent, failed, retries }); err != nil {
		t.Fatalf("RegisterSink() error = %v", err)
	}
	if err := c.RegisterSink("hec", func() (int64, int64, int64) { return 0, 0, 0 }); err == nil {
		t.Error("registering the same sink twice should fail")
	}

	sent = 7
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() != "csvagent_sink_events_sent_total" {
			continue
		}
		found = true
		m := mf.GetMetric()[0]
		if m.GetCounter().GetValue() != 7 {
			t.Errorf("events sent = %f, want value read at scrape time", m.GetCounter().GetValue())
		}
		if l := m.GetLabel(); len(l) != 1 || l[0].GetValue() != "hec" {
			t.Errorf("labels = %v", l)
		}
	}
	if !found {
		t.Error("sink metric not gathered")
	}
}

func TestSystemMetrics(t *testing.T) {
	c := NewCollector()
	c.collectSystemMetrics()

	if v := gaugeValue(t, c.SystemGoroutines); v <= 0 {
		t.Errorf("Expected positive goroutine count, got %f", v)
	}
	if v := gaugeValue(t, c.SystemMemAlloc); v <= 0 {
		t.Errorf("Expected positive memory allocation, got %f", v)
	}
}

func TestStartStop(t *testing.T) {
	c := NewCollector()

	if c.started {
		t.Error("Collector should not be started initially")
	}

	c.Start(10 * time.Millisecond)
	c.Start(10 * time.Millisecond)
	if !c.started {
		t.Error("Collector should be started after Start()")
	}

	time.Sleep(30 * time.Millisecond)

	c.Stop()
	if c.started {
		t.Error("Collector should not be started after Stop()")
	}
	c.Stop()
}
