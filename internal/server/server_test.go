package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/health"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "csvagent_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return reg
}

func TestSharedAddress(t *testing.T) {
	checker := health.NewChecker(time.Second)
	s := New(Config{
		MetricsAddress:  "127.0.0.1:0",
		HealthAddress:   "127.0.0.1:0",
		MetricsRegistry: newRegistry(),
		HealthChecker:   checker,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background())

	addrs := s.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("Expected one listener, got %v", addrs)
	}
	base := "http://" + addrs[0]

	code, body := get(t, base+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "csvagent_test_total") {
		t.Errorf("/metrics = %d %q", code, body)
	}

	code, _ = get(t, base+"/health/live")
	if code != http.StatusOK {
		t.Errorf("/health/live = %d", code)
	}
}

func TestReadinessReflectsChecks(t *testing.T) {
	checker := health.NewChecker(time.Second)
	checker.Register("cycle", health.CheckFunc(func() (bool, string) {
		return false, "stale"
	}))

	s := New(Config{HealthAddress: "127.0.0.1:0", HealthChecker: checker, ReadinessPath: "/ready"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background())

	code, _ := get(t, "http://"+s.Addrs()[0]+"/ready")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/ready = %d, want 503", code)
	}
}

func TestPprof(t *testing.T) {
	s := New(Config{HealthAddress: "127.0.0.1:0", HealthChecker: health.NewChecker(time.Second), Pprof: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background())

	code, body := get(t, "http://"+s.Addrs()[0]+"/debug/pprof/")
	if code != http.StatusOK || !strings.Contains(body, "goroutine") {
		t.Errorf("/debug/pprof/ = %d", code)
	}
}

func TestSeparateAddresses(t *testing.T) {
	s := New(Config{
		MetricsAddress:  "127.0.0.1:0",
		MetricsPath:     "/m",
		HealthAddress:   "localhost:0",
		MetricsRegistry: newRegistry(),
		HealthChecker:   health.NewChecker(time.Second),
	})
	if len(s.Addrs()) != 2 {
		t.Fatalf("Expected two servers, got %v", s.Addrs())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestStartBindError(t *testing.T) {
	first := New(Config{HealthAddress: "127.0.0.1:0", HealthChecker: health.NewChecker(time.Second)})
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop(context.Background())

	second := New(Config{HealthAddress: first.Addrs()[0], HealthChecker: health.NewChecker(time.Second)})
	if err := second.Start(); err == nil {
		second.Stop(context.Background())
		t.Error("expected bind error on a used address")
	}
}

func TestNothingConfigured(t *testing.T) {
	s := New(Config{})
	if err := s.Start(); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
