package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker manages health checks for all components
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	timeout    time.Duration
}

// NewChecker creates a new health checker
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		timeout:    timeout,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Check runs all health checks concurrently and returns their results
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]ComponentHealth, len(components))
	)

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := chk(checkCtx)
			result.LastChecked = time.Now()

			mu.Lock()
			results[n] = result
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// OverallStatus returns the overall health status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return aggregate(c.Check(ctx))
}

// aggregate reports the worst status among results
func aggregate(results map[string]ComponentHealth) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler returns an HTTP handler reporting every component
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		overall := aggregate(results)

		writeJSON(w, statusCode(overall), HealthResponse{
			Status:     overall,
			Components: results,
			Timestamp:  time.Now(),
		})
	}
}

// LivenessHandler returns a simple liveness probe handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.OverallStatus(r.Context())

		writeJSON(w, statusCode(status), map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		})
	}
}

// statusCode maps a status to its HTTP code. Degraded still serves 200.
func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// CheckFunc creates a health check from a simple boolean function
func CheckFunc(check func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: message,
		}
	}
}

// CheckWithMetadata creates a health check with metadata
func CheckWithMetadata(check func() (Status, string, map[string]interface{})) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		status, message, metadata := check()
		return ComponentHealth{
			Status:   status,
			Message:  message,
			Metadata: metadata,
		}
	}
}

// CycleFreshness reports unhealthy when no cycle has succeeded within
// maxAge. Before the first success it reports degraded until maxAge has
// passed since started.
func CycleFreshness(lastSuccess func() time.Time, started time.Time, maxAge time.Duration, now func() time.Time) HealthCheck {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) ComponentHealth {
		last := lastSuccess()
		t := now()

		if last.IsZero() {
			if t.Sub(started) < maxAge {
				return ComponentHealth{Status: StatusDegraded, Message: "no cycle completed yet"}
			}
			return ComponentHealth{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("no successful cycle since start %s ago", t.Sub(started).Round(time.Second)),
			}
		}

		age := t.Sub(last)
		meta := map[string]interface{}{
			"last_success": last,
			"age_seconds":  age.Seconds(),
		}
		if age >= maxAge {
			return ComponentHealth{
				Status:   StatusUnhealthy,
				Message:  fmt.Sprintf("last successful cycle %s ago", age.Round(time.Second)),
				Metadata: meta,
			}
		}
		return ComponentHealth{Status: StatusHealthy, Metadata: meta}
	}
}

// DirectoryReadable reports whether dir can still be listed
func DirectoryReadable(dir string) HealthCheck {
	return CheckFunc(func() (bool, string) {
		f, err := os.Open(dir)
		if err != nil {
			return false, err.Error()
		}
		defer f.Close()
		if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
			return false, err.Error()
		}
		return true, ""
	})
}
