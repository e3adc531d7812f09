package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// Failure strategies for the router
const (
	// FailureStop fails the send when any output fails
	FailureStop = "stop"
	// FailureContinue logs output failures and succeeds if any output did
	FailureContinue = "continue"
)

// RouterConfig contains configuration for the multi-output router
type RouterConfig struct {
	// Outputs is the list of output configurations
	Outputs []Config `yaml:"outputs"`

	// FailureStrategy defines how to handle output failures (stop, continue)
	FailureStrategy string `yaml:"failure_strategy,omitempty"`
}

// DefaultRouterConfig returns default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		FailureStrategy: FailureStop,
	}
}

// Router fans events out to multiple outputs in order
type Router struct {
	config  RouterConfig
	outputs []Output
	logger  *logging.Logger
	metrics *RouterMetrics
	mu      sync.RWMutex
	closed  atomic.Bool
}

// RouterMetrics tracks aggregate metrics across all outputs
type RouterMetrics struct {
	TotalEventsSent   int64 `json:"total_events_sent"`
	TotalEventsFailed int64 `json:"total_events_failed"`
}

// NewRouter creates a new multi-output router
func NewRouter(config RouterConfig, logger *logging.Logger) (*Router, error) {
	switch config.FailureStrategy {
	case "":
		config.FailureStrategy = FailureStop
	case FailureStop, FailureContinue:
	default:
		return nil, fmt.Errorf("unknown failure strategy: %q", config.FailureStrategy)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Router{
		config:  config,
		outputs: make([]Output, 0, len(config.Outputs)),
		logger:  logger.WithComponent("router"),
		metrics: &RouterMetrics{},
	}, nil
}

// AddOutput adds an output to the router
func (r *Router) AddOutput(output Output) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outputs = append(r.outputs, output)
}

// Send sends an event to all configured outputs
func (r *Router) Send(ctx context.Context, event *types.Event) error {
	if r.closed.Load() {
		return fmt.Errorf("router is closed")
	}

	return r.each("send", func(out Output) error {
		return out.Send(ctx, event)
	})
}

// Flush flushes every output
func (r *Router) Flush(ctx context.Context) error {
	return r.each("flush", func(out Output) error {
		return out.Flush(ctx)
	})
}

// each applies fn to every output according to the failure strategy
func (r *Router) each(op string, fn func(Output) error) error {
	r.mu.RLock()
	outputs := r.outputs
	r.mu.RUnlock()

	if len(outputs) == 0 {
		return fmt.Errorf("no outputs available")
	}

	var errs []error
	for _, out := range outputs {
		if err := fn(out); err != nil {
			atomic.AddInt64(&r.metrics.TotalEventsFailed, 1)
			err = fmt.Errorf("%s: %w", out.Name(), err)

			if r.config.FailureStrategy == FailureStop {
				return err
			}
			r.logger.Warn().Err(err).Str("op", op).Msg("Output failed, continuing")
			errs = append(errs, err)
			continue
		}
		if op == "send" {
			atomic.AddInt64(&r.metrics.TotalEventsSent, 1)
		}
	}

	// With the continue strategy the operation fails only when no output
	// accepted it.
	if len(errs) == len(outputs) {
		return errors.Join(errs...)
	}
	return nil
}

// Close closes all outputs
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	r.mu.RLock()
	outputs := r.outputs
	r.mu.RUnlock()

	var errs []error
	for _, output := range outputs {
		if err := output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", output.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to close %d outputs: %w", len(errs), errors.Join(errs...))
	}

	return nil
}

// Name returns the router name
func (r *Router) Name() string {
	return TypeMulti
}

// Metrics returns the aggregate metrics
func (r *Router) Metrics() *OutputMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var totalSent, totalFailed, totalBytes, totalBatches, totalRetries int64
	var lastSendTime, lastErrorTime time.Time
	var lastError string

	for _, output := range r.outputs {
		metrics := output.Metrics()
		totalSent += metrics.EventsSent
		totalFailed += metrics.EventsFailed
		totalBytes += metrics.BytesSent
		totalBatches += metrics.BatchesSent
		totalRetries += metrics.RetryCount

		if metrics.LastSendTime.After(lastSendTime) {
			lastSendTime = metrics.LastSendTime
		}
		if metrics.LastErrorTime.After(lastErrorTime) {
			lastErrorTime = metrics.LastErrorTime
			lastError = metrics.LastError
		}
	}

	avgBatchSize := 0.0
	if totalBatches > 0 {
		avgBatchSize = float64(totalSent) / float64(totalBatches)
	}

	return &OutputMetrics{
		EventsSent:    totalSent,
		EventsFailed:  totalFailed,
		BytesSent:     totalBytes,
		BatchesSent:   totalBatches,
		RetryCount:    totalRetries,
		LastSendTime:  lastSendTime,
		LastError:     lastError,
		LastErrorTime: lastErrorTime,
		AvgBatchSize:  avgBatchSize,
	}
}

// GetOutputs returns all configured outputs
func (r *Router) GetOutputs() []Output {
	r.mu.RLock()
	defer r.mu.RUnlock()

	outputs := make([]Output, len(r.outputs))
	copy(outputs, r.outputs)
	return outputs
}
