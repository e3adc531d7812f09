package output

import (
	"context"
	"errors"
	"testing"

	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// fakeOutput records what it receives and fails on demand
type fakeOutput struct {
	name     string
	sendErr  error
	flushErr error
	closeErr error
	sent     []*types.Event
	flushes  int
	closed   bool
}

func (f *fakeOutput) Send(ctx context.Context, event *types.Event) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeOutput) Flush(ctx context.Context) error {
	f.flushes++
	return f.flushErr
}

func (f *fakeOutput) Close() error {
	f.closed = true
	return f.closeErr
}

func (f *fakeOutput) Name() string { return f.name }

func (f *fakeOutput) Metrics() *OutputMetrics {
	return &OutputMetrics{EventsSent: int64(len(f.sent)), BatchesSent: int64(f.flushes)}
}

func TestNewRouterStrategy(t *testing.T) {
	r, err := NewRouter(RouterConfig{}, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	if r.config.FailureStrategy != FailureStop {
		t.Errorf("default strategy = %q, want %q", r.config.FailureStrategy, FailureStop)
	}

	if _, err := NewRouter(RouterConfig{FailureStrategy: "retry-forever"}, nil); err == nil {
		t.Error("unknown strategy should fail")
	}
}

func TestRouterNoOutputs(t *testing.T) {
	r, _ := NewRouter(DefaultRouterConfig(), nil)
	if err := r.Send(context.Background(), testEvent("1")); err == nil {
		t.Error("Send() with no outputs should fail")
	}
}

func TestRouterStopStrategy(t *testing.T) {
	ctx := context.Background()
	first := &fakeOutput{name: "first", sendErr: errors.New("down")}
	second := &fakeOutput{name: "second"}

	r, _ := NewRouter(RouterConfig{FailureStrategy: FailureStop}, nil)
	r.AddOutput(first)
	r.AddOutput(second)

	err := r.Send(ctx, testEvent("1"))
	if err == nil {
		t.Fatal("Send() should fail under the stop strategy")
	}
	if len(second.sent) != 0 {
		t.Error("outputs after the failing one should not receive the event")
	}
	if got := err.Error(); got != "first: down" {
		t.Errorf("error = %q, want output name prefix", got)
	}
}

func TestRouterContinueStrategy(t *testing.T) {
	ctx := context.Background()
	broken := &fakeOutput{name: "broken", sendErr: errors.New("down"), flushErr: errors.New("down")}
	healthy := &fakeOutput{name: "healthy"}

	r, _ := NewRouter(RouterConfig{FailureStrategy: FailureContinue}, nil)
	r.AddOutput(broken)
	r.AddOutput(healthy)

	if err := r.Send(ctx, testEvent("1")); err != nil {
		t.Fatalf("Send() error = %v, want nil while one output succeeds", err)
	}
	if len(healthy.sent) != 1 {
		t.Errorf("healthy output received %d events, want 1", len(healthy.sent))
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	healthy.sendErr = errors.New("also down")
	if err := r.Send(ctx, testEvent("2")); err == nil {
		t.Error("Send() should fail when every output fails")
	}
}

func TestRouterCloseAndMetrics(t *testing.T) {
	ctx := context.Background()
	a := &fakeOutput{name: "a"}
	b := &fakeOutput{name: "b", closeErr: errors.New("stuck")}

	r, _ := NewRouter(DefaultRouterConfig(), nil)
	r.AddOutput(a)
	r.AddOutput(b)

	_ = r.Send(ctx, testEvent("1"))
	_ = r.Flush(ctx)

	m := r.Metrics()
	if m.EventsSent != 2 || m.BatchesSent != 2 {
		t.Errorf("aggregate metrics = %+v", m)
	}
	if r.Name() != TypeMulti {
		t.Errorf("Name() = %q", r.Name())
	}

	if err := r.Close(); err == nil {
		t.Error("Close() should report the failing output")
	}
	if !a.closed || !b.closed {
		t.Error("every output should be closed")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if err := r.Send(ctx, testEvent("2")); err == nil {
		t.Error("Send() after Close should fail")
	}
}
