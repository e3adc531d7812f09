package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/reliability"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/security"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
	"golang.org/x/time/rate"
)

// HECPath is the HTTP Event Collector endpoint path
const HECPath = "/services/collector/event"

// HECConfig contains Splunk HTTP Event Collector configuration
type HECConfig struct {
	BaseConfig `yaml:",inline"`

	// Host is the Splunk server hostname or IP
	Host string `yaml:"host"`

	// Port is the HEC port
	Port int `yaml:"port,omitempty"`

	// Protocol is http or https
	Protocol string `yaml:"protocol,omitempty"`

	// Token is the HEC token, or an env:/file: reference to it
	Token string `yaml:"token"`

	// EventHost is the value of the envelope host field
	EventHost string `yaml:"event_host,omitempty"`

	// TLS configures the client side of https connections
	TLS security.TLSConfig `yaml:"tls,omitempty"`

	// RateLimit caps requests per second; zero disables limiting
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// FailureThreshold is the number of consecutive failed requests that
	// opens the circuit breaker
	FailureThreshold uint32 `yaml:"failure_threshold,omitempty"`

	// CooldownPeriod is how long the circuit breaker stays open
	CooldownPeriod time.Duration `yaml:"cooldown_period,omitempty"`
}

// DefaultHECConfig returns default HEC configuration
func DefaultHECConfig() HECConfig {
	return HECConfig{
		BaseConfig:       DefaultBaseConfig(),
		Port:             8088,
		Protocol:         "http",
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

// URL returns the collector endpoint
func (c *HECConfig) URL() string {
	return fmt.Sprintf("%s://%s:%d%s", c.Protocol, c.Host, c.Port, HECPath)
}

// HECOutput sends events to a Splunk HTTP Event Collector. Each flush
// posts the buffered envelopes concatenated in one request.
type HECOutput struct {
	config  HECConfig
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *reliability.CircuitBreaker
	codec   Codec
	batcher *Batcher
	logger  *logging.Logger
	metrics *OutputMetrics
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewHECOutput creates a new HEC output
func NewHECOutput(config HECConfig, logger *logging.Logger) (*HECOutput, error) {
	d := DefaultHECConfig()
	config.BaseConfig = config.BaseConfig.withDefaults()
	if config.Port == 0 {
		config.Port = d.Port
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.CooldownPeriod == 0 {
		config.CooldownPeriod = d.CooldownPeriod
	}
	config.Protocol = strings.ToLower(config.Protocol)
	if config.Protocol == "" {
		config.Protocol = d.Protocol
	}
	if config.Protocol != "http" && config.Protocol != "https" {
		return nil, fmt.Errorf("unsupported protocol: %q", config.Protocol)
	}
	if config.Host == "" {
		return nil, fmt.Errorf("no host specified")
	}
	if config.EventHost == "" {
		if h, err := os.Hostname(); err == nil {
			config.EventHost = h
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	token, err := security.ResolveSecret(config.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hec token: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("no token specified")
	}

	codec, err := NewCodec(config.Compression, CompressionNone, CompressionGzip)
	if err != nil {
		return nil, fmt.Errorf("hec: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Protocol == "https" {
		tlsConfig := config.TLS
		tlsConfig.Enabled = true
		tc, err := security.LoadTLSConfig(&tlsConfig)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}

	h := &HECOutput{
		config:  config,
		url:     config.URL(),
		token:   token,
		client:  &http.Client{Transport: transport, Timeout: config.Timeout},
		codec:   codec,
		logger:  logger.WithComponent("hec"),
		metrics: &OutputMetrics{},
	}
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	h.breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		FailureThreshold: config.FailureThreshold,
		Timeout:          config.CooldownPeriod,
		OnStateChange: func(from, to reliability.State) {
			h.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("HEC circuit breaker changed state")
		},
	})
	h.batcher = NewBatcher(BatcherConfig{
		MaxBatchSize:  config.BatchSize,
		MaxBatchBytes: 1024 * 1024, // 1MB per request
	}, h.sendBatch)

	h.logger.Debug().
		Str("url", h.url).
		Str("token", security.Mask(token)).
		Msg("HEC output configured")

	return h, nil
}

// Send buffers an event, posting the batch once it is full
func (h *HECOutput) Send(ctx context.Context, event *types.Event) error {
	if h.closed.Load() {
		return fmt.Errorf("hec output is closed")
	}

	data, err := h.envelope(event)
	if err != nil {
		h.recordError(err, 1)
		return err
	}
	return h.batcher.Add(ctx, Record{Event: event, Data: data})
}

// Flush posts every buffered event
func (h *HECOutput) Flush(ctx context.Context) error {
	return h.batcher.Flush(ctx)
}

// envelope wraps an event in the HEC event envelope
func (h *HECOutput) envelope(event *types.Event) ([]byte, error) {
	fields, err := event.FieldsJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"time":`)
	buf.WriteString(event.EpochSeconds())
	for _, kv := range [][2]string{
		{"host", h.config.EventHost},
		{"source", event.Source},
		{"sourcetype", event.Sourcetype},
		{"index", event.Index},
	} {
		k, _ := json.Marshal(kv[0])
		v, err := json.Marshal(kv[1])
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString(`,"event":`)
	buf.Write(fields)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// sendBatch posts a batch with retries behind the circuit breaker
func (h *HECOutput) sendBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	startTime := time.Now()

	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec.Data)
		buf.WriteByte('\n')
	}
	body, err := h.codec.Compress(buf.Bytes())
	if err != nil {
		h.recordError(err, int64(len(records)))
		return fmt.Errorf("failed to compress data: %w", err)
	}

	retry := reliability.RetryConfig{
		MaxRetries:     h.config.MaxRetries,
		InitialBackoff: h.config.RetryBackoff,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		OnRetry: func(attempt int, err error) {
			h.mu.Lock()
			h.metrics.RetryCount++
			h.mu.Unlock()
			h.logger.Warn().Err(err).Int("attempt", attempt).Msg("Retrying HEC request")
		},
	}

	err = reliability.Retry(ctx, retry, func(ctx context.Context) error {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return h.breaker.Execute(func() error {
			return h.post(ctx, body)
		})
	})
	if err != nil {
		h.recordError(err, int64(len(records)))
		return err
	}
	latency := time.Since(startTime)

	h.mu.Lock()
	h.metrics.EventsSent += int64(len(records))
	h.metrics.BytesSent += int64(len(body))
	h.metrics.BatchesSent++
	h.metrics.LastSendTime = time.Now()
	h.metrics.AvgBatchSize = float64(h.metrics.EventsSent) / float64(h.metrics.BatchesSent)
	h.metrics.AvgLatency = (h.metrics.AvgLatency + latency) / 2
	h.mu.Unlock()

	return nil
}

// hecResponse is the body HEC returns for every request
type hecResponse struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// post performs one request. Rejections that a retry cannot fix are
// marked permanent.
func (h *HECOutput) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return reliability.Permanent(err)
	}
	req.Header.Set("Authorization", "Splunk "+h.token)
	req.Header.Set("Content-Type", "application/json")
	if h.codec.Encoding != "" {
		req.Header.Set("Content-Encoding", h.codec.Encoding)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("hec request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var hr hecResponse
	_ = json.Unmarshal(raw, &hr)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if hr.Code != 0 {
			return reliability.Permanent(fmt.Errorf("hec rejected events: %s (code %d)", hr.Text, hr.Code))
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("hec returned %s: %s", resp.Status, hr.Text)
	default:
		return reliability.Permanent(fmt.Errorf("hec returned %s: %s", resp.Status, hr.Text))
	}
}

func (h *HECOutput) recordError(err error, events int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics.EventsFailed += events
	h.metrics.LastError = err.Error()
	h.metrics.LastErrorTime = time.Now()
}

// Close flushes pending events
func (h *HECOutput) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	err := h.batcher.Flush(context.Background())
	h.client.CloseIdleConnections()
	return err
}

// Name returns the output name
func (h *HECOutput) Name() string {
	if h.config.Name != "" {
		return h.config.Name
	}
	return TypeHEC
}

// Metrics returns the current metrics
func (h *HECOutput) Metrics() *OutputMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metricsCopy := *h.metrics
	return &metricsCopy
}
