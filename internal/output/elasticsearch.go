package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	BaseConfig `yaml:",inline"`

	// Addresses is the list of Elasticsearch node URLs
	Addresses []string `yaml:"addresses"`

	// Index is the index name or pattern. When empty, the event's index
	// field is used.
	Index string `yaml:"index,omitempty"`

	// IndexRotation appends a date suffix (daily, weekly, monthly, yearly, none)
	IndexRotation string `yaml:"index_rotation,omitempty"`

	// Pipeline is the ingest pipeline to use
	Pipeline string `yaml:"pipeline,omitempty"`

	// Username for authentication
	Username string `yaml:"username,omitempty"`

	// Password for authentication
	Password string `yaml:"password,omitempty"`

	// CloudID for Elastic Cloud
	CloudID string `yaml:"cloud_id,omitempty"`

	// APIKey for authentication
	APIKey string `yaml:"api_key,omitempty"`
}

// DefaultElasticsearchConfig returns default Elasticsearch configuration
func DefaultElasticsearchConfig() ElasticsearchConfig {
	return ElasticsearchConfig{
		BaseConfig:    DefaultBaseConfig(),
		Addresses:     []string{"http://localhost:9200"},
		Index:         "csv",
		IndexRotation: "daily",
	}
}

// ElasticsearchOutput sends events to Elasticsearch with the Bulk API
type ElasticsearchOutput struct {
	config  ElasticsearchConfig
	client  *elasticsearch.Client
	batcher *Batcher
	metrics *OutputMetrics
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewElasticsearchOutput creates a new Elasticsearch output and checks
// that the cluster is reachable
func NewElasticsearchOutput(ctx context.Context, config ElasticsearchConfig) (*ElasticsearchOutput, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBaseConfig().BatchSize
	}

	esConfig := elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	}
	if config.MaxRetries > 0 {
		esConfig.MaxRetries = config.MaxRetries
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}

	output := &ElasticsearchOutput{
		config:  config,
		client:  client,
		metrics: &OutputMetrics{},
	}
	output.batcher = NewBatcher(BatcherConfig{
		MaxBatchSize:  config.BatchSize,
		MaxBatchBytes: 10 * 1024 * 1024, // 10MB default bulk size
	}, output.sendBatch)

	return output, nil
}

// Send buffers an event, indexing the batch once it is full
func (e *ElasticsearchOutput) Send(ctx context.Context, event *types.Event) error {
	if e.closed.Load() {
		return fmt.Errorf("elasticsearch output is closed")
	}

	rec, err := Encode(event)
	if err != nil {
		e.recordError(err, 1)
		return err
	}
	return e.batcher.Add(ctx, rec)
}

// Flush indexes every buffered event
func (e *ElasticsearchOutput) Flush(ctx context.Context) error {
	return e.batcher.Flush(ctx)
}

// sendBatch sends a batch of events using the Bulk API
func (e *ElasticsearchOutput) sendBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	startTime := time.Now()

	var buf bytes.Buffer
	var totalBytes int64

	for _, rec := range records {
		action := map[string]string{"_index": e.getIndexName(rec.Event)}
		if e.config.Pipeline != "" {
			action["pipeline"] = e.config.Pipeline
		}

		metaJSON, err := json.Marshal(map[string]interface{}{"index": action})
		if err != nil {
			e.recordError(err, int64(len(records)))
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}

		buf.Write(metaJSON)
		buf.WriteByte('\n')
		buf.Write(rec.Data)
		buf.WriteByte('\n')

		totalBytes += int64(len(rec.Data))
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		e.recordError(err, int64(len(records)))
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	latency := time.Since(startTime)

	if res.IsError() {
		err := fmt.Errorf("bulk request returned error: %s", res.Status())
		e.recordError(err, int64(len(records)))
		return err
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		e.recordError(err, int64(len(records)))
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}

	var failedCount int64
	var lastErr string
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, doc := range item {
				if doc.Status >= 400 {
					failedCount++
					lastErr = string(doc.Error)
				}
			}
		}
	}

	if failedCount > 0 {
		err := fmt.Errorf("%d out of %d events failed to index: %s", failedCount, len(records), lastErr)
		e.recordError(err, failedCount)
		return err
	}

	e.mu.Lock()
	e.metrics.EventsSent += int64(len(records))
	e.metrics.BytesSent += totalBytes
	e.metrics.BatchesSent++
	e.metrics.LastSendTime = time.Now()
	e.metrics.AvgBatchSize = float64(e.metrics.EventsSent) / float64(e.metrics.BatchesSent)
	e.metrics.AvgLatency = (e.metrics.AvgLatency + latency) / 2
	e.mu.Unlock()

	return nil
}

// getIndexName returns the index name for an event, with optional time-based rotation
func (e *ElasticsearchOutput) getIndexName(event *types.Event) string {
	index := e.config.Index
	if index == "" {
		index = event.Index
	}

	timestamp := event.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	timestamp = timestamp.UTC()

	if strings.Contains(index, "%{") {
		index = strings.ReplaceAll(index, "%{+YYYY.MM.dd}", timestamp.Format("2006.01.02"))
		index = strings.ReplaceAll(index, "%{+YYYY.MM}", timestamp.Format("2006.01"))
		index = strings.ReplaceAll(index, "%{+YYYY}", timestamp.Format("2006"))
		return index
	}

	var suffix string
	switch e.config.IndexRotation {
	case "", "none":
		return index
	case "weekly":
		year, week := timestamp.ISOWeek()
		suffix = fmt.Sprintf("%d.%02d", year, week)
	case "monthly":
		suffix = timestamp.Format("2006.01")
	case "yearly":
		suffix = timestamp.Format("2006")
	default:
		suffix = timestamp.Format("2006.01.02")
	}

	return fmt.Sprintf("%s-%s", index, suffix)
}

func (e *ElasticsearchOutput) recordError(err error, events int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.EventsFailed += events
	e.metrics.LastError = err.Error()
	e.metrics.LastErrorTime = time.Now()
}

// Close flushes pending events
func (e *ElasticsearchOutput) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	return e.batcher.Flush(context.Background())
}

// Name returns the output name
func (e *ElasticsearchOutput) Name() string {
	if e.config.Name != "" {
		return e.config.Name
	}
	return TypeElasticsearch
}

// Metrics returns the current metrics
func (e *ElasticsearchOutput) Metrics() *OutputMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	metricsCopy := *e.metrics
	return &metricsCopy
}
