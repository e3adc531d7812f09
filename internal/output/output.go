// Package output delivers events to their destinations.
package output

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// Output defines the interface for all output plugins. Send may buffer;
// an event counts as delivered only once Flush has returned nil.
type Output interface {
	// Send hands a single event to the output
	Send(ctx context.Context, event *types.Event) error

	// Flush delivers every event buffered since the last flush
	Flush(ctx context.Context) error

	// Close closes the output and releases resources
	Close() error

	// Name returns the name of the output plugin
	Name() string

	// Metrics returns the current metrics for this output
	Metrics() *OutputMetrics
}

// OutputMetrics tracks performance and health metrics for an output
type OutputMetrics struct {
	EventsSent    int64         `json:"events_sent"`
	EventsFailed  int64         `json:"events_failed"`
	BytesSent     int64         `json:"bytes_sent"`
	BatchesSent   int64         `json:"batches_sent"`
	RetryCount    int64         `json:"retry_count"`
	LastSendTime  time.Time     `json:"last_send_time"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
	AvgBatchSize  float64       `json:"avg_batch_size"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// CompressionType defines the compression algorithm to use
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionGzip   CompressionType = "gzip"
	CompressionSnappy CompressionType = "snappy"
)

// Output types
const (
	TypeStdout        = "stdout"
	TypeFile          = "file"
	TypeHEC           = "hec"
	TypeKafka         = "kafka"
	TypeElasticsearch = "elasticsearch"
	TypeS3            = "s3"
	TypeMulti         = "multi"
)

// BaseConfig contains common configuration for all outputs
type BaseConfig struct {
	// Name is a unique identifier for this output instance
	Name string `yaml:"name,omitempty"`

	// BatchSize is the number of buffered events that triggers an early send
	BatchSize int `yaml:"batch_size,omitempty"`

	// Compression specifies the compression algorithm
	Compression CompressionType `yaml:"compression,omitempty"`

	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// Timeout is the timeout for send operations
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultBaseConfig returns a base config with sensible defaults
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		BatchSize:    100,
		Compression:  CompressionNone,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultBaseConfig
func (b BaseConfig) withDefaults() BaseConfig {
	d := DefaultBaseConfig()
	if b.BatchSize == 0 {
		b.BatchSize = d.BatchSize
	}
	if b.Compression == "" {
		b.Compression = d.Compression
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.RetryBackoff == 0 {
		b.RetryBackoff = d.RetryBackoff
	}
	if b.Timeout == 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Config selects and configures an output
type Config struct {
	// Type is one of stdout, file, hec, kafka, elasticsearch, s3, multi
	Type string `yaml:"type"`

	// Name overrides the output name used in logs and metrics
	Name string `yaml:"name,omitempty"`

	File          *FileConfig          `yaml:"file,omitempty"`
	HEC           *HECConfig           `yaml:"hec,omitempty"`
	Kafka         *KafkaConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
	S3            *S3Config            `yaml:"s3,omitempty"`
	Multi         *RouterConfig        `yaml:"multi,omitempty"`
}

// Validate checks that the selected type has its settings
func (c *Config) Validate() error {
	switch c.Type {
	case TypeStdout:
		return nil
	case TypeFile:
		if c.File == nil || c.File.Path == "" {
			return fmt.Errorf("file output requires a path")
		}
	case TypeHEC:
		if c.HEC == nil {
			return fmt.Errorf("hec output requires hec settings")
		}
	case TypeKafka:
		if c.Kafka == nil {
			return fmt.Errorf("kafka output requires kafka settings")
		}
	case TypeElasticsearch:
		if c.Elasticsearch == nil {
			return fmt.Errorf("elasticsearch output requires elasticsearch settings")
		}
	case TypeS3:
		if c.S3 == nil {
			return fmt.Errorf("s3 output requires s3 settings")
		}
	case TypeMulti:
		if c.Multi == nil || len(c.Multi.Outputs) == 0 {
			return fmt.Errorf("multi output requires at least one output")
		}
		for i := range c.Multi.Outputs {
			if c.Multi.Outputs[i].Type == TypeMulti {
				return fmt.Errorf("multi output %d: nested multi outputs are not supported", i)
			}
			if err := c.Multi.Outputs[i].Validate(); err != nil {
				return fmt.Errorf("multi output %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown output type: %q", c.Type)
	}
	return nil
}

// New creates the output described by cfg
func New(ctx context.Context, cfg Config, logger *logging.Logger) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	switch cfg.Type {
	case TypeStdout:
		return NewStdoutOutput(cfg.Name), nil
	case TypeFile:
		fc := *cfg.File
		setName(&fc.BaseConfig, cfg.Name)
		return NewFileOutput(fc)
	case TypeHEC:
		hc := *cfg.HEC
		setName(&hc.BaseConfig, cfg.Name)
		return NewHECOutput(hc, logger)
	case TypeKafka:
		kc := *cfg.Kafka
		setName(&kc.BaseConfig, cfg.Name)
		return NewKafkaOutput(kc)
	case TypeElasticsearch:
		ec := *cfg.Elasticsearch
		setName(&ec.BaseConfig, cfg.Name)
		return NewElasticsearchOutput(ctx, ec)
	case TypeS3:
		sc := *cfg.S3
		setName(&sc.BaseConfig, cfg.Name)
		return NewS3Output(ctx, sc)
	case TypeMulti:
		router, err := NewRouter(*cfg.Multi, logger)
		if err != nil {
			return nil, err
		}
		for _, sub := range cfg.Multi.Outputs {
			out, err := New(ctx, sub, logger)
			if err != nil {
				router.Close()
				return nil, fmt.Errorf("failed to create %s output: %w", sub.Type, err)
			}
			router.AddOutput(out)
		}
		return router, nil
	}

	return nil, fmt.Errorf("unknown output type: %q", cfg.Type)
}

func setName(b *BaseConfig, name string) {
	if name != "" {
		b.Name = name
	}
}
