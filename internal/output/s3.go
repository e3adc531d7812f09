package output

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// S3Config contains S3-specific configuration
type S3Config struct {
	BaseConfig `yaml:",inline"`

	// Bucket is the S3 bucket name
	Bucket string `yaml:"bucket"`

	// Region is the AWS region
	Region string `yaml:"region"`

	// Prefix is the key prefix for objects
	Prefix string `yaml:"prefix,omitempty"`

	// KeyTemplate is the template for object keys (supports time patterns
	// and {{.Source}})
	KeyTemplate string `yaml:"key_template,omitempty"`

	// StorageClass is the S3 storage class (STANDARD, GLACIER, etc.)
	StorageClass string `yaml:"storage_class,omitempty"`

	// ServerSideEncryption specifies encryption (AES256, aws:kms)
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`

	// Endpoint for S3-compatible services (e.g., MinIO)
	Endpoint string `yaml:"endpoint,omitempty"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `yaml:"use_path_style,omitempty"`

	// ContentType for uploaded objects
	ContentType string `yaml:"content_type,omitempty"`
}

// DefaultS3Config returns default S3 configuration
func DefaultS3Config() S3Config {
	base := DefaultBaseConfig()
	base.BatchSize = 1000
	base.Compression = CompressionGzip
	return S3Config{
		BaseConfig:   base,
		Region:       "us-east-1",
		Prefix:       "csv/",
		KeyTemplate:  "{{.Year}}/{{.Month}}/{{.Day}}/{{.Source}}-{{.UnixNano}}.ndjson",
		StorageClass: "STANDARD",
		ContentType:  "application/x-ndjson",
	}
}

// s3API is the part of the S3 client used by the output
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Output archives batches of events as NDJSON objects
type S3Output struct {
	config  S3Config
	client  s3API
	batcher *Batcher
	metrics *OutputMetrics
	codec   Codec
	now     func() time.Time
	mu      sync.RWMutex
	closed  atomic.Bool
}

// NewS3Output creates a new S3 output
func NewS3Output(ctx context.Context, s3Config S3Config) (*S3Output, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if s3Config.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s3Config.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if s3Config.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3Config.Endpoint)
			o.UsePathStyle = s3Config.UsePathStyle
		})
	}

	return newS3Output(s3Config, s3.NewFromConfig(cfg, opts...))
}

func newS3Output(s3Config S3Config, client s3API) (*S3Output, error) {
	if s3Config.BatchSize <= 0 {
		s3Config.BatchSize = DefaultS3Config().BatchSize
	}
	if s3Config.ContentType == "" {
		s3Config.ContentType = "application/x-ndjson"
	}

	codec, err := NewCodec(s3Config.Compression)
	if err != nil {
		return nil, err
	}

	output := &S3Output{
		config:  s3Config,
		client:  client,
		metrics: &OutputMetrics{},
		codec:   codec,
		now:     time.Now,
	}
	output.batcher = NewBatcher(BatcherConfig{
		MaxBatchSize:  s3Config.BatchSize,
		MaxBatchBytes: 100 * 1024 * 1024, // 100MB
	}, output.sendBatch)

	return output, nil
}

// Send buffers an event, uploading the batch once it is full
func (s *S3Output) Send(ctx context.Context, event *types.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("s3 output is closed")
	}

	rec, err := Encode(event)
	if err != nil {
		s.recordError(err, 1)
		return err
	}
	return s.batcher.Add(ctx, rec)
}

// Flush uploads the buffered events as one object
func (s *S3Output) Flush(ctx context.Context) error {
	return s.batcher.Flush(ctx)
}

// sendBatch sends a batch of events as a single S3 object
func (s *S3Output) sendBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	startTime := time.Now()
	key := s.generateKey(records[0].Event.Source, s.now())

	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec.Data)
		buf.WriteByte('\n')
	}

	compressed, err := s.codec.Compress(buf.Bytes())
	if err != nil {
		s.recordError(err, int64(len(records)))
		return fmt.Errorf("failed to compress data: %w", err)
	}

	if err := s.uploadObject(ctx, key, compressed); err != nil {
		s.recordError(err, int64(len(records)))
		return err
	}
	latency := time.Since(startTime)

	s.mu.Lock()
	s.metrics.EventsSent += int64(len(records))
	s.metrics.BytesSent += int64(len(compressed))
	s.metrics.BatchesSent++
	s.metrics.LastSendTime = time.Now()
	s.metrics.AvgBatchSize = float64(s.metrics.EventsSent) / float64(s.metrics.BatchesSent)
	s.metrics.AvgLatency = (s.metrics.AvgLatency + latency) / 2
	s.mu.Unlock()

	return nil
}

// uploadObject uploads data to S3
func (s *S3Output) uploadObject(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(s.config.ContentType),
	}

	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}

	if s.config.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.config.ServerSideEncryption)
	}

	if s.codec.Encoding != "" {
		input.ContentEncoding = aws.String(s.codec.Encoding)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// generateKey generates an S3 key from the template
func (s *S3Output) generateKey(source string, timestamp time.Time) string {
	timestamp = timestamp.UTC()

	key := s.config.KeyTemplate
	if key == "" {
		key = "{{.Source}}-{{.UnixNano}}.ndjson"
	}

	replacements := map[string]string{
		"{{.Year}}":      fmt.Sprintf("%04d", timestamp.Year()),
		"{{.Month}}":     fmt.Sprintf("%02d", timestamp.Month()),
		"{{.Day}}":       fmt.Sprintf("%02d", timestamp.Day()),
		"{{.Hour}}":      fmt.Sprintf("%02d", timestamp.Hour()),
		"{{.Minute}}":    fmt.Sprintf("%02d", timestamp.Minute()),
		"{{.Second}}":    fmt.Sprintf("%02d", timestamp.Second()),
		"{{.Timestamp}}": fmt.Sprintf("%d", timestamp.Unix()),
		"{{.UnixNano}}":  fmt.Sprintf("%d", timestamp.UnixNano()),
		"{{.Source}}":    strings.TrimSuffix(source, ".csv"),
	}

	for placeholder, value := range replacements {
		key = strings.ReplaceAll(key, placeholder, value)
	}

	if s.config.Prefix != "" {
		key = s.config.Prefix + key
	}

	return key + s.codec.Extension
}

func (s *S3Output) recordError(err error, events int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.EventsFailed += events
	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
}

// Close uploads pending events
func (s *S3Output) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	return s.batcher.Flush(context.Background())
}

// Name returns the output name
func (s *S3Output) Name() string {
	if s.config.Name != "" {
		return s.config.Name
	}
	return TypeS3
}

// Metrics returns the current metrics
func (s *S3Output) Metrics() *OutputMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metricsCopy := *s.metrics
	return &metricsCopy
}
