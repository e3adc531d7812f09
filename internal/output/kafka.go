package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// KafkaConfig contains Kafka-specific configuration
type KafkaConfig struct {
	BaseConfig `yaml:",inline"`

	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`

	// Topic is the default Kafka topic to send messages to
	Topic string `yaml:"topic"`

	// TopicField optionally names a column whose value selects the topic
	TopicField string `yaml:"topic_field,omitempty"`

	// PartitionKey names the column used as message key. When empty the
	// source file name is used, keeping each file's rows in one partition.
	PartitionKey string `yaml:"partition_key,omitempty"`

	// PartitionStrategy defines how to partition messages (hash, random, round-robin)
	PartitionStrategy string `yaml:"partition_strategy,omitempty"`

	// RequiredAcks specifies the number of acknowledgments required (0, 1, -1)
	RequiredAcks int16 `yaml:"required_acks,omitempty"`

	// CompressionCodec specifies the compression codec (none, gzip, snappy, lz4, zstd)
	CompressionCodec string `yaml:"compression_codec,omitempty"`

	// MaxMessageBytes is the maximum size of a single message
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty"`

	// IdempotentWrites enables the idempotent producer
	IdempotentWrites bool `yaml:"idempotent_writes,omitempty"`

	// EnableTLS enables TLS for connections
	EnableTLS bool `yaml:"enable_tls,omitempty"`

	// SASL configuration
	SASLEnabled   bool   `yaml:"sasl_enabled,omitempty"`
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	// ClientID is the client identifier
	ClientID string `yaml:"client_id,omitempty"`

	// Version is the Kafka protocol version
	Version string `yaml:"version,omitempty"`
}

// DefaultKafkaConfig returns default Kafka configuration
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		BaseConfig:        DefaultBaseConfig(),
		Brokers:           []string{"localhost:9092"},
		Topic:             "csv-events",
		PartitionStrategy: "hash",
		RequiredAcks:      -1,
		CompressionCodec:  "none",
		MaxMessageBytes:   1000000, // 1MB
		ClientID:          "csvagent",
		Version:           "3.0.0",
	}
}

// KafkaOutput sends events to Kafka
type KafkaOutput struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	batcher  *Batcher
	metrics  *OutputMetrics
	mu       sync.RWMutex
	closed   atomic.Bool
}

// NewKafkaOutput creates a new Kafka output
func NewKafkaOutput(config KafkaConfig) (*KafkaOutput, error) {
	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newKafkaOutput(config, producer), nil
}

func newSaramaConfig(config KafkaConfig) (*sarama.Config, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	saramaConfig.Producer.Idempotent = config.IdempotentWrites
	if config.IdempotentWrites {
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
		saramaConfig.Net.MaxOpenRequests = 1
	}
	if config.MaxRetries > 0 {
		saramaConfig.Producer.Retry.Max = config.MaxRetries
	}
	if config.RetryBackoff > 0 {
		saramaConfig.Producer.Retry.Backoff = config.RetryBackoff
	}
	if config.Timeout > 0 {
		saramaConfig.Producer.Timeout = config.Timeout
	}
	if config.ClientID != "" {
		saramaConfig.ClientID = config.ClientID
	}

	switch config.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	switch config.PartitionStrategy {
	case "random":
		saramaConfig.Producer.Partitioner = sarama.NewRandomPartitioner
	case "round-robin":
		saramaConfig.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	default: // hash
		saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	}

	if config.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes
	}

	if config.Version != "" {
		version, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if config.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword

		switch config.SASLMechanism {
		case "SCRAM-SHA-256":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if config.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}

	return saramaConfig, nil
}

func newKafkaOutput(config KafkaConfig, producer sarama.SyncProducer) *KafkaOutput {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBaseConfig().BatchSize
	}

	output := &KafkaOutput{
		config:   config,
		producer: producer,
		metrics:  &OutputMetrics{},
	}
	output.batcher = NewBatcher(BatcherConfig{
		MaxBatchSize: config.BatchSize,
	}, output.sendBatch)
	return output
}

// Send buffers an event, producing the batch once it is full
func (k *KafkaOutput) Send(ctx context.Context, event *types.Event) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka output is closed")
	}

	rec, err := Encode(event)
	if err != nil {
		k.recordError(err, 1)
		return err
	}
	return k.batcher.Add(ctx, rec)
}

// Flush produces every buffered event
func (k *KafkaOutput) Flush(ctx context.Context) error {
	return k.batcher.Flush(ctx)
}

// sendBatch produces a batch of messages and waits for acknowledgement
func (k *KafkaOutput) sendBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	startTime := time.Now()
	var totalBytes int64

	messages := make([]*sarama.ProducerMessage, len(records))
	for i, rec := range records {
		messages[i] = k.buildMessage(rec)
		totalBytes += int64(len(rec.Data))
	}

	err := k.producer.SendMessages(messages)
	latency := time.Since(startTime)

	if err != nil {
		failed := int64(len(records))
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			failed = int64(len(perrs))
		}
		k.recordError(err, failed)
		return fmt.Errorf("failed to send %d messages to Kafka: %w", failed, err)
	}

	k.mu.Lock()
	k.metrics.EventsSent += int64(len(records))
	k.metrics.BytesSent += totalBytes
	k.metrics.BatchesSent++
	k.metrics.LastSendTime = time.Now()
	k.metrics.AvgBatchSize = float64(k.metrics.EventsSent) / float64(k.metrics.BatchesSent)
	k.metrics.AvgLatency = (k.metrics.AvgLatency + latency) / 2
	k.mu.Unlock()

	return nil
}

// buildMessage creates a Kafka producer message from a record
func (k *KafkaOutput) buildMessage(rec Record) *sarama.ProducerMessage {
	topic := k.config.Topic
	if k.config.TopicField != "" {
		if v, ok := rec.Event.Get(k.config.TopicField); ok && v != "" {
			topic = v
		}
	}

	key := rec.Event.Source
	if k.config.PartitionKey != "" {
		if v, ok := rec.Event.Get(k.config.PartitionKey); ok && v != "" {
			key = v
		}
	}

	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(rec.Data),
	}
}

func (k *KafkaOutput) recordError(err error, events int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.metrics.EventsFailed += events
	k.metrics.LastError = err.Error()
	k.metrics.LastErrorTime = time.Now()
}

// Close flushes pending events and closes the producer
func (k *KafkaOutput) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	flushErr := k.batcher.Flush(context.Background())

	if k.producer != nil {
		if err := k.producer.Close(); err != nil {
			return err
		}
	}

	return flushErr
}

// Name returns the output name
func (k *KafkaOutput) Name() string {
	if k.config.Name != "" {
		return k.config.Name
	}
	return TypeKafka
}

// Metrics returns the current metrics
func (k *KafkaOutput) Metrics() *OutputMetrics {
	k.mu.RLock()
	defer k.mu.RUnlock()

	metricsCopy := *k.metrics
	return &metricsCopy
}
