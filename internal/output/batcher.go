package output

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// Record is an event together with its serialized form
type Record struct {
	Event *types.Event
	Data  []byte
}

// Encode serializes an event into a record
func Encode(event *types.Event) (Record, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return Record{Event: event, Data: data}, nil
}

// BatcherConfig configures the batching behavior
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
}

// Batcher accumulates records and hands them to flushFn when the batch is
// full or when Flush is called. It has no background goroutine: delivery
// happens on the caller's goroutine, so a failure is reported to the caller
// that caused it. A failed batch is dropped; the caller re-reads its rows.
type Batcher struct {
	config  BatcherConfig
	records []Record
	size    int
	flushFn func(ctx context.Context, records []Record) error
}

// NewBatcher creates a new batcher
func NewBatcher(config BatcherConfig, flushFn func(ctx context.Context, records []Record) error) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1
	}
	return &Batcher{
		config:  config,
		records: make([]Record, 0, config.MaxBatchSize),
		flushFn: flushFn,
	}
}

// Add adds a record to the batch, sending the batch if it is full
func (b *Batcher) Add(ctx context.Context, rec Record) error {
	b.records = append(b.records, rec)
	b.size += len(rec.Data)

	if len(b.records) >= b.config.MaxBatchSize ||
		(b.config.MaxBatchBytes > 0 && b.size >= b.config.MaxBatchBytes) {
		return b.Flush(ctx)
	}

	return nil
}

// Flush sends the current batch
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.records) == 0 {
		return nil
	}

	toFlush := b.records
	b.records = make([]Record, 0, b.config.MaxBatchSize)
	b.size = 0

	return b.flushFn(ctx, toFlush)
}

// Reset drops the buffered records
func (b *Batcher) Reset() {
	b.records = b.records[:0]
	b.size = 0
}

// Size returns the current number of records in the batch
func (b *Batcher) Size() int {
	return len(b.records)
}

// Bytes returns the serialized size of the batch
func (b *Batcher) Bytes() int {
	return b.size
}
