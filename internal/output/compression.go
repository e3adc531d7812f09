package output

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"slices"

	"github.com/golang/snappy"
)

// Codec compresses a flushed payload and describes the result to the
// transport carrying it
type Codec struct {
	Type CompressionType

	// Encoding is the Content-Encoding value, empty when uncompressed
	Encoding string

	// Extension is appended to archived object keys
	Extension string

	compress func([]byte) ([]byte, error)
}

// NewCodec returns the codec for t. An unset type means no compression.
// When accepted is non-empty, t must be one of the listed types.
func NewCodec(t CompressionType, accepted ...CompressionType) (Codec, error) {
	if t == "" {
		t = CompressionNone
	}
	if len(accepted) > 0 && !slices.Contains(accepted, t) {
		return Codec{}, fmt.Errorf("compression %q not supported here, use one of %v", t, accepted)
	}

	switch t {
	case CompressionNone:
		return Codec{Type: t}, nil
	case CompressionGzip:
		return Codec{Type: t, Encoding: "gzip", Extension: ".gz", compress: gzipBytes}, nil
	case CompressionSnappy:
		return Codec{Type: t, Encoding: "snappy", Extension: ".snappy", compress: snappyBytes}, nil
	default:
		return Codec{}, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Compress returns data encoded with the codec, or data itself when
// uncompressed
func (c Codec) Compress(data []byte) ([]byte, error) {
	if c.compress == nil {
		return data, nil
	}
	return c.compress(data)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func snappyBytes(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}
