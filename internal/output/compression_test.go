package output

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/golang/snappy"
)

func TestNewCodec(t *testing.T) {
	payload := []byte(strings.Repeat(`{"id":"1","val":"x","source":"a.csv","sourcetype":"csv_data","index":"main","time":1700000000.000}`+"\n", 50))

	tests := []struct {
		name      string
		typ       CompressionType
		encoding  string
		extension string
		decode    func([]byte) ([]byte, error)
	}{
		{"none", CompressionNone, "", "", nil},
		{"unset", "", "", "", nil},
		{"gzip", CompressionGzip, "gzip", ".gz", func(b []byte) ([]byte, error) {
			zr, err := gzip.NewReader(bytes.NewReader(b))
			if err != nil {
				return nil, err
			}
			return io.ReadAll(zr)
		}},
		{"snappy", CompressionSnappy, "snappy", ".snappy", func(b []byte) ([]byte, error) {
			return snappy.Decode(nil, b)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCodec(tt.typ)
			if err != nil {
				t.Fatalf("NewCodec(%q) error = %v", tt.typ, err)
			}
			if c.Encoding != tt.encoding || c.Extension != tt.extension {
				t.Errorf("codec = %+v, want encoding %q extension %q", c, tt.encoding, tt.extension)
			}

			body, err := c.Compress(payload)
			if err != nil {
				t.Fatalf("Compress() error = %v", err)
			}
			if tt.decode == nil {
				if !bytes.Equal(body, payload) {
					t.Error("uncompressed codec changed the payload")
				}
				return
			}
			if len(body) >= len(payload) {
				t.Errorf("repetitive NDJSON should shrink: %d -> %d", len(payload), len(body))
			}
			decoded, err := tt.decode(body)
			if err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if !bytes.Equal(decoded, payload) {
				t.Error("decoded payload mismatch")
			}
		})
	}
}

func TestNewCodecRestricted(t *testing.T) {
	if _, err := NewCodec(CompressionGzip, CompressionNone, CompressionGzip); err != nil {
		t.Errorf("gzip should be accepted: %v", err)
	}
	if _, err := NewCodec("", CompressionNone, CompressionGzip); err != nil {
		t.Errorf("unset should mean none: %v", err)
	}
	if _, err := NewCodec(CompressionSnappy, CompressionNone, CompressionGzip); err == nil {
		t.Error("snappy should be refused when not accepted")
	}
}

func TestNewCodecUnsupported(t *testing.T) {
	for _, typ := range []CompressionType{"lz4", "zip"} {
		if _, err := NewCodec(typ); err == nil {
			t.Errorf("NewCodec(%q) should fail", typ)
		}
	}
}
