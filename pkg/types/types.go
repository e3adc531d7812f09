package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Metadata field names appended after the data fields of every event
const (
	FieldSource     = "source"
	FieldSourcetype = "sourcetype"
	FieldIndex      = "index"
	FieldTime       = "time"
)

// ParsedRow is one CSV data row bound positionally to the file header
type ParsedRow struct {
	SourceFile string
	RowIndex   int64
	Values     []string

	// Timestamp is the time extracted from the row, or the processing time
	// when TimestampFound is false
	Timestamp      time.Time
	TimestampFound bool
}

// Field is a single name/value pair of an event
type Field struct {
	Name  string
	Value string
}

// Event is the structured record emitted for one row
type Event struct {
	Fields     []Field
	Source     string
	Sourcetype string
	Index      string
	Time       time.Time
}

// Get returns the value of the named data field
func (e *Event) Get(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// FieldMap returns the data fields as a map
func (e *Event) FieldMap() map[string]string {
	m := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// EpochSeconds formats the event time as fractional unix seconds
func (e *Event) EpochSeconds() string {
	return FormatEpoch(e.Time)
}

// FormatEpoch renders t as unix seconds with millisecond precision
func FormatEpoch(t time.Time) string {
	ms := t.UnixMilli()
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}

// MarshalJSON writes the data fields in header order followed by the
// metadata fields, so identical events always serialize to identical bytes.
func (e *Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := e.writeFields(&buf); err != nil {
		return nil, err
	}
	if len(e.Fields) > 0 {
		buf.WriteByte(',')
	}
	for i, kv := range [][2]string{
		{FieldSource, e.Source},
		{FieldSourcetype, e.Sourcetype},
		{FieldIndex, e.Index},
	} {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writePair(&buf, kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`,"time":`)
	buf.WriteString(e.EpochSeconds())
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FieldsJSON writes only the data fields, in header order, as a JSON object
func (e *Event) FieldsJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := e.writeFields(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Event) writeFields(buf *bytes.Buffer) error {
	for i, f := range e.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writePair(buf, f.Name, f.Value); err != nil {
			return err
		}
	}
	return nil
}

func writePair(buf *bytes.Buffer, name, value string) error {
	k, err := json.Marshal(name)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}
