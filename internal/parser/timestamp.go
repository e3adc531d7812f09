package parser

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultTimestampFields are the column names checked first, in order
func DefaultTimestampFields() []string {
	return []string{"timestamp", "time", "datetime", "date", "created_at", "updated_at"}
}

// DefaultTimeFormats returns common timestamp layouts. Fractional seconds
// after the seconds field are accepted by every layout.
func DefaultTimeFormats() []string {
	return []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02",
		"01/02/2006 15:04:05",
		"02/01/2006 15:04:05",
		"2006/01/02 15:04:05",
		"02/Jan/2006:15:04:05 -0700",
		"Jan 02, 2006 15:04:05",
	}
}

// TimeMatcher tries to derive an event time from a row
type TimeMatcher interface {
	Match(header, values []string) (time.Time, bool)
	Name() string
}

// LayoutMatcher parses a single column with a list of layouts
type LayoutMatcher struct {
	Column   int
	Field    string
	Layouts  []string
	Location *time.Location
}

// Match implements TimeMatcher
func (m LayoutMatcher) Match(_, values []string) (time.Time, bool) {
	if m.Column >= len(values) {
		return time.Time{}, false
	}
	v := strings.TrimSpace(values[m.Column])
	if v == "" {
		return time.Time{}, false
	}
	return ParseTimestamp(v, m.Location, m.Layouts...)
}

// Name implements TimeMatcher
func (m LayoutMatcher) Name() string {
	return "layout:" + m.Field
}

// maxEpochSeconds is 9999-12-31T23:59:59Z
const maxEpochSeconds = 253402300799

// EpochMatcher reads a column as seconds since the Unix epoch. Values past
// the year 9999 are not timestamps.
type EpochMatcher struct {
	Column int
	Field  string
}

// Match implements TimeMatcher
func (m EpochMatcher) Match(_, values []string) (time.Time, bool) {
	if m.Column >= len(values) {
		return time.Time{}, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(values[m.Column]), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > maxEpochSeconds {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), true
}

// Name implements TimeMatcher
func (m EpochMatcher) Name() string {
	return "epoch:" + m.Field
}

// TimeExtractor evaluates an ordered list of matchers against a row and
// returns the first hit.
type TimeExtractor struct {
	matchers []TimeMatcher
}

// NewTimeExtractor builds the matcher list for a header. Named timestamp
// columns come first, each trying the layouts and then epoch seconds.
// Every remaining column is then tried with the layouts only, so that
// numeric identifiers are never mistaken for epoch values.
func NewTimeExtractor(header, fields, layouts []string, loc *time.Location) *TimeExtractor {
	if len(fields) == 0 {
		fields = DefaultTimestampFields()
	}
	if len(layouts) == 0 {
		layouts = DefaultTimeFormats()
	}
	if loc == nil {
		loc = time.Local
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, ok := index[key]; !ok {
			index[key] = i
		}
	}

	e := &TimeExtractor{}
	named := make(map[int]bool)
	for _, field := range fields {
		col, ok := index[strings.ToLower(field)]
		if !ok || named[col] {
			continue
		}
		named[col] = true
		e.matchers = append(e.matchers,
			LayoutMatcher{Column: col, Field: header[col], Layouts: layouts, Location: loc},
			EpochMatcher{Column: col, Field: header[col]},
		)
	}

	for col, name := range header {
		if named[col] {
			continue
		}
		e.matchers = append(e.matchers, LayoutMatcher{Column: col, Field: name, Layouts: layouts, Location: loc})
	}

	return e
}

// Extract returns the first matched time, or false when no matcher applies
func (e *TimeExtractor) Extract(header, values []string) (time.Time, bool) {
	for _, m := range e.matchers {
		if t, ok := m.Match(header, values); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Matchers returns the matchers in evaluation order
func (e *TimeExtractor) Matchers() []TimeMatcher {
	return e.matchers
}

// ParseTimestamp attempts to parse a timestamp from a string using multiple
// layouts. Values without a zone are read in loc.
func ParseTimestamp(ts string, loc *time.Location, layouts ...string) (time.Time, bool) {
	if len(layouts) == 0 {
		layouts = DefaultTimeFormats()
	}
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, ts, loc); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
