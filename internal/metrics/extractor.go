package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// MetricType represents the type of metric derived from a column
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// ExtractionRule turns the numeric value of a column into a metric
type ExtractionRule struct {
	Name         string            `yaml:"name"`
	Type         MetricType        `yaml:"type"`
	Column       string            `yaml:"column"`
	Pattern      string            `yaml:"pattern"`       // first capture group holds the number
	Labels       map[string]string `yaml:"labels"`        // static labels
	LabelColumns map[string]string `yaml:"label_columns"` // metric label -> column
	Help         string            `yaml:"help"`
	Buckets      []float64         `yaml:"buckets"`
}

// Extractor derives metrics from emitted events
type Extractor struct {
	mu      sync.Mutex
	rules   []ExtractionRule
	labels  map[string][]string
	metrics map[string]prometheus.Collector
	regex   map[string]*regexp.Regexp
}

// NewExtractor creates the metrics for rules and registers them with reg
func NewExtractor(rules []ExtractionRule, reg prometheus.Registerer) (*Extractor, error) {
	e := &Extractor{
		rules:   rules,
		labels:  make(map[string][]string),
		metrics: make(map[string]prometheus.Collector),
		regex:   make(map[string]*regexp.Regexp),
	}

	for _, rule := range rules {
		if rule.Name == "" || rule.Column == "" {
			return nil, fmt.Errorf("column metric needs a name and a column")
		}
		if _, dup := e.metrics[rule.Name]; dup {
			return nil, fmt.Errorf("duplicate column metric %s", rule.Name)
		}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for metric %s: %w", rule.Name, err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("pattern for metric %s needs a capture group", rule.Name)
			}
			e.regex[rule.Name] = re
		}

		metric, err := e.createMetric(rule)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(metric); err != nil {
			return nil, fmt.Errorf("failed to register metric %s: %w", rule.Name, err)
		}
		e.metrics[rule.Name] = metric
	}

	return e, nil
}

func (e *Extractor) createMetric(rule ExtractionRule) (prometheus.Collector, error) {
	labelNames := make([]string, 0, len(rule.LabelColumns))
	for labelName := range rule.LabelColumns {
		labelNames = append(labelNames, labelName)
	}
	sort.Strings(labelNames)
	e.labels[rule.Name] = labelNames

	help := rule.Help
	if help == "" {
		help = "Values of column " + rule.Column
	}
	name := fmt.Sprintf("%s_column_%s", namespace, rule.Name)

	switch rule.Type {
	case MetricTypeCounter:
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name, Help: help, ConstLabels: rule.Labels,
		}, labelNames), nil

	case MetricTypeGauge:
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name, Help: help, ConstLabels: rule.Labels,
		}, labelNames), nil

	case MetricTypeHistogram:
		buckets := rule.Buckets
		if buckets == nil {
			buckets = prometheus.DefBuckets
		}
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: name, Help: help, ConstLabels: rule.Labels, Buckets: buckets,
		}, labelNames), nil

	default:
		return nil, fmt.Errorf("unsupported metric type: %s", rule.Type)
	}
}

// Observe records every rule whose column holds a number. Rows without
// a usable value are ignored.
func (e *Extractor) Observe(event *types.Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range e.rules {
		value, ok := e.extractValue(rule, event)
		if !ok {
			continue
		}
		e.record(rule, value, e.labelValues(rule, event))
	}
}

func (e *Extractor) extractValue(rule ExtractionRule, event *types.Event) (float64, bool) {
	raw, ok := event.Get(rule.Column)
	if !ok {
		return 0, false
	}
	if re := e.regex[rule.Name]; re != nil {
		m := re.FindStringSubmatch(raw)
		if len(m) < 2 {
			return 0, false
		}
		raw = m[1]
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func (e *Extractor) labelValues(rule ExtractionRule, event *types.Event) []string {
	names := e.labels[rule.Name]
	values := make([]string, len(names))
	for i, label := range names {
		values[i], _ = event.Get(rule.LabelColumns[label])
	}
	return values
}

func (e *Extractor) record(rule ExtractionRule, value float64, labels []string) {
	switch m := e.metrics[rule.Name].(type) {
	case *prometheus.CounterVec:
		// Counters cannot go down
		if value >= 0 {
			m.WithLabelValues(labels...).Add(value)
		}
	case *prometheus.GaugeVec:
		m.WithLabelValues(labels...).Set(value)
	case *prometheus.HistogramVec:
		m.WithLabelValues(labels...).Observe(value)
	}
}
