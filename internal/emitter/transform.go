package emitter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/security"
	"github.com/therealutkarshpriyadarshi/csvagent/pkg/types"
)

// Transformer rewrites the data fields of an event
type Transformer interface {
	Transform(fields []types.Field) []types.Field
	Name() string
}

// TransformConfig holds transformation configuration
type TransformConfig struct {
	Type   string            `yaml:"type"`
	Fields []string          `yaml:"fields,omitempty"` // Columns to keep, drop or redact
	Rename map[string]string `yaml:"rename,omitempty"` // Column renaming map
	Add    map[string]string `yaml:"add,omitempty"`    // Constant fields to append
}

// Pipeline is a series of transformers applied in order
type Pipeline struct {
	transformers []Transformer
}

// NewPipeline creates a transformation pipeline
func NewPipeline(configs []TransformConfig) (*Pipeline, error) {
	transformers := make([]Transformer, 0, len(configs))

	for i := range configs {
		t, err := NewTransformer(&configs[i])
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
		transformers = append(transformers, t)
	}

	return &Pipeline{transformers: transformers}, nil
}

// Transform applies all transformers
func (p *Pipeline) Transform(fields []types.Field) []types.Field {
	if p == nil {
		return fields
	}
	for _, t := range p.transformers {
		fields = t.Transform(fields)
	}
	return fields
}

// Len returns the number of transformers
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.transformers)
}

// NewTransformer creates a transformer based on configuration
func NewTransformer(cfg *TransformConfig) (Transformer, error) {
	switch cfg.Type {
	case "keep":
		if len(cfg.Fields) == 0 {
			return nil, fmt.Errorf("keep transform needs fields")
		}
		return newFilter(cfg.Fields, true), nil
	case "drop":
		if len(cfg.Fields) == 0 {
			return nil, fmt.Errorf("drop transform needs fields")
		}
		return newFilter(cfg.Fields, false), nil
	case "rename":
		for _, to := range cfg.Rename {
			if err := checkName(to); err != nil {
				return nil, err
			}
		}
		return &RenameTransformer{renameMap: cfg.Rename}, nil
	case "add":
		for name := range cfg.Add {
			if err := checkName(name); err != nil {
				return nil, err
			}
		}
		return newAddFields(cfg.Add), nil
	case "redact":
		return newRedact(cfg.Fields), nil
	default:
		return nil, fmt.Errorf("unknown transform type: %s", cfg.Type)
	}
}

// checkName rejects target names that would shadow event metadata
func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty field name")
	}
	if isReserved(name) {
		return fmt.Errorf("field name %q is reserved", name)
	}
	return nil
}

// FilterTransformer keeps or drops the listed columns
type FilterTransformer struct {
	fields map[string]bool
	keep   bool
}

func newFilter(fields []string, keep bool) *FilterTransformer {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return &FilterTransformer{fields: set, keep: keep}
}

// Transform applies field filtering
func (t *FilterTransformer) Transform(fields []types.Field) []types.Field {
	out := fields[:0:0]
	for _, f := range fields {
		if t.fields[f.Name] == t.keep {
			out = append(out, f)
		}
	}
	return out
}

// Name returns the transformer name
func (t *FilterTransformer) Name() string {
	if t.keep {
		return "keep"
	}
	return "drop"
}

// RenameTransformer renames columns in place
type RenameTransformer struct {
	renameMap map[string]string
}

// Transform renames fields
func (t *RenameTransformer) Transform(fields []types.Field) []types.Field {
	for i, f := range fields {
		if to, ok := t.renameMap[f.Name]; ok {
			fields[i].Name = to
		}
	}
	return fields
}

// Name returns the transformer name
func (t *RenameTransformer) Name() string {
	return "rename"
}

// AddFieldsTransformer appends constant fields in name order
type AddFieldsTransformer struct {
	fields []types.Field
}

func newAddFields(add map[string]string) *AddFieldsTransformer {
	t := &AddFieldsTransformer{}
	for name, value := range add {
		t.fields = append(t.fields, types.Field{Name: name, Value: value})
	}
	sortFields(t.fields)
	return t
}

// Transform adds fields to the event, replacing columns of the same name
func (t *AddFieldsTransformer) Transform(fields []types.Field) []types.Field {
	for _, add := range t.fields {
		replaced := false
		for i := range fields {
			if fields[i].Name == add.Name {
				fields[i].Value = add.Value
				replaced = true
				break
			}
		}
		if !replaced {
			fields = append(fields, add)
		}
	}
	return fields
}

// Name returns the transformer name
func (t *AddFieldsTransformer) Name() string {
	return "add"
}

// RedactTransformer masks the values of sensitive columns. Without an
// explicit column list, names matching the default sensitive patterns are
// masked.
type RedactTransformer struct {
	fields  map[string]bool
	auditor *security.Auditor
}

func newRedact(fields []string) *RedactTransformer {
	t := &RedactTransformer{}
	if len(fields) == 0 {
		t.auditor = security.NewAuditor()
		return t
	}
	t.fields = make(map[string]bool, len(fields))
	for _, f := range fields {
		t.fields[f] = true
	}
	return t
}

// Transform replaces sensitive values
func (t *RedactTransformer) Transform(fields []types.Field) []types.Field {
	for i, f := range fields {
		if t.fields[f.Name] || (t.auditor != nil && t.auditor.IsSensitive(f.Name)) {
			fields[i].Value = security.RedactedValue
		}
	}
	return fields
}

// Name returns the transformer name
func (t *RedactTransformer) Name() string {
	return "redact"
}

func sortFields(fields []types.Field) {
	slices.SortFunc(fields, func(a, b types.Field) int {
		return strings.Compare(a.Name, b.Name)
	})
}
