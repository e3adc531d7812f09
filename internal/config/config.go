package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/dlq"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/emitter"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/metrics"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/output"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/parser"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/scanner"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/tracing"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	DataDir      string        `yaml:"data_dir"`
	StateDir     string        `yaml:"state_dir"`
	RunMode      string        `yaml:"run_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MissingGrace time.Duration `yaml:"missing_grace"`
	Watch        bool          `yaml:"watch"`

	Input      InputConfig       `yaml:"input"`
	CSV        CSVConfig         `yaml:"csv"`
	Event      EventConfig       `yaml:"event"`
	Output     output.Config     `yaml:"output"`
	Logging    LoggingConfig     `yaml:"logging"`
	DeadLetter *DeadLetterConfig `yaml:"dead_letter,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
	Health     *HealthConfig     `yaml:"health,omitempty"`
	Tracing    *tracing.Config   `yaml:"tracing,omitempty"`
}

// InputConfig selects the files picked up from DataDir
type InputConfig struct {
	Pattern   string   `yaml:"pattern"`
	Exclude   []string `yaml:"exclude,omitempty"`
	Recursive bool     `yaml:"recursive"`
}

// CSVConfig holds row parsing settings
type CSVConfig struct {
	Delimiter        string        `yaml:"delimiter"`
	Comment          string        `yaml:"comment,omitempty"`
	TrimLeadingSpace bool          `yaml:"trim_leading_space"`
	TimestampFields  []string      `yaml:"timestamp_fields,omitempty"`
	TimeFormats      []string      `yaml:"time_formats,omitempty"`
	Timezone         string        `yaml:"timezone,omitempty"`
	PartialRowGrace  time.Duration `yaml:"partial_row_grace"`
}

// EventConfig holds the metadata and transforms applied to every event
type EventConfig struct {
	Sourcetype string                    `yaml:"sourcetype"`
	Index      string                    `yaml:"index"`
	Transforms []emitter.TransformConfig `yaml:"transforms,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// DeadLetterConfig holds reject log configuration
type DeadLetterConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Dir        string        `yaml:"dir"`
	MaxSizeMB  int           `yaml:"max_size_mb"`
	MaxBackups int           `yaml:"max_backups"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool                     `yaml:"enabled"`
	Address string                   `yaml:"address"`
	Path    string                   `yaml:"path"`
	Columns []metrics.ExtractionRule `yaml:"columns,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Pprof exposes runtime profiling under /debug/pprof/
	Pprof bool `yaml:"pprof"`
}

// Run modes
const (
	RunModeOnce       = "once"
	RunModeContinuous = "continuous"
)

// Default values
const (
	DefaultDataDir         = "data"
	DefaultStateDir        = "state"
	DefaultPollInterval    = 10 * time.Second
	DefaultMissingGrace    = 24 * time.Hour
	DefaultPattern         = "*.csv"
	DefaultDelimiter       = ","
	DefaultPartialRowGrace = 2 * time.Second
	DefaultSourcetype      = "csv_data"
	DefaultIndex           = "main"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultMetricsAddress  = ":9090"
	DefaultMetricsPath     = "/metrics"
	DefaultHealthAddress   = ":8080"
	DefaultDLQMaxSizeMB    = 100
	DefaultDLQMaxBackups   = 5
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true,
	"warning": true, "error": true, "fatal": true, "panic": true,
}

var validLogFormats = map[string]bool{
	"json": true, "console": true,
}

// Load reads configuration from path, applies environment overrides and
// defaults, and validates the result. An empty path loads no file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyEnv overrides settings from environment variables. SPLUNK_HOST
// switches the output to HEC unless another sink type was configured.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("CSV_DATA_DIR", &c.DataDir)
	str("CSV_STATE_DIR", &c.StateDir)
	str("CSV_RUN_MODE", &c.RunMode)
	str("CSV_SOURCETYPE", &c.Event.Sourcetype)
	str("CSV_INDEX", &c.Event.Index)
	str("CSV_PATTERN", &c.Input.Pattern)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("CSV_POLL_INTERVAL"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("CSV_POLL_INTERVAL: %w", err)
		}
		c.PollInterval = d
	}

	host, _ := lookup("SPLUNK_HOST")
	if host != "" && (c.Output.Type == "" || c.Output.Type == output.TypeHEC) {
		c.Output.Type = output.TypeHEC
	}
	if c.Output.Type != output.TypeHEC {
		return nil
	}

	if c.Output.HEC == nil {
		hc := output.DefaultHECConfig()
		c.Output.HEC = &hc
	}
	hc := c.Output.HEC
	str("SPLUNK_HOST", &hc.Host)
	str("SPLUNK_TOKEN", &hc.Token)
	str("SPLUNK_PROTOCOL", &hc.Protocol)
	hc.Protocol = strings.ToLower(hc.Protocol)
	if v, ok := lookup("SPLUNK_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SPLUNK_PORT: invalid port %q", v)
		}
		hc.Port = port
	}
	return nil
}

// parseSeconds accepts a number of seconds or a Go duration string
func parseSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	return d, nil
}

// ApplyDefaults sets default values for unspecified configuration
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.RunMode == "" {
		c.RunMode = RunModeContinuous
	}
	c.RunMode = strings.ToLower(c.RunMode)
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MissingGrace == 0 {
		c.MissingGrace = DefaultMissingGrace
	}

	if c.Input.Pattern == "" {
		c.Input.Pattern = DefaultPattern
	}

	if c.CSV.Delimiter == "" {
		c.CSV.Delimiter = DefaultDelimiter
	}
	if c.CSV.PartialRowGrace == 0 {
		c.CSV.PartialRowGrace = DefaultPartialRowGrace
	}

	if c.Event.Sourcetype == "" {
		c.Event.Sourcetype = DefaultSourcetype
	}
	if c.Event.Index == "" {
		c.Event.Index = DefaultIndex
	}

	if c.Output.Type == "" {
		c.Output.Type = output.TypeStdout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.DeadLetter != nil {
		if c.DeadLetter.Dir == "" {
			c.DeadLetter.Dir = filepath.Join(c.StateDir, "rejected")
		}
		if c.DeadLetter.MaxSizeMB == 0 {
			c.DeadLetter.MaxSizeMB = DefaultDLQMaxSizeMB
		}
		if c.DeadLetter.MaxBackups == 0 {
			c.DeadLetter.MaxBackups = DefaultDLQMaxBackups
		}
	}

	if c.Metrics != nil {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}

	if c.Health != nil && c.Health.Address == "" {
		c.Health.Address = DefaultHealthAddress
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.RunMode != RunModeOnce && c.RunMode != RunModeContinuous {
		return fmt.Errorf("invalid run_mode: %q (must be once or continuous)", c.RunMode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MissingGrace < 0 {
		return fmt.Errorf("missing_grace must not be negative")
	}

	if _, err := c.CSV.delimiter(); err != nil {
		return err
	}
	if _, err := c.CSV.comment(); err != nil {
		return err
	}
	if _, err := c.CSV.location(); err != nil {
		return err
	}
	if c.CSV.PartialRowGrace < 0 {
		return fmt.Errorf("csv.partial_row_grace must not be negative")
	}

	if _, err := emitter.NewPipeline(c.Event.Transforms); err != nil {
		return fmt.Errorf("event.transforms: %w", err)
	}

	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if c.Output.Type == output.TypeHEC {
		if c.Output.HEC.Host == "" {
			return fmt.Errorf("output: hec host is required")
		}
		if c.Output.HEC.Token == "" {
			return fmt.Errorf("output: hec token is required")
		}
		if p := c.Output.HEC.Protocol; p != "" && p != "http" && p != "https" {
			return fmt.Errorf("output: invalid hec protocol %q (must be http or https)", p)
		}
	}

	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Tracing != nil && c.Tracing.Enabled {
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	return nil
}

// CheckDirectories verifies that the watched directory is readable and the
// state directory is writable, creating the latter when missing.
func (c *Config) CheckDirectories() error {
	info, err := os.Stat(c.DataDir)
	if err != nil {
		return fmt.Errorf("watched directory %s: %w", c.DataDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watched directory %s is not a directory", c.DataDir)
	}
	dir, err := os.Open(c.DataDir)
	if err != nil {
		return fmt.Errorf("watched directory %s is not readable: %w", c.DataDir, err)
	}
	dir.Close()

	if err := os.MkdirAll(c.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", c.StateDir, err)
	}
	tmp, err := os.CreateTemp(c.StateDir, ".writable-*")
	if err != nil {
		return fmt.Errorf("state directory %s is not writable: %w", c.StateDir, err)
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)

	return nil
}

// ScannerConfig returns the file discovery settings
func (c *Config) ScannerConfig() scanner.Config {
	return scanner.Config{
		Dir:       c.DataDir,
		Pattern:   c.Input.Pattern,
		Exclude:   c.Input.Exclude,
		Recursive: c.Input.Recursive,
	}
}

// ParserConfig returns the row processor settings. Validate must have passed.
func (c *Config) ParserConfig() parser.Config {
	pc := parser.DefaultConfig()
	pc.Delimiter, _ = c.CSV.delimiter()
	pc.Comment, _ = c.CSV.comment()
	pc.Location, _ = c.CSV.location()
	pc.TrimLeadingSpace = c.CSV.TrimLeadingSpace
	pc.PartialRowGrace = c.CSV.PartialRowGrace
	if len(c.CSV.TimestampFields) > 0 {
		pc.TimestampFields = c.CSV.TimestampFields
	}
	if len(c.CSV.TimeFormats) > 0 {
		pc.TimeFormats = c.CSV.TimeFormats
	}
	return pc
}

// EmitterConfig returns the event building settings
func (c *Config) EmitterConfig() emitter.Config {
	return emitter.Config{
		Sourcetype: c.Event.Sourcetype,
		Index:      c.Event.Index,
		Transforms: c.Event.Transforms,
	}
}

// LoggerConfig returns the logger settings
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// DLQConfig returns the reject log settings, or false when disabled
func (c *Config) DLQConfig() (dlq.DLQConfig, bool) {
	if c.DeadLetter == nil || !c.DeadLetter.Enabled {
		return dlq.DLQConfig{}, false
	}
	return dlq.DLQConfig{
		Dir:        c.DeadLetter.Dir,
		MaxSizeMB:  c.DeadLetter.MaxSizeMB,
		MaxBackups: c.DeadLetter.MaxBackups,
		MaxAge:     c.DeadLetter.MaxAge,
	}, true
}

func (c *CSVConfig) delimiter() (rune, error) {
	d := c.Delimiter
	if d == "" {
		d = DefaultDelimiter
	}
	if d == `\t` || d == "tab" {
		return '\t', nil
	}
	if utf8.RuneCountInString(d) != 1 {
		return 0, fmt.Errorf("csv.delimiter must be a single character, got %q", d)
	}
	r, _ := utf8.DecodeRuneInString(d)
	if r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, fmt.Errorf("invalid csv.delimiter %q", d)
	}
	return r, nil
}

func (c *CSVConfig) comment() (rune, error) {
	if c.Comment == "" {
		return 0, nil
	}
	if utf8.RuneCountInString(c.Comment) != 1 {
		return 0, fmt.Errorf("csv.comment must be a single character, got %q", c.Comment)
	}
	r, _ := utf8.DecodeRuneInString(c.Comment)
	return r, nil
}

func (c *CSVConfig) location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid csv.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
