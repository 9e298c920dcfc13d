package ecs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config describes a schedule and its logging in a form that can be loaded
// from YAML or TOML. Fields left out of a file keep their DefaultConfig value.
type Config struct {
	Workers         int               `yaml:"workers" toml:"workers"`
	ParallelPrepare bool              `yaml:"parallel_prepare" toml:"parallel_prepare"`
	ErrorPolicy     string            `yaml:"error_policy" toml:"error_policy"`
	SystemPolicies  map[string]string `yaml:"system_policies" toml:"system_policies"`
	Log             LogConfig         `yaml:"log" toml:"log"`
	Observation     ObservationConfig `yaml:"observation" toml:"observation"`
}

type LogConfig struct {
	Level    string   `yaml:"level" toml:"level"`
	Encoding string   `yaml:"encoding" toml:"encoding"`
	Outputs  []string `yaml:"outputs" toml:"outputs"`
}

type ObservationConfig struct {
	StructuredLogging bool     `yaml:"structured_logging" toml:"structured_logging"`
	Prometheus        bool     `yaml:"prometheus" toml:"prometheus"`
	DurationBuckets   []string `yaml:"duration_buckets" toml:"duration_buckets"`
	Spans             bool     `yaml:"spans" toml:"spans"`
	ServiceName       string   `yaml:"service_name" toml:"service_name"`
}

// DefaultConfig returns one worker per usable CPU, parallel prepare, abort on
// error and info-level JSON logs on stderr.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.GOMAXPROCS(0),
		ParallelPrepare: true,
		ErrorPolicy:     ErrorPolicyAbort.String(),
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
			Outputs:  []string{"stderr"},
		},
	}
}

// LoadConfigYAML decodes a YAML document over DefaultConfig and validates it.
func LoadConfigYAML(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: yaml: %v", ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// LoadConfigTOML decodes a TOML document over DefaultConfig and validates it.
func LoadConfigTOML(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: toml: %v", ErrInvalidConfig, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: toml: unknown key %s", ErrInvalidConfig, undecoded[0])
	}
	return cfg, cfg.Validate()
}

// LoadConfigFile picks the decoder from the file extension.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadConfigYAML(f)
	case ".toml":
		return LoadConfigTOML(f)
	default:
		return Config{}, fmt.Errorf("%w: unsupported config extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if _, err := ParseErrorPolicy(c.ErrorPolicy); err != nil {
		return err
	}
	for name, p := range c.SystemPolicies {
		if _, err := ParseErrorPolicy(p); err != nil {
			return fmt.Errorf("system %s: %w", name, err)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err)
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log encoding %q", ErrInvalidConfig, c.Log.Encoding)
	}
	if _, err := c.Observation.buckets(); err != nil {
		return err
	}
	return nil
}

// ParseErrorPolicy maps "abort", "continue" and "retry" to an ErrorPolicy.
// The empty string means abort.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return ErrorPolicyAbort, nil
	case "continue":
		return ErrorPolicyContinue, nil
	case "retry":
		return ErrorPolicyRetry, nil
	default:
		return ErrorPolicyAbort, fmt.Errorf("%w: error policy %q", ErrInvalidConfig, s)
	}
}

func (o ObservationConfig) buckets() ([]time.Duration, error) {
	if len(o.DurationBuckets) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(o.DurationBuckets))
	for _, raw := range o.DurationBuckets {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: duration bucket %q: %v", ErrInvalidConfig, raw, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Sinks are the writers built-in observers report to. Nil writers disable output.
type Sinks struct {
	Metrics io.Writer
	Spans   io.Writer
}

// Options translates the config into schedule options. The config must have
// passed Validate.
func (c Config) Options(logger *zap.Logger, sinks Sinks) []ScheduleOption {
	policy, _ := ParseErrorPolicy(c.ErrorPolicy)
	buckets, _ := c.Observation.buckets()

	opts := []ScheduleOption{
		WithWorkers(c.Workers),
		WithParallelPrepare(c.ParallelPrepare),
		WithLogger(logger),
		WithDefaultErrorPolicy(policy),
		WithObservation(ObservationSettings{
			EnableStructuredLogging: c.Observation.StructuredLogging,
			EnablePrometheus:        c.Observation.Prometheus,
			PrometheusOptions: &PrometheusCollectorOptions{
				Writer:          sinks.Metrics,
				DurationBuckets: buckets,
			},
			EnableSpans: c.Observation.Spans,
			SpanOptions: &SpanExporterOptions{
				Writer:      sinks.Spans,
				ServiceName: c.Observation.ServiceName,
			},
		}),
	}
	for name, raw := range c.SystemPolicies {
		p, _ := ParseErrorPolicy(raw)
		opts = append(opts, WithErrorPolicy(name, p))
	}
	return opts
}

// NewLogger builds a zap logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err)
	}
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.Encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
