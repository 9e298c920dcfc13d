package ecs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type noopObserver struct{}

func (noopObserver) StageCompleted(StageSummary) {}

type compositeObserver struct {
	observers []ScheduleObserver
}

func (c compositeObserver) StageCompleted(summary StageSummary) {
	for _, observer := range c.observers {
		observer.StageCompleted(summary)
	}
}

type loggingObserver struct {
	logger *zap.Logger
}

func newLoggingObserver(logger *zap.Logger) ScheduleObserver {
	if logger == nil {
		return noopObserver{}
	}
	return loggingObserver{logger: logger}
}

func (o loggingObserver) StageCompleted(summary StageSummary) {
	level := zapcore.InfoLevel
	if summary.Error != nil {
		level = zapcore.ErrorLevel
	}
	ce := o.logger.Check(level, "stage summary")
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.Uint64("tick", summary.Tick),
		zap.Int("segment", summary.Segment),
		zap.Int("stage", summary.Stage),
		zap.Duration("duration", summary.Duration),
		zap.Bool("parallel", summary.Parallel()),
		zap.Strings("systems", systemNames(summary.Systems)),
		zap.Int("systems_executed", summary.SystemsExecuted()),
		zap.Int("systems_failed", summary.SystemsFailed()),
		zap.Stringers("component_reads", summary.ComponentReads),
		zap.Stringers("component_writes", summary.ComponentWrites),
		zap.Stringers("resource_reads", summary.ResourceReads),
		zap.Stringers("resource_writes", summary.ResourceWrites),
	}
	if summary.Error != nil {
		fields = append(fields, zap.Error(summary.Error))
	}
	ce.Write(fields...)
}

type prometheusObserver struct {
	collector PrometheusCollector
}

func (o prometheusObserver) StageCompleted(summary StageSummary) {
	o.collector.ObserveStage(summary)
}

type spanObserver struct {
	exporter SpanExporter
}

func (o spanObserver) StageCompleted(summary StageSummary) {
	o.exporter.ExportStage(summary)
}

func systemNames(systems []SystemRunSummary) []string {
	out := make([]string, len(systems))
	for i, sys := range systems {
		out[i] = sys.Name
	}
	return out
}

func buildObserverChain(logger *zap.Logger, custom ScheduleObserver, obs ObservationSettings) ScheduleObserver {
	var observers []ScheduleObserver

	if custom != nil {
		observers = append(observers, custom)
	}

	if obs.EnableStructuredLogging {
		structured := obs.StructuredLogger
		if structured == nil {
			structured = logger
		}
		observers = append(observers, newLoggingObserver(structured))
	}

	if obs.EnablePrometheus {
		collector := obs.PrometheusCollector
		if collector == nil {
			collector = NewPrometheusStageCollector(obs.PrometheusOptions)
		}
		observers = append(observers, prometheusObserver{collector: collector})
	}

	if obs.EnableSpans {
		exporter := obs.SpanExporter
		if exporter == nil {
			exporter = NewJSONSpanExporter(obs.SpanOptions)
		}
		observers = append(observers, spanObserver{exporter: exporter})
	}

	switch len(observers) {
	case 0:
		return noopObserver{}
	case 1:
		return observers[0]
	default:
		return compositeObserver{observers: observers}
	}
}

// PrometheusStageCollector aggregates per-system run metrics and writes them
// in the Prometheus text exposition format.
type PrometheusStageCollector struct {
	options *PrometheusCollectorOptions
	mu      sync.Mutex
	systems map[string]*prometheusSample
	stages  map[bool]float64
}

type prometheusSample struct {
	durationSum   float64
	durationCount float64
	buckets       []float64
	retries       float64
	errors        float64
}

func NewPrometheusStageCollector(opts *PrometheusCollectorOptions) *PrometheusStageCollector {
	if opts == nil {
		opts = &PrometheusCollectorOptions{}
	}
	return &PrometheusStageCollector{
		options: opts,
		systems: make(map[string]*prometheusSample),
		stages:  make(map[bool]float64),
	}
}

func (c *PrometheusStageCollector) ObserveStage(summary StageSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stages[summary.Parallel()]++
	for _, run := range summary.Systems {
		sample, ok := c.systems[run.Name]
		if !ok {
			sample = &prometheusSample{}
			if buckets := c.options.DurationBuckets; len(buckets) > 0 {
				sample.buckets = make([]float64, len(buckets))
			}
			c.systems[run.Name] = sample
		}
		seconds := run.Duration.Seconds()
		sample.durationSum += seconds
		sample.durationCount++
		for i := range sample.buckets {
			if seconds <= c.options.DurationBuckets[i].Seconds() {
				sample.buckets[i]++
			}
		}
		if run.Retried {
			sample.retries++
		}
		if run.Error != nil {
			sample.errors++
		}
	}

	if writer := c.options.Writer; writer != nil {
		_ = c.writeMetricsLocked(writer)
	}
}

func (c *PrometheusStageCollector) WriteMetrics(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeMetricsLocked(w)
}

func (c *PrometheusStageCollector) writeMetricsLocked(w io.Writer) error {
	if w == nil {
		return nil
	}
	names := make([]string, 0, len(c.systems))
	for name := range c.systems {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("# HELP ecs_system_run_duration_seconds System run duration.\n")
	buf.WriteString("# TYPE ecs_system_run_duration_seconds histogram\n")
	for _, name := range names {
		sample := c.systems[name]
		labels := fmt.Sprintf("system=%q", name)
		for i, bucket := range sample.buckets {
			le := c.options.DurationBuckets[i].Seconds()
			fmt.Fprintf(&buf, "ecs_system_run_duration_seconds_bucket{%s,le=\"%.6f\"} %f\n", labels, le, bucket)
		}
		fmt.Fprintf(&buf, "ecs_system_run_duration_seconds_bucket{%s,le=\"+Inf\"} %f\n", labels, sample.durationCount)
		fmt.Fprintf(&buf, "ecs_system_run_duration_seconds_sum{%s} %f\n", labels, sample.durationSum)
		fmt.Fprintf(&buf, "ecs_system_run_duration_seconds_count{%s} %f\n", labels, sample.durationCount)
	}

	buf.WriteString("# HELP ecs_system_retries_total System retries.\n")
	buf.WriteString("# TYPE ecs_system_retries_total counter\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "ecs_system_retries_total{system=%q} %f\n", name, c.systems[name].retries)
	}

	buf.WriteString("# HELP ecs_system_errors_total System failures.\n")
	buf.WriteString("# TYPE ecs_system_errors_total counter\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "ecs_system_errors_total{system=%q} %f\n", name, c.systems[name].errors)
	}

	buf.WriteString("# HELP ecs_stages_total Stages executed.\n")
	buf.WriteString("# TYPE ecs_stages_total counter\n")
	for _, parallel := range []bool{false, true} {
		fmt.Fprintf(&buf, "ecs_stages_total{parallel=\"%t\"} %f\n", parallel, c.stages[parallel])
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// JSONSpanExporter writes one JSON line per stage, with the stage's systems
// as child spans.
type JSONSpanExporter struct {
	opts *SpanExporterOptions
	mu   sync.Mutex
}

func NewJSONSpanExporter(opts *SpanExporterOptions) *JSONSpanExporter {
	if opts == nil {
		opts = &SpanExporterOptions{}
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ecs-schedule"
	}
	return &JSONSpanExporter{opts: opts}
}

type jsonSpan struct {
	ServiceName string         `json:"service_name"`
	Name        string         `json:"name"`
	Timestamp   int64          `json:"timestamp"`
	DurationMS  float64        `json:"duration_ms"`
	Attributes  map[string]any `json:"attributes"`
	Children    []jsonSpan     `json:"children,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (e *JSONSpanExporter) ExportStage(summary StageSummary) {
	if e.opts.Writer == nil {
		return
	}
	span := jsonSpan{
		ServiceName: e.opts.ServiceName,
		Name:        fmt.Sprintf("stage:%d.%d", summary.Segment, summary.Stage),
		Timestamp:   time.Now().UnixNano(),
		DurationMS:  durationMillis(summary.Duration),
		Attributes: map[string]any{
			"tick":             summary.Tick,
			"segment":          summary.Segment,
			"stage":            summary.Stage,
			"parallel":         summary.Parallel(),
			"component_reads":  stringsOf(summary.ComponentReads),
			"component_writes": stringsOf(summary.ComponentWrites),
			"resource_reads":   stringsOf(summary.ResourceReads),
			"resource_writes":  stringsOf(summary.ResourceWrites),
		},
	}
	for _, run := range summary.Systems {
		child := jsonSpan{
			ServiceName: e.opts.ServiceName,
			Name:        "system:" + run.Name,
			DurationMS:  durationMillis(run.Duration),
			Attributes:  map[string]any{"retried": run.Retried},
		}
		if run.Error != nil {
			child.Error = run.Error.Error()
		}
		span.Children = append(span.Children, child)
	}
	if summary.Error != nil {
		span.Error = summary.Error.Error()
	}
	payload, err := json.Marshal(span)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.opts.Writer.Write(append(payload, '\n'))
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func stringsOf[T fmt.Stringer](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
