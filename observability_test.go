package ecs

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleSummary() StageSummary {
	return StageSummary{
		Tick:     42,
		Segment:  1,
		Stage:    2,
		Duration: 5 * time.Millisecond,
		Systems: []SystemRunSummary{
			{Name: "move", Duration: 2 * time.Millisecond},
			{Name: "decay", Duration: 20 * time.Millisecond, Retried: true, Error: errors.New("decay failed")},
		},
		ResourceReads: []ResourceTypeID{ResourceOf[time.Duration]()},
	}
}

func TestPrometheusStageCollectorWritesMetrics(t *testing.T) {
	collector := NewPrometheusStageCollector(&PrometheusCollectorOptions{
		DurationBuckets: []time.Duration{10 * time.Millisecond},
	})
	collector.ObserveStage(sampleSummary())
	collector.ObserveStage(StageSummary{Systems: []SystemRunSummary{{Name: "move", Duration: time.Millisecond}}})

	var buf bytes.Buffer
	require.NoError(t, collector.WriteMetrics(&buf))
	metrics := buf.String()
	require.Contains(t, metrics, `ecs_system_run_duration_seconds_count{system="move"} 2.000000`)
	require.Contains(t, metrics, `ecs_system_run_duration_seconds_bucket{system="move",le="0.010000"} 2.000000`)
	require.Contains(t, metrics, `ecs_system_run_duration_seconds_bucket{system="decay",le="0.010000"} 0.000000`)
	require.Contains(t, metrics, "# TYPE ecs_system_run_duration_seconds histogram\n")
	require.Contains(t, metrics, `ecs_system_run_duration_seconds_bucket{system="move",le="+Inf"} 2.000000`)
	require.Contains(t, metrics, `ecs_system_run_duration_seconds_bucket{system="decay",le="+Inf"} 1.000000`)
	require.Less(t,
		strings.Index(metrics, `ecs_system_run_duration_seconds_bucket{system="move",le="0.010000"}`),
		strings.Index(metrics, `ecs_system_run_duration_seconds_bucket{system="move",le="+Inf"}`))
	require.Contains(t, metrics, `ecs_system_retries_total{system="decay"} 1.000000`)
	require.Contains(t, metrics, `ecs_system_errors_total{system="decay"} 1.000000`)
	require.Contains(t, metrics, `ecs_stages_total{parallel="true"} 1.000000`)
	require.Contains(t, metrics, `ecs_stages_total{parallel="false"} 1.000000`)
	require.Less(t, bytes.Index(buf.Bytes(), []byte(`system="decay"`)), bytes.Index(buf.Bytes(), []byte(`system="move"`)))
}

func TestJSONSpanExporterWritesStageWithChildren(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewJSONSpanExporter(&SpanExporterOptions{Writer: &buf})
	summary := sampleSummary()
	summary.Error = errors.New("stage failed")
	exporter.ExportStage(summary)

	var span struct {
		ServiceName string         `json:"service_name"`
		Name        string         `json:"name"`
		Attributes  map[string]any `json:"attributes"`
		Children    []struct {
			Name  string `json:"name"`
			Error string `json:"error"`
		} `json:"children"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &span))
	require.Equal(t, "ecs-schedule", span.ServiceName)
	require.Equal(t, "stage:1.2", span.Name)
	require.Equal(t, float64(42), span.Attributes["tick"])
	require.Equal(t, true, span.Attributes["parallel"])
	require.Equal(t, []any{"time.Duration"}, span.Attributes["resource_reads"])
	require.Len(t, span.Children, 2)
	require.Equal(t, "system:decay", span.Children[1].Name)
	require.Equal(t, "decay failed", span.Children[1].Error)
	require.Equal(t, "stage failed", span.Error)
}

func TestJSONSpanExporterWithoutWriterIsSilent(t *testing.T) {
	NewJSONSpanExporter(nil).ExportStage(sampleSummary())
}

func TestLoggingObserverLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	obs := newLoggingObserver(zap.New(core))

	obs.StageCompleted(StageSummary{Systems: []SystemRunSummary{{Name: "ok"}}})
	failed := sampleSummary()
	failed.Error = errors.New("stage failed")
	obs.StageCompleted(failed)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	fields := entries[1].ContextMap()
	require.Equal(t, int64(1), fields["systems_failed"])
	require.Equal(t, uint64(42), fields["tick"])

	require.IsType(t, noopObserver{}, newLoggingObserver(nil))
}

type countingObserver struct{ n int }

func (c *countingObserver) StageCompleted(StageSummary) { c.n++ }

func TestBuildObserverChain(t *testing.T) {
	require.IsType(t, noopObserver{}, buildObserverChain(zap.NewNop(), nil, ObservationSettings{}))

	custom := &countingObserver{}
	require.Same(t, custom, buildObserverChain(zap.NewNop(), custom, ObservationSettings{}))

	chain := buildObserverChain(zap.NewNop(), custom, ObservationSettings{
		EnableStructuredLogging: true,
		EnablePrometheus:        true,
	})
	composite, ok := chain.(compositeObserver)
	require.True(t, ok)
	require.Len(t, composite.observers, 3)
	chain.StageCompleted(sampleSummary())
	require.Equal(t, 1, custom.n)
}
