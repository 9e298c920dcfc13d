package ecs

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// Runnable is the contract a Schedule drives. *System is the implementation
// produced by SystemBuilder.
//
// Per tick the executor calls Prepare on every runnable of a segment, plans
// stages from Access and ArchetypeAccess, runs each stage, then flushes the
// command buffers. Prepare is never called while any Run is in flight, and no
// two runnables whose accesses conflict run at the same time.
type Runnable interface {
	Name() SystemID
	Reads() ([]ResourceTypeID, []ComponentTypeID)
	Writes() ([]ResourceTypeID, []ComponentTypeID)
	Access() SystemAccess
	ArchetypeAccess() *ArchetypeAccess

	Init(world *World, resources *Resources) error
	Prepare(world *World)
	Run(world *World, resources *Resources) error
	Dispose(world *World, resources *Resources) error

	CommandBuffer(world WorldID) (*CommandBuffer, bool)
}

// ErrorPolicy defines how the schedule responds to system failures.
type ErrorPolicy uint8

const (
	// ErrorPolicyAbort stops the tick and returns the error.
	ErrorPolicyAbort ErrorPolicy = iota
	// ErrorPolicyContinue logs the failure, discards the system's edits and keeps going.
	ErrorPolicyContinue
	// ErrorPolicyRetry runs the system once more before falling back to abort.
	ErrorPolicyRetry
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyContinue:
		return "continue"
	case ErrorPolicyRetry:
		return "retry"
	default:
		return "abort"
	}
}

// ScheduleObserver receives a summary after every stage completes.
type ScheduleObserver interface {
	StageCompleted(summary StageSummary)
}

// ObservationSettings toggles built-in observer integrations.
type ObservationSettings struct {
	EnableStructuredLogging bool
	StructuredLogger        *zap.Logger
	EnablePrometheus        bool
	PrometheusCollector     PrometheusCollector
	PrometheusOptions       *PrometheusCollectorOptions
	EnableSpans             bool
	SpanExporter            SpanExporter
	SpanOptions             *SpanExporterOptions
}

// PrometheusCollector handles stage summaries for Prometheus-style metrics.
type PrometheusCollector interface {
	ObserveStage(summary StageSummary)
}

type PrometheusCollectorOptions struct {
	Writer          io.Writer
	DurationBuckets []time.Duration
}

// SpanExporter handles stage summaries for tracing backends.
type SpanExporter interface {
	ExportStage(summary StageSummary)
}

type SpanExporterOptions struct {
	Writer      io.Writer
	ServiceName string
}

// StageSummary captures execution metadata for one stage of a tick. A stage
// is a set of systems the schedule ran concurrently.
type StageSummary struct {
	Tick     uint64
	Segment  int
	Stage    int
	Duration time.Duration
	Systems  []SystemRunSummary
	Error    error

	ComponentReads  []ComponentTypeID
	ComponentWrites []ComponentTypeID
	ResourceReads   []ResourceTypeID
	ResourceWrites  []ResourceTypeID
}

// SystemRunSummary describes one system's run within a stage.
type SystemRunSummary struct {
	Name     string
	Duration time.Duration
	Retried  bool
	Error    error
}

// Parallel reports whether the stage ran more than one system.
func (s StageSummary) Parallel() bool { return len(s.Systems) > 1 }

// SystemsFailed counts systems that ended with an error.
func (s StageSummary) SystemsFailed() int {
	n := 0
	for _, sys := range s.Systems {
		if sys.Error != nil {
			n++
		}
	}
	return n
}

// SystemsExecuted counts systems that completed without error.
func (s StageSummary) SystemsExecuted() int {
	return len(s.Systems) - s.SystemsFailed()
}
