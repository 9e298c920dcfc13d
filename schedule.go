package ecs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScheduleBuilder collects runnables in execution order. Flush inserts a
// barrier: every command buffer recorded before it is applied to the world
// before any system after it is prepared.
type ScheduleBuilder struct {
	segments [][]Runnable
	current  []Runnable
}

// NewScheduleBuilder returns an empty builder.
func NewScheduleBuilder() *ScheduleBuilder {
	return &ScheduleBuilder{}
}

// AddSystem appends r to the current segment.
func (b *ScheduleBuilder) AddSystem(r Runnable) *ScheduleBuilder {
	if r != nil {
		b.current = append(b.current, r)
	}
	return b
}

// Flush ends the current segment. Empty segments are dropped.
func (b *ScheduleBuilder) Flush() *ScheduleBuilder {
	if len(b.current) > 0 {
		b.segments = append(b.segments, b.current)
		b.current = nil
	}
	return b
}

// Build validates the options and returns a schedule that owns a worker pool
// until Close.
func (b *ScheduleBuilder) Build(opts ...ScheduleOption) (*Schedule, error) {
	b.Flush()
	o := defaultScheduleOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, o.workers)
	}

	seen := make(map[Runnable]struct{})
	var systems []Runnable
	for _, seg := range b.segments {
		for _, r := range seg {
			if _, dup := seen[r]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateSystem, r.Name())
			}
			seen[r] = struct{}{}
			systems = append(systems, r)
		}
	}

	s := &Schedule{
		segments:        b.segments,
		systems:         systems,
		workers:         o.workers,
		parallelPrepare: o.parallelPrepare,
		logger:          o.logger,
		observer:        buildObserverChain(o.logger, o.observer, o.observation),
		defaultPolicy:   o.defaultPolicy,
		policies:        o.policies,
	}
	if o.workers > 1 {
		s.pool = newWorkerPool(o.workers)
	}
	b.segments = nil
	return s, nil
}

// ScheduleOption configures a Schedule at build time.
type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	workers         int
	parallelPrepare bool
	logger          *zap.Logger
	observer        ScheduleObserver
	observation     ObservationSettings
	defaultPolicy   ErrorPolicy
	policies        map[string]ErrorPolicy
}

func defaultScheduleOptions() scheduleOptions {
	return scheduleOptions{
		workers:         runtime.GOMAXPROCS(0),
		parallelPrepare: true,
		logger:          zap.NewNop(),
		policies:        make(map[string]ErrorPolicy),
	}
}

// WithWorkers sets the number of goroutines running parallel stages. One
// worker runs every system on the calling goroutine.
func WithWorkers(n int) ScheduleOption {
	return func(o *scheduleOptions) { o.workers = n }
}

// WithParallelPrepare toggles preparing the systems of a segment concurrently.
func WithParallelPrepare(enabled bool) ScheduleOption {
	return func(o *scheduleOptions) { o.parallelPrepare = enabled }
}

// WithLogger sets the schedule's logger.
func WithLogger(logger *zap.Logger) ScheduleOption {
	return func(o *scheduleOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver adds a custom observer ahead of the built-in ones.
func WithObserver(observer ScheduleObserver) ScheduleOption {
	return func(o *scheduleOptions) { o.observer = observer }
}

// WithObservation enables built-in observers.
func WithObservation(settings ObservationSettings) ScheduleOption {
	return func(o *scheduleOptions) { o.observation = settings }
}

// WithDefaultErrorPolicy sets the policy for systems without their own.
func WithDefaultErrorPolicy(policy ErrorPolicy) ScheduleOption {
	return func(o *scheduleOptions) { o.defaultPolicy = policy }
}

// WithErrorPolicy sets the policy for systems with the given name.
func WithErrorPolicy(system string, policy ErrorPolicy) ScheduleOption {
	return func(o *scheduleOptions) { o.policies[system] = policy }
}

// Schedule runs a fixed list of systems against a world, in parallel where
// their declared accesses allow it. Execute calls are serialized.
type Schedule struct {
	mu              sync.Mutex
	segments        [][]Runnable
	systems         []Runnable
	pool            *workerPool
	workers         int
	parallelPrepare bool
	logger          *zap.Logger
	observer        ScheduleObserver
	defaultPolicy   ErrorPolicy
	policies        map[string]ErrorPolicy
	tick            uint64
	initialized     bool
	closed          bool
}

// Systems returns every runnable in schedule order. Read only.
func (s *Schedule) Systems() []Runnable { return s.systems }

// TickIndex returns how many times Execute has been called.
func (s *Schedule) TickIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Execute runs one tick. On the first call every system's init hook runs
// with exclusive access. Then, per segment, systems are prepared, grouped
// into stages of mutually non-conflicting systems, run stage by stage, and
// their command buffers flushed in schedule order.
//
// A panic raised by a system is re-raised here once the rest of its stage
// has finished.
func (s *Schedule) Execute(ctx context.Context, world *World, resources *Resources) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScheduleClosed
	}
	tick := s.tick
	s.tick++

	if !s.initialized {
		for _, sys := range s.systems {
			if err := sys.Init(world, resources); err != nil {
				return fmt.Errorf("ecs: init %s: %w", sys.Name(), err)
			}
		}
		s.initialized = true
	}

	for segment, systems := range s.segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.prepare(ctx, world, systems); err != nil {
			return err
		}
		if err := s.runSegment(ctx, world, resources, tick, segment, systems); err != nil {
			return err
		}
	}
	return nil
}

// runSegment runs the stages of one segment and flushes its command buffers.
// When a stage fails or panics, every buffer of the segment is drained so no
// edit of the incomplete tick reaches the world later.
func (s *Schedule) runSegment(ctx context.Context, world *World, resources *Resources, tick uint64, segment int, systems []Runnable) error {
	defer func() {
		if r := recover(); r != nil {
			discardCommands(world, systems)
			panic(r)
		}
	}()
	for stage, members := range planStages(systems) {
		summary, err := s.runStage(ctx, world, resources, systems, members)
		summary.Tick = tick
		summary.Segment = segment
		summary.Stage = stage
		s.observer.StageCompleted(summary)
		if err != nil {
			discardCommands(world, systems)
			return err
		}
	}
	if err := flushCommands(world, systems); err != nil {
		discardCommands(world, systems)
		return err
	}
	return nil
}

// Dispose runs every system's dispose hook in schedule order. Failures are
// collected and returned together.
func (s *Schedule) Dispose(world *World, resources *Resources) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, sys := range s.systems {
		if err := sys.Dispose(world, resources); err != nil {
			errs = append(errs, fmt.Errorf("ecs: dispose %s: %w", sys.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the worker pool. Execute fails with ErrScheduleClosed afterwards.
func (s *Schedule) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pool.Close()
}

func (s *Schedule) prepare(ctx context.Context, world *World, systems []Runnable) error {
	if !s.parallelPrepare || len(systems) < 2 {
		for _, sys := range systems {
			sys.Prepare(world)
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, sys := range systems {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sys.Prepare(world)
			return nil
		})
	}
	return g.Wait()
}

// planStages assigns every system the stage after the latest earlier system
// it conflicts with, so conflicting systems keep their schedule order and
// everything else runs as early as possible.
func planStages(systems []Runnable) [][]int {
	stageOf := make([]int, len(systems))
	var stages [][]int
	for i, sys := range systems {
		stage := 0
		for j := 0; j < i; j++ {
			if stageOf[j] >= stage && systemsConflict(systems[j], sys) {
				stage = stageOf[j] + 1
			}
		}
		stageOf[i] = stage
		if stage == len(stages) {
			stages = append(stages, nil)
		}
		stages[stage] = append(stages[stage], i)
	}
	return stages
}

// systemsConflict reports whether a and b may not run at the same time.
// Component conflicts only matter when both may touch a common archetype.
func systemsConflict(a, b Runnable) bool {
	ax, bx := a.Access(), b.Access()
	if ax.ResourcesConflict(bx) {
		return true
	}
	return ax.ComponentsConflict(bx) && a.ArchetypeAccess().Overlaps(b.ArchetypeAccess())
}

func (s *Schedule) runStage(ctx context.Context, world *World, resources *Resources, systems []Runnable, members []int) (StageSummary, error) {
	summary := StageSummary{Systems: make([]SystemRunSummary, len(members))}
	components := NewPermissions[ComponentTypeID]()
	res := NewPermissions[ResourceTypeID]()
	names := make([]string, len(members))
	for i, idx := range members {
		access := systems[idx].Access()
		components.Add(access.Components)
		res.Add(access.Resources)
		names[i] = systems[idx].Name().Name()
	}
	summary.ComponentReads = components.Reads()
	summary.ComponentWrites = components.Writes()
	summary.ResourceReads = res.Reads()
	summary.ResourceWrites = res.Writes()

	if ce := s.logger.Check(zap.DebugLevel, "stage start"); ce != nil {
		ce.Write(zap.Stringer("world", world.ID()), zap.Strings("systems", names))
	}

	start := time.Now()
	results := make([]jobResult, len(members))
	jobs := make([]func(context.Context) jobResult, len(members))
	for i, idx := range members {
		sys := systems[idx]
		jobs[i] = func(context.Context) jobResult {
			return s.runSystem(world, resources, sys)
		}
	}
	if len(members) == 1 || s.pool == nil {
		for i, job := range jobs {
			results[i] = runJob(ctx, job)
		}
	} else {
		handles := make([]*jobHandle, len(jobs))
		for i, job := range jobs {
			handles[i] = s.pool.Submit(ctx, job)
		}
		for i, h := range handles {
			results[i] = h.Wait()
		}
	}
	summary.Duration = time.Since(start)

	var errs []error
	for i, r := range results {
		if r.Panicked() {
			panic(r.recovered)
		}
		sys := systems[members[i]]
		summary.Systems[i] = SystemRunSummary{
			Name:     names[i],
			Duration: r.duration,
			Retried:  r.retried,
			Error:    r.err,
		}
		if r.err == nil {
			continue
		}
		if s.policyFor(sys) == ErrorPolicyContinue {
			s.logger.Error("system failed, continuing",
				zap.String("system", names[i]),
				zap.Stringer("world", world.ID()),
				zap.Error(r.err))
			continue
		}
		errs = append(errs, fmt.Errorf("ecs: system %s failed: %w", names[i], r.err))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	summary.Error = errors.Join(errs...)
	return summary, summary.Error
}

// runSystem runs sys once, or twice under ErrorPolicyRetry. Edits recorded by
// a failed or panicking attempt are dropped from the system's command buffer.
func (s *Schedule) runSystem(world *World, resources *Resources, sys Runnable) jobResult {
	var res jobResult
	snapshot := commandSnapshot(sys, world.ID())
	defer func() {
		if r := recover(); r != nil {
			restoreCommands(sys, world.ID(), snapshot)
			panic(r)
		}
	}()

	err := sys.Run(world, resources)
	if err != nil && s.policyFor(sys) == ErrorPolicyRetry {
		s.logger.Warn("system failed, retrying",
			zap.String("system", sys.Name().Name()),
			zap.Error(err))
		restoreCommands(sys, world.ID(), snapshot)
		res.retried = true
		err = sys.Run(world, resources)
	}
	if err != nil {
		restoreCommands(sys, world.ID(), snapshot)
	}
	res.err = err
	return res
}

func (s *Schedule) policyFor(sys Runnable) ErrorPolicy {
	if p, ok := s.policies[sys.Name().Name()]; ok {
		return p
	}
	return s.defaultPolicy
}

func commandSnapshot(sys Runnable, world WorldID) int {
	if buf, ok := sys.CommandBuffer(world); ok {
		return buf.Snapshot()
	}
	return 0
}

func restoreCommands(sys Runnable, world WorldID, snapshot int) {
	if buf, ok := sys.CommandBuffer(world); ok {
		buf.Restore(snapshot)
	}
}

// flushCommands applies each system's buffer for world in schedule order.
func flushCommands(world *World, systems []Runnable) error {
	for _, sys := range systems {
		buf, ok := sys.CommandBuffer(world.ID())
		if !ok || buf.Len() == 0 {
			continue
		}
		if err := buf.Flush(world); err != nil {
			return fmt.Errorf("ecs: flush %s: %w", sys.Name(), err)
		}
	}
	return nil
}

func discardCommands(world *World, systems []Runnable) {
	for _, sys := range systems {
		if buf, ok := sys.CommandBuffer(world.ID()); ok {
			buf.Drain()
		}
	}
}
