package ecs_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	ecs "github.com/DangerosoDavo/parecs"
)

type recordingObserver struct {
	mu        sync.Mutex
	summaries []ecs.StageSummary
}

func (o *recordingObserver) StageCompleted(summary ecs.StageSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, summary)
}

func (o *recordingObserver) stages() [][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]string, 0, len(o.summaries))
	for _, s := range o.summaries {
		names := make([]string, 0, len(s.Systems))
		for _, sys := range s.Systems {
			names = append(names, sys.Name)
		}
		out = append(out, names)
	}
	return out
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func logged(log *callLog, name string) ecs.SystemFunc {
	return func(*ecs.CommandBuffer, *ecs.SubWorld, *ecs.ResourceFetch, []*ecs.Query) error {
		log.add(name)
		return nil
	}
}

func newResources() *ecs.Resources {
	res := ecs.NewResources()
	ecs.InsertResource(res, Clock{})
	ecs.InsertResource(res, Score{})
	return res
}

func TestScheduleRunsDisjointArchetypeWritersConcurrently(t *testing.T) {
	w := ecs.NewWorld()
	_, err := w.Spawn(Position{})
	require.NoError(t, err)
	_, err = w.Spawn(Position{}, Frozen{})
	require.NoError(t, err)

	pos := ecs.ComponentOf[Position]()
	frz := ecs.ComponentOf[Frozen]()

	var arrived sync.WaitGroup
	arrived.Add(2)
	ready := make(chan struct{})
	go func() {
		arrived.Wait()
		close(ready)
	}()
	rendezvous := func(*ecs.CommandBuffer, *ecs.SubWorld, *ecs.ResourceFetch, []*ecs.Query) error {
		arrived.Done()
		select {
		case <-ready:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("systems did not run concurrently")
		}
	}

	thawed := ecs.NewSystemBuilder("thawed").
		WithQuery(ecs.NewQuery().Write(pos).Without(frz)).
		Build(rendezvous)
	frozen := ecs.NewSystemBuilder("frozen").
		WithQuery(ecs.NewQuery().Write(pos).With(frz)).
		Build(rendezvous)

	obs := &recordingObserver{}
	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(thawed).
		AddSystem(frozen).
		Build(ecs.WithWorkers(2), ecs.WithObserver(obs))
	require.NoError(t, err)
	defer schedule.Close()

	require.NoError(t, schedule.Execute(context.Background(), w, newResources()))
	require.Equal(t, [][]string{{"thawed", "frozen"}}, obs.stages())
	require.True(t, obs.summaries[0].Parallel())
}

func TestScheduleOrdersConflictingSystems(t *testing.T) {
	w := ecs.NewWorld()
	_, err := w.Spawn(Position{})
	require.NoError(t, err)
	pos := ecs.ComponentOf[Position]()
	log := &callLog{}

	writerA := ecs.NewSystemBuilder("a").WithQuery(ecs.NewQuery().Write(pos)).Build(logged(log, "a"))
	scorer := ecs.NewSystemBuilder("score").WriteResource(ecs.ResourceOf[Score]()).Build(logged(log, "score"))
	writerB := ecs.NewSystemBuilder("b").WithQuery(ecs.NewQuery().Read(pos)).Build(logged(log, "b"))
	reader := ecs.NewSystemBuilder("read-score").ReadResource(ecs.ResourceOf[Score]()).Build(logged(log, "read-score"))
	clock := ecs.NewSystemBuilder("clock").ReadResource(ecs.ResourceOf[Clock]()).Build(logged(log, "clock"))

	obs := &recordingObserver{}
	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(writerA).
		AddSystem(scorer).
		AddSystem(writerB).
		AddSystem(reader).
		AddSystem(clock).
		Build(ecs.WithWorkers(4), ecs.WithObserver(obs))
	require.NoError(t, err)
	defer schedule.Close()

	require.NoError(t, schedule.Execute(context.Background(), w, newResources()))
	require.Equal(t, [][]string{
		{"a", "score", "clock"},
		{"b", "read-score"},
	}, obs.stages())

	calls := log.snapshot()
	require.Len(t, calls, 5)
	require.Less(t, indexOf(calls, "a"), indexOf(calls, "b"))
	require.Less(t, indexOf(calls, "score"), indexOf(calls, "read-score"))
}

func TestScheduleComponentConflictNeedsSharedArchetype(t *testing.T) {
	w := ecs.NewWorld()
	_, err := w.Spawn(Position{})
	require.NoError(t, err)
	pos := ecs.ComponentOf[Position]()
	hp := ecs.ComponentOf[Health]()

	onlyHealth := ecs.NewSystemBuilder("health-only").
		WithQuery(ecs.NewQuery().Write(pos).With(hp)).
		Build(noop)
	everything := ecs.NewSystemBuilder("all-positions").
		WithQuery(ecs.NewQuery().Write(pos)).
		Build(noop)
	direct := ecs.NewSystemBuilder("direct").
		ReadComponent(pos).
		Build(noop)

	obs := &recordingObserver{}
	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(onlyHealth).
		AddSystem(everything).
		AddSystem(direct).
		Build(ecs.WithWorkers(2), ecs.WithObserver(obs))
	require.NoError(t, err)
	defer schedule.Close()

	require.NoError(t, schedule.Execute(context.Background(), w, newResources()))
	require.Equal(t, [][]string{
		{"health-only", "all-positions"},
		{"direct"},
	}, obs.stages(), "no archetype holds health yet, direct access claims all")
}

func TestScheduleFlushesAtBarriers(t *testing.T) {
	w := ecs.NewWorld()
	pos := ecs.ComponentOf[Position]()
	var before, after atomic.Int64

	spawner := ecs.NewSystemBuilder("spawner").
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			cmd.Spawn(nil, Position{})
			return nil
		})
	counter := func(into *atomic.Int64) ecs.SystemFunc {
		return func(_ *ecs.CommandBuffer, view *ecs.SubWorld, _ *ecs.ResourceFetch, q []*ecs.Query) error {
			into.Store(int64(q[0].Count(view)))
			return nil
		}
	}
	sameSegment := ecs.NewSystemBuilder("same").WithQuery(ecs.NewQuery().Read(pos)).Build(counter(&before))
	nextSegment := ecs.NewSystemBuilder("next").WithQuery(ecs.NewQuery().Read(pos)).Build(counter(&after))

	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(spawner).
		AddSystem(sameSegment).
		Flush().
		AddSystem(nextSegment).
		Build(ecs.WithWorkers(2))
	require.NoError(t, err)
	defer schedule.Close()

	res := newResources()
	require.NoError(t, schedule.Execute(context.Background(), w, res))
	require.Equal(t, int64(0), before.Load())
	require.Equal(t, int64(1), after.Load())

	require.NoError(t, schedule.Execute(context.Background(), w, res))
	require.Equal(t, int64(1), before.Load())
	require.Equal(t, int64(2), after.Load())
	require.Equal(t, 2, w.Len())
	require.Equal(t, uint64(2), schedule.TickIndex())
}

func TestScheduleInitOnceAndDispose(t *testing.T) {
	inits, disposes := 0, 0
	sys := ecs.NewSystemBuilder("lifecycle").
		WithInit(func(w *ecs.World, res *ecs.Resources) error {
			inits++
			ecs.InsertResource(res, Log{})
			return nil
		}).
		WithDispose(func(*ecs.World, *ecs.Resources) error { disposes++; return nil }).
		WriteResource(ecs.ResourceOf[Log]()).
		Build(func(_ *ecs.CommandBuffer, _ *ecs.SubWorld, res *ecs.ResourceFetch, _ []*ecs.Query) error {
			l, err := ecs.ResourceMutAt[Log](res, 0)
			if err != nil {
				return err
			}
			l.Lines = append(l.Lines, "tick")
			return nil
		})

	schedule, err := ecs.NewScheduleBuilder().AddSystem(sys).Build(ecs.WithWorkers(1))
	require.NoError(t, err)
	defer schedule.Close()

	w, res := ecs.NewWorld(), ecs.NewResources()
	for i := 0; i < 3; i++ {
		require.NoError(t, schedule.Execute(context.Background(), w, res))
	}
	require.NoError(t, schedule.Dispose(w, res))
	require.NoError(t, schedule.Dispose(w, res))
	require.Equal(t, 1, inits)
	require.Equal(t, 1, disposes)

	l, ok := ecs.ResourceMut[Log](res)
	require.True(t, ok)
	require.Len(t, l.Lines, 3)
}

func TestScheduleAbortDiscardsSegmentCommands(t *testing.T) {
	boom := errors.New("boom")
	w := ecs.NewWorld()
	spawner := ecs.NewSystemBuilder("spawner").
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			cmd.Spawn(nil, Position{})
			return nil
		})
	failing := ecs.NewSystemBuilder("failing").
		WriteResource(ecs.ResourceOf[Score]()).
		Build(func(*ecs.CommandBuffer, *ecs.SubWorld, *ecs.ResourceFetch, []*ecs.Query) error { return boom })

	obs := &recordingObserver{}
	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(spawner).
		AddSystem(failing).
		Build(ecs.WithWorkers(2), ecs.WithObserver(obs))
	require.NoError(t, err)
	defer schedule.Close()

	err = schedule.Execute(context.Background(), w, newResources())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "failing")
	require.Zero(t, w.Len())
	buf, ok := spawner.CommandBuffer(w.ID())
	require.True(t, ok)
	require.Zero(t, buf.Len())

	require.Len(t, obs.summaries, 1)
	require.Equal(t, 1, obs.summaries[0].SystemsFailed())
	require.Equal(t, 1, obs.summaries[0].SystemsExecuted())
}

func TestScheduleContinuePolicyDropsFailedEdits(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := ecs.NewWorld()
	failing := ecs.NewSystemBuilder("flaky").
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			cmd.Spawn(nil, Position{})
			return errors.New("flaky")
		})
	healthy := ecs.NewSystemBuilder("healthy").
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			cmd.Spawn(nil, Health{})
			return nil
		})

	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(failing).
		AddSystem(healthy).
		Build(
			ecs.WithWorkers(2),
			ecs.WithLogger(zap.New(core)),
			ecs.WithErrorPolicy("flaky", ecs.ErrorPolicyContinue),
		)
	require.NoError(t, err)
	defer schedule.Close()

	require.NoError(t, schedule.Execute(context.Background(), w, newResources()))
	require.Equal(t, 1, w.Len())
	require.Equal(t, 1, logs.FilterMessage("system failed, continuing").Len())
}

func TestScheduleRetryPolicy(t *testing.T) {
	attempts := 0
	w := ecs.NewWorld()
	sys := ecs.NewSystemBuilder("retry").
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			attempts++
			cmd.Spawn(nil, Position{})
			if attempts == 1 {
				return errors.New("transient")
			}
			return nil
		})

	obs := &recordingObserver{}
	schedule, err := ecs.NewScheduleBuilder().
		AddSystem(sys).
		Build(ecs.WithWorkers(1), ecs.WithDefaultErrorPolicy(ecs.ErrorPolicyRetry), ecs.WithObserver(obs))
	require.NoError(t, err)
	defer schedule.Close()

	require.NoError(t, schedule.Execute(context.Background(), w, newResources()))
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, w.Len(), "the failed attempt's edits are dropped")
	require.True(t, obs.summaries[0].Systems[0].Retried)
}

func TestSchedulePanicPropagates(t *testing.T) {
	w := ecs.NewWorld()
	quiet := ecs.NewSystemBuilder("quiet").Build(noop)
	loud := ecs.NewSystemBuilder("loud").
		Build(func(*ecs.CommandBuffer, *ecs.SubWorld, *ecs.ResourceFetch, []*ecs.Query) error { panic("loud") })

	schedule, err := ecs.NewScheduleBuilder().AddSystem(quiet).AddSystem(loud).Build(ecs.WithWorkers(2))
	require.NoError(t, err)
	defer schedule.Close()

	require.PanicsWithValue(t, "loud", func() {
		_ = schedule.Execute(context.Background(), w, newResources())
	})
}

func TestSchedulePanicDropsTickEdits(t *testing.T) {
	w := ecs.NewWorld()
	res := newResources()

	writer := ecs.NewSystemBuilder("writer").
		WriteResource(ecs.ResourceOf[Score]()).
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			cmd.Spawn(nil, Position{X: 1})
			return nil
		})
	var runs atomic.Int64
	flaky := ecs.NewSystemBuilder("flaky").
		WriteResource(ecs.ResourceOf[Score]()).
		Build(func(cmd *ecs.CommandBuffer, _ *ecs.SubWorld, _ *ecs.ResourceFetch, _ []*ecs.Query) error {
			cmd.Spawn(nil, Position{X: 2})
			if runs.Add(1) == 1 {
				panic("flaky")
			}
			return nil
		})

	schedule, err := ecs.NewScheduleBuilder().AddSystem(writer).AddSystem(flaky).Build(ecs.WithWorkers(2))
	require.NoError(t, err)
	defer schedule.Close()

	require.PanicsWithValue(t, "flaky", func() {
		_ = schedule.Execute(context.Background(), w, res)
	})
	require.Zero(t, w.Len())
	for _, sys := range []*ecs.System{writer, flaky} {
		buf, ok := sys.CommandBuffer(w.ID())
		require.True(t, ok, sys.Name().Name())
		require.Zero(t, buf.Len(), sys.Name().Name())
	}

	require.NoError(t, schedule.Execute(context.Background(), w, res))
	require.Equal(t, 2, w.Len())
}

func TestScheduleBuildValidation(t *testing.T) {
	sys := ecs.NewSystemBuilder("twice").Build(noop)
	_, err := ecs.NewScheduleBuilder().AddSystem(sys).Flush().AddSystem(sys).Build()
	require.ErrorIs(t, err, ecs.ErrDuplicateSystem)

	_, err = ecs.NewScheduleBuilder().Build(ecs.WithWorkers(0))
	require.ErrorIs(t, err, ecs.ErrInvalidConfig)

	empty, err := ecs.NewScheduleBuilder().AddSystem(nil).Flush().Flush().Build(ecs.WithWorkers(1))
	require.NoError(t, err)
	require.Empty(t, empty.Systems())
	require.NoError(t, empty.Execute(context.Background(), ecs.NewWorld(), ecs.NewResources()))
}

func TestScheduleCloseAndCancel(t *testing.T) {
	schedule, err := ecs.NewScheduleBuilder().AddSystem(ecs.NewSystemBuilder("s").Build(noop)).Build(ecs.WithWorkers(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, schedule.Execute(ctx, ecs.NewWorld(), ecs.NewResources()), context.Canceled)

	schedule.Close()
	schedule.Close()
	require.ErrorIs(t, schedule.Execute(context.Background(), ecs.NewWorld(), ecs.NewResources()), ecs.ErrScheduleClosed)
}

func TestScheduleBuiltInObservers(t *testing.T) {
	var metrics, spans bytes.Buffer
	core, logs := observer.New(zap.InfoLevel)

	sys := ecs.NewSystemBuilder("observed").ReadResource(ecs.ResourceOf[Clock]()).Build(noop)
	schedule, err := ecs.NewScheduleBuilder().AddSystem(sys).Build(
		ecs.WithWorkers(1),
		ecs.WithLogger(zap.New(core)),
		ecs.WithObservation(ecs.ObservationSettings{
			EnableStructuredLogging: true,
			EnablePrometheus:        true,
			PrometheusOptions:       &ecs.PrometheusCollectorOptions{Writer: &metrics},
			EnableSpans:             true,
			SpanOptions:             &ecs.SpanExporterOptions{Writer: &spans},
		}),
	)
	require.NoError(t, err)
	defer schedule.Close()

	require.NoError(t, schedule.Execute(context.Background(), ecs.NewWorld(), newResources()))
	require.Equal(t, 1, logs.FilterMessage("stage summary").Len())
	require.Contains(t, metrics.String(), `ecs_system_run_duration_seconds_count{system="observed"} 1.000000`)
	require.True(t, strings.HasPrefix(spans.String(), "{"))
	require.Contains(t, spans.String(), `"system:observed"`)
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}
