// Command ecsbench runs a synthetic schedule against a generated world and
// reports tick timings.
//
//	go build ./cmd/ecsbench
//	./ecsbench -config bench.yaml -entities 50000 -ticks 500 -profile cpu
//	go tool pprof -http=":8000" ./ecsbench cpu.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	ecs "github.com/DangerosoDavo/parecs"
)

type position struct{ X, Y float64 }

type velocity struct{ X, Y float64 }

type health struct{ HP int }

type frozen struct{}

type clock struct {
	Tick uint64
	DT   float64
}

type stats struct {
	Moved   int
	Damaged int
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML or TOML schedule config")
		entities   = flag.Int("entities", 10000, "entities to spawn")
		ticks      = flag.Int("ticks", 100, "ticks to run")
		mode       = flag.String("profile", "", "cpu, mem or empty")
		metrics    = flag.Bool("metrics", false, "print Prometheus metrics at exit")
	)
	flag.Parse()

	if err := run(*configPath, *entities, *ticks, *mode, *metrics); err != nil {
		fmt.Fprintln(os.Stderr, "ecsbench:", err)
		os.Exit(1)
	}
}

func run(configPath string, entities, ticks int, mode string, printMetrics bool) error {
	cfg := ecs.DefaultConfig()
	if configPath != "" {
		loaded, err := ecs.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger, err := ecs.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	switch mode {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "":
	default:
		return fmt.Errorf("unknown profile mode %q", mode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	world := ecs.NewWorld()
	if err := populate(world, entities); err != nil {
		return err
	}
	resources := ecs.NewResources()
	ecs.InsertResource(resources, clock{DT: 1.0 / 60})
	ecs.InsertResource(resources, stats{})

	collector := ecs.NewPrometheusStageCollector(&ecs.PrometheusCollectorOptions{
		DurationBuckets: []time.Duration{100 * time.Microsecond, time.Millisecond, 10 * time.Millisecond},
	})
	opts := cfg.Options(logger, ecs.Sinks{})
	if printMetrics {
		opts = append(opts, ecs.WithObserver(collectorObserver{collector}))
	}

	schedule, err := buildSchedule(logger).Build(opts...)
	if err != nil {
		return err
	}
	defer schedule.Close()

	start := time.Now()
	for i := 0; i < ticks; i++ {
		if err := schedule.Execute(ctx, world, resources); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	if err := schedule.Dispose(world, resources); err != nil {
		return err
	}
	st, _ := ecs.ResourceMut[stats](resources)
	logger.Info("bench complete",
		zap.Int("entities", world.Len()),
		zap.Int("archetypes", world.ArchetypeCount()),
		zap.Int("ticks", ticks),
		zap.Duration("elapsed", elapsed),
		zap.Duration("per_tick", elapsed/time.Duration(max(ticks, 1))),
		zap.Int("moved", st.Moved),
		zap.Int("damaged", st.Damaged),
	)
	if printMetrics {
		return collector.WriteMetrics(os.Stdout)
	}
	return nil
}

type collectorObserver struct {
	collector *ecs.PrometheusStageCollector
}

func (o collectorObserver) StageCompleted(summary ecs.StageSummary) {
	o.collector.ObserveStage(summary)
}

func populate(world *ecs.World, n int) error {
	for i := 0; i < n; i++ {
		components := []any{position{X: float64(i)}, velocity{X: 1, Y: 0.5}}
		if i%3 == 0 {
			components = append(components, health{HP: 100})
		}
		if i%7 == 0 {
			components = append(components, frozen{})
		}
		if _, err := world.Spawn(components...); err != nil {
			return err
		}
	}
	return nil
}

func buildSchedule(logger *zap.Logger) *ecs.ScheduleBuilder {
	pos := ecs.ComponentOf[position]()
	vel := ecs.ComponentOf[velocity]()
	hp := ecs.ComponentOf[health]()
	frz := ecs.ComponentOf[frozen]()

	tick := ecs.NewSystemBuilder("tick").
		WithLogger(logger).
		WriteResource(ecs.ResourceOf[clock]()).
		Build(func(_ *ecs.CommandBuffer, _ *ecs.SubWorld, res *ecs.ResourceFetch, _ []*ecs.Query) error {
			c, err := ecs.ResourceMutAt[clock](res, 0)
			if err != nil {
				return err
			}
			c.Tick++
			return nil
		})

	move := ecs.NewSystemBuilder("move").
		WithLogger(logger).
		ReadResource(ecs.ResourceOf[clock]()).
		WithQuery(ecs.NewQuery().Read(vel).Write(pos).Without(frz)).
		Build(func(_ *ecs.CommandBuffer, w *ecs.SubWorld, res *ecs.ResourceFetch, q []*ecs.Query) error {
			c, err := ecs.ResourceAt[clock](res, 0)
			if err != nil {
				return err
			}
			var ferr error
			q[0].ForEach(w, func(e ecs.EntityID) bool {
				p, err := ecs.GetMut[position](w, e)
				if err != nil {
					ferr = err
					return false
				}
				v, err := ecs.Get[velocity](w, e)
				if err != nil {
					ferr = err
					return false
				}
				p.X += v.X * c.DT
				p.Y += v.Y * c.DT
				return true
			})
			return ferr
		})

	decay := ecs.NewSystemBuilder("decay").
		WithLogger(logger).
		WithQuery(ecs.NewQuery().Write(hp)).
		Build(func(cmd *ecs.CommandBuffer, w *ecs.SubWorld, _ *ecs.ResourceFetch, q []*ecs.Query) error {
			var ferr error
			q[0].ForEach(w, func(e ecs.EntityID) bool {
				h, err := ecs.GetMut[health](w, e)
				if err != nil {
					ferr = err
					return false
				}
				h.HP--
				if h.HP <= 0 {
					cmd.Despawn(e)
				}
				return true
			})
			return ferr
		})

	tally := ecs.NewSystemBuilder("tally").
		WithLogger(logger).
		WriteResource(ecs.ResourceOf[stats]()).
		WithQuery(ecs.NewQuery().Read(pos).Without(frz)).
		WithQuery(ecs.NewQuery().Read(hp)).
		Build(func(_ *ecs.CommandBuffer, w *ecs.SubWorld, res *ecs.ResourceFetch, q []*ecs.Query) error {
			st, err := ecs.ResourceMutAt[stats](res, 0)
			if err != nil {
				return err
			}
			st.Moved = q[0].Count(w)
			st.Damaged = q[1].Count(w)
			return nil
		})

	return ecs.NewScheduleBuilder().
		AddSystem(tick).
		AddSystem(move).
		AddSystem(decay).
		Flush().
		AddSystem(tally)
}
