package ecs

import (
	"slices"

	"go.uber.org/zap"
)

// SystemBuilder accumulates the declarations of a system. Queries and
// resources are kept in the order they are declared, which is the order the
// system body receives them in.
//
//	move := ecs.NewSystemBuilder("move").
//		ReadResource(ecs.ResourceOf[Clock]()).
//		WithQuery(ecs.NewQuery().Read(ecs.ComponentOf[Velocity]()).Write(ecs.ComponentOf[Position]())).
//		Build(func(cmd *ecs.CommandBuffer, w *ecs.SubWorld, res *ecs.ResourceFetch, q []*ecs.Query) error {
//			clock, err := ecs.ResourceAt[Clock](res, 0)
//			...
//		})
//
// A builder is consumed by Build and panics with ErrBuilderConsumed if used again.
type SystemBuilder struct {
	id                  SystemID
	queries             []*Query
	resources           []ResourceDecl
	access              SystemAccess
	accessAllArchetypes bool
	initFn              LifecycleFunc
	disposeFn           LifecycleFunc
	logger              *zap.Logger
	built               bool
}

// NewSystemBuilder starts a system. The name is for diagnostics only.
func NewSystemBuilder(name string) *SystemBuilder {
	return &SystemBuilder{
		id:     NewSystemID(name),
		access: newSystemAccess(),
		logger: zap.NewNop(),
	}
}

// WithQuery appends a query and folds its component permissions into the system.
func (b *SystemBuilder) WithQuery(q *Query) *SystemBuilder {
	b.checkLive()
	if q == nil {
		panic("ecs: nil query")
	}
	b.access.Components.Add(q.Permissions())
	b.queries = append(b.queries, q)
	return b
}

// ReadResource appends a shared resource declaration.
func (b *SystemBuilder) ReadResource(id ResourceTypeID) *SystemBuilder {
	b.checkLive()
	b.access.Resources.PushRead(id)
	b.resources = append(b.resources, ResourceDecl{ID: id, Mode: AccessModeRead})
	return b
}

// WriteResource appends an exclusive resource declaration.
func (b *SystemBuilder) WriteResource(id ResourceTypeID) *SystemBuilder {
	b.checkLive()
	b.access.Resources.Push(id)
	b.resources = append(b.resources, ResourceDecl{ID: id, Mode: AccessModeWrite})
	return b
}

// ReadComponent declares read access to a component outside of any query,
// for sparse lookups through the SubWorld. The system then claims every
// archetype holding the component instead of a per-tick archetype set.
func (b *SystemBuilder) ReadComponent(id ComponentTypeID) *SystemBuilder {
	b.checkLive()
	b.access.Components.PushRead(id)
	b.accessAllArchetypes = true
	return b
}

// WriteComponent declares write access to a component outside of any query.
// Like ReadComponent, it makes the system claim every archetype holding it.
func (b *SystemBuilder) WriteComponent(id ComponentTypeID) *SystemBuilder {
	b.checkLive()
	b.access.Components.Push(id)
	b.accessAllArchetypes = true
	return b
}

// WithInit sets the hook run by the first Init call. A later call replaces it.
func (b *SystemBuilder) WithInit(fn LifecycleFunc) *SystemBuilder {
	b.checkLive()
	b.initFn = fn
	return b
}

// WithDispose sets the hook run by the first Dispose call. A later call replaces it.
func (b *SystemBuilder) WithDispose(fn LifecycleFunc) *SystemBuilder {
	b.checkLive()
	b.disposeFn = fn
	return b
}

// WithLogger sets the logger the system reports through.
func (b *SystemBuilder) WithLogger(logger *zap.Logger) *SystemBuilder {
	b.checkLive()
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Build consumes the builder and returns the runnable system.
func (b *SystemBuilder) Build(fn SystemFunc) *System {
	b.checkLive()
	if fn == nil {
		panic("ecs: nil system func")
	}
	b.built = true

	archetypes := newFilteredAccess()
	if b.accessAllArchetypes {
		archetypes = newAllAccess()
	}
	return &System{
		id:             b.id,
		queries:        slices.Clip(b.queries),
		resources:      slices.Clip(b.resources),
		access:         b.access,
		archetypes:     archetypes,
		run:            fn,
		initFn:         b.initFn,
		disposeFn:      b.disposeFn,
		logger:         b.logger.With(zap.String("system", b.id.Name())),
		commandBuffers: make(map[WorldID]*CommandBuffer),
	}
}

func (b *SystemBuilder) checkLive() {
	if b.built {
		panic(ErrBuilderConsumed)
	}
}
