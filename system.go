package ecs

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SystemID is a diagnostic identifier for a system. It plays no part in
// scheduling correctness.
type SystemID struct {
	name string
	key  uuid.UUID
}

// NewSystemID returns an identifier with a fresh uniqueness key.
func NewSystemID(name string) SystemID {
	return SystemID{name: name, key: uuid.New()}
}

// Name returns the human readable name.
func (id SystemID) Name() string { return id.name }

// Key returns the uniqueness key.
func (id SystemID) Key() uuid.UUID { return id.key }

func (id SystemID) String() string { return id.name }

// SystemFunc is the body of a system. It receives the command buffer for the
// world being run, the restricted world view, the fetched resources and the
// system's queries, each in the order they were declared on the builder.
// None of the arguments may be retained after the call returns.
type SystemFunc func(cmd *CommandBuffer, world *SubWorld, resources *ResourceFetch, queries []*Query) error

// LifecycleFunc is an init or dispose hook. It runs with exclusive access to
// the world and resources.
type LifecycleFunc func(world *World, resources *Resources) error

// System is the runnable produced by SystemBuilder. Its declarations are
// fixed at build time.
type System struct {
	id         SystemID
	queries    []*Query
	resources  []ResourceDecl
	access     SystemAccess
	archetypes *ArchetypeAccess
	run        SystemFunc
	initFn     LifecycleFunc
	disposeFn  LifecycleFunc
	logger     *zap.Logger

	// Buffers are created on first run against a world and reused afterwards.
	// Only one Run is in flight per system, so the map needs no lock.
	commandBuffers map[WorldID]*CommandBuffer
}

// Name returns the system's identifier.
func (s *System) Name() SystemID { return s.id }

// Reads returns the read-only resource and component keys.
func (s *System) Reads() ([]ResourceTypeID, []ComponentTypeID) {
	return s.access.Resources.Reads(), s.access.Components.Reads()
}

// Writes returns the writable resource and component keys.
func (s *System) Writes() ([]ResourceTypeID, []ComponentTypeID) {
	return s.access.Resources.Writes(), s.access.Components.Writes()
}

// Access returns both permission sets.
func (s *System) Access() SystemAccess { return s.access }

// ArchetypeAccess returns the archetype cache as of the last Prepare.
func (s *System) ArchetypeAccess() *ArchetypeAccess { return s.archetypes }

// Queries returns the system's queries in declaration order. Read only.
func (s *System) Queries() []*Query { return s.queries }

// ResourceDecls returns the resource declarations in declaration order. Read only.
func (s *System) ResourceDecls() []ResourceDecl { return s.resources }

// Init runs the init hook the first time it is called; later calls do nothing.
func (s *System) Init(world *World, resources *Resources) error {
	fn := s.initFn
	s.initFn = nil
	if fn == nil {
		return nil
	}
	s.logger.Debug("init", zap.Stringer("world", world.ID()))
	return fn(world, resources)
}

// Dispose runs the dispose hook the first time it is called; later calls do nothing.
func (s *System) Dispose(world *World, resources *Resources) error {
	fn := s.disposeFn
	s.disposeFn = nil
	if fn == nil {
		return nil
	}
	s.logger.Debug("dispose", zap.Stringer("world", world.ID()))
	return fn(world, resources)
}

// Prepare recomputes the archetypes the system's queries touch in world. It
// must run before each Run of a tick and never concurrently with Run.
func (s *System) Prepare(world *World) {
	s.archetypes.refresh(world, s.queries)
}

// Run executes the system body once against world. Resources are borrowed
// for the duration of the call; if the store cannot grant a declared borrow
// the body is not invoked and an error wrapping ErrResourceMissing or
// ErrResourceBorrowConflict is returned. Errors from the body are returned
// as is.
func (s *System) Run(world *World, resources *Resources) error {
	fetch, err := resources.Fetch(s.resources)
	if err != nil {
		s.logger.Error("resource fetch failed", zap.Stringer("world", world.ID()), zap.Error(err))
		return fmt.Errorf("ecs: system %s: %w", s.id, err)
	}
	defer fetch.Release()

	view := newSubWorld(world, s.access.Components, s.archetypes.bitset())
	cmd := s.commandBuffer(world)

	if ce := s.logger.Check(zap.DebugLevel, "running"); ce != nil {
		ce.Write(zap.Stringer("world", world.ID()), zap.Int("archetypes", s.archetypes.Len()))
	}
	return s.run(cmd, view, fetch, s.queries)
}

// CommandBuffer returns the buffer recorded for world, if the system has run against it.
func (s *System) CommandBuffer(world WorldID) (*CommandBuffer, bool) {
	buf, ok := s.commandBuffers[world]
	return buf, ok
}

func (s *System) commandBuffer(world *World) *CommandBuffer {
	buf, ok := s.commandBuffers[world.ID()]
	if !ok {
		buf = NewCommandBuffer(world)
		s.commandBuffers[world.ID()] = buf
	}
	return buf
}

var _ Runnable = (*System)(nil)
