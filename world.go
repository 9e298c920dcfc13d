package ecs

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"
)

// WorldID identifies a world. Command buffers are scoped to a single WorldID.
type WorldID uuid.UUID

func (id WorldID) String() string { return uuid.UUID(id).String() }

// World stores entities grouped into archetypes. Structural changes (spawn,
// despawn, adding or removing components) require exclusive access and must
// not overlap with any system run; systems record them in command buffers.
type World struct {
	id          WorldID
	entities    *entityRegistry
	archetypes  []*Archetype
	bySignature map[uint64][]ArchetypeIndex
}

type WorldOption func(*World)

// WithWorldID overrides the randomly generated world identifier.
func WithWorldID(id WorldID) WorldOption {
	return func(w *World) {
		w.id = id
	}
}

// NewWorld constructs an empty world.
func NewWorld(opts ...WorldOption) *World {
	w := &World{
		id:          WorldID(uuid.New()),
		entities:    newEntityRegistry(),
		bySignature: make(map[uint64][]ArchetypeIndex),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the world identifier.
func (w *World) ID() WorldID { return w.id }

// Len returns the number of live entities.
func (w *World) Len() int { return w.entities.count() }

// Contains reports whether e is alive in this world.
func (w *World) Contains(e EntityID) bool { return w.entities.isAlive(e) }

// ArchetypeCount returns how many archetypes exist.
func (w *World) ArchetypeCount() int { return len(w.archetypes) }

// Archetype returns the archetype at idx, or nil.
func (w *World) Archetype(idx ArchetypeIndex) *Archetype {
	if int(idx) >= len(w.archetypes) {
		return nil
	}
	return w.archetypes[idx]
}

// Archetypes returns every archetype in index order. Read only.
func (w *World) Archetypes() []*Archetype { return w.archetypes }

// ArchetypeOf returns the archetype storing e.
func (w *World) ArchetypeOf(e EntityID) (ArchetypeIndex, bool) {
	loc, ok := w.entities.locate(e)
	return loc.archetype, ok
}

// HasComponent reports whether e carries component id.
func (w *World) HasComponent(e EntityID, id ComponentTypeID) bool {
	loc, ok := w.entities.locate(e)
	if !ok {
		return false
	}
	return w.archetypes[loc.archetype].Has(id)
}

// Spawn creates an entity with the given component values. Components are
// passed by value; each distinct Go type is a distinct component.
func (w *World) Spawn(components ...any) (EntityID, error) {
	values := make(map[ComponentTypeID]any, len(components))
	for _, c := range components {
		id, boxed, err := boxComponent(c)
		if err != nil {
			return EntityID{}, err
		}
		if _, dup := values[id]; dup {
			return EntityID{}, fmt.Errorf("%w: %s", ErrDuplicateComponent, id)
		}
		values[id] = boxed
	}
	arch := w.archetypeFor(sortedTypes(values))
	e := w.entities.create(entityLocation{archetype: arch.index})
	row := arch.push(e, values)
	w.entities.move(e, entityLocation{archetype: arch.index, row: row})
	return e, nil
}

// Despawn removes e and all of its components.
func (w *World) Despawn(e EntityID) bool {
	loc, ok := w.entities.destroy(e)
	if !ok {
		return false
	}
	w.removeRow(loc)
	return true
}

// AddComponent attaches value to e, replacing any existing value of the same type.
func (w *World) AddComponent(e EntityID, value any) error {
	loc, ok := w.entities.locate(e)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, e)
	}
	id, boxed, err := boxComponent(value)
	if err != nil {
		return err
	}
	src := w.archetypes[loc.archetype]
	if i, found := slices.BinarySearch(src.types, id); found {
		src.columns[i][loc.row] = boxed
		return nil
	}
	values := w.removeRow(loc)
	values[id] = boxed
	w.insertRow(e, values)
	return nil
}

// RemoveComponent detaches component id from e.
func (w *World) RemoveComponent(e EntityID, id ComponentTypeID) error {
	loc, ok := w.entities.locate(e)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, e)
	}
	if !w.archetypes[loc.archetype].Has(id) {
		return fmt.Errorf("%w: %s on %s", ErrComponentNotFound, id, e)
	}
	values := w.removeRow(loc)
	delete(values, id)
	w.insertRow(e, values)
	return nil
}

// component implements EntityStore with unrestricted access.
func (w *World) component(e EntityID, id ComponentTypeID, _ bool) (any, error) {
	loc, ok := w.entities.locate(e)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, e)
	}
	value, ok := w.archetypes[loc.archetype].cell(id, loc.row)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrComponentNotFound, id, e)
	}
	return value, nil
}

func (w *World) insertRow(e EntityID, values map[ComponentTypeID]any) {
	arch := w.archetypeFor(sortedTypes(values))
	row := arch.push(e, values)
	w.entities.move(e, entityLocation{archetype: arch.index, row: row})
}

func (w *World) removeRow(loc entityLocation) map[ComponentTypeID]any {
	arch := w.archetypes[loc.archetype]
	values, moved, ok := arch.swapRemove(loc.row)
	if ok {
		w.entities.move(moved, loc)
	}
	return values
}

func (w *World) archetypeFor(types []ComponentTypeID) *Archetype {
	sig := signatureOf(types)
	for _, idx := range w.bySignature[sig] {
		if arch := w.archetypes[idx]; slices.Equal(arch.types, types) {
			return arch
		}
	}
	arch := newArchetype(ArchetypeIndex(len(w.archetypes)), types)
	w.archetypes = append(w.archetypes, arch)
	w.bySignature[sig] = append(w.bySignature[sig], arch.index)
	return arch
}

func sortedTypes(values map[ComponentTypeID]any) []ComponentTypeID {
	types := make([]ComponentTypeID, 0, len(values))
	for id := range values {
		types = append(types, id)
	}
	slices.Sort(types)
	return types
}

func boxComponent(value any) (ComponentTypeID, any, error) {
	if value == nil {
		return 0, nil, ErrNilComponent
	}
	rv := reflect.ValueOf(value)
	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)
	return componentIDOfType(rv.Type()), ptr.Interface(), nil
}

// EntityStore is implemented by World and SubWorld and gives typed component
// access through Get and GetMut.
type EntityStore interface {
	component(e EntityID, id ComponentTypeID, write bool) (any, error)
}

// Get returns a pointer to e's component of type T. The pointer must be
// treated as read only and must not outlive the current system run.
func Get[T any](s EntityStore, e EntityID) (*T, error) {
	value, err := s.component(e, ComponentOf[T](), false)
	if err != nil {
		return nil, err
	}
	return value.(*T), nil
}

// GetMut returns a writable pointer to e's component of type T.
func GetMut[T any](s EntityStore, e EntityID) (*T, error) {
	value, err := s.component(e, ComponentOf[T](), true)
	if err != nil {
		return nil, err
	}
	return value.(*T), nil
}

var (
	_ EntityStore = (*World)(nil)
	_ EntityStore = (*SubWorld)(nil)
)
