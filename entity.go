package ecs

import (
	"fmt"
	"sync"
)

// EntityID identifies an entity and encodes a generation for stale-handle detection.
type EntityID struct {
	index      uint32
	generation uint32
}

// Index returns the backing slot of the entity.
func (id EntityID) Index() uint32 {
	return id.index
}

// Generation returns the generation counter associated with the entity.
func (id EntityID) Generation() uint32 {
	return id.generation
}

// IsZero reports whether the identifier is the zero value.
func (id EntityID) IsZero() bool {
	return id.index == 0 && id.generation == 0
}

func (id EntityID) String() string {
	if id.IsZero() {
		return "EntityID(0:0)"
	}
	return fmt.Sprintf("EntityID(%d:%d)", id.index, id.generation)
}

// EntityIDFromParts constructs an identifier from raw parts.
func EntityIDFromParts(index, generation uint32) EntityID {
	return EntityID{index: index, generation: generation}
}

// entityLocation points at an entity's row inside an archetype.
type entityLocation struct {
	archetype ArchetypeIndex
	row       int
}

type entitySlot struct {
	generation uint32
	alive      bool
	loc        entityLocation
}

// entityRegistry allocates generational ids and remembers where each live
// entity is stored. Slot 0 is reserved so the zero EntityID is never issued.
type entityRegistry struct {
	mu    sync.RWMutex
	slots []entitySlot
	free  []uint32
	alive int
}

func newEntityRegistry() *entityRegistry {
	return &entityRegistry{slots: make([]entitySlot, 1)}
}

func (r *entityRegistry) create(loc entityLocation) EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, entitySlot{})
	}

	slot := &r.slots[index]
	slot.generation++
	slot.alive = true
	slot.loc = loc
	r.alive++
	return EntityID{index: index, generation: slot.generation}
}

func (r *entityRegistry) destroy(id EntityID) (entityLocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slotLocked(id)
	if !ok {
		return entityLocation{}, false
	}
	loc := slot.loc
	slot.alive = false
	slot.loc = entityLocation{}
	r.free = append(r.free, id.index)
	r.alive--
	return loc, true
}

func (r *entityRegistry) locate(id EntityID) (entityLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slotLocked(id)
	if !ok {
		return entityLocation{}, false
	}
	return slot.loc, true
}

func (r *entityRegistry) move(id EntityID, loc entityLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slotLocked(id); ok {
		slot.loc = loc
	}
}

func (r *entityRegistry) isAlive(id EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slotLocked(id)
	return ok
}

func (r *entityRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alive
}

func (r *entityRegistry) slotLocked(id EntityID) (*entitySlot, bool) {
	if id.IsZero() || int(id.index) >= len(r.slots) {
		return nil, false
	}
	slot := &r.slots[id.index]
	if !slot.alive || slot.generation != id.generation {
		return nil, false
	}
	return slot, true
}
