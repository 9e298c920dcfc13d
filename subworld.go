package ecs

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// SubWorld is the view of a world handed to a running system. It only admits
// the component types the system declared and, when the system's archetype
// access is filtered, only entities stored in the cached archetypes.
//
// A SubWorld is valid for the duration of a single run and must not be retained.
type SubWorld struct {
	world      *World
	components *Permissions[ComponentTypeID]
	archetypes *bitset.BitSet
}

func newSubWorld(w *World, components *Permissions[ComponentTypeID], archetypes *bitset.BitSet) *SubWorld {
	return &SubWorld{world: w, components: components, archetypes: archetypes}
}

// WorldID returns the id of the underlying world.
func (sw *SubWorld) WorldID() WorldID { return sw.world.ID() }

// Contains reports whether e is alive and visible through the view.
func (sw *SubWorld) Contains(e EntityID) bool {
	loc, ok := sw.world.entities.locate(e)
	return ok && sw.archetypeAllowed(loc.archetype)
}

// AllowsRead reports whether component id was declared.
func (sw *SubWorld) AllowsRead(id ComponentTypeID) bool { return sw.components.AllowsRead(id) }

// AllowsWrite reports whether component id was declared writable.
func (sw *SubWorld) AllowsWrite(id ComponentTypeID) bool { return sw.components.AllowsWrite(id) }

// ArchetypeAllowed reports whether the archetype at idx is visible.
func (sw *SubWorld) ArchetypeAllowed(idx ArchetypeIndex) bool { return sw.archetypeAllowed(idx) }

// Archetype returns the archetype at idx if it is visible.
func (sw *SubWorld) Archetype(idx ArchetypeIndex) (*Archetype, bool) {
	if !sw.archetypeAllowed(idx) {
		return nil, false
	}
	arch := sw.world.Archetype(idx)
	return arch, arch != nil
}

// ArchetypeCount mirrors World.ArchetypeCount; visibility is checked per index.
func (sw *SubWorld) ArchetypeCount() int { return sw.world.ArchetypeCount() }

func (sw *SubWorld) archetypeAllowed(idx ArchetypeIndex) bool {
	return sw.archetypes == nil || sw.archetypes.Test(uint(idx))
}

func (sw *SubWorld) component(e EntityID, id ComponentTypeID, write bool) (any, error) {
	if write && !sw.components.AllowsWrite(id) {
		return nil, fmt.Errorf("%w: write %s", ErrComponentAccessDenied, id)
	}
	if !write && !sw.components.AllowsRead(id) {
		return nil, fmt.Errorf("%w: read %s", ErrComponentAccessDenied, id)
	}
	loc, ok := sw.world.entities.locate(e)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, e)
	}
	if !sw.archetypeAllowed(loc.archetype) {
		return nil, fmt.Errorf("%w: %s in archetype %d", ErrArchetypeAccessDenied, e, loc.archetype)
	}
	value, ok := sw.world.archetypes[loc.archetype].cell(id, loc.row)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrComponentNotFound, id, e)
	}
	return value, nil
}
