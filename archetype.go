package ecs

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// ArchetypeIndex addresses an archetype within one world. Indices are never
// reused: archetypes are only ever appended.
type ArchetypeIndex uint32

// Archetype stores every entity that carries exactly the same set of
// component types. Columns are aligned with the sorted type list; each cell
// holds a pointer to the component value.
type Archetype struct {
	index    ArchetypeIndex
	types    []ComponentTypeID
	columns  [][]any
	entities []EntityID
}

func newArchetype(index ArchetypeIndex, types []ComponentTypeID) *Archetype {
	return &Archetype{
		index:   index,
		types:   types,
		columns: make([][]any, len(types)),
	}
}

// Index returns the archetype's position in its world.
func (a *Archetype) Index() ArchetypeIndex { return a.index }

// Types returns the sorted component types of the archetype. Read only.
func (a *Archetype) Types() []ComponentTypeID { return a.types }

// Entities returns the entities stored in the archetype. Read only, and only
// valid until the world is next mutated.
func (a *Archetype) Entities() []EntityID { return a.entities }

// Len returns the number of entities in the archetype.
func (a *Archetype) Len() int { return len(a.entities) }

// Has reports whether the archetype stores component id.
func (a *Archetype) Has(id ComponentTypeID) bool {
	_, ok := slices.BinarySearch(a.types, id)
	return ok
}

// HasAll reports whether every id is stored in the archetype.
func (a *Archetype) HasAll(ids []ComponentTypeID) bool {
	for _, id := range ids {
		if !a.Has(id) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one id is stored in the archetype.
func (a *Archetype) HasAny(ids []ComponentTypeID) bool {
	for _, id := range ids {
		if a.Has(id) {
			return true
		}
	}
	return false
}

func (a *Archetype) column(id ComponentTypeID) ([]any, bool) {
	i, ok := slices.BinarySearch(a.types, id)
	if !ok {
		return nil, false
	}
	return a.columns[i], true
}

func (a *Archetype) cell(id ComponentTypeID, row int) (any, bool) {
	col, ok := a.column(id)
	if !ok || row < 0 || row >= len(col) {
		return nil, false
	}
	return col[row], true
}

// push appends a row. values must hold a boxed value for every archetype type.
func (a *Archetype) push(e EntityID, values map[ComponentTypeID]any) int {
	for i, t := range a.types {
		a.columns[i] = append(a.columns[i], values[t])
	}
	a.entities = append(a.entities, e)
	return len(a.entities) - 1
}

// swapRemove deletes row by moving the last row into it. It returns the
// removed row's values and, when a row moved, the entity that now sits at row.
func (a *Archetype) swapRemove(row int) (map[ComponentTypeID]any, EntityID, bool) {
	last := len(a.entities) - 1
	values := make(map[ComponentTypeID]any, len(a.types))
	for i, t := range a.types {
		col := a.columns[i]
		values[t] = col[row]
		col[row] = col[last]
		col[last] = nil
		a.columns[i] = col[:last]
	}
	moved := a.entities[last]
	a.entities[row] = moved
	a.entities = a.entities[:last]
	if row == last {
		return values, EntityID{}, false
	}
	return values, moved, true
}

// signatureOf hashes a sorted type list for archetype lookup.
func signatureOf(types []ComponentTypeID) uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, t := range types {
		binary.LittleEndian.PutUint32(buf[:], uint32(t))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
