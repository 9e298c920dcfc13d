package ecs

import "github.com/bits-and-blooms/bitset"

// ArchetypeAccess describes which archetypes a system may touch. It is either
// All, which claims every archetype holding a declared component, or a
// filtered set of archetype indices recomputed each tick from the system's
// queries. Once All, it never goes back to filtered.
type ArchetypeAccess struct {
	all bool
	set *bitset.BitSet
}

func newFilteredAccess() *ArchetypeAccess {
	return &ArchetypeAccess{set: bitset.New(0)}
}

func newAllAccess() *ArchetypeAccess {
	return &ArchetypeAccess{all: true}
}

// IsAll reports whether the access covers every archetype.
func (a *ArchetypeAccess) IsAll() bool { return a.all }

// Contains reports whether the archetype at idx is accessible.
func (a *ArchetypeAccess) Contains(idx ArchetypeIndex) bool {
	if a.all {
		return true
	}
	return a.set.Test(uint(idx))
}

// Len returns the number of cached archetypes, or -1 when All.
func (a *ArchetypeAccess) Len() int {
	if a.all {
		return -1
	}
	return int(a.set.Count())
}

// Indices returns the cached archetype indices in ascending order; nil when All.
func (a *ArchetypeAccess) Indices() []ArchetypeIndex {
	if a.all {
		return nil
	}
	out := make([]ArchetypeIndex, 0, a.set.Count())
	for i, ok := a.set.NextSet(0); ok; i, ok = a.set.NextSet(i + 1) {
		out = append(out, ArchetypeIndex(i))
	}
	return out
}

// Overlaps reports whether both accesses may touch a common archetype.
// All overlaps everything, including an empty filtered set, because All is
// resolved against component types rather than archetype indices.
func (a *ArchetypeAccess) Overlaps(other *ArchetypeAccess) bool {
	if a.all || other.all {
		return true
	}
	return a.set.IntersectionCardinality(other.set) > 0
}

// bitset exposes the cached set for restricted views; nil when All.
func (a *ArchetypeAccess) bitset() *bitset.BitSet {
	if a.all {
		return nil
	}
	return a.set
}

// refresh replaces the cached set with the union of the queries' current
// matches against w. All is left untouched.
func (a *ArchetypeAccess) refresh(w *World, queries []*Query) {
	if a.all {
		return
	}
	a.set.ClearAll()
	for _, q := range queries {
		q.filterArchetypes(w, a.set)
	}
}

// Clone returns an independent copy.
func (a *ArchetypeAccess) Clone() *ArchetypeAccess {
	if a.all {
		return newAllAccess()
	}
	return &ArchetypeAccess{set: a.set.Clone()}
}
