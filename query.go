package ecs

import (
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Query selects entities by component types. Read and Write types must be
// present and are reported as the query's permissions; With and Without only
// filter archetypes. Queries are immutable: every builder method returns a
// new query, so a query handed to a SystemBuilder cannot drift from the
// permissions recorded for it.
type Query struct {
	reads   []ComponentTypeID
	writes  []ComponentTypeID
	with    []ComponentTypeID
	without []ComponentTypeID
	perms   *Permissions[ComponentTypeID]

	mu   sync.Mutex
	memo queryMatches
}

// queryMatches memoises archetype matches for the last world searched.
// Archetypes are append-only, so only indices at or beyond seen need
// checking. Searching another world starts over.
type queryMatches struct {
	world   *World
	seen    int
	matched []ArchetypeIndex
}

// NewQuery returns a query that matches every archetype.
func NewQuery() *Query {
	return &Query{perms: NewPermissions[ComponentTypeID]()}
}

// Read requires the components and declares read access to them.
func (q *Query) Read(ids ...ComponentTypeID) *Query {
	c := q.clone()
	c.reads = append(c.reads, ids...)
	for _, id := range ids {
		c.perms.PushRead(id)
	}
	return c
}

// Write requires the components and declares write access to them.
func (q *Query) Write(ids ...ComponentTypeID) *Query {
	c := q.clone()
	c.writes = append(c.writes, ids...)
	for _, id := range ids {
		c.perms.Push(id)
	}
	return c
}

// With requires the components without accessing them.
func (q *Query) With(ids ...ComponentTypeID) *Query {
	c := q.clone()
	c.with = append(c.with, ids...)
	return c
}

// Without excludes archetypes holding any of the components.
func (q *Query) Without(ids ...ComponentTypeID) *Query {
	c := q.clone()
	c.without = append(c.without, ids...)
	return c
}

// Permissions returns the component permissions the query requires. Read only.
func (q *Query) Permissions() *Permissions[ComponentTypeID] { return q.perms }

// Matches reports whether the archetype satisfies the query's filter.
func (q *Query) Matches(a *Archetype) bool {
	return a.HasAll(q.reads) && a.HasAll(q.writes) && a.HasAll(q.with) && !a.HasAny(q.without)
}

// FindArchetypes returns the indices of every archetype in w the query
// matches, in ascending order. The slice is read only.
func (q *Query) FindArchetypes(w *World) []ArchetypeIndex {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := &q.memo
	if m.world != w || m.seen > w.ArchetypeCount() {
		*m = queryMatches{world: w}
	}
	for _, arch := range w.Archetypes()[m.seen:] {
		if q.Matches(arch) {
			m.matched = append(m.matched, arch.Index())
		}
	}
	m.seen = w.ArchetypeCount()
	return m.matched
}

func (q *Query) filterArchetypes(w *World, set *bitset.BitSet) {
	for _, idx := range q.FindArchetypes(w) {
		set.Set(uint(idx))
	}
}

// ForEach calls fn for every matching entity visible through sw until fn
// returns false. Structural changes must go through a CommandBuffer; the
// world layout cannot change while iterating.
func (q *Query) ForEach(sw *SubWorld, fn func(e EntityID) bool) {
	for _, idx := range q.FindArchetypes(sw.world) {
		arch, ok := sw.Archetype(idx)
		if !ok {
			continue
		}
		for _, e := range arch.Entities() {
			if !fn(e) {
				return
			}
		}
	}
}

// Entities collects every matching entity visible through sw.
func (q *Query) Entities(sw *SubWorld) []EntityID {
	var out []EntityID
	q.ForEach(sw, func(e EntityID) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Count returns the number of matching entities visible through sw.
func (q *Query) Count(sw *SubWorld) int {
	n := 0
	for _, idx := range q.FindArchetypes(sw.world) {
		if arch, ok := sw.Archetype(idx); ok {
			n += arch.Len()
		}
	}
	return n
}

func (q *Query) clone() *Query {
	return &Query{
		reads:   slices.Clone(q.reads),
		writes:  slices.Clone(q.writes),
		with:    slices.Clone(q.with),
		without: slices.Clone(q.without),
		perms:   q.perms.Clone(),
	}
}
