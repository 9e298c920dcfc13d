package ecs

import "slices"

// Permissions records the keys a system reads and writes within one keyspace.
// A key that is written is never also listed as read: write subsumes read no
// matter which was declared first.
type Permissions[T comparable] struct {
	reads  []T
	writes []T
}

// NewPermissions returns an empty permission set.
func NewPermissions[T comparable]() *Permissions[T] {
	return &Permissions[T]{}
}

// PushRead declares read access to key.
func (p *Permissions[T]) PushRead(key T) {
	if slices.Contains(p.writes, key) || slices.Contains(p.reads, key) {
		return
	}
	p.reads = append(p.reads, key)
}

// Push declares write access to key, removing any read declaration for it.
func (p *Permissions[T]) Push(key T) {
	if i := slices.Index(p.reads, key); i >= 0 {
		p.reads = slices.Delete(p.reads, i, i+1)
	}
	if slices.Contains(p.writes, key) {
		return
	}
	p.writes = append(p.writes, key)
}

// Add folds every declaration of other into p.
func (p *Permissions[T]) Add(other *Permissions[T]) {
	if other == nil {
		return
	}
	for _, key := range other.reads {
		p.PushRead(key)
	}
	for _, key := range other.writes {
		p.Push(key)
	}
}

// Reads returns the keys declared read-only, in declaration order.
// The slice must not be modified.
func (p *Permissions[T]) Reads() []T { return p.reads }

// Writes returns the keys declared writable, in declaration order.
// The slice must not be modified.
func (p *Permissions[T]) Writes() []T { return p.writes }

// AllowsRead reports whether key may be read (declared read or write).
func (p *Permissions[T]) AllowsRead(key T) bool {
	return slices.Contains(p.reads, key) || slices.Contains(p.writes, key)
}

// AllowsWrite reports whether key may be written.
func (p *Permissions[T]) AllowsWrite(key T) bool {
	return slices.Contains(p.writes, key)
}

// IsEmpty reports whether nothing was declared.
func (p *Permissions[T]) IsEmpty() bool {
	return len(p.reads) == 0 && len(p.writes) == 0
}

// Conflicts reports whether either set writes a key the other reads or writes.
func (p *Permissions[T]) Conflicts(other *Permissions[T]) bool {
	if other == nil {
		return false
	}
	for _, w := range p.writes {
		if other.AllowsRead(w) {
			return true
		}
	}
	for _, w := range other.writes {
		if p.AllowsRead(w) {
			return true
		}
	}
	return false
}

// ConflictingKeys returns the keys that make p and other conflict.
func (p *Permissions[T]) ConflictingKeys(other *Permissions[T]) []T {
	if other == nil {
		return nil
	}
	var out []T
	for _, w := range p.writes {
		if other.AllowsRead(w) {
			out = append(out, w)
		}
	}
	for _, w := range other.writes {
		if p.AllowsRead(w) && !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

// Clone returns an independent copy.
func (p *Permissions[T]) Clone() *Permissions[T] {
	return &Permissions[T]{
		reads:  slices.Clone(p.reads),
		writes: slices.Clone(p.writes),
	}
}

// SystemAccess pairs the resource and component permissions of a system.
type SystemAccess struct {
	Resources  *Permissions[ResourceTypeID]
	Components *Permissions[ComponentTypeID]
}

func newSystemAccess() SystemAccess {
	return SystemAccess{
		Resources:  NewPermissions[ResourceTypeID](),
		Components: NewPermissions[ComponentTypeID](),
	}
}

// ResourcesConflict reports a resource keyspace conflict.
func (a SystemAccess) ResourcesConflict(other SystemAccess) bool {
	return a.Resources.Conflicts(other.Resources)
}

// ComponentsConflict reports a component keyspace conflict, ignoring archetypes.
func (a SystemAccess) ComponentsConflict(other SystemAccess) bool {
	return a.Components.Conflicts(other.Components)
}
