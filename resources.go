package ecs

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// AccessMode indicates read or write intent when using a resource.
type AccessMode uint8

const (
	AccessModeRead AccessMode = iota
	AccessModeWrite
)

func (m AccessMode) String() string {
	if m == AccessModeWrite {
		return "write"
	}
	return "read"
}

// ResourceDecl declares a system's access to one resource.
type ResourceDecl struct {
	ID   ResourceTypeID
	Mode AccessMode
}

const borrowExclusive = -1

// resourceCell holds a pointer to the resource value and its borrow state:
// zero when free, a positive reader count, or borrowExclusive.
type resourceCell struct {
	value  any
	borrow atomic.Int32
}

func (c *resourceCell) acquire(mode AccessMode) bool {
	for {
		cur := c.borrow.Load()
		if mode == AccessModeWrite {
			if cur != 0 {
				return false
			}
			if c.borrow.CompareAndSwap(0, borrowExclusive) {
				return true
			}
			continue
		}
		if cur < 0 {
			return false
		}
		if c.borrow.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *resourceCell) release(mode AccessMode) {
	if mode == AccessModeWrite {
		c.borrow.Store(0)
		return
	}
	c.borrow.Add(-1)
}

// Resources holds process-wide singletons keyed by type. Inserting and
// removing require exclusive access to the store; concurrent systems only
// borrow through Fetch, which enforces the declared access modes.
type Resources struct {
	mu    sync.RWMutex
	cells map[ResourceTypeID]*resourceCell
}

// NewResources returns an empty store.
func NewResources() *Resources {
	return &Resources{cells: make(map[ResourceTypeID]*resourceCell)}
}

// InsertResource stores value as the resource of type T, replacing any previous one.
func InsertResource[T any](r *Resources, value T) {
	cell := &resourceCell{value: &value}
	r.mu.Lock()
	r.cells[ResourceOf[T]()] = cell
	r.mu.Unlock()
}

// RemoveResource deletes the resource of type T and returns its value.
func RemoveResource[T any](r *Resources) (T, bool) {
	id := ResourceOf[T]()
	r.mu.Lock()
	cell, ok := r.cells[id]
	delete(r.cells, id)
	r.mu.Unlock()
	if !ok {
		var zero T
		return zero, false
	}
	return *cell.value.(*T), true
}

// ResourceMut returns the resource of type T for exclusive use outside of a
// system run, such as from init and dispose hooks.
func ResourceMut[T any](r *Resources) (*T, bool) {
	r.mu.RLock()
	cell, ok := r.cells[ResourceOf[T]()]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cell.value.(*T), true
}

// Contains reports whether a resource with the given id is stored.
func (r *Resources) Contains(id ResourceTypeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cells[id]
	return ok
}

// Len returns the number of stored resources.
func (r *Resources) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cells)
}

// Fetch borrows every declared resource with its declared mode. A resource
// declared more than once is borrowed once, exclusively if any declaration
// writes it. When any borrow cannot be granted, everything already acquired
// is released and an error is returned; the caller must not proceed.
func (r *Resources) Fetch(decls []ResourceDecl) (*ResourceFetch, error) {
	effective := make(map[ResourceTypeID]AccessMode, len(decls))
	order := make([]ResourceTypeID, 0, len(decls))
	for _, d := range decls {
		mode, seen := effective[d.ID]
		switch {
		case !seen:
			order = append(order, d.ID)
			mode = d.Mode
		case d.Mode == AccessModeWrite:
			mode = AccessModeWrite
		}
		effective[d.ID] = mode
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	f := &ResourceFetch{
		decls:    decls,
		values:   make([]any, len(decls)),
		acquired: make(map[ResourceTypeID]*resourceCell, len(order)),
		modes:    effective,
	}
	for _, id := range order {
		cell, ok := r.cells[id]
		if !ok {
			f.Release()
			return nil, fmt.Errorf("%w: %s", ErrResourceMissing, id)
		}
		mode := effective[id]
		if !cell.acquire(mode) {
			f.Release()
			return nil, fmt.Errorf("%w: %s %s", ErrResourceBorrowConflict, mode, id)
		}
		f.acquired[id] = cell
	}
	for i, d := range decls {
		f.values[i] = f.acquired[d.ID].value
	}
	return f, nil
}

// ResourceFetch is the bundle of resources borrowed for one system run, in
// declaration order. It is valid until Release and must not be retained past
// the run that received it.
type ResourceFetch struct {
	decls    []ResourceDecl
	values   []any
	acquired map[ResourceTypeID]*resourceCell
	modes    map[ResourceTypeID]AccessMode
}

// Len returns the number of declared resources.
func (f *ResourceFetch) Len() int { return len(f.decls) }

// Decl returns the declaration at position i.
func (f *ResourceFetch) Decl(i int) ResourceDecl { return f.decls[i] }

// Release returns every borrow. It is safe to call more than once.
func (f *ResourceFetch) Release() {
	for id, cell := range f.acquired {
		cell.release(f.modes[id])
	}
	clear(f.acquired)
}

func (f *ResourceFetch) at(i int, t reflect.Type, write bool) (any, error) {
	if i < 0 || i >= len(f.decls) {
		return nil, fmt.Errorf("%w: position %d of %d", ErrResourceAccessDenied, i, len(f.decls))
	}
	d := f.decls[i]
	if d.ID.Type() != t {
		return nil, fmt.Errorf("%w: position %d holds %s, not %s", ErrResourceTypeMismatch, i, d.ID, t)
	}
	if write && d.Mode != AccessModeWrite {
		return nil, fmt.Errorf("%w: %s declared read-only", ErrResourceAccessDenied, d.ID)
	}
	return f.values[i], nil
}

// ResourceAt returns the resource declared at position i. The value must be
// treated as read only unless it was declared with WriteResource.
func ResourceAt[T any](f *ResourceFetch, i int) (*T, error) {
	v, err := f.at(i, reflect.TypeFor[T](), false)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// ResourceMutAt returns the resource declared writable at position i.
func ResourceMutAt[T any](f *ResourceFetch, i int) (*T, error) {
	v, err := f.at(i, reflect.TypeFor[T](), true)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}
