package ecs

import (
	"reflect"
	"sync"
)

// ComponentTypeID identifies a component type. IDs are allocated on first use
// and stay stable for the lifetime of the process.
type ComponentTypeID uint32

// ResourceTypeID identifies a resource type.
type ResourceTypeID uint32

// typeRegistry hands out dense ids per Go type.
type typeRegistry struct {
	mu    sync.RWMutex
	ids   map[reflect.Type]uint32
	types []reflect.Type
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{ids: make(map[reflect.Type]uint32)}
}

func (r *typeRegistry) idOf(t reflect.Type) uint32 {
	r.mu.RLock()
	id, ok := r.ids[t]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[t]; ok {
		return id
	}
	id = uint32(len(r.types))
	r.ids[t] = id
	r.types = append(r.types, t)
	return id
}

func (r *typeRegistry) typeOf(id uint32) reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.types) {
		return nil
	}
	return r.types[id]
}

var (
	componentTypes = newTypeRegistry()
	resourceTypes  = newTypeRegistry()
)

// ComponentOf returns the type key of component type T.
func ComponentOf[T any]() ComponentTypeID {
	return ComponentTypeID(componentTypes.idOf(reflect.TypeFor[T]()))
}

// ResourceOf returns the type key of resource type T.
func ResourceOf[T any]() ResourceTypeID {
	return ResourceTypeID(resourceTypes.idOf(reflect.TypeFor[T]()))
}

func componentIDOfType(t reflect.Type) ComponentTypeID {
	return ComponentTypeID(componentTypes.idOf(t))
}

// Type returns the Go type registered under the id, or nil.
func (id ComponentTypeID) Type() reflect.Type {
	return componentTypes.typeOf(uint32(id))
}

func (id ComponentTypeID) String() string {
	if t := id.Type(); t != nil {
		return t.String()
	}
	return "component(?)"
}

// Type returns the Go type registered under the id, or nil.
func (id ResourceTypeID) Type() reflect.Type {
	return resourceTypes.typeOf(uint32(id))
}

func (id ResourceTypeID) String() string {
	if t := id.Type(); t != nil {
		return t.String()
	}
	return "resource(?)"
}
