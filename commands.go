package ecs

import "fmt"

// Command represents a deferred structural edit applied outside system execution.
type Command interface {
	Apply(world *World) error
}

// NewSpawnCommand creates an entity with the given components. If target is
// non-nil it receives the allocated ID.
func NewSpawnCommand(target *EntityID, components ...any) Command {
	return spawnCommand{target: target, components: components}
}

// NewDespawnCommand deletes an entity.
func NewDespawnCommand(id EntityID) Command {
	return despawnCommand{entity: id}
}

// NewAddComponentCommand attaches a component value to an entity.
func NewAddComponentCommand(id EntityID, value any) Command {
	return addComponentCommand{entity: id, value: value}
}

// NewRemoveComponentCommand detaches a component from an entity.
func NewRemoveComponentCommand(id EntityID, component ComponentTypeID) Command {
	return removeComponentCommand{entity: id, component: component}
}

type spawnCommand struct {
	target     *EntityID
	components []any
}

type despawnCommand struct {
	entity EntityID
}

type addComponentCommand struct {
	entity EntityID
	value  any
}

type removeComponentCommand struct {
	entity    EntityID
	component ComponentTypeID
}

type execCommand func(*World) error

func (c spawnCommand) Apply(world *World) error {
	id, err := world.Spawn(c.components...)
	if err != nil {
		return err
	}
	if c.target != nil {
		*c.target = id
	}
	return nil
}

func (c despawnCommand) Apply(world *World) error {
	if c.entity.IsZero() {
		return fmt.Errorf("ecs: despawn zero entity")
	}
	if !world.Despawn(c.entity) {
		return fmt.Errorf("%w: despawn stale %s", ErrEntityNotFound, c.entity)
	}
	return nil
}

func (c addComponentCommand) Apply(world *World) error {
	if c.entity.IsZero() {
		return fmt.Errorf("ecs: add component to zero entity")
	}
	return world.AddComponent(c.entity, c.value)
}

func (c removeComponentCommand) Apply(world *World) error {
	if c.entity.IsZero() {
		return fmt.Errorf("ecs: remove component from zero entity")
	}
	return world.RemoveComponent(c.entity, c.component)
}

func (c execCommand) Apply(world *World) error {
	return c(world)
}

var (
	_ Command = spawnCommand{}
	_ Command = despawnCommand{}
	_ Command = addComponentCommand{}
	_ Command = removeComponentCommand{}
	_ Command = execCommand(nil)
)
