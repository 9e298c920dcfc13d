package ecs

import "fmt"

// CommandBuffer records structural edits against one world while systems run.
// Nothing is applied until Flush, which the executor calls once every system
// of a stage has finished.
type CommandBuffer struct {
	world    WorldID
	commands []Command
}

// NewCommandBuffer creates an empty buffer bound to w.
func NewCommandBuffer(w *World) *CommandBuffer {
	return &CommandBuffer{world: w.ID()}
}

// WorldID returns the world the buffer records for.
func (b *CommandBuffer) WorldID() WorldID { return b.world }

// Len reports how many commands are queued.
func (b *CommandBuffer) Len() int {
	return len(b.commands)
}

// Push appends a command to the buffer.
func (b *CommandBuffer) Push(cmd Command) {
	if cmd == nil {
		return
	}
	b.commands = append(b.commands, cmd)
}

// Spawn queues an entity creation. If target is non-nil it receives the new ID on flush.
func (b *CommandBuffer) Spawn(target *EntityID, components ...any) {
	b.Push(NewSpawnCommand(target, components...))
}

// Despawn queues an entity deletion.
func (b *CommandBuffer) Despawn(e EntityID) {
	b.Push(NewDespawnCommand(e))
}

// AddComponent queues attaching value to e.
func (b *CommandBuffer) AddComponent(e EntityID, value any) {
	b.Push(NewAddComponentCommand(e, value))
}

// RemoveComponent queues detaching component id from e.
func (b *CommandBuffer) RemoveComponent(e EntityID, id ComponentTypeID) {
	b.Push(NewRemoveComponentCommand(e, id))
}

// Exec queues an arbitrary edit run with exclusive world access.
func (b *CommandBuffer) Exec(fn func(*World) error) {
	if fn == nil {
		return
	}
	b.Push(execCommand(fn))
}

// Drain returns queued commands and resets the buffer.
func (b *CommandBuffer) Drain() []Command {
	drained := b.commands
	b.commands = nil
	return drained
}

// Snapshot returns the current command count so callers can restore later.
func (b *CommandBuffer) Snapshot() int {
	return len(b.commands)
}

// Restore truncates the command buffer back to the provided snapshot.
func (b *CommandBuffer) Restore(snapshot int) {
	if snapshot < 0 {
		snapshot = 0
	}
	if snapshot >= len(b.commands) {
		return
	}
	clear(b.commands[snapshot:])
	b.commands = b.commands[:snapshot]
}

// Flush drains the buffer and applies the commands to w in recorded order,
// stopping at the first failure. The buffer is empty afterwards either way.
func (b *CommandBuffer) Flush(w *World) error {
	if w.ID() != b.world {
		return fmt.Errorf("%w: recorded for %s, flushed into %s", ErrWorldMismatch, b.world, w.ID())
	}
	for i, cmd := range b.Drain() {
		if err := cmd.Apply(w); err != nil {
			return fmt.Errorf("ecs: command %d: %w", i, err)
		}
	}
	return nil
}
