package ecs

import "errors"

var (
	// ErrEntityNotFound signals a lookup on a dead or unknown entity.
	ErrEntityNotFound = errors.New("ecs: entity not found")
	// ErrComponentNotFound signals that an entity lacks the requested component.
	ErrComponentNotFound = errors.New("ecs: component not found")
	// ErrDuplicateComponent is returned when an entity would carry the same component twice.
	ErrDuplicateComponent = errors.New("ecs: duplicate component")
	// ErrNilComponent is returned when a nil value is supplied as a component.
	ErrNilComponent = errors.New("ecs: nil component")
	// ErrComponentAccessDenied indicates a restricted view was asked for an undeclared component.
	ErrComponentAccessDenied = errors.New("ecs: component access not declared")
	// ErrArchetypeAccessDenied indicates the entity lives outside the archetypes a system may touch.
	ErrArchetypeAccessDenied = errors.New("ecs: archetype access not declared")
	// ErrResourceMissing indicates a declared resource is absent from the store.
	ErrResourceMissing = errors.New("ecs: resource missing")
	// ErrResourceBorrowConflict indicates the store could not grant the declared access mode.
	ErrResourceBorrowConflict = errors.New("ecs: resource borrow conflict")
	// ErrResourceAccessDenied indicates a fetch bundle was asked for access it was not declared with.
	ErrResourceAccessDenied = errors.New("ecs: resource access not declared")
	// ErrResourceTypeMismatch indicates a positional fetch used the wrong type.
	ErrResourceTypeMismatch = errors.New("ecs: resource type mismatch")
	// ErrWorldMismatch indicates commands recorded for one world were flushed into another.
	ErrWorldMismatch = errors.New("ecs: command buffer belongs to another world")
	// ErrBuilderConsumed is raised when a system builder is used after Build.
	ErrBuilderConsumed = errors.New("ecs: system builder already built")
	// ErrWorkerPoolClosed indicates jobs cannot be submitted because the pool closed.
	ErrWorkerPoolClosed = errors.New("ecs: worker pool closed")
	// ErrScheduleClosed indicates Execute was called after Close.
	ErrScheduleClosed = errors.New("ecs: schedule closed")
	// ErrDuplicateSystem indicates the same runnable was added to a schedule twice.
	ErrDuplicateSystem = errors.New("ecs: system added twice")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("ecs: invalid config")
)
