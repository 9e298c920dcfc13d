package ecs_test

type Position struct{ X, Y float64 }

type Velocity struct{ X, Y float64 }

type Health struct{ HP int }

type Frozen struct{}

type Clock struct{ Tick uint64 }

type Score struct{ Value int }

type Log struct{ Lines []string }
