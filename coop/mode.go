package coop

import "fmt"

// Mode is the execution mode of a callable or of a whole pipeline.
type Mode uint8

const (
	// Blocking callables return their result directly.
	Blocking Mode = iota
	// Cooperative callables return a *Future that must be awaited.
	Cooperative
)

func (m Mode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case Cooperative:
		return "cooperative"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Affinity selects which worker a blocking call dispatched from cooperative
// code runs on.
type Affinity uint8

const (
	// Pinned calls run on the lane of the enclosing Scope, so every pinned
	// call of one request shares a single worker identity. Without a Scope
	// they share the pool's main lane.
	Pinned Affinity = iota
	// Unpinned calls run on any general worker.
	Unpinned
)

func (a Affinity) String() string {
	if a == Pinned {
		return "pinned"
	}
	return "unpinned"
}
