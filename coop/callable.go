package coop

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoFuture is returned when a cooperative callable hands back a nil future
// instead of a started computation.
var ErrNoFuture = errors.New("cooperative callable returned no future")

// Func is a blocking callable.
type Func[A, T any] func(ctx context.Context, arg A) (T, error)

// AsyncFunc is a cooperative callable: it starts the computation and returns
// without waiting for it.
type AsyncFunc[A, T any] func(ctx context.Context, arg A) *Future[T]

// Callable is a named function tagged with its native execution mode. Exactly
// one of the blocking or cooperative forms is set. The zero Callable is
// invalid.
type Callable[A, T any] struct {
	name string
	mode Mode
	fn   Func[A, T]
	afn  AsyncFunc[A, T]
}

// Sync tags fn as a blocking callable.
func Sync[A, T any](name string, fn Func[A, T]) Callable[A, T] {
	return Callable[A, T]{name: name, mode: Blocking, fn: fn}
}

// Async tags fn as a cooperative callable.
func Async[A, T any](name string, fn AsyncFunc[A, T]) Callable[A, T] {
	return Callable[A, T]{name: name, mode: Cooperative, afn: fn}
}

// Name is the descriptive name used in errors and logs.
func (c Callable[A, T]) Name() string { return c.name }

// Mode is the callable's native execution mode.
func (c Callable[A, T]) Mode() Mode { return c.mode }

// IsZero reports whether c wraps no function at all.
func (c Callable[A, T]) IsZero() bool { return c.fn == nil && c.afn == nil }

// Call invokes a blocking callable. It panics if c is cooperative: adapt it
// to Blocking first.
func (c Callable[A, T]) Call(ctx context.Context, arg A) (T, error) {
	if c.mode != Blocking {
		panic(fmt.Sprintf("coop: Call on %s callable %s", c.mode, c.name))
	}
	return c.fn(ctx, arg)
}

// Start invokes a cooperative callable. It panics if c is blocking: adapt it
// to Cooperative first.
func (c Callable[A, T]) Start(ctx context.Context, arg A) *Future[T] {
	if c.mode != Cooperative {
		panic(fmt.Sprintf("coop: Start on %s callable %s", c.mode, c.name))
	}
	return c.afn(ctx, arg)
}

// Invoke runs c in its native mode and returns the result: blocking callables
// are called, cooperative ones are started and awaited. A cooperative callable
// that returns a nil future fails with ErrNoFuture.
func (c Callable[A, T]) Invoke(ctx context.Context, arg A) (T, error) {
	if c.mode == Blocking {
		return c.fn(ctx, arg)
	}
	f := c.afn(ctx, arg)
	if f == nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", c.name, ErrNoFuture)
	}
	return f.Await()
}
