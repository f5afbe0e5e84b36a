package coop

import "context"

// Adapt returns a callable that can be invoked in the target mode:
//   - a cooperative callable adapted to Blocking is started and awaited on the
//     calling goroutine;
//   - a blocking callable adapted to Cooperative is dispatched to the pool
//     with the given affinity and the caller receives a future;
//   - otherwise c is returned unchanged.
//
// A nil pool means the Default pool.
func Adapt[A, T any](target Mode, c Callable[A, T], p *Pool, aff Affinity) Callable[A, T] {
	switch {
	case target == Blocking && c.mode == Cooperative:
		return Callable[A, T]{
			name: c.name,
			mode: Blocking,
			fn:   func(ctx context.Context, arg A) (T, error) { return c.Invoke(ctx, arg) },
		}
	case target == Cooperative && c.mode == Blocking:
		fn := c.fn
		return Callable[A, T]{
			name: c.name,
			mode: Cooperative,
			afn: func(ctx context.Context, arg A) *Future[T] {
				return Run(ctx, p, aff, func(ctx context.Context) (T, error) { return fn(ctx, arg) })
			},
		}
	}
	return c
}
