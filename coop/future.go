package coop

import "context"

// Future is the pending result of a cooperative computation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Ready returns a future that is already resolved to (val, err).
func Ready[T any](val T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(val, err)
	return f
}

// Go starts fn as a cooperative computation on its own goroutine. A panic in
// fn resolves the future with a *PanicError.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	go settle(ctx, f, fn)
	return f
}

// settle runs fn and resolves f with its outcome, recovering panics.
func settle[T any](ctx context.Context, f *Future[T], fn func(context.Context) (T, error)) {
	var (
		val T
		err error
	)
	defer func() {
		if x := recover(); x != nil {
			var zero T
			val, err = zero, NewPanicError(x)
		}
		f.resolve(val, err)
	}()
	val, err = fn(ctx)
}

// Await blocks until the computation finishes and returns its result.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.val, f.err
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }
