package coop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrScopeClosed is returned for pinned work submitted to a request scope
// that has already been released.
var ErrScopeClosed = errors.New("coop: scope already released")

type (
	laneKey   struct{}
	workerKey struct{}
)

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool is a bounded set of workers that run blocking calls on behalf of
// cooperative code. General workers serve Unpinned calls; lanes serve Pinned
// calls, one lane per request scope, and the number of live lanes is bounded
// too.
type Pool struct {
	size   int
	jobs   chan job
	start  sync.Once
	stop   sync.Once
	lanes  *semaphore.Weighted
	main   *lane
	nextID atomic.Uint64
}

// NewPool creates a pool with the given number of general workers and at most
// as many concurrently active request lanes. A non-positive size means
// GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		size:  size,
		jobs:  make(chan job),
		lanes: semaphore.NewWeighted(int64(size)),
	}
	p.main = p.newLane(false)
	return p
}

var (
	defaultPool *Pool
	defaultOnce sync.Once
)

// Default is the process-wide pool used when no pool is given.
func Default() *Pool {
	defaultOnce.Do(func() { defaultPool = NewPool(0) })
	return defaultPool
}

// Size is the number of general workers.
func (p *Pool) Size() int { return p.size }

// Scope opens a request scope. Every Pinned call made with the returned
// context (or contexts derived from it) runs under one worker identity until
// release is called. In Blocking mode the calling goroutine itself is that
// worker, so pinned calls run inline. Functions registered with OnRelease run
// when release is called.
func (p *Pool) Scope(ctx context.Context, m Mode) (context.Context, func()) {
	l := p.newLane(true)
	ctx = context.WithValue(ctx, laneKey{}, l)
	if m == Blocking {
		ctx = context.WithValue(ctx, workerKey{}, l.id)
	}
	return ctx, l.close
}

// Close stops the general workers. Submitting Unpinned work afterwards panics.
func (p *Pool) Close() {
	p.stop.Do(func() {
		p.start.Do(func() {})
		close(p.jobs)
	})
}

// Run dispatches fn to p with the given affinity and returns its future. If
// the caller already runs under the worker identity that would be chosen
// (or, for Unpinned calls, under any worker identity) fn runs inline: that
// worker is blocked waiting for us, so running here keeps both exclusivity
// and the identity while avoiding self-deadlock.
func Run[T any](ctx context.Context, p *Pool, aff Affinity, fn func(context.Context) (T, error)) *Future[T] {
	if p == nil {
		p = Default()
	}
	f := newFuture[T]()
	task := func(ctx context.Context) { settle(ctx, f, fn) }
	if err := p.submit(ctx, aff, task); err != nil {
		var zero T
		f.resolve(zero, err)
	}
	return f
}

func (p *Pool) submit(ctx context.Context, aff Affinity, task func(context.Context)) error {
	current, inWorker := WorkerID(ctx)
	if aff == Pinned {
		l, _ := ctx.Value(laneKey{}).(*lane)
		if l == nil {
			l = p.main
		}
		if inWorker && current == l.id {
			task(ctx)
			return nil
		}
		return l.enqueue(ctx, task)
	}
	if inWorker {
		task(ctx)
		return nil
	}
	p.start.Do(p.startWorkers)
	p.jobs <- job{ctx, task}
	return nil
}

func (p *Pool) startWorkers() {
	for i := 0; i < p.size; i++ {
		id := p.nextID.Add(1)
		go func() {
			for j := range p.jobs {
				j.fn(context.WithValue(j.ctx, workerKey{}, id))
			}
		}()
	}
}

// lane is a single logical worker that executes pinned jobs one at a time.
type lane struct {
	id      uint64
	pool    *Pool
	bounded bool
	jobs    chan job

	mu       sync.RWMutex
	started  bool
	closed   bool
	releases []func()
}

func (p *Pool) newLane(bounded bool) *lane {
	return &lane{id: p.nextID.Add(1), pool: p, bounded: bounded, jobs: make(chan job)}
}

func (l *lane) enqueue(ctx context.Context, task func(context.Context)) error {
	if err := l.ensureStarted(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrScopeClosed
	}
	l.jobs <- job{context.WithValue(ctx, workerKey{}, l.id), task}
	return nil
}

func (l *lane) ensureStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrScopeClosed
	}
	if l.started {
		return nil
	}
	if l.bounded {
		// Lanes are bounded independently of any request deadline.
		if err := l.pool.lanes.Acquire(context.Background(), 1); err != nil {
			return err
		}
	}
	l.started = true
	go l.loop()
	return nil
}

func (l *lane) loop() {
	for j := range l.jobs {
		j.fn(j.ctx)
	}
	if l.bounded {
		l.pool.lanes.Release(1)
	}
}

func (l *lane) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.started {
		close(l.jobs)
	}
	releases := l.releases
	l.releases = nil
	l.mu.Unlock()

	for _, fn := range releases {
		fn()
	}
}

// OnRelease registers fn to run when the request scope of ctx is released.
// It reports false, without registering, when ctx has no open scope.
func OnRelease(ctx context.Context, fn func()) bool {
	l, ok := ctx.Value(laneKey{}).(*lane)
	if !ok || !l.bounded {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.releases = append(l.releases, fn)
	return true
}

// WorkerID reports the logical worker identity the current call runs under.
// It is unset for cooperative computations that were not started from a
// worker.
func WorkerID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(workerKey{}).(uint64)
	return id, ok
}

// LaneID reports the identity of the enclosing request scope: the worker
// identity that every Pinned call in the scope runs under.
func LaneID(ctx context.Context) (uint64, bool) {
	if l, ok := ctx.Value(laneKey{}).(*lane); ok {
		return l.id, true
	}
	return 0, false
}
