// Package coop carries the two execution modes of a layercake pipeline and
// translates between them.
//
// A Blocking callable runs to completion on the goroutine that calls it and
// returns its result directly. A Cooperative callable starts its computation
// and immediately returns a *Future that the caller awaits. Adapt is the only
// place where one mode is turned into the other:
//
//	// run a cooperative computation from blocking code
//	blocking := coop.Adapt(coop.Blocking, asyncCallable, pool, coop.Pinned)
//	resp, err := blocking.Call(ctx, req)
//
//	// run blocking code from a cooperative computation
//	async := coop.Adapt(coop.Cooperative, syncCallable, pool, coop.Pinned)
//	resp, err := async.Start(ctx, req).Await()
//
// # Workers and affinity
//
// Blocking work invoked from cooperative code runs on a bounded Pool. Some
// resources (database connections, in particular) may only be used by the
// worker that created them. Go does not expose goroutine identity, so the pool
// hands out logical worker identities instead: WorkerID reports the identity
// the current call runs under. Calls made with Pinned affinity inside a
// request Scope always run under the same worker identity; calls made with
// Unpinned affinity may run on any worker.
package coop
