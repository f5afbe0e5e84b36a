package layercake

import (
	"context"

	"github.com/augustoroman/layercake/coop"
)

// Wrap provides a mechanism to build a stage from two functions: one that runs
// before the rest of the pipeline (Before) and one that runs after it
// (After). The resulting stage supports both execution modes.
//
// This is generally useful for operations that need to run before and after
// the view, such as timing, logging, or allocation/cleanup operations.
type Wrap struct {
	Name string
	// Before runs first. The returned context is passed down the pipeline; a
	// nil context keeps the original. If Before returns a response or an
	// error, the rest of the pipeline is skipped.
	Before func(ctx context.Context, r *Request) (context.Context, *Response, error)
	// After always runs if Before ran. It receives the outcome of the rest of
	// the pipeline (or of Before) and returns the stage's outcome.
	After func(ctx context.Context, r *Request, resp *Response, err error) (*Response, error)
}

// Spec returns the stage descriptor for w.
func (w Wrap) Spec() StageSpec {
	return StageSpec{
		Name: w.Name,
		Sync: func(next HandlerFunc) (Stage, error) {
			return StageFunc(func(ctx context.Context, r *Request) (*Response, error) {
				return w.run(ctx, r, next)
			}), nil
		},
		Async: func(next AsyncHandlerFunc) (AsyncStage, error) {
			return AsyncStageFunc(func(ctx context.Context, r *Request) *coop.Future[*Response] {
				return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
					return w.run(ctx, r, next.Await)
				})
			}), nil
		},
	}
}

func (w Wrap) run(ctx context.Context, r *Request, next HandlerFunc) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	if w.Before != nil {
		var wctx context.Context
		wctx, resp, err = w.Before(ctx, r)
		if wctx != nil {
			ctx = wctx
		}
	}
	if resp == nil && err == nil {
		resp, err = next(ctx, r)
	}
	if w.After != nil {
		return w.After(ctx, r, resp, err)
	}
	return resp, err
}
