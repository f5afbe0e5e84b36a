package layercake

import (
	"context"

	"github.com/augustoroman/layercake/coop"
)

// contain wraps a link of the pipeline so that every error or panic it
// produces is classified into a response. Fatal errors pass through.
func (p *Pipeline) contain(c coop.Callable[*Request, *Response]) coop.Callable[*Request, *Response] {
	name := c.Name()
	if c.Mode() == coop.Blocking {
		call := coop.Protect(c.Call)
		return coop.Sync(name, func(ctx context.Context, r *Request) (*Response, error) {
			resp, err := call(ctx, r)
			if err == nil && resp != nil {
				return resp, nil
			}
			return p.settle(ctx, r, name, err, p.classifier.classify)
		})
	}

	classify := coop.Adapt(coop.Cooperative,
		coop.Sync("classify", func(ctx context.Context, c faultCall) (*Response, error) {
			return p.classifier.classify(ctx, c.r, c.err)
		}), p.opts.Pool, coop.Unpinned)
	invoke := coop.Protect(c.Invoke)
	return coop.Async(name, func(ctx context.Context, r *Request) *coop.Future[*Response] {
		return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
			resp, err := invoke(ctx, r)
			if err == nil && resp != nil {
				return resp, nil
			}
			return p.settle(ctx, r, name, err, func(ctx context.Context, r *Request, err error) (*Response, error) {
				return classify.Start(ctx, faultCall{r, err}).Await()
			})
		})
	})
}

// settle decides what a failed link produces: contract violations and other
// fatal errors are returned as they are, everything else is classified.
func (p *Pipeline) settle(ctx context.Context, r *Request, name string, err error,
	classify func(context.Context, *Request, error) (*Response, error)) (*Response, error) {
	if err == nil {
		return nil, validate(nil, name)
	}
	if err = asInvalid(err, name); IsFatal(err) {
		return nil, err
	}
	return classify(ctx, r, err)
}
