package layercake

import (
	"context"
	"errors"
	"net/http"

	"github.com/augustoroman/layercake/coop"
)

// Handle runs r through a blocking pipeline. The returned response must be
// closed by the caller once it has been sent. Handle only returns an error
// for fatal faults: configuration errors, contract violations, propagated
// faults and failures of the 500 handler.
func (p *Pipeline) Handle(ctx context.Context, r *Request) (*Response, error) {
	if p.mode != coop.Blocking {
		return nil, configErrorf("Handle called on a %s pipeline; use HandleAsync", p.mode)
	}
	ctx, release := p.begin(ctx, r)
	resp, err := p.root.Call(ctx, r)
	return p.finish(ctx, r, resp, err, release)
}

// HandleAsync runs r through a cooperative pipeline. See Handle.
func (p *Pipeline) HandleAsync(ctx context.Context, r *Request) *coop.Future[*Response] {
	if p.mode != coop.Cooperative {
		return coop.Ready[*Response](nil,
			configErrorf("HandleAsync called on a %s pipeline; use Handle", p.mode))
	}
	ctx, release := p.begin(ctx, r)
	f := p.root.Start(ctx, r)
	return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
		resp, err := f.Await()
		return p.finish(ctx, r, resp, err, release)
	})
}

// begin sets up the request scope.
func (p *Pipeline) begin(ctx context.Context, r *Request) (context.Context, func()) {
	if r.URLConf == "" {
		r.URLConf = p.opts.RootURLConf
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.applyLimits(*p.opts.Limits)
	return p.opts.Pool.Scope(ctx, p.mode)
}

func (p *Pipeline) finish(ctx context.Context, r *Request, resp *Response, err error, release func()) (*Response, error) {
	release()
	if err == nil && resp == nil {
		err = validate(nil, "The pipeline")
	}
	if err != nil {
		r.Close()
		return nil, err
	}
	resp.AddCloser(r.Close)
	if resp.Status >= 400 {
		p.logResponse(ctx, r, resp)
	}
	return resp, nil
}

// logResponse logs a failed response once, unless the classifier already did.
func (p *Pipeline) logResponse(ctx context.Context, r *Request, resp *Response) {
	if resp.logged {
		return
	}
	resp.logged = true
	msg := resp.ReasonPhrase() + ": " + r.Path
	if resp.Status >= 500 {
		p.logger.ErrorContext(ctx, msg, "status", resp.Status, "path", r.Path)
	} else {
		p.logger.WarnContext(ctx, msg, "status", resp.Status, "path", r.Path)
	}
}

// ServeHTTP handles an http request in the pipeline's mode and writes the
// response. Propagated faults are re-panicked for the server to handle; any
// other fatal fault is logged and answered with a bare 500.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := FromHTTP(req)
	var (
		resp *Response
		err  error
	)
	if p.mode == coop.Cooperative {
		resp, err = p.HandleAsync(req.Context(), r).Await()
	} else {
		resp, err = p.Handle(req.Context(), r)
	}
	if err != nil {
		var perr *PropagatedError
		if errors.As(err, &perr) {
			panic(perr.Err)
		}
		p.logger.ErrorContext(req.Context(), "request failed", "path", r.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer resp.Close()
	if _, err := resp.Write(w); err != nil {
		p.logger.WarnContext(req.Context(), "failed to write response", "path", r.Path, "error", err)
	}
}
