package layercake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/augustoroman/layercake/coop"
)

type viewCall struct {
	r    *Request
	view View
	args Args
}

type renderCall struct {
	r    *Request
	resp *Response
}

type faultCall struct {
	r   *Request
	err error
}

// engine resolves the request, runs the hooks and the view, and renders the
// result. Its body is mode-agnostic: every call goes through a callable
// already adapted to the pipeline mode.
type engine struct {
	mode     coop.Mode
	pool     *coop.Pool
	resolver Resolver
	txn      Transactions
	logger   *slog.Logger
	debug    bool

	viewHooks   []coop.Callable[viewCall, *Response]
	renderHooks []coop.Callable[renderCall, *Response]
	faultHooks  []coop.Callable[faultCall, *Response]

	faults coop.Callable[faultCall, *Response]
	render coop.Callable[*Response, *Response]
}

func newEngine(mode coop.Mode, opts Options, logger *slog.Logger) *engine {
	e := &engine{
		mode:     mode,
		pool:     opts.Pool,
		resolver: opts.Resolver,
		txn:      opts.Transactions,
		logger:   logger,
		debug:    opts.Debug,
	}
	e.faults = coop.Adapt(mode, coop.Sync("fault hooks", e.processFault), e.pool, coop.Pinned)
	e.render = coop.Adapt(mode, coop.Sync("render", coop.Protect(renderResponse)), e.pool, coop.Pinned)
	return e
}

func renderResponse(ctx context.Context, resp *Response) (*Response, error) {
	return resp.Render(ctx)
}

// callable is the engine as the innermost handler of the pipeline.
func (e *engine) callable() coop.Callable[*Request, *Response] {
	if e.mode == coop.Cooperative {
		return coop.Async("dispatch", func(ctx context.Context, r *Request) *coop.Future[*Response] {
			return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
				return e.getResponse(ctx, r)
			})
		})
	}
	return coop.Sync("dispatch", e.getResponse)
}

// addHooks records the hooks implemented by a stage instance. Hooks run in
// configuration order; the builder walks the stages in reverse so each new
// hook is prepended.
func (e *engine) addHooks(stage string, obj any) {
	if c, ok := viewHook(stage, obj); ok {
		c = coop.Adapt(e.mode, c, e.pool, coop.Pinned)
		e.viewHooks = append([]coop.Callable[viewCall, *Response]{c}, e.viewHooks...)
	}
	if c, ok := renderHook(stage, obj); ok {
		c = coop.Adapt(e.mode, c, e.pool, coop.Pinned)
		e.renderHooks = append([]coop.Callable[renderCall, *Response]{c}, e.renderHooks...)
	}
	if c, ok := faultHook(stage, obj); ok {
		c = coop.Adapt(coop.Blocking, c, e.pool, coop.Pinned)
		e.faultHooks = append([]coop.Callable[faultCall, *Response]{c}, e.faultHooks...)
	}
}

func viewHook(stage string, obj any) (coop.Callable[viewCall, *Response], bool) {
	name := stage + ".ProcessView"
	switch h := obj.(type) {
	case ViewHook:
		return coop.Sync(name, func(ctx context.Context, c viewCall) (*Response, error) {
			return h.ProcessView(ctx, c.r, c.view, c.args)
		}), true
	case AsyncViewHook:
		return coop.Async(name, func(ctx context.Context, c viewCall) *coop.Future[*Response] {
			return h.ProcessViewAsync(ctx, c.r, c.view, c.args)
		}), true
	}
	return coop.Callable[viewCall, *Response]{}, false
}

func renderHook(stage string, obj any) (coop.Callable[renderCall, *Response], bool) {
	name := stage + ".ProcessRender"
	switch h := obj.(type) {
	case RenderHook:
		return coop.Sync(name, func(ctx context.Context, c renderCall) (*Response, error) {
			return h.ProcessRender(ctx, c.r, c.resp)
		}), true
	case AsyncRenderHook:
		return coop.Async(name, func(ctx context.Context, c renderCall) *coop.Future[*Response] {
			return h.ProcessRenderAsync(ctx, c.r, c.resp)
		}), true
	}
	return coop.Callable[renderCall, *Response]{}, false
}

func faultHook(stage string, obj any) (coop.Callable[faultCall, *Response], bool) {
	name := stage + ".ProcessFault"
	switch h := obj.(type) {
	case FaultHook:
		return coop.Sync(name, func(ctx context.Context, c faultCall) (*Response, error) {
			return h.ProcessFault(ctx, c.r, c.err)
		}), true
	case AsyncFaultHook:
		return coop.Async(name, func(ctx context.Context, c faultCall) *coop.Future[*Response] {
			return h.ProcessFaultAsync(ctx, c.r, c.err)
		}), true
	}
	return coop.Callable[faultCall, *Response]{}, false
}

func (e *engine) getResponse(ctx context.Context, r *Request) (*Response, error) {
	match, err := e.resolver.Resolve(ctx, r.URLConf, r.Path)
	if err != nil {
		return nil, err
	} else if match == nil {
		return nil, NotFound(fmt.Sprintf("no view for %q", r.Path))
	}
	r.Match = match

	var resp *Response
	for _, hook := range e.viewHooks {
		resp, err = hook.Invoke(ctx, viewCall{r, match.View, match.Args})
		if err != nil {
			return nil, asInvalid(err, hook.Name())
		} else if resp != nil {
			break
		}
	}

	if resp == nil {
		view, err := e.makeAtomic(match.View, match.Args)
		if err != nil {
			return nil, err
		}
		view = coop.Adapt(e.mode, view, e.pool, coop.Pinned)
		resp, err = view.Invoke(ctx, r)
		if err != nil {
			if err = asInvalid(err, view.Name()); IsFatal(err) {
				return nil, err
			}
			if resp, err = e.faults.Invoke(ctx, faultCall{r, err}); err != nil {
				return nil, err
			}
		}
		if err := validate(resp, view.Name()); err != nil {
			return nil, err
		}
	}

	if resp.Deferred() {
		for _, hook := range e.renderHooks {
			resp, err = hook.Invoke(ctx, renderCall{r, resp})
			if err != nil {
				return nil, asInvalid(err, hook.Name())
			}
			if err := validate(resp, hook.Name()); err != nil {
				return nil, err
			}
		}
		rendered, err := e.render.Invoke(ctx, resp)
		if err != nil {
			if IsFatal(err) {
				return nil, err
			}
			if rendered, err = e.faults.Invoke(ctx, faultCall{r, err}); err != nil {
				return nil, err
			}
			if err := validate(rendered, "The fault hooks"); err != nil {
				return nil, err
			}
		}
		resp = rendered
	}
	return resp, nil
}

// processFault gives the fault hooks, in order, a chance to turn err into a
// response. If none does, err is returned unchanged.
func (e *engine) processFault(ctx context.Context, c faultCall) (*Response, error) {
	for _, hook := range e.faultHooks {
		resp, err := hook.Call(ctx, c)
		if err != nil {
			return nil, asInvalid(err, hook.Name())
		} else if resp != nil {
			return resp, nil
		}
	}
	return nil, c.err
}

// makeAtomic wraps the view in a transaction for every atomic alias it isn't
// exempt from.
func (e *engine) makeAtomic(v View, args Args) (coop.Callable[*Request, *Response], error) {
	c := v.callable(args)
	if e.txn == nil {
		return c, nil
	}
	for _, alias := range e.txn.AtomicAliases() {
		if v.nonAtomic(alias) {
			continue
		}
		if v.Mode() == coop.Cooperative {
			return c, configErrorf("you cannot use ATOMIC_REQUESTS with cooperative views (view %q, database %q)", v.Name, alias)
		}
		c = atomic(e.txn, alias, c)
	}
	return c, nil
}

func atomic(txn Transactions, alias string, c coop.Callable[*Request, *Response]) coop.Callable[*Request, *Response] {
	return coop.Sync(c.Name(), func(ctx context.Context, r *Request) (*Response, error) {
		var resp *Response
		err := txn.Atomic(ctx, alias, func(ctx context.Context) error {
			var err error
			resp, err = c.Call(ctx, r)
			return err
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
}

// validate enforces that a handler produced a response.
func validate(resp *Response, name string) error {
	if resp == nil {
		return &InvalidResultError{Handler: name, Reason: "returned nil instead of a response"}
	}
	return nil
}

// asInvalid turns an unresolved computation into a contract violation.
func asInvalid(err error, name string) error {
	if errors.Is(err, coop.ErrNoFuture) {
		return &InvalidResultError{
			Handler: name,
			Reason:  "returned an unstarted computation (nil future); did you forget to start it?",
		}
	}
	return err
}
