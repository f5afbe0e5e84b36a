// Package httprouter_layercake routes requests with httprouter and dispatches
// the matched view through a layercake pipeline.
//
// httprouter does the routing; the Router is also the pipeline's Resolver, so
// the view it matched (and the route parameters) are what the pipeline
// invokes:
//
//	rt := httprouter_layercake.New()
//	rt.Handle("GET", "/user/:id", layercake.NewView("user", getUser))
//	p, err := layercake.Build(stages, coop.Blocking, layercake.Options{Resolver: rt})
//	...
//	http.ListenAndServe(addr, rt.Handler(p))
//
// Requests that httprouter can't route still run through the pipeline, which
// answers them with its 404 handling.
package httprouter_layercake

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/augustoroman/layercake"
)

type (
	pipelineKey struct{}
	matchKey    struct{}
)

// Router is a layercake.Resolver backed by an httprouter.Router.
type Router struct {
	mux      *httprouter.Router
	handlers map[int]layercake.ErrorHandler
}

// New creates an empty router.
func New() *Router {
	rt := &Router{mux: httprouter.New(), handlers: map[int]layercake.ErrorHandler{}}
	rt.mux.NotFound = http.HandlerFunc(rt.serveUnmatched)
	return rt
}

// Handle registers v for method and the httprouter path pattern.
func (rt *Router) Handle(method, pattern string, v layercake.View) {
	if v.Name == "" {
		v.Name = pattern
	}
	rt.mux.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		args := layercake.Args{Keyword: make(map[string]string, len(ps))}
		for _, p := range ps {
			args.Keyword[p.Key] = p.Value
		}
		m := &layercake.Match{View: v, Args: args, Route: pattern}
		rt.serve(w, r.WithContext(context.WithValue(r.Context(), matchKey{}, m)))
	})
}

// GET is a shortcut for Handle(http.MethodGet, ...).
func (rt *Router) GET(pattern string, v layercake.View) { rt.Handle(http.MethodGet, pattern, v) }

// POST is a shortcut for Handle(http.MethodPost, ...).
func (rt *Router) POST(pattern string, v layercake.View) { rt.Handle(http.MethodPost, pattern, v) }

// OnError sets the error handler for status.
func (rt *Router) OnError(status int, h layercake.ErrorHandler) { rt.handlers[status] = h }

// Handler returns the http.Handler that routes with rt and dispatches through
// p. p must have been built with rt as its Resolver.
func (rt *Router) Handler(p *layercake.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.mux.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pipelineKey{}, p)))
	})
}

func (rt *Router) serveUnmatched(w http.ResponseWriter, r *http.Request) { rt.serve(w, r) }

func (rt *Router) serve(w http.ResponseWriter, r *http.Request) {
	p, _ := r.Context().Value(pipelineKey{}).(*layercake.Pipeline)
	if p == nil {
		http.Error(w, "httprouter_layercake: router used without a pipeline", http.StatusInternalServerError)
		return
	}
	p.ServeHTTP(w, r)
}

// Resolve implements layercake.Resolver with the match httprouter made for
// this request.
func (rt *Router) Resolve(ctx context.Context, urlconf, path string) (*layercake.Match, error) {
	m, ok := ctx.Value(matchKey{}).(*layercake.Match)
	if !ok {
		return nil, layercake.NotFound("no route matches " + path)
	}
	match := *m
	match.URLConf = urlconf
	return &match, nil
}

// ResolveErrorHandler implements layercake.Resolver.
func (rt *Router) ResolveErrorHandler(urlconf string, status int) (layercake.ErrorHandler, error) {
	if h := rt.handlers[status]; h != nil {
		return h, nil
	}
	return layercake.DefaultErrorHandler(status), nil
}
