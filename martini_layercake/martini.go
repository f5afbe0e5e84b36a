// Package martini_layercake mounts layercake views on a martini router: martini
// routes the request, and the pipeline dispatches the view it matched with the
// martini.Params as keyword arguments.
package martini_layercake

import (
	"context"
	"net/http"

	"github.com/go-martini/martini"

	"github.com/augustoroman/layercake"
)

type matchKey struct{}

// Router is a martini.Router that also serves as the pipeline's Resolver.
type Router struct {
	martini.Router
	handlers map[int]layercake.ErrorHandler
}

func New() *Router {
	rt := &Router{Router: martini.NewRouter(), handlers: map[int]layercake.ErrorHandler{}}
	rt.Router.NotFound(func(w http.ResponseWriter, r *http.Request, p *layercake.Pipeline) {
		p.ServeHTTP(w, r)
	})
	return rt
}

// View registers v for method and the martini pattern.
func (rt *Router) View(method, pattern string, v layercake.View) martini.Route {
	if v.Name == "" {
		v.Name = pattern
	}
	return rt.AddRoute(method, pattern, func(w http.ResponseWriter, r *http.Request, params martini.Params, p *layercake.Pipeline) {
		m := &layercake.Match{View: v, Args: layercake.Args{Keyword: params}, Route: pattern}
		p.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), matchKey{}, m)))
	})
}

// OnError sets the error handler for status.
func (rt *Router) OnError(status int, h layercake.ErrorHandler) { rt.handlers[status] = h }

// Martini returns a martini instance that routes with rt and dispatches
// through p. Further martini middleware can be added with Use.
func (rt *Router) Martini(p *layercake.Pipeline) *martini.Martini {
	m := martini.New()
	m.Map(p)
	m.MapTo(rt.Router, (*martini.Routes)(nil))
	m.Action(rt.Router.Handle)
	return m
}

// Resolve implements layercake.Resolver with the route martini matched.
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
