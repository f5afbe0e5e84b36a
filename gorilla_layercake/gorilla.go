// Package gorilla_layercake is a layercake.Resolver backed by gorilla/mux
// route matching.
package gorilla_layercake

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/augustoroman/layercake"
)

// Resolver matches request paths against gorilla/mux path templates such as
// "/articles/{category}/{id:[0-9]+}".
type Resolver struct {
	router   *mux.Router
	views    map[*mux.Route]layercake.View
	handlers map[int]layercake.ErrorHandler
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{
		router:   mux.NewRouter(),
		views:    map[*mux.Route]layercake.View{},
		handlers: map[int]layercake.ErrorHandler{},
	}
}

// Handle registers v for the path template. It panics if the template is
// invalid.
func (rs *Resolver) Handle(tpl string, v layercake.View) {
	if v.Name == "" {
		v.Name = tpl
	}
	route := rs.router.NewRoute().Path(tpl).Name(v.Name)
	if err := route.GetError(); err != nil {
		panic(err)
	}
	rs.views[route] = v
}

// PathPrefix registers v for every path below prefix.
func (rs *Resolver) PathPrefix(prefix string, v layercake.View) {
	if v.Name == "" {
		v.Name = prefix
	}
	route := rs.router.NewRoute().PathPrefix(prefix).Name(v.Name)
	if err := route.GetError(); err != nil {
		panic(err)
	}
	rs.views[route] = v
}

// URL builds the path of the view registered under name.
func (rs *Resolver) URL(name string, pairs ...string) (string, error) {
	route := rs.router.Get(name)
	if route == nil {
		return "", layercake.NotFound("no route named " + name)
	}
	u, err := route.URLPath(pairs...)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

// OnError sets the error handler for status.
func (rs *Resolver) OnError(status int, h layercake.ErrorHandler) { rs.handlers[status] = h }

// Resolve implements layercake.Resolver.
func (rs *Resolver) Resolve(ctx context.Context, urlconf, path string) (*layercake.Match, error) {
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: path},
		Header: http.Header{},
	}).WithContext(ctx)

	var rm mux.RouteMatch
	if !rs.router.Match(req, &rm) || rm.Route == nil {
		return nil, layercake.NotFound("no route matches " + path)
	}
	tpl, _ := rm.Route.GetPathTemplate()
	return &layercake.Match{
		View:    rs.views[rm.Route],
		Args:    layercake.Args{Keyword: rm.Vars},
		Route:   tpl,
		URLConf: urlconf,
	}, nil
}

// ResolveErrorHandler implements layercake.Resolver.
func (rs *Resolver) ResolveErrorHandler(urlconf string, status int) (layercake.ErrorHandler, error) {
	if h := rs.handlers[status]; h != nil {
		return h, nil
	}
	return layercake.DefaultErrorHandler(status), nil
}
