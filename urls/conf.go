// Package urls is a routing table for layercake pipelines. Patterns are
// PAT-style:
//
//	/users/:id          keyword argument "id" (one segment)
//	/files/:path*       greedy keyword argument "path" (one or more segments)
//	/archive/:/:        positional arguments
//	/a/::literal        a literal ":literal" segment
//
// Static segments take priority over parameters, and parameters over greedy
// parameters. Ambiguous registrations are rejected.
package urls

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/augustoroman/layercake"
)

// Conf is a named table of routes (a "URL conf"). Requests choose a conf via
// Request.URLConf; confs can also include other confs under a prefix.
type Conf struct {
	name     string
	mux      mux
	includes map[string]*Conf
	handlers map[int]layercake.ErrorHandler
}

// New creates an empty conf.
func New(name string) *Conf {
	return &Conf{name: name}
}

// Name is the conf's registry name.
func (c *Conf) Name() string { return c.name }

// Handle registers v for pattern. It panics if the pattern is invalid or
// conflicts with an existing registration.
func (c *Conf) Handle(pattern string, v layercake.View) {
	if v.Name == "" {
		v.Name = pattern
	}
	if err := c.mux.register(pattern, &route{pattern: pattern, view: v}); err != nil {
		panic(fmt.Errorf("Cannot register route: %v", err))
	}
}

// HandleFunc registers a blocking view function.
func (c *Conf) HandleFunc(pattern, name string, fn layercake.ViewFunc) {
	c.Handle(pattern, layercake.NewView(name, fn))
}

// HandleAsync registers a cooperative view function.
func (c *Conf) HandleAsync(pattern, name string, fn layercake.AsyncViewFunc) {
	c.Handle(pattern, layercake.NewAsyncView(name, fn))
}

// Include derives a conf that handles every path below prefix. For example,
// `api := root.Include("/api")` will handle `/api/` and `/api/foo`, with the
// prefix stripped before matching.
func (c *Conf) Include(prefix string) *Conf {
	if c.includes == nil {
		c.includes = map[string]*Conf{}
	}
	prefix = strings.TrimRight(prefix, "/") + "/"
	for existingPrefix := range c.includes {
		if existingPrefix == prefix || strings.HasPrefix(existingPrefix, prefix) || strings.HasPrefix(prefix, existingPrefix) {
			panic(fmt.Sprintf(
				"Include with prefix %#q conflicts with existing Include with prefix %#q",
				prefix, existingPrefix,
			))
		}
	}
	sub := New(c.name + prefix)
	c.includes[prefix] = sub
	return sub
}

// OnError sets the handler used for responses with the given status.
func (c *Conf) OnError(status int, h layercake.ErrorHandler) {
	if c.handlers == nil {
		c.handlers = map[int]layercake.ErrorHandler{}
	}
	c.handlers[status] = h
}

// resolve matches path, trying includes first.
func (c *Conf) resolve(path string) (*route, layercake.Args, string) {
	for prefix, sub := range c.includes {
		if strings.HasPrefix(path, prefix) {
			rt, args, pattern := sub.resolve("/" + strings.TrimPrefix(path, prefix))
			if rt != nil {
				pattern = strings.TrimSuffix(prefix, "/") + pattern
			}
			return rt, args, pattern
		}
	}
	caps := newCaptures()
	rt := c.mux.match(path, caps)
	if rt == nil {
		return nil, layercake.Args{}, ""
	}
	return rt, layercake.Args{Positional: caps.ordered(), Keyword: caps.named}, rt.pattern
}

// Registry holds the confs known to a pipeline and implements
// layercake.Resolver.
type Registry struct {
	root  string
	confs map[string]*Conf
}

// NewRegistry creates a registry whose default conf is root.
func NewRegistry(root *Conf, others ...*Conf) *Registry {
	reg := &Registry{root: root.name, confs: map[string]*Conf{}}
	reg.Add(root)
	for _, c := range others {
		reg.Add(c)
	}
	return reg
}

// Add registers c under its name, replacing any conf of the same name.
func (reg *Registry) Add(c *Conf) { reg.confs[c.name] = c }

// Names lists the registered confs.
func (reg *Registry) Names() []string {
	names := make([]string, 0, len(reg.confs))
	for name := range reg.confs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (reg *Registry) conf(name string) (*Conf, error) {
	if name == "" {
		name = reg.root
	}
	c, ok := reg.confs[name]
	if !ok {
		return nil, fmt.Errorf("urls: no conf named %q", name)
	}
	return c, nil
}

// Resolve implements layercake.Resolver.
func (reg *Registry) Resolve(ctx context.Context, urlconf, path string) (*layercake.Match, error) {
	c, err := reg.conf(urlconf)
	if err != nil {
		return nil, err
	}
	rt, args, pattern := c.resolve(path)
	if rt == nil {
		return nil, layercake.NotFound(fmt.Sprintf("no route in %q matches %q", c.name, path))
	}
	return &layercake.Match{
		View:    rt.view,
		Args:    args,
		Route:   pattern,
		URLConf: c.name,
	}, nil
}

// ResolveErrorHandler implements layercake.Resolver. Handlers set with
// OnError take priority; the default is layercake.DefaultErrorHandler.
func (reg *Registry) ResolveErrorHandler(urlconf string, status int) (layercake.ErrorHandler, error) {
	c, err := reg.conf(urlconf)
	if err != nil {
		return nil, err
	}
	if h := c.handlers[status]; h != nil {
		return h, nil
	}
	return layercake.DefaultErrorHandler(status), nil
}
