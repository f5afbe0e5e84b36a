package urls

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/augustoroman/layercake"
)

// route is a registered pattern and its view.
type route struct {
	pattern string
	view    layercake.View
}

// mux is a tree of path segments. Each level has static children, parameter
// children (tried in registration order) and optionally a route ending there.
type mux struct {
	static map[string]*mux
	params []muxParam
	route  *route
}

type muxParam struct {
	paramName string // "" for positional captures
	greedy    bool
	mux       *mux
}

// captures collects the parameters matched for a path. Positional captures
// are keyed by the index of the path segment where they start, so that they
// can be returned in path order.
type captures struct {
	named      map[string]string
	positional map[int]string
}

func newCaptures() *captures {
	return &captures{named: map[string]string{}, positional: map[int]string{}}
}

func (c *captures) set(name string, pos int, val string) {
	if name == "" {
		c.positional[pos] = val
	} else {
		c.named[name] = val
	}
}

func (c *captures) ordered() []string {
	if len(c.positional) == 0 {
		return nil
	}
	idx := make([]int, 0, len(c.positional))
	for i := range c.positional {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	vals := make([]string, len(idx))
	for i, pos := range idx {
		vals[i] = c.positional[pos]
	}
	return vals
}

func (m *mux) register(pattern string, rt *route) error {
	if !strings.HasPrefix(pattern, "/") {
		return errors.New("patterns must begin with /")
	}
	segments := strings.Split(pattern[1:], "/")
	reg := registerInfo{
		seenParams: map[string]bool{},
		seenGreedy: false,
	}
	if m.static == nil {
		m.static = map[string]*mux{}
	}
	if err := reg.registerSegments(m, segments, rt); err != nil {
		return fmt.Errorf("%#q: bad pattern: %w", pattern, err)
	}
	return nil
}

type registerInfo struct {
	seenParams map[string]bool
	seenGreedy bool
}

func (r *registerInfo) registerSegments(m *mux, segments []string, rt *route) error {
	if len(segments) == 0 {
		if m.route != nil {
			return fmt.Errorf("repeated entry")
		}
		m.route = rt
		return nil
	}
	next, remaining := segments[0], segments[1:]
	if strings.HasPrefix(next, "::") {
		return r.registerStatic(m, next[1:], remaining, rt)
	} else if strings.HasPrefix(next, ":") {
		return r.registerParam(m, next[1:], remaining, rt)
	} else {
		return r.registerStatic(m, next, remaining, rt)
	}
}

func (r *registerInfo) registerStatic(m *mux, path string, remaining []string, rt *route) error {
	sub := m.static[path]
	if sub == nil {
		sub = &mux{
			static: map[string]*mux{},
		}
	}
	err := r.registerSegments(sub, remaining, rt)
	if err == nil {
		m.static[path] = sub
	}
	return err
}

func (r *registerInfo) registerParam(m *mux, param string, remaining []string, rt *route) error {
	greedy := strings.HasSuffix(param, "*")
	name := strings.TrimSuffix(param, "*")
	if greedy && r.seenGreedy {
		return fmt.Errorf("only one greedy param allowed per pattern: %#q", name)
	} else if name != "" && r.seenParams[name] {
		return fmt.Errorf("param used twice: %#q", name)
	}
	// Reuse the branch if the same param is already registered at this level:
	//    /root/:param/path1
	//    /root/:param/path2
	for _, p := range m.params {
		if p.paramName == name {
			if p.greedy != greedy {
				return fmt.Errorf("param %#q is sometimes greedy and sometimes not", name)
			}
			r.seenParams[name] = true
			r.seenGreedy = r.seenGreedy || greedy
			return r.registerSegments(p.mux, remaining, rt)
		}
		// Otherwise refuse ambiguous registrations such as:
		//   /root/:p1/path
		//   /root/:p2/path
		if err := p.mux.checkAmbiguous(remaining); err != nil {
			return fmt.Errorf("ambiguous route: %w", err)
		}
	}
	sub := &mux{
		static: map[string]*mux{},
	}
	r.seenParams[name] = true
	r.seenGreedy = r.seenGreedy || greedy
	err := r.registerSegments(sub, remaining, rt)
	if err == nil {
		m.params = append(m.params, muxParam{
			paramName: name,
			greedy:    greedy,
			mux:       sub,
		})
	}
	return err
}

func (m *mux) checkAmbiguous(segments []string) error {
	if len(segments) == 0 {
		if m.route != nil {
			return fmt.Errorf("conflicts with %#q", m.route.pattern)
		}
		return nil
	}
	static, isStatic := entryToStatic(segments[0])
	if isStatic {
		if child := m.static[static]; child != nil {
			return child.checkAmbiguous(segments[1:])
		}
		return nil
	}
	for _, p := range m.params {
		if err := p.mux.checkAmbiguous(segments[1:]); err != nil {
			return err
		}
	}
	return nil
}

func entryToStatic(entry string) (static string, isStatic bool) {
	if strings.HasPrefix(entry, "::") {
		// double colon prefix escapes to single colon static path name.
		return entry[1:], true
	} else if !strings.HasPrefix(entry, ":") {
		return entry, true
	}
	return "", false
}

func (m *mux) match(uri string, caps *captures) *route {
	uri = strings.TrimPrefix(uri, "/")
	segments := strings.Split(uri, "/")
	return m.matchPrefix(segments, 0, caps)
}

func (m *mux) matchPrefix(segments []string, pos int, caps *captures) *route {
	if m == nil {
		return nil
	}
	if len(segments) == 0 {
		return m.route
	}
	path, remaining := segments[0], segments[1:]
	if sub := m.static[path]; sub != nil {
		if match := sub.matchPrefix(remaining, pos+1, caps); match != nil {
			return match
		}
	}
	for _, param := range m.params {
		if !param.greedy {
			if matched := param.mux.matchPrefix(remaining, pos+1, caps); matched != nil {
				caps.set(param.paramName, pos, path)
				return matched
			}
		} else {
			matched, used := param.mux.matchSuffix(remaining, pos+1, caps)
			if matched != nil {
				N := len(segments)
				caps.set(param.paramName, pos, strings.Join(segments[:N-used], "/"))
				return matched
			}
		}
	}
	return nil
}

// matchSuffix matches the tail of segments after a greedy param. It returns
// the matched route and how many trailing segments it consumed. base is the
// path index of segments[0].
func (m *mux) matchSuffix(segments []string, base int, caps *captures) (rt *route, depth int) {
	N := len(segments)
	if N == 0 {
		return m.route, 0
	}
	for staticPath, sub := range m.static {
		match, d := sub.matchSuffix(segments, base, caps)
		if match == nil || d+1 > N {
			continue
		}
		if segments[N-d-1] != staticPath {
			continue
		}
		return match, d + 1
	}
	for _, param := range m.params {
		match, d := param.mux.matchSuffix(segments, base, caps)
		if match == nil || d+1 > N {
			continue
		}
		depth = d + 1
		caps.set(param.paramName, base+N-depth, segments[N-depth])
		return match, depth
	}
	return m.route, 0
}
