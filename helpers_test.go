package layercake

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustoroman/layercake/coop"
)

// routes is a minimal exact-match Resolver for tests.
type routes struct {
	views    map[string]View
	handlers map[int]ErrorHandler
}

func newRoutes(views ...View) *routes {
	r := &routes{views: map[string]View{}, handlers: map[int]ErrorHandler{}}
	for _, v := range views {
		r.views["/"+v.Name] = v
	}
	return r
}

func (rt *routes) Resolve(ctx context.Context, urlconf, path string) (*Match, error) {
	v, ok := rt.views[path]
	if !ok {
		return nil, NotFound("no view for " + path)
	}
	return &Match{View: v, Route: path, URLConf: urlconf}, nil
}

func (rt *routes) ResolveErrorHandler(urlconf string, status int) (ErrorHandler, error) {
	if h := rt.handlers[status]; h != nil {
		return h, nil
	}
	return DefaultErrorHandler(status), nil
}

func textView(name, body string) View {
	return NewView(name, func(ctx context.Context, r *Request, args Args) (*Response, error) {
		return Text(http.StatusOK, body), nil
	})
}

func asyncTextView(name, body string) View {
	return NewAsyncView(name, func(ctx context.Context, r *Request, args Args) *coop.Future[*Response] {
		return coop.Ready(Text(http.StatusOK, body), nil)
	})
}

func errView(name string, err error) View {
	return NewView(name, func(ctx context.Context, r *Request, args Args) (*Response, error) {
		return nil, err
	})
}

// logRecord is a captured slog record with its attributes flattened.
type logRecord struct {
	Level slog.Level
	Msg   string
	Attrs map[string]any
}

type logCapture struct {
	mu      sync.Mutex
	records []logRecord
}

func (c *logCapture) all() []logRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logRecord(nil), c.records...)
}

// on returns the records written to the named logger.
func (c *logCapture) on(logger string) []logRecord {
	var out []logRecord
	for _, r := range c.all() {
		if r.Attrs["logger"] == logger {
			out = append(out, r)
		}
	}
	return out
}

type captureHandler struct {
	c     *logCapture
	attrs []slog.Attr
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	rec := logRecord{Level: r.Level, Msg: r.Message, Attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Any()
		return true
	})
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.records = append(h.c.records, rec)
	return nil
}

func (h captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return captureHandler{h.c, append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h captureHandler) WithGroup(string) slog.Handler { return h }

func captureLogs() (*slog.Logger, *logCapture) {
	c := &logCapture{}
	return slog.New(captureHandler{c: c}), c
}

// handle runs r through p in whichever mode p was built for.
func handle(t *testing.T, p *Pipeline, r *Request) (*Response, error) {
	t.Helper()
	if p.Mode() == coop.Cooperative {
		return p.HandleAsync(context.Background(), r).Await()
	}
	return p.Handle(context.Background(), r)
}

func mustBuild(t *testing.T, specs []StageSpec, mode coop.Mode, opts Options) *Pipeline {
	t.Helper()
	p, err := Build(specs, mode, opts)
	require.NoError(t, err)
	return p
}

var bothModes = []coop.Mode{coop.Blocking, coop.Cooperative}

func mustTemplate(text string) *template.Template {
	return template.Must(template.New("test").Parse(text))
}
