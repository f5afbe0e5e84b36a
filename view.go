package layercake

import (
	"context"

	"github.com/augustoroman/layercake/coop"
)

// Args are the arguments captured from the request path.
type Args struct {
	Positional []string
	Keyword    map[string]string
}

// Get returns the keyword argument name, or "" if it wasn't captured.
func (a Args) Get(name string) string { return a.Keyword[name] }

// ViewFunc is a blocking view.
type ViewFunc func(ctx context.Context, r *Request, args Args) (*Response, error)

// AsyncViewFunc is a cooperative view.
type AsyncViewFunc func(ctx context.Context, r *Request, args Args) *coop.Future[*Response]

// View is the terminal request handler selected by the resolver. Exactly one
// of Func and AsyncFunc should be set.
type View struct {
	Name      string
	Func      ViewFunc
	AsyncFunc AsyncViewFunc
	// NonAtomic lists database aliases for which the view must not be wrapped
	// in an automatic request transaction.
	NonAtomic []string
}

// NewView creates a blocking view.
func NewView(name string, fn ViewFunc) View { return View{Name: name, Func: fn} }

// NewAsyncView creates a cooperative view.
func NewAsyncView(name string, fn AsyncViewFunc) View { return View{Name: name, AsyncFunc: fn} }

// WithNonAtomic returns a copy of v exempt from request transactions on the
// given aliases.
func (v View) WithNonAtomic(aliases ...string) View {
	v.NonAtomic = append(append([]string(nil), v.NonAtomic...), aliases...)
	return v
}

// Mode is the view's native execution mode.
func (v View) Mode() coop.Mode {
	if v.Func == nil && v.AsyncFunc != nil {
		return coop.Cooperative
	}
	return coop.Blocking
}

func (v View) nonAtomic(alias string) bool {
	for _, a := range v.NonAtomic {
		if a == alias {
			return true
		}
	}
	return false
}

// callable binds the view to its arguments. Panics raised by the view become
// errors so that fault hooks see them.
func (v View) callable(args Args) coop.Callable[*Request, *Response] {
	name := "The view " + v.Name
	if v.Mode() == coop.Cooperative {
		afn := v.AsyncFunc
		return coop.Async(name, func(ctx context.Context, r *Request) (f *coop.Future[*Response]) {
			defer func() {
				if x := recover(); x != nil {
					f = coop.Ready[*Response](nil, coop.NewPanicError(x))
				}
			}()
			return afn(ctx, r, args)
		})
	}
	fn := v.Func
	return coop.Sync(name, coop.Protect(func(ctx context.Context, r *Request) (*Response, error) {
		if fn == nil {
			return nil, configErrorf("view %q has no function", v.Name)
		}
		return fn(ctx, r, args)
	}))
}

// Match is the outcome of resolving a request path.
type Match struct {
	View    View
	Args    Args
	Route   string
	URLConf string
}

// ErrorHandler produces the response for a classified failure.
type ErrorHandler func(ctx context.Context, r *Request, err error) (*Response, error)

// Resolver maps request paths to views and statuses to error handlers.
// Resolve returns a KindNotFound *Error when nothing matches.
type Resolver interface {
	Resolve(ctx context.Context, urlconf, path string) (*Match, error)
	ResolveErrorHandler(urlconf string, status int) (ErrorHandler, error)
}

// Transactions runs views inside database transactions.
type Transactions interface {
	// AtomicAliases lists the aliases configured for per-request
	// transactions.
	AtomicAliases() []string
	// Atomic runs fn inside a transaction on alias, committing if fn
	// succeeds and rolling back otherwise.
	Atomic(ctx context.Context, alias string, fn func(ctx context.Context) error) error
}

// DiagnosticRenderer produces the developer-facing error page shown in debug
// mode.
type DiagnosticRenderer interface {
	RenderDiagnostic(ctx context.Context, r *Request, err error, status int) *Response
}
