package layercake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/augustoroman/layercake/coop"
)

// LogDirective says how a classified fault is logged.
type LogDirective uint8

const (
	LogNone     LogDirective = iota // not logged (debug level in debug mode)
	LogWarn                         // warning on the request logger
	LogSecurity                     // error on the security.<Subkind> logger
	LogError                        // error on the request logger
)

// Rule maps a fault kind to its response status and logging.
type Rule struct {
	Kind   Kind
	Status int
	Log    LogDirective
	// Message prefixes the log line; empty means the fault's own message.
	Message string
	// DebugPage shows the diagnostic page in debug mode instead of calling
	// the error handler.
	DebugPage bool
}

// DefaultRules is the classification table. The first rule matching the
// fault's kind wins; KindUncaught must be present.
var DefaultRules = []Rule{
	{Kind: KindNotFound, Status: http.StatusNotFound, Log: LogNone, Message: "Not Found", DebugPage: true},
	{Kind: KindPermissionDenied, Status: http.StatusForbidden, Log: LogWarn, Message: "Forbidden (Permission denied)"},
	{Kind: KindMalformedBody, Status: http.StatusBadRequest, Log: LogWarn, Message: "Bad request (Unable to parse request body)"},
	{Kind: KindBadRequest, Status: http.StatusBadRequest, Log: LogWarn, DebugPage: true},
	{Kind: KindSuspicious, Status: http.StatusBadRequest, Log: LogSecurity, DebugPage: true},
	{Kind: KindUncaught, Status: http.StatusInternalServerError, Log: LogError, DebugPage: true},
}

type classifier struct {
	rules       []Rule
	resolver    Resolver
	diag        DiagnosticRenderer
	logger      *slog.Logger
	security    *slog.Logger
	debug       bool
	propagate   bool
	onException func(ctx context.Context, r *Request, err error)
}

func newClassifier(opts Options, logger *slog.Logger) *classifier {
	return &classifier{
		rules:       opts.Rules,
		resolver:    opts.Resolver,
		diag:        opts.Diagnostics,
		logger:      logger,
		security:    opts.Logger,
		debug:       opts.Debug,
		propagate:   opts.PropagateExceptions,
		onException: opts.OnException,
	}
}

func (c *classifier) rule(k Kind) Rule {
	for _, rule := range c.rules {
		if rule.Kind == k {
			return rule
		}
	}
	for _, rule := range c.rules {
		if rule.Kind == KindUncaught {
			return rule
		}
	}
	return Rule{Kind: KindUncaught, Status: http.StatusInternalServerError, Log: LogError, DebugPage: true}
}

// classify turns a non-fatal fault into a response. It only fails with fatal
// errors: a propagated fault or a failing 500 handler.
func (c *classifier) classify(ctx context.Context, r *Request, err error) (*Response, error) {
	kind, ferr := KindOf(err)
	rule := c.rule(kind)
	r.setFault(err)

	if kind == KindSuspicious && ferr.Subkind.bodyLimit() {
		r.markBodyUnusable()
	}

	var (
		resp *Response
		herr error
	)
	switch {
	case rule.Kind == KindUncaught:
		if resp, herr = c.uncaught(ctx, r, err); herr != nil {
			return nil, herr
		}
	case c.debug && rule.DebugPage:
		resp = c.diagnostic(ctx, r, err, rule.Status)
	default:
		var failure error
		if resp, failure, herr = c.errorResponse(ctx, r, rule.Status, err); herr != nil {
			return nil, herr
		}
		if failure != nil {
			err = fmt.Errorf("error handler for %d failed: %w", rule.Status, failure)
			rule, ferr = c.rule(KindUncaught), nil
		}
	}

	c.log(ctx, r, rule, ferr, err, resp)
	return c.materialize(ctx, r, resp, err)
}

func (c *classifier) log(ctx context.Context, r *Request, rule Rule, ferr *Error, err error, resp *Response) {
	msg := rule.Message
	if msg == "" && ferr != nil {
		msg = ferr.Error()
	}
	switch rule.Log {
	case LogNone:
		if c.debug {
			c.logger.DebugContext(ctx, msg+": "+r.Path, "status", resp.Status, "path", r.Path)
		}
	case LogWarn:
		c.logger.WarnContext(ctx, msg+": "+r.Path,
			"status", resp.Status, "path", r.Path, "error", err)
		resp.logged = true
	case LogSecurity:
		sub := SuspiciousOperation
		if ferr != nil && ferr.Subkind != "" {
			sub = ferr.Subkind
		}
		c.security.With("logger", "security."+string(sub)).ErrorContext(ctx, err.Error(),
			"status", resp.Status, "path", r.Path)
	case LogError:
		c.logger.ErrorContext(ctx, resp.ReasonPhrase()+": "+r.Path,
			"status", resp.Status, "path", r.Path, "error", err)
		resp.logged = true
	}
}

// errorResponse calls the resolver's handler for status. Failing to resolve
// or run the handler is itself an uncaught fault, returned as failure along
// with the 500 response.
func (c *classifier) errorResponse(ctx context.Context, r *Request, status int, err error) (resp *Response, failure, fatal error) {
	h, herr := c.resolver.ResolveErrorHandler(r.URLConf, status)
	if herr == nil {
		if resp, herr = callErrorHandler(ctx, h, r, err); herr == nil {
			return resp, nil, nil
		}
	}
	resp, fatal = c.uncaught(ctx, r, herr)
	return resp, herr, fatal
}

// uncaught produces the 500 response. With propagation enabled the fault is
// returned to the caller instead.
func (c *classifier) uncaught(ctx context.Context, r *Request, err error) (*Response, error) {
	if c.onException != nil {
		c.onException(ctx, r, err)
	}
	if c.propagate {
		return nil, &PropagatedError{Err: err}
	}
	if c.debug {
		return c.diagnostic(ctx, r, err, http.StatusInternalServerError), nil
	}
	h, herr := c.resolver.ResolveErrorHandler(r.URLConf, http.StatusInternalServerError)
	if herr != nil {
		return nil, &FatalError{Err: herr, Cause: err}
	}
	resp, herr := callErrorHandler(ctx, h, r, err)
	if herr != nil {
		return nil, &FatalError{Err: herr, Cause: err}
	}
	return resp, nil
}

func (c *classifier) diagnostic(ctx context.Context, r *Request, err error, status int) (resp *Response) {
	defer func() {
		if x := recover(); x != nil {
			resp = Text(status, http.StatusText(status))
		}
	}()
	if resp = c.diag.RenderDiagnostic(ctx, r, err, status); resp == nil {
		resp = Text(status, http.StatusText(status))
	}
	return resp
}

// materialize force-renders a deferred response. A render failure is handled
// once as an uncaught fault.
func (c *classifier) materialize(ctx context.Context, r *Request, resp *Response, cause error) (*Response, error) {
	rendered, err := coop.Protect(renderResponse)(ctx, resp)
	if err == nil {
		return rendered, nil
	}
	fallback, ferr := c.uncaught(ctx, r, err)
	if ferr != nil {
		return nil, ferr
	}
	if rendered, err = coop.Protect(renderResponse)(ctx, fallback); err != nil {
		return nil, &FatalError{Err: err, Cause: cause}
	}
	return rendered, nil
}

func callErrorHandler(ctx context.Context, h ErrorHandler, r *Request, err error) (*Response, error) {
	if h == nil {
		return nil, errors.New("no error handler")
	}
	resp, herr := coop.Protect(func(ctx context.Context, err error) (*Response, error) {
		return h(ctx, r, err)
	})(ctx, err)
	if herr != nil {
		return nil, herr
	} else if resp == nil {
		return nil, fmt.Errorf("error handler for %q returned no response", r.Path)
	}
	return resp, nil
}
