package layercake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/augustoroman/layercake/coop"
)

// Options configures a pipeline.
type Options struct {
	// Resolver maps paths to views. Required.
	Resolver Resolver
	// Transactions, if set, wraps views in per-request transactions for each
	// of its atomic aliases.
	Transactions Transactions
	// Diagnostics renders the debug error page. Defaults to DebugPage.
	Diagnostics DiagnosticRenderer
	// Logger receives the request and security logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// Pool runs blocking work for cooperative code. Defaults to coop.Default().
	Pool *coop.Pool
	// Debug shows diagnostic pages instead of the error handlers and enables
	// debug logging of the pipeline construction.
	Debug bool
	// PropagateExceptions returns uncaught faults to the caller instead of
	// producing a 500 response.
	PropagateExceptions bool
	// RootURLConf is the resolver table used by requests that don't set one.
	RootURLConf string
	// Limits bounds request bodies. Defaults to DefaultLimits.
	Limits *Limits
	// Rules overrides the classification table. Defaults to DefaultRules.
	Rules []Rule
	// OnException is notified of every uncaught fault before its response is
	// produced.
	OnException func(ctx context.Context, r *Request, err error)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Pool == nil {
		o.Pool = coop.Default()
	}
	if o.Diagnostics == nil {
		o.Diagnostics = DebugPage{}
	}
	if o.Limits == nil {
		l := DefaultLimits
		o.Limits = &l
	}
	if o.Rules == nil {
		o.Rules = DefaultRules
	}
	return o
}

// Pipeline is a composed, immutable chain of stages around the dispatch
// engine. It is safe for concurrent use.
type Pipeline struct {
	mode       coop.Mode
	opts       Options
	logger     *slog.Logger
	root       coop.Callable[*Request, *Response]
	classifier *classifier
	stages     []string
}

// Mode is the execution mode the pipeline was built for.
func (p *Pipeline) Mode() coop.Mode { return p.mode }

// Stages lists the stages that participate in the pipeline, outermost first.
// Stages whose factory declined are not included.
func (p *Pipeline) Stages() []string { return append([]string(nil), p.stages...) }

// BuildNamed looks up the configured stage names in reg and builds the
// pipeline.
func BuildNamed(reg *Registry, names []string, mode coop.Mode, opts Options) (*Pipeline, error) {
	specs, err := reg.Lookup(names...)
	if err != nil {
		return nil, err
	}
	return Build(specs, mode, opts)
}

// Build composes specs, outermost first, around the dispatch engine. Each
// stage is instantiated in the pipeline mode if it supports it, otherwise in
// its only supported mode, and the handler it wraps is adapted accordingly.
func Build(specs []StageSpec, mode coop.Mode, opts Options) (*Pipeline, error) {
	if opts.Resolver == nil {
		return nil, configErrorf("no resolver configured")
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With("logger", "request")
	p := &Pipeline{mode: mode, opts: opts, logger: logger}
	p.classifier = newClassifier(opts, logger)

	e := newEngine(mode, opts, logger)
	handler := p.contain(e.callable())

	for i := len(specs) - 1; i >= 0; i-- {
		spec := specs[i]
		if !spec.SyncCapable() && !spec.AsyncCapable() {
			return nil, configErrorf("stage %q must support sync or async execution", spec.Name)
		}
		stageMode := coop.Blocking
		if (mode == coop.Cooperative || !spec.SyncCapable()) && spec.AsyncCapable() {
			stageMode = coop.Cooperative
		}
		adapted := p.adapt(stageMode, handler, fmt.Sprintf("stage %s", spec.Name))

		inst, err := instantiate(spec, stageMode, adapted)
		if errors.Is(err, ErrNotUsed) {
			if opts.Debug {
				p.logger.Debug("stage not used", "stage", spec.Name, "reason", err.Error())
			}
			continue
		} else if err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("stage %q", spec.Name), Cause: err}
		}

		e.addHooks(spec.Name, inst.obj)
		handler = p.contain(inst.callable)
		p.stages = append([]string{spec.Name}, p.stages...)
	}

	p.root = p.adapt(mode, handler, "pipeline")
	return p, nil
}

// adapt converts c to mode using pinned affinity, logging in debug mode.
func (p *Pipeline) adapt(mode coop.Mode, c coop.Callable[*Request, *Response], what string) coop.Callable[*Request, *Response] {
	if c.Mode() != mode && p.opts.Debug {
		p.logger.Debug("adapted handler", "for", what, "from", c.Mode().String(), "to", mode.String())
	}
	return coop.Adapt(mode, c, p.opts.Pool, coop.Pinned)
}

// instance is a constructed stage: its callable and the object that may carry
// hooks.
type instance struct {
	callable coop.Callable[*Request, *Response]
	obj      any
}

func instantiate(spec StageSpec, mode coop.Mode, next coop.Callable[*Request, *Response]) (instance, error) {
	if mode == coop.Blocking {
		st, err := spec.Sync(next.Call)
		if err != nil {
			return instance{}, err
		} else if st == nil {
			return instance{}, configErrorf("stage %q factory returned no stage", spec.Name)
		}
		return instance{coop.Sync(spec.Name, st.Handle), st}, nil
	}
	st, err := spec.Async(next.Start)
	if err != nil {
		return instance{}, err
	} else if st == nil {
		return instance{}, configErrorf("stage %q factory returned no stage", spec.Name)
	}
	return instance{coop.Async(spec.Name, st.HandleAsync), st}, nil
}
