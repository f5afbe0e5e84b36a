package layercake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/augustoroman/layercake/coop"
)

// HandlerFunc is the blocking form of the rest of the pipeline.
type HandlerFunc func(ctx context.Context, r *Request) (*Response, error)

// AsyncHandlerFunc is the cooperative form of the rest of the pipeline.
type AsyncHandlerFunc func(ctx context.Context, r *Request) *coop.Future[*Response]

// Stage is a blocking stage instance.
type Stage interface {
	Handle(ctx context.Context, r *Request) (*Response, error)
}

// AsyncStage is a cooperative stage instance.
type AsyncStage interface {
	HandleAsync(ctx context.Context, r *Request) *coop.Future[*Response]
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, r *Request) (*Response, error)

func (f StageFunc) Handle(ctx context.Context, r *Request) (*Response, error) { return f(ctx, r) }

// AsyncStageFunc adapts a function to AsyncStage.
type AsyncStageFunc func(ctx context.Context, r *Request) *coop.Future[*Response]

func (f AsyncStageFunc) HandleAsync(ctx context.Context, r *Request) *coop.Future[*Response] {
	return f(ctx, r)
}

// Stage instances may also implement any of the hook interfaces below. A hook
// returning a nil response without error lets processing continue.

// ViewHook runs after resolution and before the view.
type ViewHook interface {
	ProcessView(ctx context.Context, r *Request, v View, args Args) (*Response, error)
}

// AsyncViewHook is the cooperative form of ViewHook.
type AsyncViewHook interface {
	ProcessViewAsync(ctx context.Context, r *Request, v View, args Args) *coop.Future[*Response]
}

// RenderHook runs on deferred responses before they are rendered. It must
// return a response: the same one or a replacement.
type RenderHook interface {
	ProcessRender(ctx context.Context, r *Request, resp *Response) (*Response, error)
}

// AsyncRenderHook is the cooperative form of RenderHook.
type AsyncRenderHook interface {
	ProcessRenderAsync(ctx context.Context, r *Request, resp *Response) *coop.Future[*Response]
}

// FaultHook runs when the view or render fails.
type FaultHook interface {
	ProcessFault(ctx context.Context, r *Request, err error) (*Response, error)
}

// AsyncFaultHook is the cooperative form of FaultHook. Fault hooks always run
// with blocking semantics, so it is awaited in place.
type AsyncFaultHook interface {
	ProcessFaultAsync(ctx context.Context, r *Request, err error) *coop.Future[*Response]
}

// StageSpec describes a configured stage: its name and a factory per
// supported execution mode. A factory may return ErrNotUsed to leave the
// stage out of the pipeline.
type StageSpec struct {
	Name  string
	Sync  func(next HandlerFunc) (Stage, error)
	Async func(next AsyncHandlerFunc) (AsyncStage, error)
}

// SyncCapable reports whether the stage can run in blocking mode.
func (s StageSpec) SyncCapable() bool { return s.Sync != nil }

// AsyncCapable reports whether the stage can run in cooperative mode.
func (s StageSpec) AsyncCapable() bool { return s.Async != nil }

// Registry maps stage names to their descriptors so that pipelines can be
// configured by name.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]StageSpec
}

// NewRegistry creates a registry holding specs. It panics on invalid or
// duplicate specs, like Register.
func NewRegistry(specs ...StageSpec) *Registry {
	reg := &Registry{specs: map[string]StageSpec{}}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			panic(err)
		}
	}
	return reg
}

// Register adds spec to the registry.
func (reg *Registry) Register(spec StageSpec) error {
	if spec.Name == "" {
		return configErrorf("stage registered without a name")
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.specs[spec.Name]; exists {
		return configErrorf("stage %q registered twice", spec.Name)
	}
	reg.specs[spec.Name] = spec
	return nil
}

// Lookup returns the specs for names, in order.
func (reg *Registry) Lookup(names ...string) ([]StageSpec, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	specs := make([]StageSpec, 0, len(names))
	for _, name := range names {
		spec, ok := reg.specs[name]
		if !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("unknown stage %q", name)}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Names lists the registered stages in sorted order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.specs))
	for name := range reg.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Await starts the rest of the pipeline and waits for its result.
func (next AsyncHandlerFunc) Await(ctx context.Context, r *Request) (*Response, error) {
	f := next(ctx, r)
	if f == nil {
		return nil, coop.ErrNoFuture
	}
	return f.Await()
}
