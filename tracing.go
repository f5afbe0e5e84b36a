package layercake

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/augustoroman/layercake/coop"
)

const tracerName = "github.com/augustoroman/layercake"

// Tracing is a stage that records a server span per request. The span is
// annotated with the resolved view and with faults seen by the fault hooks.
// A nil provider means the global one.
func Tracing(tp trace.TracerProvider) StageSpec {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	return StageSpec{
		Name: "tracing",
		Sync: func(next HandlerFunc) (Stage, error) {
			return &tracingStage{tracer: tracer, next: next}, nil
		},
		Async: func(next AsyncHandlerFunc) (AsyncStage, error) {
			return &asyncTracingStage{tracingStage{tracer: tracer, next: next.Await}}, nil
		},
	}
}

type tracingStage struct {
	tracer trace.Tracer
	next   HandlerFunc
}

func (t *tracingStage) Handle(ctx context.Context, r *Request) (*Response, error) {
	ctx, span := t.tracer.Start(ctx, r.Method+" "+r.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.Path),
		))
	defer span.End()

	resp, err := t.next(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	if resp.Status >= 500 {
		span.SetStatus(codes.Error, resp.ReasonPhrase())
	}
	return resp, nil
}

func (t *tracingStage) ProcessView(ctx context.Context, r *Request, v View, args Args) (*Response, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("layercake.view", v.Name))
	if r.Match != nil && r.Match.Route != "" {
		span.SetAttributes(attribute.String("http.route", r.Match.Route))
	}
	return nil, nil
}

func (t *tracingStage) ProcessFault(ctx context.Context, r *Request, err error) (*Response, error) {
	trace.SpanFromContext(ctx).RecordError(err)
	return nil, nil
}

type asyncTracingStage struct{ tracingStage }

func (t *asyncTracingStage) HandleAsync(ctx context.Context, r *Request) *coop.Future[*Response] {
	return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
		return t.Handle(ctx, r)
	})
}
