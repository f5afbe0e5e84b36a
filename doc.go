// Package layercake is the request-dispatch pipeline of a request/response
// framework.
//
// A pipeline is an ordered list of stages (middleware) composed once around a
// dispatch engine. The engine resolves the request path to a view, runs the
// stages' hooks, invokes the view (optionally inside a database transaction)
// and renders its result. Every failure along the way is classified into a
// well-formed response.
//
// # Example
//
// Here's a simple complete program using layercake:
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//	    "net/http"
//
//	    "github.com/augustoroman/layercake"
//	    "github.com/augustoroman/layercake/coop"
//	    "github.com/augustoroman/layercake/urls"
//	)
//
//	func main() {
//	    conf := urls.New("main")
//	    conf.HandleFunc("/hello/:name", "hello", func(ctx context.Context, r *layercake.Request, args layercake.Args) (*layercake.Response, error) {
//	        return layercake.Text(200, "Hello "+args.Get("name")), nil
//	    })
//	    pipeline, err := layercake.Build(
//	        []layercake.StageSpec{layercake.RequestLog(nil), layercake.Gzip},
//	        coop.Blocking,
//	        layercake.Options{Resolver: urls.NewRegistry(conf)},
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(http.ListenAndServe(":6060", pipeline))
//	}
//
// # Execution modes
//
// A pipeline runs in one of two modes: coop.Blocking, where every call returns
// its result, or coop.Cooperative, where calls return a started
// *coop.Future. Stages, hooks and views may each support either mode; the
// builder adapts them to their neighbours. Blocking work called from a
// cooperative pipeline runs on a worker pool, pinned to one worker per request
// so that resources with worker affinity (such as db connections) work.
//
// # Stages
//
// A StageSpec names a stage and gives a factory per supported mode. A factory
// receives the rest of the pipeline and returns the stage instance, or
// ErrNotUsed to leave itself out. Instances may implement ViewHook,
// RenderHook and FaultHook (or their async forms) to take part in dispatch.
//
// # Faults
//
// Views and stages report failures by returning errors (or panicking). Errors
// created with NotFound, PermissionDenied, BadRequest, MalformedBody or
// Suspicious map to 4xx responses, anything else to a 500. Configuration
// errors and contract violations (a handler returning no response) are never
// turned into responses: they are returned from Handle.
package layercake
