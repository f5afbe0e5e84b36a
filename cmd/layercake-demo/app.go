package main

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/augustoroman/layercake"
	"github.com/augustoroman/layercake/config"
	"github.com/augustoroman/layercake/coop"
	"github.com/augustoroman/layercake/db"
	"github.com/augustoroman/layercake/urls"
)

//go:embed static
var staticFiles embed.FS

var defaultMiddleware = []string{"request_id", "request_log", "tracing", "metrics", "gzip"}

const schema = `CREATE TABLE IF NOT EXISTS notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
)`

type note struct {
	ID   int64  `db:"id" json:"id"`
	Body string `db:"body" json:"body"`
}

var notesPage = template.Must(template.New("notes").Parse(`<!DOCTYPE html>
<html><head><title>{{.title}}</title><link rel="stylesheet" href="/static/style.css"></head>
<body><h1>{{.title}}</h1>
<ul>{{range .notes}}<li><a href="/notes/{{.ID}}">{{.Body}}</a></li>{{end}}</ul>
<form method="POST" action="/notes/"><input name="body"><button>Add</button></form>
</body></html>
`))

// app wires the configured pipeline to its collaborators.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	dbs      *db.Handler
	metrics  *prometheus.Registry
	pipeline *layercake.Pipeline
}

func newApp(cfg *config.Config, logger *slog.Logger, tp trace.TracerProvider) (*app, error) {
	settings := cfg.DatabaseSettings()
	if _, ok := settings["default"]; !ok {
		settings["default"] = db.Settings{DSN: "layercake.db", AtomicRequests: true}
	}
	dbs, err := db.Open(settings)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, dbs: dbs, metrics: prometheus.NewRegistry()}
	if err := a.migrate(); err != nil {
		dbs.Close()
		return nil, err
	}

	metrics, err := layercake.NewMetrics(a.metrics)
	if err != nil {
		dbs.Close()
		return nil, err
	}
	stages := layercake.NewRegistry(
		apiURLConf,
		layercake.RequestID,
		layercake.RequestLog(logger),
		layercake.Tracing(tp),
		metrics.Stage(),
		layercake.Gzip,
	)

	opts := cfg.Options()
	opts.Resolver = a.routes()
	opts.Transactions = dbs
	opts.Logger = logger
	names := cfg.Middleware
	if len(names) == 0 {
		names = defaultMiddleware
	}
	if !slices.Contains(names, apiURLConf.Name) {
		names = append([]string{apiURLConf.Name}, names...)
	}
	a.pipeline, err = layercake.BuildNamed(stages, names, cfg.Mode(), opts)
	if err != nil {
		dbs.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) migrate() error {
	sdb, err := a.dbs.DB("default")
	if err != nil {
		return err
	}
	_, err = sdb.Exec(schema)
	return err
}

func (a *app) routes() *urls.Registry {
	root := urls.New("main")
	root.HandleFunc("/", "index", func(ctx context.Context, r *layercake.Request, args layercake.Args) (*layercake.Response, error) {
		return seeOther("/notes/"), nil
	})
	root.HandleFunc("/notes/", "notes", a.notes)
	root.HandleFunc("/notes/:id", "note", a.note)
	root.Handle("/static/:path*", layercake.ServeFS(staticFiles, "static", "path").WithNonAtomic("default"))
	root.Handle("/health", layercake.NewAsyncView("health", health).WithNonAtomic("default"))

	api := urls.New("api")
	api.HandleFunc("/api/notes/:id", "api-note", a.apiNote)
	api.OnError(http.StatusNotFound, layercake.JSONErrorHandler(http.StatusNotFound))
	return urls.NewRegistry(root, api)
}

// apiURLConf routes /api/ requests with the api conf, so that their errors
// are reported as json too.
var apiURLConf = layercake.Wrap{
	Name: "api_urlconf",
	Before: func(ctx context.Context, r *layercake.Request) (context.Context, *layercake.Response, error) {
		if strings.HasPrefix(r.Path, "/api/") {
			r.URLConf = "api"
		}
		return nil, nil, nil
	},
}.Spec()

// Handler is the http entry point: chi handles recovery and serves the
// metrics, everything else goes through the pipeline.
func (a *app) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "layercake-demo")
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	r.Mount("/", a.pipeline)
	return r
}

func (a *app) Close() error { return a.dbs.Close() }

func (a *app) notes(ctx context.Context, r *layercake.Request, args layercake.Args) (*layercake.Response, error) {
	conn, err := a.dbs.Conn(ctx, "default")
	if err != nil {
		return nil, err
	}
	if r.Method == http.MethodPost {
		form, err := r.Form()
		if err != nil {
			return nil, err
		}
		body := strings.TrimSpace(form.Get("body"))
		if body == "" {
			return nil, &layercake.Error{Kind: layercake.KindBadRequest, Msg: "empty note", ClientMsg: "A note needs a body"}
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO notes (body) VALUES (?)`, body); err != nil {
			return nil, err
		}
		layercake.LogNote(ctx, "created", body)
		return seeOther("/notes/"), nil
	}

	var list []note
	if err := conn.SelectContext(ctx, &list, `SELECT id, body FROM notes ORDER BY id`); err != nil {
		return nil, err
	}
	return layercake.NewTemplateResponse(http.StatusOK, notesPage, map[string]any{
		"title": "Notes",
		"notes": list,
	}), nil
}

func (a *app) lookup(ctx context.Context, id string) (*note, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, layercake.NotFound("bad note id " + id)
	}
	conn, err := a.dbs.Conn(ctx, "default")
	if err != nil {
		return nil, err
	}
	var found []note
	if err := conn.SelectContext(ctx, &found, `SELECT id, body FROM notes WHERE id = ?`, n); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &layercake.Error{Kind: layercake.KindNotFound, Msg: "no note " + id, ClientMsg: "No such note"}
	}
	return &found[0], nil
}

func (a *app) note(ctx context.Context, r *layercake.Request, args layercake.Args) (*layercake.Response, error) {
	n, err := a.lookup(ctx, args.Get("id"))
	if err != nil {
		return nil, err
	}
	return layercake.NewTemplateResponse(http.StatusOK, notesPage, map[string]any{
		"title": "Note " + strconv.FormatInt(n.ID, 10),
		"notes": []note{*n},
	}), nil
}

func (a *app) apiNote(ctx context.Context, r *layercake.Request, args layercake.Args) (*layercake.Response, error) {
	n, err := a.lookup(ctx, args.Get("id"))
	if err != nil {
		return nil, err
	}
	return layercake.JSON(http.StatusOK, n)
}

func health(ctx context.Context, r *layercake.Request, args layercake.Args) *coop.Future[*layercake.Response] {
	return coop.Ready(layercake.Text(http.StatusOK, "ok"), nil)
}

func seeOther(to string) *layercake.Response {
	resp := layercake.NewResponse(http.StatusSeeOther, "", nil)
	resp.Header.Set("Location", to)
	return resp
}
