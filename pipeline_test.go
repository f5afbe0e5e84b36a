package layercake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/augustoroman/layercake/coop"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// hookStage records every call it gets.
type hookStage struct {
	name string
	rec  *recorder
	next HandlerFunc
}

func (h *hookStage) Handle(ctx context.Context, r *Request) (*Response, error) {
	h.rec.add(h.name + ":in")
	resp, err := h.next(ctx, r)
	h.rec.add(h.name + ":out")
	return resp, err
}

func (h *hookStage) ProcessView(ctx context.Context, r *Request, v View, args Args) (*Response, error) {
	h.rec.add(h.name + ":view")
	return nil, nil
}

func (h *hookStage) ProcessRender(ctx context.Context, r *Request, resp *Response) (*Response, error) {
	h.rec.add(h.name + ":render")
	return resp, nil
}

func (h *hookStage) ProcessFault(ctx context.Context, r *Request, err error) (*Response, error) {
	h.rec.add(h.name + ":fault")
	return nil, nil
}

type asyncHookStage struct{ hookStage }

func (h *asyncHookStage) HandleAsync(ctx context.Context, r *Request) *coop.Future[*Response] {
	return coop.Go(ctx, func(ctx context.Context) (*Response, error) { return h.Handle(ctx, r) })
}

func recordingStage(name string, rec *recorder) StageSpec {
	return StageSpec{
		Name: name,
		Sync: func(next HandlerFunc) (Stage, error) {
			return &hookStage{name, rec, next}, nil
		},
		Async: func(next AsyncHandlerFunc) (AsyncStage, error) {
			return &asyncHookStage{hookStage{name, rec, next.Await}}, nil
		},
	}
}

func deferredView(name, body string) View {
	return NewView(name, func(ctx context.Context, r *Request, args Args) (*Response, error) {
		return NewDeferred(http.StatusOK, "text/plain", func(ctx context.Context, resp *Response) ([]byte, error) {
			return []byte(body), nil
		}), nil
	})
}

func TestStagesAndHooksRunInConfigurationOrder(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			rec := &recorder{}
			p := mustBuild(t,
				[]StageSpec{recordingStage("A", rec), recordingStage("B", rec)},
				mode,
				Options{Resolver: newRoutes(
					deferredView("page", "rendered"),
					errView("fail", errors.New("kaboom")),
				)})
			assert.Equal(t, []string{"A", "B"}, p.Stages())

			resp, err := handle(t, p, NewRequest("GET", "/page", nil))
			require.NoError(t, err)
			assert.Equal(t, "rendered", string(resp.Body))
			assert.Equal(t, []string{
				"A:in", "B:in",
				"A:view", "B:view",
				"A:render", "B:render",
				"B:out", "A:out",
			}, rec.get())

			rec.events = nil
			resp, err = handle(t, p, NewRequest("GET", "/fail", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, resp.Status)
			assert.Equal(t, []string{
				"A:in", "B:in",
				"A:view", "B:view",
				"A:fault", "B:fault",
				"B:out", "A:out",
			}, rec.get())
		})
	}
}

func TestShortCircuit(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			rec := &recorder{}
			viewCalls := 0
			guard := StageSpec{
				Name: "guard",
				Sync: func(next HandlerFunc) (Stage, error) {
					return StageFunc(func(ctx context.Context, r *Request) (*Response, error) {
						return Text(http.StatusForbidden, "go away"), nil
					}), nil
				},
			}
			view := NewView("page", func(ctx context.Context, r *Request, args Args) (*Response, error) {
				viewCalls++
				return Text(http.StatusOK, "hi"), nil
			})
			p := mustBuild(t, []StageSpec{guard, recordingStage("inner", rec)}, mode,
				Options{Resolver: newRoutes(view)})

			resp, err := handle(t, p, NewRequest("GET", "/page", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusForbidden, resp.Status)
			assert.Equal(t, "go away", string(resp.Body))
			assert.Empty(t, rec.get())
			assert.Zero(t, viewCalls)
		})
	}
}

func TestViewHookShortCircuitsTheView(t *testing.T) {
	viewCalls := 0
	view := NewView("page", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		viewCalls++
		return Text(http.StatusOK, "hi"), nil
	})
	cached := StageSpec{
		Name: "cache",
		Sync: func(next HandlerFunc) (Stage, error) {
			return &cacheStage{next}, nil
		},
	}
	p := mustBuild(t, []StageSpec{cached}, coop.Blocking, Options{Resolver: newRoutes(view)})
	resp, err := p.Handle(context.Background(), NewRequest("GET", "/page", nil))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(resp.Body))
	assert.Zero(t, viewCalls)
}

type cacheStage struct{ next HandlerFunc }

func (c *cacheStage) Handle(ctx context.Context, r *Request) (*Response, error) { return c.next(ctx, r) }
func (c *cacheStage) ProcessView(ctx context.Context, r *Request, v View, args Args) (*Response, error) {
	return Text(http.StatusOK, "cached"), nil
}

func TestNotFoundIsNotASecurityEvent(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			logger, logs := captureLogs()
			p := mustBuild(t, nil, mode, Options{Resolver: newRoutes(), Logger: logger})

			resp, err := handle(t, p, NewRequest("GET", "/missing", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusNotFound, resp.Status)
			assert.Equal(t, "Not Found\n", string(resp.Body))

			for _, rec := range logs.all() {
				assert.NotContains(t, fmt.Sprint(rec.Attrs["logger"]), "security")
			}
			reqLogs := logs.on("request")
			require.Len(t, reqLogs, 1)
			assert.Equal(t, "Not Found: /missing", reqLogs[0].Msg)
		})
	}
}

func TestOversizedBody(t *testing.T) {
	upload := NewView("upload", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		body, err := r.Body()
		if err != nil {
			return nil, err
		}
		return Text(http.StatusOK, string(body)), nil
	})
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			logger, logs := captureLogs()
			p := mustBuild(t, nil, mode, Options{
				Resolver: newRoutes(upload),
				Logger:   logger,
				Limits:   &Limits{MaxMemorySize: 8},
			})

			r := NewRequest("POST", "/upload", strings.NewReader("this body is far too large"))
			resp, err := handle(t, p, r)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Status)

			sec := logs.on("security.RequestDataTooBig")
			require.Len(t, sec, 1)
			assert.Equal(t, int64(400), sec[0].Attrs["status"])

			_, err = r.Body()
			assert.ErrorIs(t, err, ErrBodyAlreadyConsumed)
			_, err = r.Form()
			assert.ErrorIs(t, err, ErrBodyAlreadyConsumed)
		})
	}
}

func TestTooManyFields(t *testing.T) {
	form := NewView("form", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		vals, err := r.Form()
		if err != nil {
			return nil, err
		}
		return Text(http.StatusOK, vals.Encode()), nil
	})
	logger, logs := captureLogs()
	p := mustBuild(t, nil, coop.Blocking, Options{
		Resolver: newRoutes(form),
		Logger:   logger,
		Limits:   &Limits{MaxNumberFields: 2},
	})

	r := NewRequest("POST", "/form", strings.NewReader("a=1&b=2"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.Handle(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "a=1&b=2", string(resp.Body))

	r = NewRequest("POST", "/form", strings.NewReader("a=1&b=2&c=3"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = p.Handle(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Len(t, logs.on("security.TooManyFieldsSent"), 1)
	_, err = r.Form()
	assert.ErrorIs(t, err, ErrBodyAlreadyConsumed)
}

func multipartBody(t *testing.T, fields map[string]string, fileSize int) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("upload", "data.bin")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("x"), fileSize))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), &buf
}

func TestFileUploadsDontCountAgainstMemoryLimit(t *testing.T) {
	upload := NewView("upload", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		vals, err := r.Form()
		if err != nil {
			return nil, err
		}
		files, err := r.Files()
		if err != nil {
			return nil, err
		}
		return Text(http.StatusOK, fmt.Sprintf("%s %s:%d", vals.Encode(), files[0].Filename, len(files[0].Data))), nil
	})
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			logger, logs := captureLogs()
			p := mustBuild(t, nil, mode, Options{Resolver: newRoutes(upload), Logger: logger})

			ct, body := multipartBody(t, map[string]string{"title": "big"}, 3<<20)
			r := NewRequest("POST", "/upload", body)
			r.Header.Set("Content-Type", ct)
			resp, err := handle(t, p, r)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, fmt.Sprintf("title=big data.bin:%d", 3<<20), string(resp.Body))
			assert.Empty(t, logs.on("security.RequestDataTooBig"))
		})
	}
}

func TestMultipartFieldsCountAgainstMemoryLimit(t *testing.T) {
	form := NewView("form", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		vals, err := r.Form()
		if err != nil {
			return nil, err
		}
		return Text(http.StatusOK, vals.Encode()), nil
	})
	logger, logs := captureLogs()
	p := mustBuild(t, nil, coop.Blocking, Options{
		Resolver: newRoutes(form),
		Logger:   logger,
		Limits:   &Limits{MaxMemorySize: 16},
	})

	ct, body := multipartBody(t, map[string]string{"a": "short"}, 1024)
	r := NewRequest("POST", "/form", body)
	r.Header.Set("Content-Type", ct)
	resp, err := p.Handle(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "a=short", string(resp.Body))

	ct, body = multipartBody(t, map[string]string{"a": strings.Repeat("y", 32)}, 1)
	r = NewRequest("POST", "/form", body)
	r.Header.Set("Content-Type", ct)
	resp, err = p.Handle(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Len(t, logs.on("security.RequestDataTooBig"), 1)
}

type fakeTxn struct {
	aliases []string
	mu      sync.Mutex
	calls   []string
	errs    []error
}

func (f *fakeTxn) AtomicAliases() []string { return f.aliases }

func (f *fakeTxn) Atomic(ctx context.Context, alias string, fn func(context.Context) error) error {
	err := fn(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alias)
	f.errs = append(f.errs, err)
	return err
}

func TestCooperativeViewWithAtomicRequestsIsAConfigError(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			txn := &fakeTxn{aliases: []string{"default"}}
			p := mustBuild(t, nil, mode, Options{
				Resolver: newRoutes(
					asyncTextView("async", "x"),
					asyncTextView("exempt", "ok").WithNonAtomic("default"),
				),
				Transactions: txn,
			})

			resp, err := handle(t, p, NewRequest("GET", "/async", nil))
			assert.Nil(t, resp)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, cerr.Error(), "cooperative")

			resp, err = handle(t, p, NewRequest("GET", "/exempt", nil))
			require.NoError(t, err)
			assert.Equal(t, "ok", string(resp.Body))
			assert.Empty(t, txn.calls)
		})
	}
}

func TestBlockingViewsRunInsideRequestTransactions(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			txn := &fakeTxn{aliases: []string{"default", "replica"}}
			p := mustBuild(t, nil, mode, Options{
				Resolver: newRoutes(
					textView("page", "hi"),
					errView("fail", errors.New("rollback me")),
					textView("partial", "hi").WithNonAtomic("replica"),
				),
				Transactions: txn,
			})

			resp, err := handle(t, p, NewRequest("GET", "/page", nil))
			require.NoError(t, err)
			assert.Equal(t, "hi", string(resp.Body))
			assert.ElementsMatch(t, []string{"default", "replica"}, txn.calls)

			txn.calls, txn.errs = nil, nil
			resp, err = handle(t, p, NewRequest("GET", "/fail", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, resp.Status)
			require.Len(t, txn.errs, 2)
			assert.EqualError(t, txn.errs[0], "rollback me")

			txn.calls, txn.errs = nil, nil
			_, err = handle(t, p, NewRequest("GET", "/partial", nil))
			require.NoError(t, err)
			assert.Equal(t, []string{"default"}, txn.calls)
		})
	}
}

func TestMissingResponsesAreContractViolations(t *testing.T) {
	nilView := NewView("nil", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		return nil, nil
	})
	noFuture := NewAsyncView("nofuture", func(ctx context.Context, r *Request, args Args) *coop.Future[*Response] {
		return nil
	})
	badRender := StageSpec{
		Name: "badrender",
		Sync: func(next HandlerFunc) (Stage, error) { return &nilRenderStage{next}, nil },
	}
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			p := mustBuild(t, []StageSpec{badRender}, mode, Options{
				Resolver: newRoutes(nilView, noFuture, deferredView("page", "x")),
			})

			for path, handler := range map[string]string{
				"/nil":      "The view nil",
				"/nofuture": "The view nofuture",
				"/page":     "badrender.ProcessRender",
			} {
				resp, err := handle(t, p, NewRequest("GET", path, nil))
				assert.Nil(t, resp, path)
				var ierr *InvalidResultError
				if assert.ErrorAs(t, err, &ierr, path) {
					assert.Equal(t, handler, ierr.Handler)
				}
				assert.True(t, IsFatal(err))
			}
		})
	}
}

type nilRenderStage struct{ next HandlerFunc }

func (s *nilRenderStage) Handle(ctx context.Context, r *Request) (*Response, error) {
	return s.next(ctx, r)
}

func (s *nilRenderStage) ProcessRender(ctx context.Context, r *Request, resp *Response) (*Response, error) {
	return nil, nil
}

func TestStageReturningNothing(t *testing.T) {
	lazy := StageSpec{
		Name: "lazy",
		Sync: func(next HandlerFunc) (Stage, error) {
			return StageFunc(func(ctx context.Context, r *Request) (*Response, error) { return nil, nil }), nil
		},
	}
	p := mustBuild(t, []StageSpec{lazy}, coop.Blocking, Options{Resolver: newRoutes(textView("page", "x"))})
	_, err := p.Handle(context.Background(), NewRequest("GET", "/page", nil))
	var ierr *InvalidResultError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "lazy", ierr.Handler)
}

func TestBuildIsIdempotent(t *testing.T) {
	rec := &recorder{}
	specs := []StageSpec{recordingStage("A", rec), Gzip}
	opts := Options{Resolver: newRoutes(textView("page", "hello"))}

	p1 := mustBuild(t, specs, coop.Cooperative, opts)
	p2 := mustBuild(t, specs, coop.Cooperative, opts)
	assert.Equal(t, p1.Stages(), p2.Stages())

	for _, p := range []*Pipeline{p1, p2} {
		resp, err := p.HandleAsync(context.Background(), NewRequest("GET", "/page", nil)).Await()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "hello", string(resp.Body))
	}
	assert.Equal(t, []string{"A:in", "A:view", "A:out", "A:in", "A:view", "A:out"}, rec.get())
}

func TestStageFactories(t *testing.T) {
	declined := StageSpec{
		Name: "declined",
		Sync: func(next HandlerFunc) (Stage, error) {
			return nil, fmt.Errorf("feature disabled: %w", ErrNotUsed)
		},
	}
	logger, logs := captureLogs()
	p := mustBuild(t, []StageSpec{declined, Gzip}, coop.Blocking, Options{
		Resolver: newRoutes(textView("page", "x")),
		Debug:    true,
		Logger:   logger,
	})
	assert.Equal(t, []string{"gzip"}, p.Stages())
	var found bool
	for _, rec := range logs.all() {
		if rec.Msg == "stage not used" && rec.Attrs["stage"] == "declined" {
			found = true
		}
	}
	assert.True(t, found, "declined stage should be logged in debug mode")

	_, err := Build([]StageSpec{{Name: "empty"}}, coop.Blocking, Options{Resolver: newRoutes()})
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)

	broken := StageSpec{
		Name: "broken",
		Sync: func(next HandlerFunc) (Stage, error) { return nil, errors.New("missing setting") },
	}
	_, err = Build([]StageSpec{broken}, coop.Blocking, Options{Resolver: newRoutes()})
	assert.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "missing setting")

	nothing := StageSpec{
		Name: "nothing",
		Sync: func(next HandlerFunc) (Stage, error) { return nil, nil },
	}
	_, err = Build([]StageSpec{nothing}, coop.Blocking, Options{Resolver: newRoutes()})
	assert.ErrorAs(t, err, &cerr)

	_, err = Build(nil, coop.Blocking, Options{})
	assert.ErrorAs(t, err, &cerr, "a resolver is required")
}

func TestBuildNamed(t *testing.T) {
	reg := NewRegistry(Gzip, RequestID)
	assert.Equal(t, []string{"gzip", "request_id"}, reg.Names())
	assert.Error(t, reg.Register(Gzip))

	p, err := BuildNamed(reg, []string{"request_id", "gzip"}, coop.Blocking,
		Options{Resolver: newRoutes(textView("page", "x"))})
	require.NoError(t, err)
	assert.Equal(t, []string{"request_id", "gzip"}, p.Stages())

	_, err = BuildNamed(reg, []string{"gzip", "nope"}, coop.Blocking,
		Options{Resolver: newRoutes()})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestWrongEntryPoint(t *testing.T) {
	opts := Options{Resolver: newRoutes(textView("page", "x"))}
	var cerr *ConfigError

	blocking := mustBuild(t, nil, coop.Blocking, opts)
	_, err := blocking.HandleAsync(context.Background(), NewRequest("GET", "/page", nil)).Await()
	assert.ErrorAs(t, err, &cerr)

	cooperative := mustBuild(t, nil, coop.Cooperative, opts)
	_, err = cooperative.Handle(context.Background(), NewRequest("GET", "/page", nil))
	assert.ErrorAs(t, err, &cerr)
}

func TestUncaughtFaults(t *testing.T) {
	boom := NewView("boom", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		panic("boom")
	})
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			logger, logs := captureLogs()
			var notified []error
			p := mustBuild(t, nil, mode, Options{
				Resolver:    newRoutes(boom),
				Logger:      logger,
				OnException: func(ctx context.Context, r *Request, err error) { notified = append(notified, err) },
			})
			resp, err := handle(t, p, NewRequest("GET", "/boom", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, resp.Status)
			assert.Equal(t, "Internal Server Error\n", string(resp.Body))
			require.Len(t, notified, 1)

			reqLogs := logs.on("request")
			require.Len(t, reqLogs, 1, "the failed response is logged once")
			assert.Equal(t, "Internal Server Error: /boom", reqLogs[0].Msg)
		})
	}
}

func TestPropagateExceptions(t *testing.T) {
	boom := NewView("boom", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		panic("boom")
	})
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			var notified int
			p := mustBuild(t, []StageSpec{Gzip}, mode, Options{
				Resolver:            newRoutes(boom, errView("bad", BadRequest("bad input"))),
				PropagateExceptions: true,
				OnException:         func(context.Context, *Request, error) { notified++ },
			})
			_, err := handle(t, p, NewRequest("GET", "/boom", nil))
			var perr *PropagatedError
			require.ErrorAs(t, err, &perr)
			var pe *coop.PanicError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "boom", pe.Val)
			assert.Equal(t, 1, notified)

			// Classified faults still produce responses.
			resp, err := handle(t, p, NewRequest("GET", "/bad", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Status)

			assert.Panics(t, func() {
				p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/boom", nil))
			})
		})
	}
}

func TestFailingErrorHandlerIsFatal(t *testing.T) {
	rt := newRoutes(errView("boom", errors.New("boom")))
	rt.handlers[http.StatusInternalServerError] = func(ctx context.Context, r *Request, err error) (*Response, error) {
		return nil, errors.New("template missing")
	}
	p := mustBuild(t, nil, coop.Blocking, Options{Resolver: rt})
	_, err := p.Handle(context.Background(), NewRequest("GET", "/boom", nil))
	var ferr *FatalError
	require.ErrorAs(t, err, &ferr)
	assert.EqualError(t, ferr.Cause, "boom")

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestFailingForbiddenHandlerIsLoggedAsServerError(t *testing.T) {
	rt := newRoutes(errView("denied", PermissionDenied("members only")))
	rt.handlers[http.StatusForbidden] = func(ctx context.Context, r *Request, err error) (*Response, error) {
		return nil, errors.New("template missing")
	}
	logger, logs := captureLogs()
	p := mustBuild(t, nil, coop.Blocking, Options{Resolver: rt, Logger: logger})

	resp, err := p.Handle(context.Background(), NewRequest("GET", "/denied", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	reqLogs := logs.on("request")
	require.Len(t, reqLogs, 1)
	assert.Equal(t, slog.LevelError, reqLogs[0].Level)
	assert.Equal(t, "Internal Server Error: /denied", reqLogs[0].Msg)
	assert.Equal(t, int64(500), reqLogs[0].Attrs["status"])
	assert.Contains(t, fmt.Sprint(reqLogs[0].Attrs["error"]), "error handler for 403 failed: template missing")
}

func TestClassification(t *testing.T) {
	rt := newRoutes(
		errView("denied", PermissionDenied("members only")),
		errView("malformed", MalformedBody(errors.New("bad boundary"))),
		errView("bad", BadRequest("missing parameter q")),
		errView("host", Suspicious(DisallowedHost, "invalid HTTP_HOST header")),
		errView("friendly", &Error{Kind: KindNotFound, ClientMsg: "No such user"}),
	)
	rt.handlers[http.StatusForbidden] = JSONErrorHandler(http.StatusForbidden)
	logger, logs := captureLogs()
	p := mustBuild(t, nil, coop.Blocking, Options{Resolver: rt, Logger: logger})

	tests := []struct {
		path   string
		status int
		body   string
		log    string
	}{
		{"/denied", 403, `{"error":"Forbidden"}`, "Forbidden (Permission denied): /denied"},
		{"/malformed", 400, "Bad Request\n", "Bad request (Unable to parse request body): /malformed"},
		{"/bad", 400, "Bad Request\n", "missing parameter q: /bad"},
		{"/host", 400, "Bad Request\n", "Bad Request: /host"},
		{"/friendly", 404, "No such user\n", "Not Found: /friendly"},
	}
	for _, test := range tests {
		t.Run(test.path, func(t *testing.T) {
			logs.records = nil
			r := NewRequest("GET", test.path, nil)
			resp, err := p.Handle(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, test.status, resp.Status)
			assert.Equal(t, test.body, string(resp.Body))
			reqLogs := logs.on("request")
			require.Len(t, reqLogs, 1)
			assert.Equal(t, test.log, reqLogs[0].Msg)
			assert.NotNil(t, r.Fault())
		})
	}

	logs.records = nil
	r := NewRequest("GET", "/host", nil)
	_, err := p.Handle(context.Background(), r)
	require.NoError(t, err)
	assert.Len(t, logs.on("security.DisallowedHost"), 1)
	_, err = r.Body()
	assert.NoError(t, err, "a disallowed host doesn't consume the body")
}

func TestDebugPages(t *testing.T) {
	p := mustBuild(t, nil, coop.Blocking, Options{
		Resolver: newRoutes(NewView("boom", func(ctx context.Context, r *Request, args Args) (*Response, error) {
			panic(errors.New("exploded"))
		})),
		Debug: true,
	})

	resp, err := p.Handle(context.Background(), NewRequest("GET", "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Contains(t, string(resp.Body), "NotFound")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, err = p.Handle(context.Background(), NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, string(resp.Body), "exploded")
	assert.Contains(t, string(resp.Body), "*coop.PanicError")
}

func TestFaultHookRecovers(t *testing.T) {
	rescue := StageSpec{
		Name: "rescue",
		Async: func(next AsyncHandlerFunc) (AsyncStage, error) {
			return &rescueStage{next}, nil
		},
	}
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			p := mustBuild(t, []StageSpec{rescue}, mode, Options{
				Resolver: newRoutes(errView("fail", errors.New("db down"))),
			})
			resp, err := handle(t, p, NewRequest("GET", "/fail", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
			assert.Equal(t, "rescued: db down", string(resp.Body))
		})
	}
}

type rescueStage struct{ next AsyncHandlerFunc }

func (s *rescueStage) HandleAsync(ctx context.Context, r *Request) *coop.Future[*Response] {
	return s.next(ctx, r)
}

func (s *rescueStage) ProcessFaultAsync(ctx context.Context, r *Request, err error) *coop.Future[*Response] {
	return coop.Ready(Text(http.StatusServiceUnavailable, "rescued: "+err.Error()), nil)
}

func TestRenderHooksCanChangeTemplateData(t *testing.T) {
	tpl := mustTemplate("Hello {{.name}}")
	view := NewView("greet", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		return NewTemplateResponse(http.StatusOK, tpl, map[string]any{"name": "world"}), nil
	})
	personalize := StageSpec{
		Name: "personalize",
		Sync: func(next HandlerFunc) (Stage, error) { return &personalizeStage{next}, nil },
	}
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			p := mustBuild(t, []StageSpec{personalize}, mode, Options{Resolver: newRoutes(view)})
			resp, err := handle(t, p, NewRequest("GET", "/greet", nil))
			require.NoError(t, err)
			assert.True(t, resp.Rendered())
			assert.Equal(t, "Hello gopher", string(resp.Body))
		})
	}
}

type personalizeStage struct{ next HandlerFunc }

func (s *personalizeStage) Handle(ctx context.Context, r *Request) (*Response, error) {
	return s.next(ctx, r)
}

func (s *personalizeStage) ProcessRender(ctx context.Context, r *Request, resp *Response) (*Response, error) {
	resp.Data["name"] = "gopher"
	return resp, nil
}

func TestRenderFailureGoesToFaultHooks(t *testing.T) {
	view := NewView("broken", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		return NewDeferred(http.StatusOK, "text/plain", func(context.Context, *Response) ([]byte, error) {
			return nil, errors.New("render failed")
		}), nil
	})
	rec := &recorder{}
	p := mustBuild(t, []StageSpec{recordingStage("A", rec)}, coop.Blocking, Options{Resolver: newRoutes(view)})
	resp, err := p.Handle(context.Background(), NewRequest("GET", "/broken", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, []string{"A:in", "A:view", "A:render", "A:fault", "A:out"}, rec.get())
}

func TestBlockingCallsArePinnedInCooperativePipelines(t *testing.T) {
	var mu sync.Mutex
	var workers []uint64
	note := func(ctx context.Context) {
		id, ok := coop.WorkerID(ctx)
		assert.True(t, ok)
		mu.Lock()
		workers = append(workers, id)
		mu.Unlock()
	}
	view := NewView("page", func(ctx context.Context, r *Request, args Args) (*Response, error) {
		note(ctx)
		return Text(http.StatusOK, "hi"), nil
	})
	pin := StageSpec{
		Name: "pin",
		Sync: func(next HandlerFunc) (Stage, error) {
			return &pinStage{next, note}, nil
		},
	}
	p := mustBuild(t, []StageSpec{pin}, coop.Cooperative, Options{Resolver: newRoutes(view)})
	_, err := p.HandleAsync(context.Background(), NewRequest("GET", "/page", nil)).Await()
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.Equal(t, workers[0], workers[1])
	assert.Equal(t, workers[0], workers[2])
}

type pinStage struct {
	next HandlerFunc
	note func(context.Context)
}

func (s *pinStage) Handle(ctx context.Context, r *Request) (*Response, error) {
	s.note(ctx)
	return s.next(ctx, r)
}

func (s *pinStage) ProcessView(ctx context.Context, r *Request, v View, args Args) (*Response, error) {
	s.note(ctx)
	return nil, nil
}

func TestServeHTTP(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			closed := false
			view := NewView("page", func(ctx context.Context, r *Request, args Args) (*Response, error) {
				resp := Text(http.StatusCreated, "made it "+r.Query.Get("q"))
				resp.AddCloser(func() error { closed = true; return nil })
				return resp, nil
			})
			p := mustBuild(t, []StageSpec{RequestID}, mode, Options{Resolver: newRoutes(view)})
			w := httptest.NewRecorder()
			p.ServeHTTP(w, httptest.NewRequest("GET", "/page?q=x", nil))
			assert.Equal(t, http.StatusCreated, w.Code)
			assert.Equal(t, "made it x", w.Body.String())
			assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
			assert.True(t, closed)
		})
	}
}
