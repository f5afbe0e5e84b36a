package layercake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
)

// RenderFunc produces the body of a deferred response.
type RenderFunc func(ctx context.Context, resp *Response) ([]byte, error)

// Response is the outbound response. A response with a RenderFunc is
// deferred: its body is produced by Render, after the post-render hooks had a
// chance to modify it.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Template and Data are used by template responses. Post-render hooks may
	// change either before the response is rendered.
	Template *template.Template
	Data     map[string]any

	render   RenderFunc
	rendered bool
	logged   bool

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// NewResponse creates an already-rendered response.
func NewResponse(status int, contentType string, body []byte) *Response {
	resp := &Response{Status: status, Header: http.Header{}, Body: body}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}

// Text creates a plain text response.
func Text(status int, body string) *Response {
	return NewResponse(status, "text/plain; charset=utf-8", []byte(body))
}

// HTML creates an html response.
func HTML(status int, body string) *Response {
	return NewResponse(status, "text/html; charset=utf-8", []byte(body))
}

// JSON creates a json response. v must be serializable.
func JSON(status int, v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewResponse(status, "application/json", data), nil
}

// NewDeferred creates a response whose body is produced later by render.
func NewDeferred(status int, contentType string, render RenderFunc) *Response {
	resp := NewResponse(status, contentType, nil)
	resp.render = render
	return resp
}

// NewTemplateResponse creates a deferred response that executes tpl with data
// when rendered.
func NewTemplateResponse(status int, tpl *template.Template, data map[string]any) *Response {
	resp := NewDeferred(status, "text/html; charset=utf-8", executeTemplate)
	resp.Template = tpl
	resp.Data = data
	return resp
}

func executeTemplate(ctx context.Context, resp *Response) ([]byte, error) {
	if resp.Template == nil {
		return nil, errors.New("template response without a template")
	}
	var buf bytes.Buffer
	if err := resp.Template.Execute(&buf, resp.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deferred reports whether the response declares a deferred render.
func (r *Response) Deferred() bool { return r.render != nil }

// Rendered reports whether the body is final.
func (r *Response) Rendered() bool { return r.render == nil || r.rendered }

// Render produces the body of a deferred response. Rendering an already
// rendered response is a no-op.
func (r *Response) Render(ctx context.Context) (*Response, error) {
	if r.Rendered() {
		return r, nil
	}
	body, err := r.render(ctx, r)
	if err != nil {
		return nil, err
	}
	r.Body = body
	r.rendered = true
	return r, nil
}

// ReasonPhrase is the standard text of the status code.
func (r *Response) ReasonPhrase() string {
	if txt := http.StatusText(r.Status); txt != "" {
		return txt
	}
	return "Unknown Status Code"
}

// AddCloser registers fn to run when the response is closed. Closers run in
// registration order.
func (r *Response) AddCloser(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Close runs the registered closers once and returns their joined errors.
func (r *Response) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, fn := range closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Write sends the response to w. The response must be rendered.
func (r *Response) Write(w http.ResponseWriter) (int, error) {
	if !r.Rendered() {
		return 0, fmt.Errorf("response (%d) written before it was rendered", r.Status)
	}
	h := w.Header()
	for k, vals := range r.Header {
		h[k] = append([]string(nil), vals...)
	}
	if h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	return w.Write(r.Body)
}
