package layercake

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Limits bounds how much of a request body will be read and parsed.
// Zero values mean "no limit".
type Limits struct {
	MaxMemorySize   int64
	MaxNumberFields int
	MaxNumberFiles  int
}

// DefaultLimits are used by pipelines that don't configure their own.
var DefaultLimits = Limits{
	MaxMemorySize:   2621440, // 2.5 MiB
	MaxNumberFields: 1000,
	MaxNumberFiles:  100,
}

// File is an uploaded file from a multipart form.
type File struct {
	Field    string
	Filename string
	Header   map[string][]string
	Data     []byte
}

// Request is the inbound request as seen by stages and views. A Request
// belongs to one in-flight dispatch and must not be shared across requests.
type Request struct {
	Method     string
	Path       string
	Host       string
	RemoteAddr string
	Header     http.Header
	Query      url.Values

	// URLConf selects the resolver table for this request. Empty means the
	// pipeline's root table. Stages may change it before dispatch.
	URLConf string
	// Match is set by the dispatch engine once the path is resolved.
	Match *Match
	// ID is a request identifier, set by the RequestID stage.
	ID string

	// HTTP is the transport request this one was built from, if any.
	HTTP *http.Request

	body   io.ReadCloser
	limits *Limits

	mu       sync.Mutex
	read     bool
	data     []byte
	bodyErr  error
	parsed   bool
	form     url.Values
	files    []File
	formErr  error
	unusable bool
	closed   bool
	fault    error
}

// NewRequest builds an in-process request. body may be nil.
func NewRequest(method, target string, body io.Reader) *Request {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		u = &url.URL{Path: target}
	}
	r := &Request{
		Method: method,
		Path:   u.Path,
		Host:   u.Host,
		Header: http.Header{},
		Query:  u.Query(),
	}
	if body != nil {
		rc, ok := body.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(body)
		}
		r.body = rc
	}
	return r
}

// FromHTTP wraps a transport request.
func FromHTTP(req *http.Request) *Request {
	return &Request{
		Method:     req.Method,
		Path:       req.URL.Path,
		Host:       req.Host,
		RemoteAddr: req.RemoteAddr,
		Header:     req.Header,
		Query:      req.URL.Query(),
		HTTP:       req,
		body:       req.Body,
	}
}

// SetLimits overrides the body limits for this request. Pipelines apply their
// own limits to requests that have none.
func (r *Request) SetLimits(l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = &l
}

func (r *Request) applyLimits(l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limits == nil {
		r.limits = &l
	}
}

func (r *Request) currentLimits() Limits {
	if r.limits == nil {
		return DefaultLimits
	}
	return *r.limits
}

// Body reads and returns the complete request body. The body is read once and
// cached. A body larger than the configured memory limit fails with a
// RequestDataTooBig suspicious error.
func (r *Request) Body() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readBody()
}

func (r *Request) readBody() ([]byte, error) {
	if r.unusable {
		return nil, ErrBodyAlreadyConsumed
	}
	if r.read {
		return r.data, r.bodyErr
	}
	r.read = true
	if r.body == nil {
		return nil, nil
	}
	limit := r.currentLimits().MaxMemorySize
	src := io.Reader(r.body)
	if limit > 0 {
		src = io.LimitReader(r.body, limit+1)
	}
	data, err := io.ReadAll(src)
	switch {
	case err != nil:
		r.bodyErr = MalformedBody(err)
	case limit > 0 && int64(len(data)) > limit:
		r.bodyErr = Suspicious(RequestDataTooBig,
			"request body exceeded the maximum memory size")
	default:
		r.data = data
	}
	return r.data, r.bodyErr
}

// Form parses the body as application/x-www-form-urlencoded or
// multipart/form-data and returns the fields, merged with nothing else:
// query parameters are in Query. Field and file count limits apply.
func (r *Request) Form() (url.Values, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unusable {
		return nil, ErrBodyAlreadyConsumed
	}
	if r.parsed {
		return r.form, r.formErr
	}
	r.parsed = true
	r.form, r.files, r.formErr = r.parseForm()
	return r.form, r.formErr
}

// Files returns the files uploaded with a multipart form.
func (r *Request) Files() ([]File, error) {
	if _, err := r.Form(); err != nil {
		return nil, err
	}
	return r.files, nil
}

func (r *Request) parseForm() (url.Values, []File, error) {
	ct, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		data, err := r.readBody()
		if err != nil {
			return nil, nil, err
		}
		return r.parseURLEncoded(string(data))
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, nil, MalformedBody(fmt.Errorf("multipart body without boundary"))
		}
		src, err := r.multipartSource()
		if err != nil || src == nil {
			return url.Values{}, nil, err
		}
		return r.parseMultipart(src, boundary)
	}
	return url.Values{}, nil, nil
}

func (r *Request) parseURLEncoded(body string) (url.Values, []File, error) {
	lim := r.currentLimits().MaxNumberFields
	if lim > 0 && body != "" && strings.Count(body, "&")+strings.Count(body, ";")+1 > lim {
		return nil, nil, Suspicious(TooManyFieldsSent,
			"the number of GET/POST parameters exceeded the maximum number of fields")
	}
	vals, err := url.ParseQuery(body)
	if err != nil {
		return nil, nil, MalformedBody(err)
	}
	return vals, nil, nil
}

// multipartSource returns the reader a multipart form is parsed from. An
// unread body is streamed directly so that file parts don't count against
// MaxMemorySize; afterwards the raw body is no longer available.
func (r *Request) multipartSource() (io.Reader, error) {
	if r.read {
		if r.bodyErr != nil {
			return nil, r.bodyErr
		}
		return bytes.NewReader(r.data), nil
	}
	r.read = true
	if r.body == nil {
		return nil, nil
	}
	r.bodyErr = ErrBodyAlreadyConsumed
	return r.body, nil
}

// parseMultipart reads the parts of a multipart form. Only non-file field
// data counts against MaxMemorySize.
func (r *Request) parseMultipart(src io.Reader, boundary string) (url.Values, []File, error) {
	lim := r.currentLimits()
	form := url.Values{}
	var files []File
	fields := 0
	var fieldBytes int64
	mr := multipart.NewReader(src, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, MalformedBody(err)
		}
		if part.FileName() == "" {
			fields++
			if lim.MaxNumberFields > 0 && fields > lim.MaxNumberFields {
				return nil, nil, Suspicious(TooManyFieldsSent,
					"the number of GET/POST parameters exceeded the maximum number of fields")
			}
			in := io.Reader(part)
			if lim.MaxMemorySize > 0 {
				in = io.LimitReader(part, lim.MaxMemorySize-fieldBytes+1)
			}
			content, err := io.ReadAll(in)
			if err != nil {
				return nil, nil, MalformedBody(err)
			}
			fieldBytes += int64(len(content))
			if lim.MaxMemorySize > 0 && fieldBytes > lim.MaxMemorySize {
				return nil, nil, Suspicious(RequestDataTooBig,
					"request body exceeded the maximum memory size")
			}
			form.Add(part.FormName(), string(content))
			continue
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, MalformedBody(err)
		}
		if lim.MaxNumberFiles > 0 && len(files) >= lim.MaxNumberFiles {
			return nil, nil, Suspicious(TooManyFilesSent,
				"the number of files exceeded the maximum number of files")
		}
		files = append(files, File{
			Field:    part.FormName(),
			Filename: part.FileName(),
			Header:   part.Header,
			Data:     content,
		})
	}
	return form, files, nil
}

// Fault is the last failure classified while handling the request, if any.
func (r *Request) Fault() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fault
}

func (r *Request) setFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = err
}

// markBodyUnusable prevents any further attempt to read or parse the body.
func (r *Request) markBodyUnusable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unusable = true
	r.data = nil
	r.form = nil
	r.files = nil
}

// Close releases the request body. It is safe to call more than once.
func (r *Request) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.body == nil {
		r.closed = true
		return nil
	}
	r.closed = true
	return r.body.Close()
}
