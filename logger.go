package layercake

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Injected for testing
var time_Now = time.Now

// LogEntry is the information tracked on a per-request basis by the
// RequestLog stage. All fields other than Note are automatically filled in.
// The Note field is a generic key-value string map for adding additional
// per-request metadata to the logs: views and stages can use LogNote.
//
// For example:
//
//	func MyAuthCheck(ctx context.Context, r *layercake.Request) (*layercake.Response, error) {
//	    user, err := decodeAuthCookie(r)
//	    if user != nil {
//	        layercake.LogNote(ctx, "user", user.Id()) // indicate which user is auth'd
//	    }
//	    ...
//	}
type LogEntry struct {
	RemoteIp     string
	Start        time.Time
	Request      *Request
	StatusCode   int
	ResponseSize int
	Elapsed      time.Duration
	Error        error
	Note         map[string]string
	// set to true to suppress logging this request
	Quiet bool
}

type logEntryKey struct{}

// LogEntryFrom returns the entry of the request being logged, or nil when the
// RequestLog stage isn't configured.
func LogEntryFrom(ctx context.Context) *LogEntry {
	e, _ := ctx.Value(logEntryKey{}).(*LogEntry)
	return e
}

// NoLog suppresses log output for this request. For example, to reduce log
// spam from favicon requests:
//
//	func favicon(ctx context.Context, r *layercake.Request, _ layercake.Args) (*layercake.Response, error) {
//	    layercake.NoLog(ctx)
//	    ...
//	}
func NoLog(ctx context.Context) {
	if e := LogEntryFrom(ctx); e != nil {
		e.Quiet = true
	}
}

// LogNote adds key=val to the request's log entry.
func LogNote(ctx context.Context, key, val string) {
	if e := LogEntryFrom(ctx); e != nil {
		e.Note[key] = val
	}
}

// RequestLog is a stage that creates a log entry before the rest of the
// pipeline runs and commits it to logger afterwards. A nil logger means
// slog.Default().
func RequestLog(logger *slog.Logger) StageSpec {
	return Wrap{
		Name: "request_log",
		Before: func(ctx context.Context, r *Request) (context.Context, *Response, error) {
			return context.WithValue(ctx, logEntryKey{}, NewLogEntry(r)), nil, nil
		},
		After: func(ctx context.Context, r *Request, resp *Response, err error) (*Response, error) {
			if e := LogEntryFrom(ctx); e != nil {
				e.Commit(logger, resp, err)
			}
			return resp, err
		},
	}.Spec()
}

// NewLogEntry creates a *LogEntry and initializes it with basic request
// information.
func NewLogEntry(r *Request) *LogEntry {
	return &LogEntry{
		RemoteIp: remoteIp(r),
		Start:    time_Now(),
		Request:  r,
		Note:     map[string]string{},
	}
}

// Commit fills in the remaining *LogEntry fields and writes the entry out.
func (entry *LogEntry) Commit(logger *slog.Logger, resp *Response, err error) {
	entry.Elapsed = time_Now().Sub(entry.Start)
	if resp != nil {
		entry.StatusCode = resp.Status
		entry.ResponseSize = len(resp.Body)
	}
	entry.Error = err
	if entry.Error == nil {
		entry.Error = entry.Request.Fault()
	}
	WriteLog(logger, *entry)
}

// WriteLog is called to actually write a LogEntry out to the log. By default,
// normal requests are logged at info level, slow requests at warn level and
// errors at error level. You can replace the function to adjust the
// formatting.
var WriteLog = func(logger *slog.Logger, e LogEntry) {
	if e.Quiet {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"remote", e.RemoteIp,
		"method", e.Request.Method,
		"path", e.Request.Path,
		"status", e.StatusCode,
		"size", e.ResponseSize,
		"elapsed", e.Elapsed,
	}
	if e.Request.ID != "" {
		attrs = append(attrs, "request_id", e.Request.ID)
	}
	if len(e.Note) > 0 {
		attrs = append(attrs, "notes", e.Notes())
	}
	if e.Error != nil {
		attrs = append(attrs, "error", e.Error)
	}
	msg := fmt.Sprintf("%s %s", e.Request.Method, e.Request.Path)
	logger.Log(context.Background(), logLevel(e), msg, attrs...)
}

// Notes formats the Note values for logging.
func (l LogEntry) Notes() string {
	pairs := make([]string, 0, len(l.Note))
	for k, v := range l.Note {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

func logLevel(e LogEntry) slog.Level {
	level := slog.LevelInfo
	if e.Elapsed > 30*time.Millisecond {
		level = slog.LevelWarn
	}
	if e.StatusCode >= 400 || e.Error != nil {
		level = slog.LevelError
	}
	return level
}

// remoteIp extracts the remote IP from the request.  Adapted from code in
// Martini:
//
//	https://github.com/go-martini/martini/blob/1d33529c15f19/logger.go#L14..L20
func remoteIp(r *Request) string {
	if addr := r.Header.Get("X-Real-IP"); addr != "" {
		return addr
	} else if addr := r.Header.Get("X-Forwarded-For"); addr != "" {
		return addr
	}
	return r.RemoteAddr
}
