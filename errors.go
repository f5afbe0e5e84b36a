package layercake

import (
	"errors"
	"fmt"
)

// Kind is the closed set of request failure categories understood by the
// classifier. Anything that isn't an *Error is KindUncaught.
type Kind uint8

const (
	KindUncaught Kind = iota
	KindNotFound
	KindPermissionDenied
	KindMalformedBody
	KindBadRequest
	KindSuspicious
)

func (k Kind) String() string {
	switch k {
	case KindUncaught:
		return "Uncaught"
	case KindNotFound:
		return "NotFound"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindMalformedBody:
		return "MalformedBody"
	case KindBadRequest:
		return "BadRequest"
	case KindSuspicious:
		return "SuspiciousOperation"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Subkind names the concrete flavor of a KindSuspicious failure. It is used
// to tag the security log entry.
type Subkind string

const (
	SuspiciousOperation Subkind = "SuspiciousOperation"
	RequestDataTooBig   Subkind = "RequestDataTooBig"
	TooManyFieldsSent   Subkind = "TooManyFieldsSent"
	TooManyFilesSent    Subkind = "TooManyFilesSent"
	DisallowedHost      Subkind = "DisallowedHost"
)

// bodyLimit reports whether the subkind is raised while parsing the request
// body, after which the body can't be parsed again consistently.
func (s Subkind) bodyLimit() bool {
	return s == RequestDataTooBig || s == TooManyFieldsSent || s == TooManyFilesSent
}

// Error is a classified request failure. It tells the classifier three things:
//   - which Kind of failure happened (and for suspicious operations, which
//     Subkind);
//   - the client-facing message, if any should be sent. Typically this is a
//     sanitized message; the default error handlers fall back to the status
//     text;
//   - internal detail (Msg and Cause) for the server logs.
//
// Note that Cause may be nil.
type Error struct {
	Kind      Kind
	Subkind   Subkind
	Msg       string
	ClientMsg string
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NotFound reports that the requested resource doesn't exist (404).
func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Msg: msg} }

// PermissionDenied reports that the client may not access the resource (403).
func PermissionDenied(msg string) *Error { return &Error{Kind: KindPermissionDenied, Msg: msg} }

// MalformedBody reports a request body that couldn't be parsed (400).
func MalformedBody(cause error) *Error {
	return &Error{Kind: KindMalformedBody, Msg: "unable to parse request body", Cause: cause}
}

// BadRequest reports an explicitly rejected request (400).
func BadRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Msg: msg} }

// Suspicious reports a request that looks like an attack or a client doing
// something it shouldn't (400). It is always written to the security log.
func Suspicious(sub Subkind, msg string) *Error {
	if sub == "" {
		sub = SuspiciousOperation
	}
	return &Error{Kind: KindSuspicious, Subkind: sub, Msg: msg}
}

// KindOf returns the classification of err and the *Error carrying it, if any.
func KindOf(err error) (Kind, *Error) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e
	}
	return KindUncaught, nil
}

// ErrNotUsed may be returned (possibly wrapped) by a stage factory to take
// the stage out of the pipeline. The message is logged in debug mode.
var ErrNotUsed = errors.New("stage not used")

// ErrBodyAlreadyConsumed is returned when reading a request body that was
// marked unusable after a body-limit violation.
var ErrBodyAlreadyConsumed = errors.New("request body already consumed")

// Fatal errors are never converted into responses: they pass through every
// containment layer to the caller of Handle.
type fatal interface {
	Fatal() bool
}

// IsFatal reports whether err (or anything it wraps) is a configuration
// fault, a contract violation, or otherwise must not be turned into a
// response.
func IsFatal(err error) bool {
	var f fatal
	return errors.As(err, &f) && f.Fatal()
}

// ConfigError is a configuration fault: a bad stage descriptor, a stage
// factory failure, or a view/transaction mode conflict.
type ConfigError struct {
	Msg   string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return "improperly configured: " + e.Msg + ": " + e.Cause.Error()
	}
	return "improperly configured: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Cause }
func (e *ConfigError) Fatal() bool   { return true }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidResultError is a contract violation by a view, stage, or hook that
// produced no response.
type InvalidResultError struct {
	Handler string
	Reason  string
}

func (e *InvalidResultError) Error() string {
	return fmt.Sprintf("%s didn't return a *Response: it %s", e.Handler, e.Reason)
}

func (e *InvalidResultError) Fatal() bool { return true }

// FatalError is returned when classification itself failed: the fallback
// 500 handler couldn't produce a response.
type FatalError struct {
	Err   error // what went wrong while handling the fault
	Cause error // the fault being handled
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("failed to handle %v: %v", e.Cause, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
func (e *FatalError) Fatal() bool   { return true }

// PropagatedError carries an uncaught fault out of the pipeline when
// Options.PropagateExceptions is set.
type PropagatedError struct {
	Err error
}

func (e *PropagatedError) Error() string { return e.Err.Error() }
func (e *PropagatedError) Unwrap() error { return e.Err }
func (e *PropagatedError) Fatal() bool   { return true }
