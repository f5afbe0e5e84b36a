package layercake

import (
	"context"
	"encoding/json"
	"net/http"
)

// clientMessage is what the client is told about err: the *Error's ClientMsg
// if set, otherwise the status text.
func clientMessage(status int, err error) string {
	if _, e := KindOf(err); e != nil && e.ClientMsg != "" {
		return e.ClientMsg
	}
	return http.StatusText(status)
}

// DefaultErrorHandler responds with status and a plain text client message.
// Details of err stay in the server logs.
func DefaultErrorHandler(status int) ErrorHandler {
	return func(ctx context.Context, r *Request, err error) (*Response, error) {
		return Text(status, clientMessage(status, err)+"\n"), nil
	}
}

// JSONErrorHandler is identical to DefaultErrorHandler except that it responds
// to the client as JSON.
func JSONErrorHandler(status int) ErrorHandler {
	return func(ctx context.Context, r *Request, err error) (*Response, error) {
		body, _ := json.Marshal(map[string]string{"error": clientMessage(status, err)})
		return NewResponse(status, "application/json", body), nil
	}
}
