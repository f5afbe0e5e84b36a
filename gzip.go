package layercake

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"strings"
)

const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerContentLength   = "Content-Length"
	headerContentType     = "Content-Type"
	headerVary            = "Vary"
)

// Gzip is a blocking-only stage that compresses the response body of every
// request that accepts gzip. In a cooperative pipeline the rest of the
// pipeline is awaited from the request's pinned worker.
//
// Note that this does NOT auto-detect the content and disable compression for
// already-compressed data (e.g. jpg images).
var Gzip = StageSpec{
	Name: "gzip",
	Sync: Wrap{Name: "gzip", After: gzipResponse}.Spec().Sync,
}

func gzipResponse(ctx context.Context, r *Request, resp *Response, err error) (*Response, error) {
	if err != nil || resp == nil || !resp.Rendered() {
		return resp, err
	}
	if !strings.Contains(r.Header.Get(headerAcceptEncoding), "gzip") ||
		resp.Header.Get(headerContentEncoding) != "" || len(resp.Body) == 0 {
		return resp, nil
	}
	if resp.Header.Get(headerContentType) == "" {
		resp.Header.Set(headerContentType, http.DetectContentType(resp.Body))
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(resp.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	resp.Body = buf.Bytes()
	resp.Header.Set(headerContentEncoding, "gzip")
	resp.Header.Add(headerVary, headerAcceptEncoding)
	resp.Header.Del(headerContentLength)
	return resp, nil
}
