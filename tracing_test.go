package layercake

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestTracing(t *testing.T) {
	for _, mode := range bothModes {
		t.Run(mode.String(), func(t *testing.T) {
			sr := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
			p := mustBuild(t, []StageSpec{Tracing(tp)}, mode, Options{
				Resolver: newRoutes(textView("hello", "hi"), errView("boom", errors.New("kaboom"))),
			})

			resp, err := handle(t, p, NewRequest("GET", "/hello", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)

			resp, err = handle(t, p, NewRequest("GET", "/boom", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusInternalServerError, resp.Status)

			spans := sr.Ended()
			require.Len(t, spans, 2)

			ok := spans[0]
			assert.Equal(t, "GET /hello", ok.Name())
			attrs := spanAttrs(ok)
			assert.Equal(t, "hello", attrs["layercake.view"].AsString())
			assert.Equal(t, "/hello", attrs["http.route"].AsString())
			assert.Equal(t, int64(200), attrs["http.response.status_code"].AsInt64())
			assert.Equal(t, codes.Unset, ok.Status().Code)

			failed := spans[1]
			assert.Equal(t, "GET /boom", failed.Name())
			assert.Equal(t, codes.Error, failed.Status().Code)
			require.NotEmpty(t, failed.Events())
			assert.Equal(t, "exception", failed.Events()[0].Name)
		})
	}
}
