package layercake

import (
	"context"

	"github.com/google/uuid"

	"github.com/augustoroman/layercake/coop"
)

// HeaderRequestID is the response header carrying the request id.
const HeaderRequestID = "X-Request-ID"

// RequestID is a cooperative-only stage that assigns every request a fresh
// UUID, stored in Request.ID and echoed in the X-Request-ID response header.
var RequestID = StageSpec{
	Name: "request_id",
	Async: func(next AsyncHandlerFunc) (AsyncStage, error) {
		return AsyncStageFunc(func(ctx context.Context, r *Request) *coop.Future[*Response] {
			r.ID = uuid.NewString()
			return coop.Go(ctx, func(ctx context.Context) (*Response, error) {
				resp, err := next.Await(ctx, r)
				if resp != nil {
					resp.Header.Set(HeaderRequestID, r.ID)
				}
				return resp, err
			})
		}), nil
	},
}
