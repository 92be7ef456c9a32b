package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/genqueue/internal/api/response"
)

// Recovery answers a panicking handler with a 500 and logs the panic with the
// job id from the route, when there is one. http.ErrAbortHandler is re-raised
// so net/http can drop the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			attrs := []any{"panic", rec, "method", r.Method, "path", r.URL.Path}
			if id := routeJobID(r); id != "" {
				attrs = append(attrs, "job_id", id)
			}
			attrs = append(attrs, "stack", string(debug.Stack()))
			LoggerFrom(r).Error("handler panicked", attrs...)
			response.Internal(w)
		}()
		next.ServeHTTP(w, r)
	})
}

// routeJobID reads {id} from the chi route context. Recovery runs before
// routing, but chi fills the same context in place, so the param is set by
// the time a handler panics.
func routeJobID(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam("id")
	}
	return ""
}
