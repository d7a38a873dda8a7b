package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/tasklist/internal/metrics"
)

// Metrics records every request's status and latency on rec.
//
// The route label is chi's matched pattern, read AFTER the handler runs
// because chi fills it in while routing. Requests that match no route are
// grouped under "unmatched" so random URLs cannot create new series.
func Metrics(rec metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}

			rec.RecordRequest(r.Method, route, wrapped.statusCode, time.Since(start))
		})
	}
}
