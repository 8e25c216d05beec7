// Package recovery turns handler panics into 500 answers.
package recovery

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/mycelian/dreamwatch/internal/respond"
)

var panicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dreamwatch",
		Subsystem: "http",
		Name:      "panics_total",
		Help:      "Handler panics recovered, by HTTP surface.",
	},
	[]string{"surface"},
)

// New returns middleware for the HTTP surface named surface ("status-api",
// "dev-backend"). Panics are logged with the request id and answered with a
// JSON 500. http.ErrAbortHandler is re-raised so net/http can abort the
// connection.
//
// The id comes from chi's RequestID middleware when it runs earlier in the
// chain, else from the X-Request-ID header.
func New(surface string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				panicsTotal.WithLabelValues(surface).Inc()
				logger.Error().
					Interface("panic", rec).
					Str("surface", surface).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("request_id", requestID(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				respond.WriteError(w, http.StatusInternalServerError, "handler panicked")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}
