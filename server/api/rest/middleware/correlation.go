package middleware

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const CorrelationIDHeader = "x-correlation-id"

// CorrelationID echoes the chi request id back on every response so users can
// quote it when reporting a failed call.
func CorrelationID(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(CorrelationIDHeader, id)
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
