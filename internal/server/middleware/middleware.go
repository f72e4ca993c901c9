// Package middleware provides the HTTP middleware chain for the control API.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/regenrek/moltlets/internal/errors"
)

// RequestID assigns a request id when the client did not send one. The id is
// echoed in the X-Request-ID response header and in error envelopes.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// Recovery converts handler panics into 500 envelopes so one bad request
// never takes the server down.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				apperrors.Internal(w, r, fmt.Sprintf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging emits one structured line per request.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", r.Header.Get("X-Request-ID")))
		})
	}
}
