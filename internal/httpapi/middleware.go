package httpapi

import (
	"maps"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/buildkite/thingy/logger"
)

// requestIDMiddleware stamps every request with a unique ID, echoed back in
// the X-Request-Id response header so a client can correlate its request
// with the corresponding server log line.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			w.Header().Set("X-Request-Id", id)
			next.ServeHTTP(w, r)
		})
	}
}

// loggerMiddleware logs every request's method, path, and handling time.
func loggerMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info("%s %s %s %s", r.Method, r.URL.Path, w.Header().Get("X-Request-Id"), time.Since(start))
		})
	}
}

// headersMiddleware sets common headers on every response.
func headersMiddleware(headers http.Header) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			maps.Copy(w.Header(), headers)
			next.ServeHTTP(w, r)
		})
	}
}
