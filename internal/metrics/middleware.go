package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// UnmatchedRoute labels requests no chi route claimed, so arbitrary paths
// cannot grow label cardinality.
const UnmatchedRoute = "unmatched"

// Middleware records API request metrics labeled by the chi route pattern
// (for example /v1/aus/{auid}/crawl) rather than the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ObserveHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// routePattern is read after the handler ran, when chi has filled in the
// full pattern across mounted sub-routers.
func routePattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return UnmatchedRoute
	}
	if pattern := rc.RoutePattern(); pattern != "" {
		return pattern
	}
	return UnmatchedRoute
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
