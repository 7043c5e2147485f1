package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/aus/{auid}", func(r chi.Router) {
			r.Post("/crawl", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			})
			r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("{}"))
			})
		})
	})
	r.Get("/v1/crawls/{id}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such crawl", http.StatusNotFound)
	})

	for _, req := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v1/aus/au-a/crawl"},
		{http.MethodPost, "/v1/aus/au-b/crawl"},
		{http.MethodGet, "/v1/aus/au-a/status"},
		{http.MethodGet, "/v1/crawls/42"},
		{http.MethodGet, "/robots.txt"},
		{http.MethodGet, "/favicon.ico"},
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(req.method, req.path, nil))
	}

	tests := []struct {
		name   string
		method string
		route  string
		code   string
		want   float64
	}{
		{name: "nested pattern folds auids", method: "POST", route: "/v1/aus/{auid}/crawl", code: "202", want: 2},
		{name: "implicit ok", method: "GET", route: "/v1/aus/{auid}/status", code: "200", want: 1},
		{name: "handler status", method: "GET", route: "/v1/crawls/{id}", code: "404", want: 1},
		{name: "unmatched paths", method: "GET", route: UnmatchedRoute, code: "404", want: 2},
		{name: "raw path never a label", method: "POST", route: "/v1/aus/au-a/crawl", code: "202", want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(tc.method, tc.route, tc.code))
			require.Equal(t, tc.want, got)
		})
	}

	// One histogram series per method and pattern: crawl, status, crawls, unmatched.
	require.Equal(t, 4, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	_, err := sw.Write([]byte("body"))
	require.NoError(t, err)
	sw.WriteHeader(http.StatusInternalServerError)
	require.Equal(t, http.StatusOK, sw.status)
	require.Same(t, http.ResponseWriter(rec), sw.Unwrap())
}
