package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/registry"
	"github.com/JakeFAU/au-crawler/internal/scheduler"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/store"
)

// Scheduler is the control surface of the crawl scheduler.
type Scheduler interface {
	StartNewContentCrawl(req scheduler.Request) error
	StartRepair(req scheduler.Request) error
	CancelAuCrawls(au crawler.ArchivalUnit)
	CheckEligible(au crawler.ArchivalUnit, t crawler.CrawlType) error
	PendingQueue() ([]scheduler.PendingRequest, scheduler.QueueStats)
	RunningCrawls() []scheduler.RunningCrawl
	RunningRateKeys() map[string]int
	PoolUsage() (size, inUse int)
	Enabled() bool
	SetEnabled(on bool)
}

// Units resolves configured archival units.
type Units interface {
	Lookup(auid string) (*registry.AU, error)
	AllAUs() []crawler.ArchivalUnit
	AUsStarted() bool
}

// StatusSource lists crawl statuses.
type StatusSource interface {
	Active() []*status.Status
	Recent() []*status.Status
	Get(key string) (*status.Status, bool)
}

// Options configures a Server.
type Options struct {
	AuthEnabled bool
	APIKey      string
	// Metrics serves /metrics; metrics.Handler() when nil.
	Metrics        http.Handler
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the scheduler, registry and status source.
type Server struct {
	router    chi.Router
	scheduler Scheduler
	units     Units
	statuses  StatusSource
	history   *HistoryHandler
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may
// be nil, in which case the history routes answer 503.
func NewServer(
	sched Scheduler,
	units Units,
	statuses StatusSource,
	history store.HistoryRepository,
	opts Options,
) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		scheduler: sched,
		units:     units,
		statuses:  statuses,
		history:   NewHistoryHandler(history, logger.Named("history")),
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/scheduler", s.getScheduler)
		r.Put("/scheduler", s.putScheduler)
		r.Get("/crawls", s.listCrawls)
		r.Get("/crawls/{key}", s.getCrawl)
		r.Get("/queue", s.getQueue)
		r.Route("/aus", func(r chi.Router) {
			r.Get("/", s.listAUs)
			r.Route("/{auid}", func(r chi.Router) {
				r.Get("/", s.getAU)
				r.Post("/crawl", s.startCrawl)
				r.Post("/repair", s.startRepair)
				r.Post("/cancel", s.cancelCrawls)
			})
		})
		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.history.ListRuns)
			r.Get("/{crawl_id}", s.history.GetRun)
			r.Get("/{crawl_id}/hosts", s.history.ListRunHosts)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.units.AUsStarted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
