package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/store"
)

const (
	defaultRunLimit   = 50
	maxRunLimit       = 500
	defaultHostsLimit = 100
	maxHostsLimit     = 1000
	historyTimeout    = 3 * time.Second
)

// HistoryHandler exposes read-only persisted crawl history.
type HistoryHandler struct {
	repo    store.HistoryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger.
func NewHistoryHandler(repo store.HistoryRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/history?auid=&limit=&offset=. It returns
// {"runs": [...]} on success, 400 for invalid paging, 503 when no
// repository is configured, or 500 if the repository call fails.
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var auid *string
	if v := strings.TrimSpace(r.URL.Query().Get("auid")); v != "" {
		auid = &v
	}
	runs, err := h.repo.ListRuns(ctx, auid, limit, offset)
	if err != nil {
		h.logger.Error("list crawl runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawl runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunDTOs(runs),
	})
}

// GetRun handles GET /v1/history/{crawl_id}. It returns {"run": {...}},
// 400 for malformed ids, 404 when the run is unknown, 503 without a
// repository, or 500 otherwise.
func (h *HistoryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	id, err := parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl run not found")
			return
		}
		h.logger.Error("get crawl run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunHosts handles GET /v1/history/{crawl_id}/hosts?limit=&offset=.
func (h *HistoryHandler) ListRunHosts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	id, err := parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHostsLimit, maxHostsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	hosts, err := h.repo.ListRunHosts(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list crawl hosts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawl hosts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hosts": toHostDTOs(hosts),
	})
}

func parseCrawlID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "crawl_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("crawl_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid crawl_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTOs(in []store.CrawlRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.CrawlRun) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		AUID:       run.AUID,
		CrawlType:  run.CrawlType,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Result:     run.Result,
		Error:      run.ErrorMessage,
	}
}

func toHostDTOs(in []store.HostStats) []hostDTO {
	out := make([]hostDTO, 0, len(in))
	for _, s := range in {
		out = append(out, hostDTO{
			Host:       s.Host,
			LastUpdate: s.LastUpdate,
			Fetches:    s.Fetches,
			BytesTotal: s.BytesTotal,
			Fetch2xx:   s.Fetch2xx,
			Fetch3xx:   s.Fetch3xx,
			Fetch4xx:   s.Fetch4xx,
			Fetch5xx:   s.Fetch5xx,
		})
	}
	return out
}

type runDTO struct {
	ID         string     `json:"id"`
	AUID       string     `json:"auid"`
	CrawlType  string     `json:"crawl_type"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Result     *string    `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

type hostDTO struct {
	Host       string    `json:"host"`
	LastUpdate time.Time `json:"last_update"`
	Fetches    int64     `json:"fetches"`
	BytesTotal int64     `json:"bytes_total"`
	Fetch2xx   int64     `json:"fetch_2xx"`
	Fetch3xx   int64     `json:"fetch_3xx"`
	Fetch4xx   int64     `json:"fetch_4xx"`
	Fetch5xx   int64     `json:"fetch_5xx"`
}
