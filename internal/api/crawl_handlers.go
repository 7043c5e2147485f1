package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/registry"
	"github.com/JakeFAU/au-crawler/internal/scheduler"
	"github.com/JakeFAU/au-crawler/internal/status"
)

type crawlRequest struct {
	Priority int `json:"priority"`
}

type repairRequest struct {
	URLs     []string `json:"urls"`
	Priority int      `json:"priority"`
}

type schedulerRequest struct {
	Enabled *bool `json:"enabled"`
}

type auDTO struct {
	AUID               string                  `json:"auid"`
	Name               string                  `json:"name"`
	CrawlPoolKey       string                  `json:"crawl_pool_key,omitempty"`
	NewContentInterval string                  `json:"new_content_interval"`
	RefetchDepth       int                     `json:"refetch_depth"`
	State              crawler.AUStateSnapshot `json:"state"`
	StartURLs          []string                `json:"start_urls,omitempty"`
	PermissionURLs     []string                `json:"permission_urls,omitempty"`
	URLStems           []string                `json:"url_stems,omitempty"`
}

func toAUDTO(au crawler.ArchivalUnit, detail bool) auDTO {
	dto := auDTO{
		AUID:               au.AUID(),
		Name:               au.Name(),
		CrawlPoolKey:       au.FetchRateLimiterKey(),
		NewContentInterval: au.NewContentCrawlInterval().String(),
		RefetchDepth:       au.RefetchDepth(),
	}
	if st := au.State(); st != nil {
		dto.State = st.Snapshot()
	}
	if detail {
		dto.StartURLs = au.StartURLs()
		dto.PermissionURLs = au.PermissionURLs()
		dto.URLStems = au.URLStems()
	}
	return dto
}

func snapshots(in []*status.Status, detail bool) []status.Snapshot {
	out := make([]status.Snapshot, 0, len(in))
	for _, st := range in {
		out = append(out, st.Snapshot(detail))
	}
	return out
}

func (s *Server) getScheduler(w http.ResponseWriter, _ *http.Request) {
	size, inUse := s.scheduler.PoolUsage()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     s.scheduler.Enabled(),
		"pool_size":   size,
		"pool_in_use": inUse,
		"running":     s.scheduler.RunningCrawls(),
		"rate_keys":   s.scheduler.RunningRateKeys(),
	})
}

func (s *Server) putScheduler(w http.ResponseWriter, r *http.Request) {
	var req schedulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.scheduler.SetEnabled(*req.Enabled)
	s.logger.Info("crawler switched", zap.Bool("enabled", *req.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.scheduler.Enabled()})
}

// listCrawls handles GET /v1/crawls. ?include=recent adds finished crawls.
func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"active": snapshots(s.statuses.Active(), false),
	}
	if strings.EqualFold(r.URL.Query().Get("include"), "recent") {
		payload["recent"] = snapshots(s.statuses.Recent(), false)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	st, ok := s.statuses.Get(chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": st.Snapshot(true)})
}

func (s *Server) getQueue(w http.ResponseWriter, _ *http.Request) {
	pending, stats := s.scheduler.PendingQueue()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"stats":   stats,
	})
}

func (s *Server) listAUs(w http.ResponseWriter, _ *http.Request) {
	aus := s.units.AllAUs()
	out := make([]auDTO, 0, len(aus))
	for _, au := range aus {
		out = append(out, toAUDTO(au, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"aus": out})
}

func (s *Server) getAU(w http.ResponseWriter, r *http.Request) {
	au, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"au": toAUDTO(au, true)})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	au, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body crawlRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	refused := make(chan struct{}, 1)
	err := s.scheduler.StartNewContentCrawl(scheduler.Request{
		AU:       au,
		Priority: body.Priority,
		Callback: s.callback(au.AUID(), crawler.CrawlNewContent, refused),
	})
	s.respondStarted(w, au, crawler.CrawlNewContent, err, refused)
}

func (s *Server) startRepair(w http.ResponseWriter, r *http.Request) {
	au, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body repairRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	refused := make(chan struct{}, 1)
	err := s.scheduler.StartRepair(scheduler.Request{
		AU:         au,
		Priority:   body.Priority,
		RepairURLs: body.URLs,
		Callback:   s.callback(au.AUID(), crawler.CrawlRepair, refused),
	})
	s.respondStarted(w, au, crawler.CrawlRepair, err, refused)
}

func (s *Server) cancelCrawls(w http.ResponseWriter, r *http.Request) {
	au, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.scheduler.CancelAuCrawls(au)
	writeJSON(w, http.StatusOK, map[string]string{"auid": au.AUID(), "status": "cancel_requested"})
}

// respondStarted maps the outcome of a start call. A refusal delivered
// synchronously through the callback is reported as a conflict.
func (s *Server) respondStarted(
	w http.ResponseWriter,
	au crawler.ArchivalUnit,
	t crawler.CrawlType,
	err error,
	refused <-chan struct{},
) {
	if err != nil {
		if errors.Is(err, scheduler.ErrNoRepairURLs) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("start crawl failed", zap.String("auid", au.AUID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	select {
	case <-refused:
		msg := "crawl not admitted"
		if reason := s.scheduler.CheckEligible(au, t); reason != nil {
			msg = reason.Error()
		}
		writeError(w, http.StatusConflict, msg)
		return
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"auid":   au.AUID(),
		"type":   string(t),
		"status": "accepted",
	})
}

func (s *Server) callback(auid string, t crawler.CrawlType, refused chan<- struct{}) scheduler.Callback {
	return scheduler.CallbackFuncs{
		Completed: func(success bool, _ any, st *status.Status) {
			if st == nil {
				select {
				case refused <- struct{}{}:
				default:
				}
				return
			}
			s.logger.Info("requested crawl finished",
				zap.String("auid", auid),
				zap.String("crawl_type", string(t)),
				zap.Bool("success", success),
				zap.String("status_key", st.Key()),
			)
		},
		Suspended: func(any) {
			s.logger.Info("requested crawl suspended", zap.String("auid", auid), zap.String("crawl_type", string(t)))
		},
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*registry.AU, bool) {
	raw := chi.URLParam(r, "auid")
	auid, err := url.PathUnescape(raw)
	if err != nil || auid == "" {
		writeError(w, http.StatusBadRequest, "invalid auid")
		return nil, false
	}
	au, err := s.units.Lookup(auid)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAU) {
			writeError(w, http.StatusNotFound, "au not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return au, true
}

// decodeOptional decodes a JSON body, accepting an empty one.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
