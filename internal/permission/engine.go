package permission

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/metrics"
	"github.com/JakeFAU/au-crawler/internal/status"
	"github.com/JakeFAU/au-crawler/internal/window"
)

// PageFetcher fetches a permission page and returns its body. Errors are
// classified with crawler.KindOf.
type PageFetcher func(ctx context.Context, url string) ([]byte, error)

// Config tunes permission evaluation.
type Config struct {
	// AbortOnFirstNoPermission stops at the first host without permission.
	AbortOnFirstNoPermission bool
	// RefetchPermissionPage fetches a denied page once more before giving up.
	RefetchPermissionPage bool
}

// Engine evaluates permission pages with the daemon's checkers plus the
// checkers each request supplies.
type Engine struct {
	cfg    Config
	daemon []crawler.PermissionChecker
	logger *zap.Logger
}

// NewEngine builds an engine.
func NewEngine(cfg Config, daemonCheckers []crawler.PermissionChecker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, daemon: daemonCheckers, logger: logger.Named("permission")}
}

// Request describes one permission evaluation.
type Request struct {
	URLs     []string
	Checkers []crawler.PermissionChecker
	Fetch    PageFetcher
	Window   crawler.Window
	Clock    crawler.Clock
	// Aborted is polled before each page.
	Aborted func() bool
	Status  *status.Status
}

// Result is the outcome of Populate. Code is StatusSuccessful when every
// host granted permission.
type Result struct {
	Code    crawler.StatusCode
	Message string
	Map     *Map
}

// Granted reports whether the crawl may proceed.
func (r Result) Granted() bool {
	return r.Code == crawler.StatusSuccessful
}

// Populate fetches and evaluates every permission page. Hosts are checked
// in order; within a host, pages are tried until one grants permission.
func (e *Engine) Populate(ctx context.Context, req Request) Result {
	m := NewMap()
	clock := req.Clock
	if clock == nil {
		clock = system.New()
	}
	if len(req.URLs) == 0 {
		return Result{Code: crawler.StatusPluginError, Message: "No permission pages", Map: m}
	}
	for _, u := range req.URLs {
		if err := m.Add(u); err != nil {
			e.logger.Warn("invalid permission url", zap.String("url", u), zap.Error(err))
			return Result{Code: crawler.StatusPluginError, Message: err.Error(), Map: m}
		}
	}

	var (
		failed   bool
		failCode crawler.StatusCode
		failMsg  string
	)
	for _, host := range m.Hosts() {
		granted := false
		var hostCode crawler.StatusCode
		var hostMsg string
		for _, u := range m.URLsForHost(host) {
			if ctx.Err() != nil || (req.Aborted != nil && req.Aborted()) {
				return Result{Code: crawler.StatusAborted, Message: "Crawl aborted", Map: m}
			}
			if !window.CanCrawl(req.Window, clock.Now()) {
				return Result{Code: crawler.StatusWindowClosed, Map: m}
			}
			st, msg := e.checkPage(ctx, req, u)
			m.Set(u, st, msg)
			metrics.ObservePermissionCheck(st.String())
			if st == OK {
				granted = true
				break
			}
			e.logger.Info("permission page refused",
				zap.String("url", u),
				zap.String("result", st.String()),
				zap.String("message", msg),
			)
			if req.Status != nil {
				req.Status.SignalErrorForURL(u, msg, crawler.SeverityError)
			}
			hostCode, hostMsg = codeFor(st), msg
		}
		if granted {
			continue
		}
		if !failed {
			failed, failCode, failMsg = true, hostCode, hostMsg
		}
		if e.cfg.AbortOnFirstNoPermission {
			break
		}
	}
	if failed {
		return Result{Code: failCode, Message: failMsg, Map: m}
	}
	return Result{Code: crawler.StatusSuccessful, Map: m}
}

func (e *Engine) checkPage(ctx context.Context, req Request, url string) (Status, string) {
	body, err := req.Fetch(ctx, url)
	if err != nil {
		return classify(err)
	}
	if e.grants(ctx, req.Checkers, body, url) {
		return OK, ""
	}
	if !e.cfg.RefetchPermissionPage {
		return NotOK, crawler.MsgNoPermissionStatement
	}
	e.logger.Debug("refetching permission page", zap.String("url", url))
	body, err = req.Fetch(ctx, url)
	if err != nil {
		return classify(err)
	}
	if e.grants(ctx, req.Checkers, body, url) {
		return OK, ""
	}
	return NotOK, crawler.MsgNoPermissionStatement
}

// grants requires every daemon and unit checker to grant permission.
func (e *Engine) grants(ctx context.Context, unit []crawler.PermissionChecker, body []byte, url string) bool {
	for _, set := range [][]crawler.PermissionChecker{e.daemon, unit} {
		for _, c := range set {
			if !c.CheckPermission(ctx, bytes.NewReader(body), url) {
				e.logger.Debug("checker denied permission", zap.String("checker", c.Name()), zap.String("url", url))
				return false
			}
		}
	}
	return true
}

func classify(err error) (Status, string) {
	if crawler.KindOf(err) == crawler.KindRepository {
		return RepoError, crawler.StatusRepoError.DefaultMessage()
	}
	return FetchError, crawler.MsgUnableToFetchPerm
}

func codeFor(st Status) crawler.StatusCode {
	switch st {
	case FetchError:
		return crawler.StatusFetchError
	case RepoError:
		return crawler.StatusRepoError
	default:
		return crawler.StatusNoPubPermission
	}
}
