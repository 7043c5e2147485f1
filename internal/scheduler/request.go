package scheduler

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/status"
)

// Precondition errors returned synchronously by the start operations.
var (
	ErrNilAU        = errors.New("archival unit is required")
	ErrNoState      = errors.New("archival unit has no state")
	ErrNoRepairURLs = errors.New("repair crawl requires at least one url")
)

// Admission failure reasons.
const (
	ReasonDisabled     = "Crawler disabled"
	ReasonCrawling     = "AU is crawling now"
	ReasonLocked       = "AU is busy with another activity"
	ReasonWindowClosed = "Crawl window is closed"
	ReasonStartRate    = "Exceeds crawl-start rate"
	ReasonPoolFull     = "Crawl pool is full"
)

// AdmissionError explains why a crawl request was not started.
type AdmissionError struct {
	AUID   string
	Reason string
	// Detail is extra context such as the exceeded rate.
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("crawl of %s not admitted: %s: %s", e.AUID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("crawl of %s not admitted: %s", e.AUID, e.Reason)
}

// Callback receives the asynchronous outcome of a crawl request.
type Callback interface {
	// CrawlAttemptCompleted reports the finished (or refused) attempt. st
	// is nil when no crawl was started.
	CrawlAttemptCompleted(success bool, cookie any, st *status.Status)
	// CrawlSuspended reports a request dropped because the scheduler
	// stopped before it could run.
	CrawlSuspended(cookie any)
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are
// skipped.
type CallbackFuncs struct {
	Completed func(success bool, cookie any, st *status.Status)
	Suspended func(cookie any)
}

// CrawlAttemptCompleted implements Callback.
func (f CallbackFuncs) CrawlAttemptCompleted(success bool, cookie any, st *status.Status) {
	if f.Completed != nil {
		f.Completed(success, cookie, st)
	}
}

// CrawlSuspended implements Callback.
func (f CallbackFuncs) CrawlSuspended(cookie any) {
	if f.Suspended != nil {
		f.Suspended(cookie)
	}
}

// Request asks for one crawl of AU. The same type serves new-content and
// repair crawls; RepairURLs is only read for repairs.
type Request struct {
	AU         crawler.ArchivalUnit
	Priority   int
	Type       crawler.CrawlType
	RateKey    string
	RepairURLs []string
	Callback   Callback
	Cookie     any
	// Lock is an activity lock the caller already holds, if any.
	Lock crawler.Lock

	// Guarded by the scheduler mutex.
	highPriority bool
	inactive     bool
}

// AUID returns the unit's id.
func (r *Request) AUID() string { return r.AU.AUID() }

// IsHighPriority reports whether the request was made explicitly rather
// than found by a queue rebuild.
func (r *Request) IsHighPriority() bool { return r.highPriority }

// rateKeyOf returns the shared throttling key of au, "" when unshared.
func rateKeyOf(au crawler.ArchivalUnit) string {
	if k := au.RateLimiterInfo().CrawlPoolKey; k != "" {
		return k
	}
	return au.FetchRateLimiterKey()
}

func (r *Request) complete(success bool, st *status.Status) {
	if r.Callback != nil {
		r.Callback.CrawlAttemptCompleted(success, r.Cookie, st)
	}
}

func (r *Request) suspend() {
	if r.Callback != nil {
		r.Callback.CrawlSuspended(r.Cookie)
	}
}
