package registry

import (
	"fmt"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/extractor"
	"github.com/JakeFAU/au-crawler/internal/permission"
)

// AU is a configured archival unit.
type AU struct {
	def      Definition
	stems    []string
	rules    crawler.CrawlRules
	window   crawler.Window
	rate     crawler.RateLimiterInfo
	checkers []crawler.PermissionChecker
	state    *crawler.AUState
}

var _ crawler.ArchivalUnit = (*AU)(nil)

// NewAU builds an AU from d. robots serves the "robots" checker name and
// may be nil when no definition asks for it. state may be nil.
func NewAU(d Definition, robots crawler.PermissionChecker, state *crawler.AUState) (*AU, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.RefetchDepth == 0 {
		d.RefetchDepth = DefaultRefetchDepth
	}
	if d.NewContentInterval == 0 {
		d.NewContentInterval = DefaultNewContentInterval
	}
	if len(d.PermissionURLs) == 0 {
		d.PermissionURLs = d.StartURLs
	}
	if d.Name == "" {
		d.Name = d.AUID
	}

	au := &AU{def: d, state: state}
	var err error
	if au.stems, err = d.stems(); err != nil {
		return nil, fmt.Errorf("au %s: %w", d.AUID, err)
	}
	if au.rules, err = d.rules(); err != nil {
		return nil, fmt.Errorf("au %s: %w", d.AUID, err)
	}
	if au.window, err = d.Window.Build(); err != nil {
		return nil, fmt.Errorf("au %s: %w", d.AUID, err)
	}
	if au.rate, err = d.rateInfo(); err != nil {
		return nil, fmt.Errorf("au %s: %w", d.AUID, err)
	}
	for _, name := range d.PermissionCheckers {
		switch name {
		case "string":
			au.checkers = append(au.checkers, permission.NewStringChecker(d.PermissionStatement))
		case "creative_commons":
			au.checkers = append(au.checkers, permission.CreativeCommonsChecker{})
		case "robots":
			if robots == nil {
				return nil, fmt.Errorf("au %s: robots checker is not available", d.AUID)
			}
			au.checkers = append(au.checkers, robots)
		default:
			return nil, fmt.Errorf("au %s: unknown permission checker %q", d.AUID, name)
		}
	}
	if au.state == nil {
		au.state = crawler.NewAUState(time.Time{}, time.Time{}, crawler.StatusUnknown, "")
	}
	return au, nil
}

// Definition returns the definition the unit was built from, with
// defaults applied.
func (a *AU) Definition() Definition { return a.def }

func (a *AU) AUID() string                { return a.def.AUID }
func (a *AU) Name() string                { return a.def.Name }
func (a *AU) StartURLs() []string         { return a.def.StartURLs }
func (a *AU) PermissionURLs() []string    { return a.def.PermissionURLs }
func (a *AU) URLStems() []string          { return a.stems }
func (a *AU) RefetchDepth() int           { return a.def.RefetchDepth }
func (a *AU) CrawlWindow() crawler.Window { return a.window }
func (a *AU) CrawlURLComparator() string  { return a.def.Comparator }
func (a *AU) IsRegistryAU() bool          { return a.def.RegistryAU }
func (a *AU) CreationTime() time.Time     { return a.def.CreatedAt }
func (a *AU) State() *crawler.AUState     { return a.state }

func (a *AU) RateLimiterInfo() crawler.RateLimiterInfo { return a.rate }

func (a *AU) NewContentCrawlInterval() time.Duration { return a.def.NewContentInterval }

func (a *AU) PermissionCheckers() []crawler.PermissionChecker { return a.checkers }

// FetchRateLimiterKey is the crawl pool key; units without one are
// throttled on their own.
func (a *AU) FetchRateLimiterKey() string { return a.def.CrawlPoolKey }

// ShouldBeCached reports whether url is under the unit's stems and, when
// rules are configured, included by them.
func (a *AU) ShouldBeCached(url string) bool {
	if !crawler.UnderStems(url, a.stems) {
		return false
	}
	if len(a.rules) == 0 {
		return true
	}
	return a.rules.Includes(url)
}

// LinkExtractor returns the built-in extractor for mimeType.
func (a *AU) LinkExtractor(mimeType string) crawler.LinkExtractor {
	return extractor.ForMimeType(mimeType)
}
