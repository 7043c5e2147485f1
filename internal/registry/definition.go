package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/au-crawler/internal/window"
)

// Defaults applied to definitions that leave a field empty.
const (
	DefaultRefetchDepth       = 1
	DefaultNewContentInterval = 14 * 24 * time.Hour
	DefaultFetchRate          = "1/6s"
)

// RuleSpec is the declarative form of a crawl rule.
type RuleSpec struct {
	Action     string `yaml:"action" mapstructure:"action"`
	Pattern    string `yaml:"pattern" mapstructure:"pattern"`
	IgnoreCase bool   `yaml:"ignore_case" mapstructure:"ignore_case"`
}

// CondRateSpec applies alternative rates while Window is open.
type CondRateSpec struct {
	Window    window.Spec       `yaml:"window" mapstructure:"window"`
	Rate      string            `yaml:"rate" mapstructure:"rate"`
	MimeRates map[string]string `yaml:"mime_rates" mapstructure:"mime_rates"`
}

// Definition describes one archival unit in configuration.
type Definition struct {
	AUID           string   `yaml:"auid" mapstructure:"auid"`
	Name           string   `yaml:"name" mapstructure:"name"`
	StartURLs      []string `yaml:"start_urls" mapstructure:"start_urls"`
	PermissionURLs []string `yaml:"permission_urls" mapstructure:"permission_urls"`
	// URLStems default to the stems of the start and permission urls.
	URLStems     []string   `yaml:"url_stems" mapstructure:"url_stems"`
	Rules        []RuleSpec `yaml:"rules" mapstructure:"rules"`
	RefetchDepth int        `yaml:"refetch_depth" mapstructure:"refetch_depth"`

	Window    window.Spec       `yaml:"window" mapstructure:"window"`
	Rate      string            `yaml:"rate" mapstructure:"rate"`
	MimeRates map[string]string `yaml:"mime_rates" mapstructure:"mime_rates"`
	URLRates  []crawler.URLRate `yaml:"url_rates" mapstructure:"url_rates"`
	CondRates []CondRateSpec    `yaml:"cond_rates" mapstructure:"cond_rates"`
	// CrawlPoolKey puts units sharing a host into one throttling domain.
	CrawlPoolKey string `yaml:"crawl_pool_key" mapstructure:"crawl_pool_key"`

	// PermissionCheckers names checkers: string, creative_commons, robots.
	PermissionCheckers  []string      `yaml:"permission_checkers" mapstructure:"permission_checkers"`
	PermissionStatement string        `yaml:"permission_statement" mapstructure:"permission_statement"`
	Comparator          string        `yaml:"comparator" mapstructure:"comparator"`
	NewContentInterval  time.Duration `yaml:"new_content_interval" mapstructure:"new_content_interval"`
	RegistryAU          bool          `yaml:"registry_au" mapstructure:"registry_au"`
	CreatedAt           time.Time     `yaml:"created_at" mapstructure:"created_at"`
}

// Validate reports the first structural problem in d.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.AUID) == "" {
		return fmt.Errorf("auid is required")
	}
	if len(d.StartURLs) == 0 {
		return fmt.Errorf("au %s: at least one start url is required", d.AUID)
	}
	for _, u := range append(append([]string{}, d.StartURLs...), d.PermissionURLs...) {
		if _, err := crawler.NormalizeURL(u); err != nil {
			return fmt.Errorf("au %s: %w", d.AUID, err)
		}
	}
	if d.RefetchDepth < 0 {
		return fmt.Errorf("au %s: refetch depth must be >= 0", d.AUID)
	}
	if d.NewContentInterval < 0 {
		return fmt.Errorf("au %s: new content interval must be >= 0", d.AUID)
	}
	if d.Rate != "" {
		if _, err := ratelimit.ParseRate(d.Rate); err != nil {
			return fmt.Errorf("au %s: %w", d.AUID, err)
		}
	}
	return nil
}

func (d Definition) rules() (crawler.CrawlRules, error) {
	rules := make(crawler.CrawlRules, 0, len(d.Rules))
	for i, spec := range d.Rules {
		r, err := crawler.NewCrawlRule(crawler.RuleAction(spec.Action), spec.Pattern, spec.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (d Definition) stems() ([]string, error) {
	if len(d.URLStems) > 0 {
		return d.URLStems, nil
	}
	seen := make(map[string]struct{})
	var stems []string
	for _, u := range append(append([]string{}, d.StartURLs...), d.PermissionURLs...) {
		stem, err := crawler.StemOf(u)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[stem]; !ok {
			seen[stem] = struct{}{}
			stems = append(stems, stem)
		}
	}
	return stems, nil
}

func (d Definition) rateInfo() (crawler.RateLimiterInfo, error) {
	info := crawler.RateLimiterInfo{
		Rate:         d.Rate,
		MimeRates:    d.MimeRates,
		URLRates:     d.URLRates,
		CrawlPoolKey: d.CrawlPoolKey,
	}
	if info.Rate == "" {
		info.Rate = DefaultFetchRate
	}
	for i, cr := range d.CondRates {
		w, err := cr.Window.Build()
		if err != nil {
			return crawler.RateLimiterInfo{}, fmt.Errorf("cond rate %d: %w", i, err)
		}
		if w == nil {
			return crawler.RateLimiterInfo{}, fmt.Errorf("cond rate %d: window is required", i)
		}
		rate := cr.Rate
		if rate == "" {
			rate = info.Rate
		}
		info.CondRates = append(info.CondRates, crawler.CondRate{
			Window: w,
			Info:   crawler.RateLimiterInfo{Rate: rate, MimeRates: cr.MimeRates, CrawlPoolKey: d.CrawlPoolKey},
		})
	}
	return info, nil
}
