package crawler

import (
	"fmt"
	"strings"
)

// CrawlType distinguishes new-content crawls from repair crawls.
type CrawlType string

// Supported crawl types.
const (
	CrawlNewContent CrawlType = "new_content"
	CrawlRepair     CrawlType = "repair"
)

// ParseCrawlType parses the textual crawl type used in config and the API.
func ParseCrawlType(s string) (CrawlType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "new_content", "new-content", "newcontent":
		return CrawlNewContent, nil
	case "repair":
		return CrawlRepair, nil
	default:
		return "", fmt.Errorf("unknown crawl type %q", s)
	}
}

// Activity names an exclusive per-AU activity guarded by an
// ActivityRegulator lock.
type Activity string

// Activities that take an AU lock.
const (
	ActivityNewContentCrawl Activity = "new_content_crawl"
	ActivityRepairCrawl     Activity = "repair_crawl"
)

// ActivityFor returns the lock activity a crawl of type t takes.
func ActivityFor(t CrawlType) Activity {
	if t == CrawlRepair {
		return ActivityRepairCrawl
	}
	return ActivityNewContentCrawl
}

// Severity classifies per-url errors recorded in crawl status.
type Severity int

// Per-url error severities, ordered by increasing impact.
const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityFatal:
		return "fatal"
	default:
		return "error"
	}
}
