// Package ratelimit paces crawl activity: fetch pacing per archival unit
// (resolved by url, mime type, and crawl window) and the event limiters
// that bound how often crawls start.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the rate string that disables pacing.
const Unlimited = "unlimited"

// Rate is a parsed "N/interval" rate.
type Rate struct {
	Events    int
	Interval  time.Duration
	unlimited bool
	raw       string
}

// IsUnlimited reports whether the rate imposes no limit.
func (r Rate) IsUnlimited() bool {
	return r.unlimited
}

// String returns the rate as it was written.
func (r Rate) String() string {
	return r.raw
}

// ParseRate parses "N/interval". The interval is a Go duration, a bare
// number of milliseconds, or a number with a "d" (day) or "w" (week) suffix.
func ParseRate(s string) (Rate, error) {
	raw := strings.TrimSpace(s)
	if strings.EqualFold(raw, Unlimited) {
		return Rate{unlimited: true, raw: Unlimited}, nil
	}
	count, interval, ok := strings.Cut(raw, "/")
	if !ok {
		return Rate{}, fmt.Errorf("parse rate %q: expected N/interval", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return Rate{}, fmt.Errorf("parse rate %q: event count must be > 0", s)
	}
	d, err := parseInterval(strings.TrimSpace(interval))
	if err != nil {
		return Rate{}, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if d <= 0 {
		return Rate{}, fmt.Errorf("parse rate %q: interval must be > 0", s)
	}
	return Rate{Events: n, Interval: d, raw: raw}, nil
}

// MustParseRate is ParseRate for constants known to be valid.
func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	switch last := s[len(s)-1]; last {
	case 'd', 'w':
		n, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		unit := 24 * time.Hour
		if last == 'w' {
			unit *= 7
		}
		return time.Duration(n * float64(unit)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}
