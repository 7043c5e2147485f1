// Package window implements crawl windows: time predicates that gate
// whether fetching may currently proceed.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

type always struct{}

func (always) CanCrawl(time.Time) bool { return true }

type never struct{}

func (never) CanCrawl(time.Time) bool { return false }

// Always permits crawling at every instant.
func Always() crawler.Window { return always{} }

// Never forbids crawling at every instant.
func Never() crawler.Window { return never{} }

// Daily is open between Start and End (offsets from local midnight) on the
// listed weekdays. An End before Start wraps past midnight.
type Daily struct {
	Start    time.Duration
	End      time.Duration
	Days     []time.Weekday
	Location *time.Location
}

// CanCrawl implements crawler.Window.
func (d Daily) CanCrawl(at time.Time) bool {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)
	day := local.Weekday()

	if d.Start <= d.End {
		return d.dayAllowed(day) && offset >= d.Start && offset < d.End
	}
	// Wrapped window: the late part belongs to today, the early part to
	// the window that opened yesterday.
	if offset >= d.Start {
		return d.dayAllowed(day)
	}
	if offset < d.End {
		return d.dayAllowed((day + 6) % 7)
	}
	return false
}

func (d Daily) dayAllowed(day time.Weekday) bool {
	if len(d.Days) == 0 {
		return true
	}
	for _, allowed := range d.Days {
		if allowed == day {
			return true
		}
	}
	return false
}

type not struct{ w crawler.Window }

func (n not) CanCrawl(at time.Time) bool { return !n.w.CanCrawl(at) }

// Not inverts w.
func Not(w crawler.Window) crawler.Window { return not{w: w} }

type and []crawler.Window

func (a and) CanCrawl(at time.Time) bool {
	for _, w := range a {
		if !w.CanCrawl(at) {
			return false
		}
	}
	return true
}

// And is open when every window is open.
func And(ws ...crawler.Window) crawler.Window { return and(ws) }

type or []crawler.Window

func (o or) CanCrawl(at time.Time) bool {
	for _, w := range o {
		if w.CanCrawl(at) {
			return true
		}
	}
	return false
}

// Or is open when any window is open.
func Or(ws ...crawler.Window) crawler.Window { return or(ws) }

// CanCrawl treats a nil window as always open.
func CanCrawl(w crawler.Window, at time.Time) bool {
	return w == nil || w.CanCrawl(at)
}

const openForStep = time.Minute

// OpenFor reports whether w is open at now and stays open for d, sampled at
// minute granularity.
func OpenFor(w crawler.Window, now time.Time, d time.Duration) bool {
	if w == nil {
		return true
	}
	if !w.CanCrawl(now) {
		return false
	}
	for off := openForStep; off < d; off += openForStep {
		if !w.CanCrawl(now.Add(off)) {
			return false
		}
	}
	return d <= 0 || w.CanCrawl(now.Add(d))
}

// Spec is the declarative form of a window used in configuration files.
type Spec struct {
	Type     string   `yaml:"type" mapstructure:"type"`
	Start    string   `yaml:"start" mapstructure:"start"`
	End      string   `yaml:"end" mapstructure:"end"`
	Days     []string `yaml:"days" mapstructure:"days"`
	Timezone string   `yaml:"timezone" mapstructure:"timezone"`
	Windows  []Spec   `yaml:"windows" mapstructure:"windows"`
}

// Build converts the spec into a window. An empty type yields nil.
func (s Spec) Build() (crawler.Window, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "":
		return nil, nil
	case "always":
		return Always(), nil
	case "never":
		return Never(), nil
	case "daily":
		return s.buildDaily()
	case "not":
		if len(s.Windows) != 1 {
			return nil, fmt.Errorf("not window needs exactly one child, got %d", len(s.Windows))
		}
		child, err := s.Windows[0].Build()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, fmt.Errorf("not window child has no type")
		}
		return Not(child), nil
	case "and", "or":
		children := make([]crawler.Window, 0, len(s.Windows))
		for i, c := range s.Windows {
			w, err := c.Build()
			if err != nil {
				return nil, fmt.Errorf("window %d: %w", i, err)
			}
			if w != nil {
				children = append(children, w)
			}
		}
		if strings.EqualFold(s.Type, "and") {
			return And(children...), nil
		}
		return Or(children...), nil
	default:
		return nil, fmt.Errorf("unknown window type %q", s.Type)
	}
}

func (s Spec) buildDaily() (crawler.Window, error) {
	start, err := parseClock(s.Start)
	if err != nil {
		return nil, fmt.Errorf("parse window start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return nil, fmt.Errorf("parse window end: %w", err)
	}
	loc := time.UTC
	if s.Timezone != "" {
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
	}
	days := make([]time.Weekday, 0, len(s.Days))
	for _, name := range s.Days {
		day, err := parseWeekday(name)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return Daily{Start: start, End: end, Days: days, Location: loc}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
