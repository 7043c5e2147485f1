package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
)

type eventClock interface {
	crawler.Clock
	crawler.Sleeper
}

// EventLimiter allows at most N events in any sliding interval. Unlike a
// token bucket, the most recent event can be retracted with Unevent.
type EventLimiter struct {
	mu     sync.Mutex
	rate   Rate
	events []time.Time
	clock  eventClock
}

// NewEventLimiter builds a limiter for r. A nil clock uses the wall clock.
func NewEventLimiter(r Rate, clock eventClock) *EventLimiter {
	if clock == nil {
		clock = system.New()
	}
	return &EventLimiter{rate: r, clock: clock}
}

// Rate returns the configured rate.
func (l *EventLimiter) Rate() Rate {
	return l.rate
}

// IsEventOK reports whether an event at now would stay within the rate.
func (l *EventLimiter) IsEventOK(now time.Time) bool {
	return l.TimeUntilEventOK(now) == 0
}

// TimeUntilEventOK returns how long until an event is permitted.
func (l *EventLimiter) TimeUntilEventOK(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.untilLocked(now)
}

func (l *EventLimiter) untilLocked(now time.Time) time.Duration {
	if l.rate.IsUnlimited() || len(l.events) < l.rate.Events {
		return 0
	}
	oldest := l.events[len(l.events)-l.rate.Events]
	wait := oldest.Add(l.rate.Interval).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Event records an event at now.
func (l *EventLimiter) Event(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(now)
}

func (l *EventLimiter) recordLocked(now time.Time) {
	if l.rate.IsUnlimited() {
		return
	}
	l.events = append(l.events, now)
	if extra := len(l.events) - l.rate.Events; extra > 0 {
		l.events = append(l.events[:0], l.events[extra:]...)
	}
}

// Unevent retracts the most recent event.
func (l *EventLimiter) Unevent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.events); n > 0 {
		l.events = l.events[:n-1]
	}
}

// Wait blocks until an event is permitted, then records it. Callers that
// share a limiter are served one at a time.
func (l *EventLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		now := l.clock.Now()
		wait := l.untilLocked(now)
		if wait == 0 {
			l.recordLocked(now)
			return nil
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("wait for start rate: %w", err)
		}
	}
}
