package alert

import (
	"context"
	"sync"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// MemorySink stores raised alerts for inspection.
type MemorySink struct {
	mu     sync.RWMutex
	alerts []crawler.Alert
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Raise implements crawler.AlertSink.
func (s *MemorySink) Raise(_ context.Context, a crawler.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns a copy of the raised alerts in order.
func (s *MemorySink) Alerts() []crawler.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
