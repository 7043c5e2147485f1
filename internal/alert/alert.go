// Package alert delivers crawl alerts: to the log, to memory, to a
// Pub/Sub topic or to a Kafka topic. Every sink implements
// crawler.AlertSink.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// Sink kinds selectable from configuration.
const (
	KindLog    = "log"
	KindPubSub = "pubsub"
	KindKafka  = "kafka"
)

// Multi raises every alert on each sink and joins their errors.
type Multi []crawler.AlertSink

// Raise implements crawler.AlertSink.
func (m Multi) Raise(ctx context.Context, a crawler.Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// encode renders an alert as the JSON message body shared by the broker
// sinks.
func encode(a crawler.Alert) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	return data, nil
}

// attributes are the routing headers attached to broker messages.
func attributes(a crawler.Alert) map[string]string {
	return map[string]string{
		"kind":       string(a.Kind),
		"auid":       a.AUID,
		"crawl_type": string(a.CrawlType),
	}
}
