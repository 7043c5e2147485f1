package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/progress"
	"github.com/JakeFAU/au-crawler/internal/store"
)

// HistorySink records crawl runs and per-host fetch counters through a
// store.HistoryRepository. Host counters are collapsed per batch.
type HistorySink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewHistorySink constructs a HistorySink for the provided repository.
func NewHistorySink(repo store.HistoryRepository, logger *zap.Logger) *HistorySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistorySink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events and collapsed host deltas to the
// repository. Repository errors are returned wrapped.
func (s *HistorySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		id := evt.CrawlUUID()
		switch evt.Stage {
		case progress.StageCrawlStart, progress.StageCrawlDone, progress.StageCrawlError:
			if err := s.handleCrawlEvent(ctx, id, evt); err != nil {
				return err
			}
		case progress.StageFetchDone:
			s.recordHostStats(stats, id, evt)
		}
	}

	for key, delta := range stats {
		if delta.fetches == 0 && delta.bytes == 0 {
			continue
		}
		if err := s.repo.UpsertHostStats(
			ctx,
			key.crawlID,
			key.host,
			delta.fetches,
			delta.bytes,
			key.statusClass,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	return nil
}

func (s *HistorySink) handleCrawlEvent(ctx context.Context, id uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageCrawlStart:
		if err := s.repo.RecordStart(ctx, id, evt.AUID, evt.CrawlType, evt.TS); err != nil {
			return fmt.Errorf("record crawl start: %w", err)
		}
	case progress.StageCrawlDone:
		if err := s.repo.RecordFinish(ctx, id, evt.TS, store.RunSuccess, evt.Result, nil); err != nil {
			return fmt.Errorf("record crawl finish: %w", err)
		}
	case progress.StageCrawlError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.RecordFinish(ctx, id, evt.TS, store.RunError, evt.Result, note); err != nil {
			return fmt.Errorf("record crawl finish: %w", err)
		}
	}
	return nil
}

func (s *HistorySink) recordHostStats(stats map[statsKey]*statsDelta, id uuid.UUID, evt progress.Event) {
	if evt.Host == "" {
		return
	}
	key := statsKey{
		crawlID:     id,
		host:        evt.Host,
		statusClass: string(evt.StatusClass),
	}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.fetches += evt.Fetches
	stat.bytes += evt.Bytes
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *HistorySink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	crawlID     uuid.UUID
	host        string
	statusClass string
}

type statsDelta struct {
	fetches int64
	bytes   int64
	at      time.Time
}
