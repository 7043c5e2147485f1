package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/progress"
)

// LogSink writes each progress event as a structured debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Fetch events log at debug level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("crawl_id", evt.CrawlUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("auid", evt.AUID),
		}
		switch evt.Stage {
		case progress.StageFetchDone, progress.StageFetchError:
			fields = append(fields,
				zap.String("host", evt.Host),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Debug("crawl fetch", fields...)
		default:
			fields = append(fields,
				zap.String("crawl_type", evt.CrawlType),
				zap.String("result", evt.Result),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
			s.logger.Info("crawl progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
