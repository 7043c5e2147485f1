package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// LogSink writes alerts to a zap logger. Failures are logged at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alert")}
}

// Raise implements crawler.AlertSink.
func (s *LogSink) Raise(_ context.Context, a crawler.Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(a.Kind)),
		zap.String("auid", a.AUID),
		zap.String("au_name", a.AUName),
		zap.String("crawl_type", string(a.CrawlType)),
		zap.String("status", a.Status),
		zap.Time("raised_at", a.RaisedAt),
	}
	if a.Kind == crawler.AlertCrawlFinished {
		s.logger.Info(a.Message, fields...)
		return nil
	}
	s.logger.Warn(a.Message, fields...)
	return nil
}
