package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlStart, AUID: "au", CrawlType: "new_content"},
		{
			CrawlID:     crawlID,
			TS:          now.Add(10 * time.Second),
			Stage:       progress.StageFetchDone,
			Host:        "example.com",
			Bytes:       1024,
			Fetches:     1,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{CrawlID: crawlID, TS: now.Add(11 * time.Second), Stage: progress.StageFetchError, Host: "example.com"},
		{
			CrawlID: crawlID,
			TS:      now.Add(15 * time.Second),
			Stage:   progress.StageCrawlDone,
			Result:  "SUCCESSFUL",
			Dur:     15 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted.WithLabelValues("new_content")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsFinished.WithLabelValues("SUCCESSFUL")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fetchErrors.WithLabelValues("example.com")))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "aucrawler_progress_fetch_duration_seconds"))
}

func TestPrometheusSinkDefaultsResultLabel(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlStart, AUID: "au"},
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlError},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsFinished.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted.WithLabelValues("unknown")))
}
