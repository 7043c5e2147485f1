package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/store"
)

func TestHistoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	hs := NewHistoryStore()
	ctx := context.Background()
	id := uuid.Must(uuid.NewV7())
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, hs.RecordStart(ctx, id, "au1", "new_content", start))
	require.NoError(t, hs.RecordStart(ctx, id, "au1", "new_content", start.Add(time.Hour)), "replay is ignored")
	require.NoError(t, hs.UpsertHostStats(ctx, id, "a.org", 2, 200, "2xx", start.Add(time.Second)))
	require.NoError(t, hs.UpsertHostStats(ctx, id, "a.org", 1, 0, "5xx", start.Add(2*time.Second)))
	require.NoError(t, hs.UpsertHostStats(ctx, id, "b.org", 1, 10, "other", start))

	msg := "Failed to fetch start url"
	require.NoError(t, hs.RecordFinish(ctx, id, start.Add(time.Minute), store.RunError, "FETCH_ERROR", &msg))
	msg = "changed"

	run, err := hs.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, start, run.StartedAt)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, "FETCH_ERROR", *run.Result)
	require.Equal(t, "Failed to fetch start url", *run.ErrorMessage)

	hosts, err := hs.ListRunHosts(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	require.Equal(t, "a.org", hosts[0].Host)
	require.Equal(t, int64(3), hosts[0].Fetches)
	require.Equal(t, int64(2), hosts[0].Fetch2xx)
	require.Equal(t, int64(1), hosts[0].Fetch5xx)
	require.Equal(t, int64(10), hosts[1].BytesTotal)

	_, err = hs.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, hs.RecordFinish(ctx, uuid.New(), start, store.RunSuccess, "", nil), store.ErrNotFound)
}

func TestHistoryStoreListRunsPages(t *testing.T) {
	t.Parallel()

	hs := NewHistoryStore()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		auid := "au1"
		if i%2 == 1 {
			auid = "au2"
		}
		require.NoError(t, hs.RecordStart(ctx, uuid.New(), auid, "new_content", start.Add(time.Duration(i)*time.Hour)))
	}

	all, err := hs.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.True(t, all[0].StartedAt.After(all[1].StartedAt))

	auid := "au1"
	mine, err := hs.ListRuns(ctx, &auid, 2, 1)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, start.Add(2*time.Hour), mine[0].StartedAt)

	none, err := hs.ListRuns(ctx, &auid, 10, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestCrawlListStore(t *testing.T) {
	t.Parallel()

	cls := NewCrawlListStore()
	ctx := context.Background()
	entries := []store.CrawlListEntry{{URL: "http://a.org/1", Depth: 1}}
	require.NoError(t, cls.SaveCrawlList(ctx, "au1", entries))
	entries[0].URL = "mutated"

	got, err := cls.LoadCrawlList(ctx, "au1")
	require.NoError(t, err)
	require.Equal(t, "http://a.org/1", got[0].URL)

	require.NoError(t, cls.DeleteCrawlList(ctx, "au1"))
	got, err = cls.LoadCrawlList(ctx, "au1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}
