package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type intervalAU struct {
	ArchivalUnit
	interval time.Duration
	state    *AUState
}

func (a intervalAU) NewContentCrawlInterval() time.Duration { return a.interval }
func (a intervalAU) State() *AUState                        { return a.state }

func TestAUStateTransitions(t *testing.T) {
	t.Parallel()

	st := NewAUState(time.Time{}, time.Time{}, StatusUnknown, "")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.NewCrawlStarted(start)
	snap := st.Snapshot()
	require.True(t, snap.Crawling)
	require.Equal(t, start, snap.LastCrawlAttempt)

	st.NewCrawlFinished(StatusFetchError, "Fetch error", start.Add(time.Minute))
	snap = st.Snapshot()
	require.False(t, snap.Crawling)
	require.True(t, snap.LastCrawlTime.IsZero())
	require.Equal(t, "FETCH_ERROR", snap.LastResultName)

	st.NewCrawlFinished(StatusSuccessful, "", start.Add(2*time.Minute))
	require.Equal(t, start.Add(2*time.Minute), st.Snapshot().LastCrawlTime)
}

func TestShouldCrawlForNewContent(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	never := intervalAU{interval: time.Hour, state: NewAUState(time.Time{}, time.Time{}, StatusUnknown, "")}
	require.True(t, ShouldCrawlForNewContent(never, now))

	recent := intervalAU{interval: time.Hour, state: NewAUState(now, now.Add(-30*time.Minute), StatusSuccessful, "")}
	require.False(t, ShouldCrawlForNewContent(recent, now))

	due := intervalAU{interval: time.Hour, state: NewAUState(now, now.Add(-2*time.Hour), StatusSuccessful, "")}
	require.True(t, ShouldCrawlForNewContent(due, now))

	require.False(t, ShouldCrawlForNewContent(intervalAU{interval: time.Hour}, now))
}

func TestStatusCodeNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "REPO_ERR", StatusRepoError.String())
	require.Equal(t, "Interrupted by crawl window", StatusWindowClosed.DefaultMessage())
	code, ok := ParseStatusCode("NO_PUB_PERMISSION")
	require.True(t, ok)
	require.Equal(t, StatusNoPubPermission, code)
	require.False(t, StatusActive.IsTerminal())
	require.True(t, StatusAborted.IsTerminal())
}
