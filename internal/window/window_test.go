package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	// 2024-01-03 is a Wednesday.
	return time.Date(2024, 1, 3, hour, minute, 0, 0, time.UTC)
}

func TestDailyWindow(t *testing.T) {
	t.Parallel()

	w := Daily{Start: 2 * time.Hour, End: 6 * time.Hour}
	require.False(t, w.CanCrawl(at(1, 59)))
	require.True(t, w.CanCrawl(at(2, 0)))
	require.True(t, w.CanCrawl(at(5, 59)))
	require.False(t, w.CanCrawl(at(6, 0)))
}

func TestDailyWindowWrapsMidnight(t *testing.T) {
	t.Parallel()

	w := Daily{Start: 22 * time.Hour, End: 4 * time.Hour, Days: []time.Weekday{time.Tuesday}}
	// Opened Tuesday 22:00, still open early Wednesday.
	require.True(t, w.CanCrawl(at(3, 0)))
	// Wednesday evening is not an allowed start day.
	require.False(t, w.CanCrawl(at(23, 0)))
	require.False(t, w.CanCrawl(at(12, 0)))
}

func TestCombinators(t *testing.T) {
	t.Parallel()

	night := Daily{Start: 0, End: 6 * time.Hour}
	require.True(t, Not(night).CanCrawl(at(12, 0)))
	require.False(t, And(Always(), night).CanCrawl(at(12, 0)))
	require.True(t, Or(Never(), night).CanCrawl(at(1, 0)))
	require.True(t, CanCrawl(nil, at(1, 0)))
}

func TestOpenFor(t *testing.T) {
	t.Parallel()

	w := Daily{Start: 2 * time.Hour, End: 6 * time.Hour}
	require.True(t, OpenFor(w, at(3, 0), 15*time.Minute))
	require.False(t, OpenFor(w, at(5, 50), 15*time.Minute))
	require.False(t, OpenFor(w, at(1, 0), 0))
	require.True(t, OpenFor(nil, at(1, 0), time.Hour))
}

func TestSpecBuild(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Type: "or",
		Windows: []Spec{
			{Type: "daily", Start: "01:00", End: "03:00", Days: []string{"wed"}},
			{Type: "not", Windows: []Spec{{Type: "always"}}},
		},
	}
	w, err := spec.Build()
	require.NoError(t, err)
	require.True(t, w.CanCrawl(at(2, 0)))
	require.False(t, w.CanCrawl(at(4, 0)))

	none, err := Spec{}.Build()
	require.NoError(t, err)
	require.Nil(t, none)

	_, err = Spec{Type: "daily", Start: "25:00", End: "01:00"}.Build()
	require.Error(t, err)
	_, err = Spec{Type: "daily", Start: "01:00", End: "02:00", Days: []string{"someday"}}.Build()
	require.Error(t, err)
	_, err = Spec{Type: "weekly"}.Build()
	require.Error(t, err)
}
