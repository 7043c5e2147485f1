package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/store"
)

func TestNewCrawlListStoreValidatesTable(t *testing.T) {
	t.Parallel()

	_, err := NewCrawlListStore(newMock(t), "lists; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewCrawlListStore(nil, "")
	require.Error(t, err)
}

func TestCrawlListStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	cls, err := NewCrawlListStore(mock, "")
	require.NoError(t, err)

	entries := []store.CrawlListEntry{{URL: "http://a.org/x", Depth: 2}, {URL: "http://a.org/y", Depth: 3}}
	payload := []byte(`[{"url":"http://a.org/x","depth":2},{"url":"http://a.org/y","depth":3}]`)

	mock.ExpectExec("INSERT INTO crawl_lists").
		WithArgs("au1", payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT entries FROM crawl_lists").
		WithArgs("au1").
		WillReturnRows(mock.NewRows([]string{"entries"}).AddRow(payload))
	mock.ExpectExec("DELETE FROM crawl_lists").
		WithArgs("au1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery("SELECT entries FROM crawl_lists").
		WithArgs("au1").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, cls.SaveCrawlList(ctx, "au1", entries))
	got, err := cls.LoadCrawlList(ctx, "au1")
	require.NoError(t, err)
	require.Equal(t, entries, got)
	require.NoError(t, cls.DeleteCrawlList(ctx, "au1"))
	got, err = cls.LoadCrawlList(ctx, "au1")
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
