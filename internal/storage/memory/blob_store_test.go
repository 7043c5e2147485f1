package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	rc, err := store.GetObject(context.Background(), "path/page.html")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "content", string(got))
	require.Equal(t, []string{"path/page.html"}, store.Paths())
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)

	_, err = NewBlobStore().PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
