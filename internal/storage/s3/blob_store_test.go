package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/storage"
)

// fakeAPI keeps objects in a map keyed by bucket/key.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	store, err := newBlobStore(api, "archive")
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "au/ab/obj", "text/html", bytes.NewReader([]byte("<html>")))
	require.NoError(t, err)
	require.Equal(t, "s3://archive/au/ab/obj", uri)
	require.Equal(t, "text/html", api.types["archive/au/ab/obj"])

	rc, err := store.GetObject(context.Background(), "au/ab/obj")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "<html>", string(got))

	_, err = store.GetObject(context.Background(), "au/none")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	_, err := newBlobStore(nil, "b")
	require.Error(t, err)
	_, err = newBlobStore(newFakeAPI(), "")
	require.Error(t, err)
	_, err = Dial(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket name is required")

	api := newFakeAPI()
	api.putErr = errors.New("denied")
	store, err := newBlobStore(api, "b")
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "k", "", bytes.NewReader([]byte("x")))
	require.ErrorContains(t, err, "denied")
	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
