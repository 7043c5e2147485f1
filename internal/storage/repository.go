// Package storage keeps the content fetched for archival units. Bytes live
// on a BlobStore (memory, local disk, GCS or S3); Repository lays out one
// content object and one metadata object per url.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/clock/system"
	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/hash/sha256"
)

// ErrObjectNotFound is returned by BlobStore.GetObject for a missing path.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore is a flat object store.
type BlobStore interface {
	// PutObject writes r at path and returns the object's URI.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// GetObject returns ErrObjectNotFound when nothing is stored at path.
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Hasher digests stored content and derives object keys from urls.
// Algorithm labels the digests recorded in ContentInfo.
type Hasher interface {
	Algorithm() string
	Hash(data []byte) (string, error)
}

// Options tune a Repository. Zero values select defaults.
type Options struct {
	// Prefix is prepended to every object path.
	Prefix string
	Hasher Hasher
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Repository implements crawler.Repository on a BlobStore.
type Repository struct {
	blobs  BlobStore
	prefix string
	hasher Hasher
	clock  crawler.Clock
	logger *zap.Logger
}

var _ crawler.Repository = (*Repository)(nil)

// NewRepository wraps blobs.
func NewRepository(blobs BlobStore, opts Options) (*Repository, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Repository{
		blobs:  blobs,
		prefix: strings.Trim(opts.Prefix, "/"),
		hasher: opts.Hasher,
		clock:  opts.Clock,
		logger: opts.Logger.Named("repository"),
	}, nil
}

// paths returns the content and metadata object paths of rawURL in auid.
func (r *Repository) paths(auid, rawURL string) (content, meta string, err error) {
	key, err := r.hasher.Hash([]byte(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("hash url: %w", err)
	}
	dir := path.Join(r.prefix, url.PathEscape(auid), key[:2])
	return path.Join(dir, key), path.Join(dir, key+".json"), nil
}

// Stat returns crawler.ErrNotStored when nothing is stored for rawURL.
func (r *Repository) Stat(ctx context.Context, auid, rawURL string) (crawler.ContentInfo, error) {
	_, metaPath, err := r.paths(auid, rawURL)
	if err != nil {
		return crawler.ContentInfo{}, err
	}
	rc, err := r.blobs.GetObject(ctx, metaPath)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return crawler.ContentInfo{}, crawler.ErrNotStored
		}
		return crawler.ContentInfo{}, fmt.Errorf("read metadata: %w", err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			r.logger.Warn("close metadata reader", zap.String("path", metaPath), zap.Error(closeErr))
		}
	}()
	var info crawler.ContentInfo
	if err := json.NewDecoder(rc).Decode(&info); err != nil {
		return crawler.ContentInfo{}, fmt.Errorf("decode metadata %s: %w", metaPath, err)
	}
	return info, nil
}

// Store writes the body of res and then its metadata, so a partial write
// is never visible through Stat.
func (r *Repository) Store(ctx context.Context, auid string, res crawler.FetchResult) (crawler.ContentInfo, error) {
	contentPath, metaPath, err := r.paths(auid, res.URL)
	if err != nil {
		return crawler.ContentInfo{}, err
	}
	digest, err := r.hasher.Hash(res.Body)
	if err != nil {
		return crawler.ContentInfo{}, fmt.Errorf("hash content: %w", err)
	}
	uri, err := r.blobs.PutObject(ctx, contentPath, res.ContentType, bytes.NewReader(res.Body))
	if err != nil {
		return crawler.ContentInfo{}, fmt.Errorf("put content: %w", err)
	}
	info := crawler.ContentInfo{
		URL:         res.URL,
		ContentType: res.ContentType,
		Size:        int64(len(res.Body)),
		Digest:      r.hasher.Algorithm() + ":" + digest,
		URI:         uri,
		StoredAt:    r.clock.Now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return crawler.ContentInfo{}, fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := r.blobs.PutObject(ctx, metaPath, "application/json", bytes.NewReader(meta)); err != nil {
		return crawler.ContentInfo{}, fmt.Errorf("put metadata: %w", err)
	}
	r.logger.Debug("stored content",
		zap.String("auid", auid),
		zap.String("url", res.URL),
		zap.Int64("size", info.Size),
		zap.String("uri", uri),
	)
	return info, nil
}

// Open returns the stored body of rawURL. The caller closes the reader.
func (r *Repository) Open(ctx context.Context, auid, rawURL string) (io.ReadCloser, crawler.ContentInfo, error) {
	info, err := r.Stat(ctx, auid, rawURL)
	if err != nil {
		return nil, crawler.ContentInfo{}, err
	}
	contentPath, _, err := r.paths(auid, rawURL)
	if err != nil {
		return nil, crawler.ContentInfo{}, err
	}
	rc, err := r.blobs.GetObject(ctx, contentPath)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, crawler.ContentInfo{}, crawler.ErrNotStored
		}
		return nil, crawler.ContentInfo{}, fmt.Errorf("read content: %w", err)
	}
	return rc, info, nil
}
