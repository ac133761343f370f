// Package storage provides the object store the orchestrator uploads datasets
// to and polls for results. Objects are addressed by key; the most recently
// modified object under a prefix is the "latest" result. The GCS and MinIO
// implementations are the production backends; the local implementation backs
// development and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tomasbasham/eoa/internal/errs"
)

// DefaultSignedURLTTL bounds the validity of signed download URLs.
const DefaultSignedURLTTL = 1 * time.Hour

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	ttl    time.Duration
}

// NewGCSStore creates a GCSStore for the given bucket. opts are passed through
// to the underlying GCS client, allowing credential injection.
func NewGCSStore(ctx context.Context, bucket string, ttl time.Duration, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errs.New(errs.ErrInvalid, "storage: GCS bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create GCS client: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	return &GCSStore{client: client, bucket: bucket, ttl: ttl}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put writes content to GCS at objectName.
func (s *GCSStore) Put(ctx context.Context, req *PutRequest) error {
	obj := s.client.Bucket(s.bucket).Object(req.ObjectName)
	w := obj.NewWriter(ctx)
	w.ContentType = req.ContentType

	if _, err := io.Copy(w, req.Content); err != nil {
		_ = w.Close()
		return errs.Wrap(errs.ErrTransient, err, "storage: upload write failed for %q", req.ObjectName)
	}
	if err := w.Close(); err != nil {
		return errs.Wrap(errs.ErrTransient, err, "storage: upload close failed for %q", req.ObjectName)
	}
	return nil
}

// List iterates the bucket under prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.ErrTransient, err, "storage: failed to list %q", prefix)
		}
		objects = append(objects, ObjectInfo{
			Key:          attrs.Name,
			LastModified: attrs.Updated.UTC(),
			Size:         attrs.Size,
			ContentType:  attrs.ContentType,
		})
	}
	return objects, nil
}

// Open returns a reader over the object at key.
func (s *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errs.New(errs.ErrNotFound, "storage: object %q does not exist", key)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrTransient, err, "storage: failed to open %q", key)
	}
	return r, nil
}

// Sign returns a V4 signed GET URL valid for the configured TTL.
func (s *GCSStore) Sign(_ context.Context, key string) (*SignedURL, error) {
	expiresAt := time.Now().Add(s.ttl)
	signedURL, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to sign URL for %q: %w", key, err)
	}
	return &SignedURL{URL: signedURL, ExpiresAt: expiresAt}, nil
}
