package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tomasbasham/eoa/internal/errs"
)

// MinioStore keeps objects in any S3-compatible backend (AWS S3, MinIO).
type MinioStore struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool

	// SignedURLTTL bounds presigned download URLs. Defaults to
	// DefaultSignedURLTTL.
	SignedURLTTL time.Duration

	Logger *slog.Logger
}

// NewMinioStore creates a MinIO client, ensures the bucket exists and returns
// a ready-to-use MinioStore. Unlike a public asset bucket no policy is applied:
// results are only reachable through presigned URLs.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	if opts.Bucket == "" {
		return nil, errs.New(errs.ErrInvalid, "storage: S3 bucket is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTransient, err, "storage: check bucket existence")
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("storage: create bucket %q: %w", opts.Bucket, err)
		}
		logger.Info("created bucket", "bucket", opts.Bucket)
	}

	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	return &MinioStore{client: client, bucket: opts.Bucket, ttl: ttl}, nil
}

// Put streams content to the bucket under the request's object name.
func (s *MinioStore) Put(ctx context.Context, req *PutRequest) error {
	_, err := s.client.PutObject(ctx, s.bucket, req.ObjectName, req.Content, req.Size, minio.PutObjectOptions{
		ContentType: req.ContentType,
	})
	if err != nil {
		return errs.Wrap(errs.ErrTransient, err, "storage: put object %q", req.ObjectName)
	}
	return nil
}

// List returns every object under prefix, recursing into "directories".
func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errs.Wrap(errs.ErrTransient, obj.Err, "storage: list %q", prefix)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC(),
			Size:         obj.Size,
			ContentType:  obj.ContentType,
		})
	}
	return objects, nil
}

// Open stats key before returning its reader so a missing object surfaces as
// errs.ErrNotFound here rather than on the first Read.
func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinio(err, key)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classifyMinio(err, key)
	}
	return obj, nil
}

// Sign returns a presigned GET URL valid for the configured TTL.
func (s *MinioStore) Sign(ctx context.Context, key string) (*SignedURL, error) {
	expiresAt := time.Now().Add(s.ttl)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("storage: presign %q: %w", key, err)
	}
	return &SignedURL{URL: u.String(), ExpiresAt: expiresAt}, nil
}

func classifyMinio(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return errs.New(errs.ErrNotFound, "storage: object %q does not exist", key)
	}
	return errs.Wrap(errs.ErrTransient, err, "storage: get object %q", key)
}
