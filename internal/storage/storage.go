package storage

import (
	"context"
	"io"
	"time"
)

// Store persists datasets and results to a storage backend. Objects are never
// mutated in place; writing to an existing key replaces it and bumps its
// modification time, which is the only completion signal the orchestrator has.
type Store interface {
	// Put writes the request content under its object name.
	Put(ctx context.Context, req *PutRequest) error

	// List returns every object whose key starts with prefix, in no
	// particular order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Open returns a reader for the object stored at key. It fails with
	// errs.ErrNotFound if no such object exists.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Sign returns a time-limited URL for downloading key.
	Sign(ctx context.Context, key string) (*SignedURL, error)
}

type PutRequest struct {
	// ObjectName is the object path within the configured bucket or base
	// directory.
	ObjectName string

	// Content is the data to be uploaded.
	Content io.Reader

	// Size is the exact byte count of Content, or -1 when unknown.
	Size int64

	// ContentType is the MIME type of the content, e.g. "text/csv".
	ContentType string
}

// ObjectInfo describes a stored object without its content.
type ObjectInfo struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
}

// Object is a stored object together with its content.
type Object struct {
	ObjectInfo
	Body []byte
}

// SignedURL provides time-limited access to an object.
type SignedURL struct {
	URL string `json:"url"`

	// ExpiresAt is when the URL becomes invalid. Zero for backends without
	// an expiry concept.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
