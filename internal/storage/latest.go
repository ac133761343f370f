package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/tomasbasham/eoa/internal/errs"
)

// Lister lists objects under a prefix. Every Store is a Lister.
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Latest returns the most recently modified object under prefix, or nil when
// the prefix holds no objects. Directory markers are ignored. Ties on the
// modification time resolve to the lexically greatest key so the answer is
// stable across calls.
func Latest(ctx context.Context, s Lister, prefix string) (*ObjectInfo, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var latest *ObjectInfo
	for i := range objects {
		o := &objects[i]
		if len(o.Key) > 0 && o.Key[len(o.Key)-1] == '/' {
			continue
		}
		if latest == nil ||
			o.LastModified.After(latest.LastModified) ||
			(o.LastModified.Equal(latest.LastModified) && o.Key > latest.Key) {
			latest = o
		}
	}
	if latest == nil {
		return nil, nil
	}
	info := *latest
	return &info, nil
}

// Get resolves the most recently modified object under prefix and reads it.
// It fails with errs.ErrNotFound when the prefix is empty and with
// errs.ErrUnsupportedFormat when the resolved key is not a supported tabular
// format.
func Get(ctx context.Context, s Store, prefix string) (*Object, error) {
	info, err := Latest(ctx, s, prefix)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errs.New(errs.ErrNotFound, "storage: no objects found under %q", prefix)
	}
	ct, err := ContentTypeFor(info.Key)
	if err != nil {
		return nil, err
	}

	r, err := s.Open(ctx, info.Key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTransient, err, "storage: read %q", info.Key)
	}
	if info.ContentType == "" {
		info.ContentType = ct
	}
	return &Object{ObjectInfo: *info, Body: body}, nil
}

// PutBytes is a convenience wrapper around Store.Put for in-memory content.
// The content type is derived from the key when contentType is empty.
func PutBytes(ctx context.Context, s Store, key string, content []byte, contentType string) error {
	if contentType == "" {
		ct, err := ContentTypeFor(key)
		if err != nil {
			return err
		}
		contentType = ct
	}
	if err := s.Put(ctx, &PutRequest{
		ObjectName:  key,
		Content:     bytes.NewReader(content),
		Size:        int64(len(content)),
		ContentType: contentType,
	}); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}
