package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomasbasham/eoa/internal/errs"
)

// LocalStore keeps objects in a directory on the local filesystem. The signed
// URL returned is a file:// URL - there is no expiry concept for local files,
// so ExpiresAt is left as the zero value.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore that keeps objects under baseDir. The
// directory is created if it does not already exist.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: failed to create local base directory %q: %w", baseDir, err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve absolute path for %q: %w", baseDir, err)
	}
	return &LocalStore{baseDir: abs}, nil
}

// Put writes content to baseDir/objectName, creating any intermediate
// directories as needed. Content is staged in a temporary file and renamed
// into place so a concurrent List never observes a partial object.
func (s *LocalStore) Put(_ context.Context, req *PutRequest) error {
	dest, err := s.path(req.ObjectName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Wrap(errs.ErrTransient, err, "storage: failed to create directory for %q", req.ObjectName)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return errs.Wrap(errs.ErrTransient, err, "storage: failed to create file for %q", req.ObjectName)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, req.Content); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.Wrap(errs.ErrTransient, err, "storage: failed to write file %q", dest)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.ErrTransient, err, "storage: failed to close file %q", dest)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.ErrTransient, err, "storage: failed to move file into %q", dest)
	}
	return nil
}

// List walks baseDir and returns every regular file whose slash-separated key
// starts with prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		ct, _ := ContentTypeFor(key)
		objects = append(objects, ObjectInfo{
			Key:          key,
			LastModified: info.ModTime().UTC(),
			Size:         info.Size(),
			ContentType:  ct,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errs.Wrap(errs.ErrTransient, err, "storage: failed to list %q", prefix)
	}
	return objects, nil
}

// Open opens baseDir/key for reading.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.New(errs.ErrNotFound, "storage: object %q does not exist", key)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrTransient, err, "storage: failed to open %q", key)
	}
	return f, nil
}

// Sign returns a file:// URL pointing to the stored file.
func (s *LocalStore) Sign(_ context.Context, key string) (*SignedURL, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return nil, errs.New(errs.ErrNotFound, "storage: object %q does not exist", key)
	}
	fileURL := &url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return &SignedURL{URL: fileURL.String()}, nil
}

// path maps key into baseDir, refusing keys that would escape it.
func (s *LocalStore) path(key string) (string, error) {
	if key == "" {
		return "", errs.New(errs.ErrInvalid, "storage: object name is required")
	}
	p := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if p != s.baseDir && !strings.HasPrefix(p, s.baseDir+string(filepath.Separator)) {
		return "", errs.New(errs.ErrInvalid, "storage: object name %q escapes the base directory", key)
	}
	return p, nil
}
