package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomasbasham/eoa/internal/errs"
)

func newTempStore(t *testing.T) *LocalStore {
	t.Helper()

	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return s
}

// putAt writes key and pins its modification time.
func putAt(t *testing.T, s *LocalStore, key, body string, at time.Time) {
	t.Helper()

	if err := PutBytes(context.Background(), s, key, []byte(body), "text/plain"); err != nil {
		t.Fatalf("put %q: %v", key, err)
	}
	p := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.Chtimes(p, at, at); err != nil {
		t.Fatalf("chtimes %q: %v", key, err)
	}
}

func TestLocalStorePutOpenRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	ctx := context.Background()
	if err := PutBytes(ctx, s, "uploads/data.csv", []byte("a,b\n1,2\n"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}

	r, err := s.Open(ctx, "uploads/data.csv")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "a,b\n1,2\n" {
		t.Fatalf("body = %q, want %q", body, "a,b\n1,2\n")
	}
}

func TestLocalStoreOpenMissing(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	if _, err := s.Open(context.Background(), "nope.csv"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("open error = %v, want %v", err, errs.ErrNotFound)
	}
}

func TestLocalStoreRejectsEscapingKey(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	err := PutBytes(context.Background(), s, "../outside.csv", []byte("x"), "")
	if !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("put error = %v, want %v", err, errs.ErrInvalid)
	}
}

func TestLatestPicksMostRecentlyModified(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	base := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	putAt(t, s, "optimized_offers/a.csv", "old", base)
	putAt(t, s, "optimized_offers/b.csv", "new", base.Add(45*time.Second))
	putAt(t, s, "other/c.csv", "unrelated", base.Add(time.Hour))

	info, err := Latest(context.Background(), s, "optimized_offers/")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if info == nil {
		t.Fatal("latest = nil, want object")
	}
	if info.Key != "optimized_offers/b.csv" {
		t.Fatalf("key = %q, want %q", info.Key, "optimized_offers/b.csv")
	}
	if !info.LastModified.Equal(base.Add(45 * time.Second)) {
		t.Fatalf("last modified = %v, want %v", info.LastModified, base.Add(45*time.Second))
	}
}

func TestLatestEmptyPrefix(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	info, err := Latest(context.Background(), s, "optimized_offers/")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if info != nil {
		t.Fatalf("latest = %+v, want nil", info)
	}
}

func TestGetResolvesLatest(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	base := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	putAt(t, s, "results/one.csv", "first", base)
	putAt(t, s, "results/two.parquet", "second", base.Add(time.Minute))

	obj, err := Get(context.Background(), s, "results/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(obj.Body) != "second" {
		t.Fatalf("body = %q, want %q", obj.Body, "second")
	}
	if obj.ContentType != ContentTypeParquet {
		t.Fatalf("content type = %q, want %q", obj.ContentType, ContentTypeParquet)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	if _, err := Get(context.Background(), s, "results/"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("get error = %v, want %v", err, errs.ErrNotFound)
	}
}

func TestGetUnsupportedFormat(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	putAt(t, s, "results/report.pdf", "%PDF", time.Now())

	_, err := Get(context.Background(), s, "results/")
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("get error = %v, want %v", err, errs.ErrUnsupportedFormat)
	}
}

func TestContentTypeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want string
		err  error
	}{
		{"a/b.csv", ContentTypeCSV, nil},
		{"a/B.XLSX", ContentTypeXLSX, nil},
		{"a/b.xlsm", ContentTypeXLSM, nil},
		{"a/b.txt", ContentTypeTSV, nil},
		{"a/b.parquet", ContentTypeParquet, nil},
		{"a/b.json", "", errs.ErrUnsupportedFormat},
		{"a/", "", errs.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		got, err := ContentTypeFor(tt.key)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("ContentTypeFor(%q) error = %v, want %v", tt.key, err, tt.err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ContentTypeFor(%q) = %q, %v, want %q", tt.key, got, err, tt.want)
		}
	}
}

func TestLocalStoreSign(t *testing.T) {
	t.Parallel()

	s := newTempStore(t)
	putAt(t, s, "results/x.csv", "x", time.Now())

	u, err := s.Sign(context.Background(), "results/x.csv")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(u.URL, "file://") {
		t.Fatalf("url = %q, want file:// scheme", u.URL)
	}
	if !u.ExpiresAt.IsZero() {
		t.Fatalf("expires at = %v, want zero", u.ExpiresAt)
	}
}
