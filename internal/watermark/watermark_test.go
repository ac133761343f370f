package watermark

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/storage"
)

func TestIsReadyScenario(t *testing.T) {
	t.Parallel()

	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	upload := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	latest := time.Date(2024, time.January, 10, 12, 0, 45, 0, time.UTC)

	ready, local := IsReady(latest, upload, london)
	if !ready {
		t.Fatal("ready = false, want true")
	}
	if !local.Equal(latest) {
		t.Fatalf("latest local = %v, want instant %v", local, latest)
	}
	if local.Location() != london {
		t.Fatalf("latest local zone = %v, want %v", local.Location(), london)
	}
}

func TestIsReadyMonotonic(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	for _, d := range []time.Duration{0, time.Nanosecond, time.Second, 48 * time.Hour} {
		if ready, _ := IsReady(t1.Add(d), t1, time.UTC); !ready {
			t.Errorf("IsReady(T1+%s, T1) = false, want true", d)
		}
	}
	if ready, _ := IsReady(t1.Add(-time.Second), t1, time.UTC); ready {
		t.Error("IsReady(T1-1s, T1) = true, want false")
	}
}

func TestIsReadyAbsentInputs(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

	ready, local := IsReady(now, time.Time{}, time.UTC)
	if ready {
		t.Fatal("ready without watermark = true, want false")
	}
	if !local.Equal(now) {
		t.Fatalf("latest local = %v, want %v", local, now)
	}

	ready, local = IsReady(time.Time{}, now, time.UTC)
	if ready {
		t.Fatal("ready without latest = true, want false")
	}
	if !local.IsZero() {
		t.Fatalf("latest local = %v, want zero", local)
	}
}

func TestIsReadyNormalisesZones(t *testing.T) {
	t.Parallel()

	plusOne := time.FixedZone("UTC+1", 3600)
	upload := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	// 13:00 at UTC+1 is the same instant as the upload.
	latest := time.Date(2024, time.January, 10, 13, 0, 0, 0, plusOne)

	if ready, _ := IsReady(latest, upload, nil); !ready {
		t.Fatal("ready = false, want true for equal instants in different zones")
	}
}

type fakeSource struct {
	mu      sync.Mutex
	results [][]storage.ObjectInfo
	errs    []error
	calls   int
}

func (f *fakeSource) List(context.Context, string) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

func TestAwaitReturnsOnceResultLands(t *testing.T) {
	t.Parallel()

	wm := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	stale := storage.ObjectInfo{Key: "out/a.csv", LastModified: wm.Add(-time.Hour)}
	fresh := storage.ObjectInfo{Key: "out/b.csv", LastModified: wm.Add(45 * time.Second)}
	src := &fakeSource{
		results: [][]storage.ObjectInfo{
			{stale},
			nil,
			{stale, fresh},
		},
		errs: []error{nil, errs.New(errs.ErrTransient, "blip")},
	}

	var checks int
	obs, err := Await(context.Background(), src, AwaitOptions{
		Prefix:    "out/",
		Watermark: wm,
		Interval:  time.Millisecond,
		OnCheck:   func(Observation) { checks++ },
	})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !obs.Ready {
		t.Fatal("ready = false, want true")
	}
	if obs.Object == nil || obs.Object.Key != "out/b.csv" {
		t.Fatalf("object = %+v, want out/b.csv", obs.Object)
	}
	if checks != 2 {
		t.Fatalf("successful checks = %d, want 2", checks)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	t.Parallel()

	wm := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	stale := storage.ObjectInfo{Key: "out/a.csv", LastModified: wm.Add(-time.Hour)}
	src := &fakeSource{results: [][]storage.ObjectInfo{{stale}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	obs, err := Await(ctx, src, AwaitOptions{Prefix: "out/", Watermark: wm, Interval: time.Millisecond})
	if !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("await error = %v, want %v", err, errs.ErrTimeout)
	}
	if obs.Object == nil || obs.Object.Key != "out/a.csv" {
		t.Fatalf("last observation = %+v, want the stale object", obs.Object)
	}
}

func TestAwaitCancelled(t *testing.T) {
	t.Parallel()

	src := &fakeSource{results: [][]storage.ObjectInfo{nil}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Await(ctx, src, AwaitOptions{Prefix: "out/", Watermark: time.Now(), Interval: time.Millisecond})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("await error = %v, want %v", err, context.Canceled)
	}
	if errors.Is(err, errs.ErrTimeout) {
		t.Fatal("cancellation reported as timeout")
	}
}

func TestAwaitStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		results: [][]storage.ObjectInfo{nil},
		errs:    []error{errs.New(errs.ErrNotFound, "bucket gone")},
	}
	_, err := Await(context.Background(), src, AwaitOptions{Prefix: "out/", Watermark: time.Now(), Interval: time.Millisecond})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("await error = %v, want %v", err, errs.ErrNotFound)
	}
}
