package cycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomasbasham/eoa/internal/compute"
	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/storage"
)

// fakeJob stands in for the remote job. When write is set it stores a result
// under the result prefix before reporting its outcome.
type fakeJob struct {
	mu      sync.Mutex
	calls   int
	payload map[string]any
	release chan struct{}
	write   func(ctx context.Context) error
	result  compute.ExecutionResult
	err     error
}

func (f *fakeJob) Invoke(ctx context.Context, _ compute.Job, payload map[string]any) (compute.ExecutionResult, error) {
	f.mu.Lock()
	f.calls++
	f.payload = payload
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return compute.ExecutionResult{}, errs.Wrap(errs.ErrTimeout, ctx.Err(), "still running")
		}
	}
	if f.write != nil {
		if err := f.write(ctx); err != nil {
			return compute.ExecutionResult{}, err
		}
	}
	if f.err != nil {
		return compute.ExecutionResult{}, f.err
	}
	if f.result.Status == "" {
		return compute.ExecutionResult{Status: compute.StatusSucceeded, ExecutionID: "exec-1"}, nil
	}
	return f.result, nil
}

type failingPuts struct {
	storage.Store
}

func (failingPuts) Put(context.Context, *storage.PutRequest) error {
	return errs.New(errs.ErrTransient, "bucket unavailable")
}

type fixture struct {
	dir     string
	objects *storage.LocalStore
	store   *MemoryStore
	job     *fakeJob
	opts    Options

	// uploadAt is what the clock reports, well before any file the test
	// writes so real modification times always count as fresh.
	uploadAt time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	objects, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	f := &fixture{
		dir:      dir,
		objects:  objects,
		store:    NewMemoryStore(),
		job:      &fakeJob{},
		uploadAt: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
	}
	f.opts = Options{
		Store:    f.store,
		Objects:  objects,
		Trigger:  f.job,
		Interval: 5 * time.Millisecond,
		Clock:    func() time.Time { return f.uploadAt },
	}
	return f
}

// putResult writes the result object and stamps it with at.
func (f *fixture) putResult(t *testing.T, body string, at time.Time) {
	t.Helper()

	if err := storage.PutBytes(context.Background(), f.objects, DefaultResultPrefix, []byte(body), ""); err != nil {
		t.Fatalf("put result: %v", err)
	}
	p := filepath.Join(f.dir, filepath.FromSlash(DefaultResultPrefix))
	if err := os.Chtimes(p, at, at); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func (f *fixture) writesResult(body string) func(context.Context) error {
	return func(ctx context.Context) error {
		return storage.PutBytes(ctx, f.objects, DefaultResultPrefix, []byte(body), "")
	}
}

func dataset() Dataset {
	return Dataset{Name: "offers.XLSX", Data: []byte("provider_id,offer\nP1,A\n")}
}

func TestRunUploadReachesReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.putResult(t, "stale", f.uploadAt.Add(-time.Hour))
	f.job.write = f.writesResult("fresh")
	f.opts.Payload = func(context.Context) (map[string]any, error) {
		return map[string]any{"chunk_size": int64(150)}, nil
	}
	o := NewOrchestrator("s1", f.opts)

	c, err := o.RunUpload(context.Background(), dataset(), time.Second)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if c.State != StateReady {
		t.Fatalf("state = %q, want %q (cause %q)", c.State, StateReady, c.Cause)
	}
	if c.DatasetKey != DefaultUploadStem+".xlsx" {
		t.Fatalf("dataset key = %q, want %q", c.DatasetKey, DefaultUploadStem+".xlsx")
	}
	if !c.UploadTime.Equal(f.uploadAt) {
		t.Fatalf("upload time = %v, want %v", c.UploadTime, f.uploadAt)
	}
	if c.ResultRef != DefaultResultPrefix || c.Result == nil {
		t.Fatalf("result = %q %+v, want %q", c.ResultRef, c.Result, DefaultResultPrefix)
	}
	if c.Result.ContentType != storage.ContentTypeCSV {
		t.Fatalf("content type = %q, want %q", c.Result.ContentType, storage.ContentTypeCSV)
	}
	if !strings.HasPrefix(c.Result.SignedURL, "file://") {
		t.Fatalf("signed url = %q, want file url", c.Result.SignedURL)
	}
	if c.Result.LastModified.Before(f.uploadAt) {
		t.Fatalf("result time %v precedes upload %v", c.Result.LastModified, f.uploadAt)
	}
	if c.ExecutionID != "exec-1" {
		t.Fatalf("execution id = %q, want exec-1", c.ExecutionID)
	}
	if f.job.payload["chunk_size"] != int64(150) {
		t.Fatalf("payload = %v, want chunk_size 150", f.job.payload)
	}

	body, err := o.FetchResult(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("fetch result: %v", err)
	}
	if string(body) != "fresh" {
		t.Fatalf("result body = %q, want %q", body, "fresh")
	}

	stored, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(c.DatasetKey)))
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	if string(stored) != string(dataset().Data) {
		t.Fatalf("stored dataset = %q", stored)
	}
}

func TestTimedOutCycleIsPromotedWhenResultLands(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.putResult(t, "stale", f.uploadAt.Add(-time.Minute))
	o := NewOrchestrator("s1", f.opts)

	c, err := o.RunUpload(context.Background(), dataset(), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if c.State != StateFailed || !c.TimedOut {
		t.Fatalf("cycle = %+v, want timed out failure", c)
	}
	if !strings.Contains(c.Cause, "still computing") {
		t.Fatalf("cause = %q, want still computing", c.Cause)
	}
	if want := f.uploadAt.Add(-time.Minute); !c.LatestAvailable.Equal(want) {
		t.Fatalf("latest available = %v, want %v", c.LatestAvailable, want)
	}
	if _, err := o.FetchResult(context.Background(), c.ID); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("fetch before ready error = %v, want %v", err, errs.ErrConflict)
	}

	f.putResult(t, "late", f.uploadAt.Add(time.Minute))

	c, err = o.PollStatus(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if c.State != StateReady || c.TimedOut {
		t.Fatalf("cycle = %+v, want ready", c)
	}
	if want := f.uploadAt.Add(time.Minute); !c.Result.LastModified.Equal(want) {
		t.Fatalf("result time = %v, want %v", c.Result.LastModified, want)
	}
	body, err := o.FetchResult(context.Background(), c.ID)
	if err != nil || string(body) != "late" {
		t.Fatalf("fetch = %q, %v, want late", body, err)
	}
}

func TestTimeoutWhileJobRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.release = make(chan struct{})
	o := NewOrchestrator("s1", f.opts)

	c, err := o.RunUpload(context.Background(), dataset(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if c.State != StateFailed || !c.TimedOut || !strings.Contains(c.Cause, "still computing") {
		t.Fatalf("cycle = %+v, want still computing timeout", c)
	}
}

func TestJobFailureFailsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.result = compute.ExecutionResult{Status: compute.StatusFailed, Cause: "States.TaskFailed"}
	o := NewOrchestrator("s1", f.opts)

	c, err := o.RunUpload(context.Background(), dataset(), time.Second)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if c.State != StateFailed || c.TimedOut {
		t.Fatalf("cycle = %+v, want failed", c)
	}
	if !strings.Contains(c.Cause, "States.TaskFailed") {
		t.Fatalf("cause = %q, want job cause", c.Cause)
	}
}

func TestInvocationErrorFailsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.err = &compute.InvocationError{Job: compute.MatchOffers, Err: errors.New("AccessDenied")}
	o := NewOrchestrator("s1", f.opts)

	c, err := o.RunUpload(context.Background(), dataset(), time.Second)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if c.State != StateFailed || !strings.Contains(c.Cause, "AccessDenied") {
		t.Fatalf("cycle = %+v, want invocation failure", c)
	}
}

func TestUploadFailureSkipsTrigger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.opts.Objects = failingPuts{Store: f.objects}
	o := NewOrchestrator("s1", f.opts)

	c, err := o.RunUpload(context.Background(), dataset(), time.Second)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if c.State != StateFailed || !strings.Contains(c.Cause, errs.ErrUpload.Error()) {
		t.Fatalf("cycle = %+v, want upload failure", c)
	}
	if !c.UploadTime.IsZero() {
		t.Fatalf("upload time = %v, want zero", c.UploadTime)
	}
	if f.job.calls != 0 {
		t.Fatalf("job calls = %d, want 0", f.job.calls)
	}
}

func TestStartUploadValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	o := NewOrchestrator("s1", f.opts)
	ctx := context.Background()

	if _, err := o.StartUpload(ctx, dataset(), 0); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("zero timeout error = %v, want %v", err, errs.ErrInvalid)
	}
	if _, err := o.StartUpload(ctx, Dataset{Name: "offers.pdf"}, time.Second); !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("pdf error = %v, want %v", err, errs.ErrUnsupportedFormat)
	}
	if _, err := o.Current(); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("current error = %v, want %v", err, errs.ErrNotFound)
	}
}

func TestStartUploadConflictsWhileInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.release = make(chan struct{})
	f.job.write = f.writesResult("fresh")
	o := NewOrchestrator("s1", f.opts)
	ctx := context.Background()

	first, err := o.StartUpload(ctx, dataset(), 5*time.Second)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if _, err := o.StartUpload(ctx, dataset(), 5*time.Second); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("second upload error = %v, want %v", err, errs.ErrConflict)
	}

	close(f.job.release)
	o.Wait()

	c, err := o.PollStatus(ctx, first)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if c.State != StateReady {
		t.Fatalf("state = %q, want %q (cause %q)", c.State, StateReady, c.Cause)
	}
}

func TestStartUploadDetachesFromRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.write = f.writesResult("fresh")
	sessions := NewSessions(f.opts)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := sessions.StartUpload(ctx, "s1", dataset(), 5*time.Second)
	if err != nil {
		t.Fatalf("start upload: %v", err)
	}
	cancel()
	sessions.Wait()

	c, err := sessions.PollStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if c.State != StateReady || c.Session != "s1" {
		t.Fatalf("cycle = %+v, want ready in s1", c)
	}
}

func TestNewUploadDiscardsPreviousCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.write = f.writesResult("fresh")
	sessions := NewSessions(f.opts)
	ctx := context.Background()

	first, err := sessions.RunUpload(ctx, "s1", dataset(), time.Second)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	other, err := sessions.RunUpload(ctx, "s2", dataset(), time.Second)
	if err != nil {
		t.Fatalf("other session upload: %v", err)
	}
	second, err := sessions.RunUpload(ctx, "s1", dataset(), time.Second)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if _, err := sessions.PollStatus(ctx, first.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("previous cycle error = %v, want %v", err, errs.ErrNotFound)
	}
	if _, err := sessions.PollStatus(ctx, other.ID); err != nil {
		t.Fatalf("other session cycle: %v", err)
	}
	cur, err := sessions.Current("s1")
	if err != nil || cur.ID != second.ID {
		t.Fatalf("current = %v, %v, want %s", cur, err, second.ID)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	c, _ := s.Create("s1")
	if err := s.MarkReady(c.ID, Result{Key: "k"}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	got, _ := s.Get(c.ID)
	got.Result.Key = "mutated"
	got.State = StateFailed

	again, _ := s.Get(c.ID)
	if again.State != StateReady || again.Result.Key != "k" {
		t.Fatalf("stored cycle mutated through copy: %+v", again)
	}
	if err := s.MarkFailed("missing", errors.New("x"), false); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, errs.ErrNotFound)
	}
}

func TestFetchResultFollowsRewrittenResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.write = f.writesResult("first run")
	o := NewOrchestrator("s1", f.opts)
	ctx := context.Background()

	c, err := o.RunUpload(ctx, dataset(), time.Second)
	if err != nil || c.State != StateReady {
		t.Fatalf("run upload = %+v, %v, want ready", c, err)
	}

	// A rerun of the job overwrites the same key.
	rewritten := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f.putResult(t, "second run output", rewritten)

	body, err := o.FetchResult(ctx, c.ID)
	if err != nil {
		t.Fatalf("fetch result: %v", err)
	}
	if string(body) != "second run output" {
		t.Fatalf("result body = %q, want the rewritten content", body)
	}

	c, err = o.PollStatus(ctx, c.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !c.Result.LastModified.Equal(rewritten) {
		t.Fatalf("result time = %v, want %v", c.Result.LastModified, rewritten)
	}
	if c.Result.Size != int64(len("second run output")) {
		t.Fatalf("result size = %d, want %d", c.Result.Size, len("second run output"))
	}
	if !c.LatestAvailable.Equal(rewritten) {
		t.Fatalf("latest available = %v, want %v", c.LatestAvailable, rewritten)
	}
}

func TestFetchResultMissingObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.write = f.writesResult("fresh")
	o := NewOrchestrator("s1", f.opts)
	ctx := context.Background()

	c, err := o.RunUpload(ctx, dataset(), time.Second)
	if err != nil || c.State != StateReady {
		t.Fatalf("run upload = %+v, %v, want ready", c, err)
	}
	if err := os.Remove(filepath.Join(f.dir, filepath.FromSlash(DefaultResultPrefix))); err != nil {
		t.Fatalf("remove result: %v", err)
	}
	if _, err := o.FetchResult(ctx, c.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("fetch error = %v, want %v", err, errs.ErrNotFound)
	}
}

func TestPruneEvictsFinishedSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.write = f.writesResult("fresh")
	sessions := NewSessions(f.opts)
	ctx := context.Background()

	done, err := sessions.RunUpload(ctx, "done", dataset(), time.Second)
	if err != nil || done.State != StateReady {
		t.Fatalf("run upload = %+v, %v, want ready", done, err)
	}

	// A cycle removed behind the session's back leaves it empty.
	gone, err := sessions.RunUpload(ctx, "gone", dataset(), time.Second)
	if err != nil {
		t.Fatalf("run upload: %v", err)
	}
	if err := f.store.Delete(gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	f.job.release = make(chan struct{})
	busy, err := sessions.StartUpload(ctx, "busy", dataset(), 5*time.Second)
	if err != nil {
		t.Fatalf("start upload: %v", err)
	}

	if n := sessions.Prune(ctx, time.Now().Add(-time.Hour)); n != 1 {
		t.Fatalf("prune with recent cutoff evicted %d, want 1", n)
	}
	if _, err := sessions.Current("done"); err != nil {
		t.Fatalf("recently finished session was evicted: %v", err)
	}

	if n := sessions.Prune(ctx, time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("prune evicted %d, want 1", n)
	}
	if _, err := sessions.Current("done"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("current error = %v, want %v", err, errs.ErrNotFound)
	}
	if _, err := sessions.PollStatus(ctx, done.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("evicted cycle error = %v, want %v", err, errs.ErrNotFound)
	}
	if cur, err := sessions.Current("busy"); err != nil || cur.ID != busy {
		t.Fatalf("in-progress session = %v, %v, want %s", cur, err, busy)
	}
	if sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", sessions.Len())
	}

	close(f.job.release)
	sessions.Wait()
}

func TestUploadAfterPruneStartsFreshSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job.write = f.writesResult("fresh")
	sessions := NewSessions(f.opts)
	ctx := context.Background()

	stale := sessions.session("s1")
	if n := sessions.Prune(ctx, time.Now()); n != 1 {
		t.Fatalf("prune evicted %d, want 1", n)
	}
	if _, err := stale.RunUpload(ctx, dataset(), time.Second); !errors.Is(err, errEvicted) {
		t.Fatalf("evicted orchestrator error = %v, want %v", err, errEvicted)
	}

	c, err := sessions.RunUpload(ctx, "s1", dataset(), time.Second)
	if err != nil || c.State != StateReady {
		t.Fatalf("run upload = %+v, %v, want ready", c, err)
	}
	if cur, err := sessions.Current("s1"); err != nil || cur.ID != c.ID {
		t.Fatalf("current = %v, %v, want %s", cur, err, c.ID)
	}
}
