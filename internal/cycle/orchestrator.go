package cycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tomasbasham/eoa/internal/compute"
	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/storage"
	"github.com/tomasbasham/eoa/internal/watermark"
)

const (
	// DefaultUploadStem is the dataset key without its extension.
	DefaultUploadStem = "SA_outputs/UK_AmFlex_SA_Output"

	// DefaultResultPrefix is where the job writes its output.
	DefaultResultPrefix = "optimized_offers/optimized_offers_upload.csv"
)

// Options configures the orchestrators of every session.
type Options struct {
	Store   Store
	Objects storage.Store
	Trigger Invoker

	// Job is started for each upload. Defaults to compute.MatchOffers.
	Job compute.Job

	// Payload, when set, supplies the job payload at trigger time.
	Payload func(ctx context.Context) (map[string]any, error)

	UploadStem   string
	ResultPrefix string

	// Interval between result checks. Defaults to watermark.DefaultInterval.
	Interval time.Duration

	// Display is the zone result timestamps are reported in. Defaults to UTC.
	Display *time.Location

	Clock  func() time.Time
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Job == "" {
		o.Job = compute.MatchOffers
	}
	if o.UploadStem == "" {
		o.UploadStem = DefaultUploadStem
	}
	if o.ResultPrefix == "" {
		o.ResultPrefix = DefaultResultPrefix
	}
	if o.Interval <= 0 {
		o.Interval = watermark.DefaultInterval
	}
	if o.Display == nil {
		o.Display = time.UTC
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Sessions hands out one Orchestrator per session and answers cycle queries
// by id regardless of session.
type Sessions struct {
	opts Options
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

func NewSessions(opts Options) *Sessions {
	opts.defaults()
	return &Sessions{opts: opts, sessions: make(map[string]*Orchestrator)}
}

// session returns the live orchestrator for name, creating it on first use.
func (s *Sessions) session(name string) *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.sessions[name]
	if !ok {
		o = &Orchestrator{name: name, opts: s.opts, wg: &s.wg}
		s.sessions[name] = o
	}
	return o
}

// StartUpload begins a new cycle in session name. See
// Orchestrator.StartUpload.
func (s *Sessions) StartUpload(ctx context.Context, name string, dataset Dataset, timeout time.Duration) (string, error) {
	for {
		id, err := s.session(name).StartUpload(ctx, dataset, timeout)
		if errors.Is(err, errEvicted) {
			continue
		}
		return id, err
	}
}

// RunUpload runs a cycle in session name to completion. See
// Orchestrator.RunUpload.
func (s *Sessions) RunUpload(ctx context.Context, name string, dataset Dataset, timeout time.Duration) (*Cycle, error) {
	for {
		c, err := s.session(name).RunUpload(ctx, dataset, timeout)
		if errors.Is(err, errEvicted) {
			continue
		}
		return c, err
	}
}

// Current returns the cycle of session name. Unlike StartUpload it never
// registers the session.
func (s *Sessions) Current(name string) (*Cycle, error) {
	s.mu.Lock()
	o, ok := s.sessions[name]
	s.mu.Unlock()

	if !ok {
		return nil, errs.New(errs.ErrNotFound, "cycle: session %q has no upload", name)
	}
	return o.Current()
}

// Len returns the number of sessions held.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Prune evicts every session that has no cycle left, or whose cycle is
// terminal and unchanged since before. The evicted sessions' cycles are
// deleted. Sessions with a cycle in progress are always kept. It returns the
// number of sessions evicted.
func (s *Sessions) Prune(ctx context.Context, before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for name, o := range s.sessions {
		if o.evict(before) {
			delete(s.sessions, name)
			n++
		}
	}
	if n > 0 {
		s.opts.Logger.InfoContext(ctx, "sessions pruned", "evicted", n, "remaining", len(s.sessions))
	}
	return n
}

// PollStatus returns the cycle with id. See Orchestrator.PollStatus.
func (s *Sessions) PollStatus(ctx context.Context, id string) (*Cycle, error) {
	return pollStatus(ctx, s.opts, id)
}

// FetchResult returns the result content of the cycle with id. See
// Orchestrator.FetchResult.
func (s *Sessions) FetchResult(ctx context.Context, id string) ([]byte, error) {
	return fetchResult(ctx, s.opts, id)
}

// Wait blocks until every started run has finished.
func (s *Sessions) Wait() {
	s.wg.Wait()
}

// Orchestrator drives the upload cycles of one session. A session has at most
// one cycle; starting a new upload discards the previous one.
type Orchestrator struct {
	name string
	opts Options
	wg   *sync.WaitGroup

	mu      sync.Mutex
	current string

	// evicted is set once Prune has dropped this orchestrator; it accepts no
	// further uploads.
	evicted bool
}

var errEvicted = errs.New(errs.ErrConflict, "cycle: session evicted")

// NewOrchestrator returns a standalone orchestrator for session.
func NewOrchestrator(session string, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{name: session, opts: opts, wg: new(sync.WaitGroup)}
}

// StartUpload begins a new cycle for dataset and returns its id without
// waiting for it. The run is detached from ctx and bounded by timeout, which
// must be positive. It fails with errs.ErrConflict while the session's current
// cycle is still in progress and with errs.ErrUnsupportedFormat when the
// dataset name has no supported extension.
func (o *Orchestrator) StartUpload(ctx context.Context, dataset Dataset, timeout time.Duration) (string, error) {
	wo, err := o.begin(ctx, dataset, timeout)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		Run(runCtx, wo)
	}()
	return wo.CycleID, nil
}

// RunUpload runs a cycle to completion in the calling goroutine and returns
// its final state. Unlike StartUpload the run ends early if ctx does.
func (o *Orchestrator) RunUpload(ctx context.Context, dataset Dataset, timeout time.Duration) (*Cycle, error) {
	wo, err := o.begin(ctx, dataset, timeout)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	Run(runCtx, wo)
	return o.opts.Store.Get(wo.CycleID)
}

// begin validates the upload, replaces the session's previous cycle and
// creates the new one.
func (o *Orchestrator) begin(ctx context.Context, dataset Dataset, timeout time.Duration) (WorkerOptions, error) {
	if timeout <= 0 {
		return WorkerOptions{}, errs.New(errs.ErrInvalid, "cycle: timeout must be positive, got %s", timeout)
	}
	key := o.opts.UploadStem + storage.Extension(dataset.Name)
	if _, err := storage.ContentTypeFor(key); err != nil {
		return WorkerOptions{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.evicted {
		return WorkerOptions{}, errEvicted
	}
	if o.current != "" {
		prev, err := o.opts.Store.Get(o.current)
		if err == nil && !prev.State.Terminal() {
			return WorkerOptions{}, errs.New(errs.ErrConflict, "cycle: %q is still %s", prev.ID, prev.State)
		}
		if err == nil {
			_ = o.opts.Store.Delete(prev.ID)
		}
		o.current = ""
	}

	var payload map[string]any
	if o.opts.Payload != nil {
		p, err := o.opts.Payload(ctx)
		if err != nil {
			return WorkerOptions{}, err
		}
		payload = p
	}

	c, err := o.opts.Store.Create(o.name)
	if err != nil {
		return WorkerOptions{}, err
	}
	o.current = c.ID

	o.opts.Logger.InfoContext(ctx, "upload cycle started", "session", o.name, "cycle_id", c.ID, "key", key, "timeout", timeout)
	return o.workerOptions(c.ID, dataset, key, payload), nil
}

// evict marks the orchestrator evicted and deletes its cycle unless that
// cycle is still in progress or changed after before.
func (o *Orchestrator) evict(before time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != "" {
		c, err := o.opts.Store.Get(o.current)
		switch {
		case errors.Is(err, errs.ErrNotFound):
		case err != nil:
			return false
		case !c.State.Terminal() || c.UpdatedAt.After(before):
			return false
		default:
			_ = o.opts.Store.Delete(c.ID)
		}
		o.current = ""
	}
	o.evicted = true
	return true
}

func (o *Orchestrator) workerOptions(id string, dataset Dataset, key string, payload map[string]any) WorkerOptions {
	return WorkerOptions{
		CycleID:      id,
		Store:        o.opts.Store,
		Objects:      o.opts.Objects,
		Trigger:      o.opts.Trigger,
		Dataset:      dataset,
		DatasetKey:   key,
		ResultPrefix: o.opts.ResultPrefix,
		Job:          o.opts.Job,
		Payload:      payload,
		Interval:     o.opts.Interval,
		Display:      o.opts.Display,
		Clock:        o.opts.Clock,
		Logger:       o.opts.Logger.With("session", o.name),
	}
}

// Wait blocks until the runs this orchestrator started have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Current returns the session's cycle, or errs.ErrNotFound when there is none.
func (o *Orchestrator) Current() (*Cycle, error) {
	o.mu.Lock()
	id := o.current
	o.mu.Unlock()

	if id == "" {
		return nil, errs.New(errs.ErrNotFound, "cycle: session %q has no upload", o.name)
	}
	return o.opts.Store.Get(id)
}

// PollStatus returns the cycle with id. A cycle that failed by timing out is
// checked once more and promoted to ready when its result has since landed.
func (o *Orchestrator) PollStatus(ctx context.Context, id string) (*Cycle, error) {
	return pollStatus(ctx, o.opts, id)
}

// FetchResult returns the content of the ready cycle's result. It fails with
// errs.ErrConflict unless the cycle is ready.
func (o *Orchestrator) FetchResult(ctx context.Context, id string) ([]byte, error) {
	return fetchResult(ctx, o.opts, id)
}

func pollStatus(ctx context.Context, opts Options, id string) (*Cycle, error) {
	c, err := opts.Store.Get(id)
	if err != nil {
		return nil, err
	}
	if c.State != StateFailed || !c.TimedOut || c.UploadTime.IsZero() {
		return c, nil
	}

	obs, err := watermark.Check(ctx, opts.Objects, opts.ResultPrefix, c.UploadTime, opts.Display)
	if err != nil {
		opts.Logger.WarnContext(ctx, "late result check failed", "cycle_id", id, "error", err)
		return c, nil
	}
	_ = opts.Store.Observe(id, obs.LatestLocal)
	if obs.Ready {
		result, err := resolveResult(ctx, opts.Objects, obs, opts.Logger)
		if err != nil {
			opts.Logger.WarnContext(ctx, "late result unusable", "cycle_id", id, "error", err)
			return opts.Store.Get(id)
		}
		if err := opts.Store.MarkReady(id, result); err != nil {
			return nil, err
		}
		opts.Logger.InfoContext(ctx, "late result ready", "cycle_id", id, "key", result.Key)
	}
	return opts.Store.Get(id)
}

func fetchResult(ctx context.Context, opts Options, id string) ([]byte, error) {
	c, err := pollStatus(ctx, opts, id)
	if err != nil {
		return nil, err
	}
	if c.State != StateReady {
		return nil, errs.New(errs.ErrConflict, "cycle: %q is %s, not ready", id, c.State)
	}

	// The job may rewrite the result under the same key at any time, so the
	// body is only returned once the object is unchanged across the read.
	for attempt := 0; ; attempt++ {
		before, err := stat(ctx, opts.Objects, c.ResultRef)
		if err != nil {
			return nil, err
		}
		body, err := readAll(ctx, opts.Objects, c.ResultRef)
		if err != nil {
			return nil, err
		}
		after, err := stat(ctx, opts.Objects, c.ResultRef)
		if err != nil {
			return nil, err
		}
		if !sameObject(before, after) || int64(len(body)) != after.Size {
			if attempt < maxFetchAttempts-1 {
				continue
			}
			return nil, errs.New(errs.ErrTransient, "cycle: result %q kept changing while being read", c.ResultRef)
		}

		if err := refreshResult(ctx, opts, c, after); err != nil {
			return nil, err
		}
		return body, nil
	}
}

const maxFetchAttempts = 3

func sameObject(a, b *storage.ObjectInfo) bool {
	return a.LastModified.Equal(b.LastModified) && a.Size == b.Size
}

// refreshResult records info as the cycle's result when it differs from the
// one the cycle was made ready with.
func refreshResult(ctx context.Context, opts Options, c *Cycle, info *storage.ObjectInfo) error {
	local := info.LastModified.In(opts.Display)
	if c.Result != nil && c.Result.LastModified.Equal(local) && c.Result.Size == info.Size {
		return nil
	}

	result, err := resolveResult(ctx, opts.Objects, watermark.Observation{Ready: true, Object: info, LatestLocal: local}, opts.Logger)
	if err != nil {
		return err
	}
	if err := opts.Store.MarkReady(c.ID, result); err != nil {
		return err
	}
	opts.Logger.InfoContext(ctx, "result replaced", "cycle_id", c.ID, "key", result.Key, "last_modified", result.LastModified)
	return nil
}
