// Package cycle provides the upload cycle: one dataset upload, the compute job
// it triggers and the wait for that job's result. A cycle moves through a
// linear lifecycle:
//
//	idle → uploading → triggering → waiting → ready
//
// and may drop to failed from any state after idle. The store is the
// authoritative source of truth for cycle state; the orchestrator and HTTP
// handlers read and write exclusively through it.
package cycle

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomasbasham/eoa/internal/errs"
)

// State represents the lifecycle state of a cycle.
type State string

const (
	StateIdle       State = "idle"
	StateUploading  State = "uploading"
	StateTriggering State = "triggering"
	StateWaiting    State = "waiting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition happens without a new
// upload. A timed out failure can still be promoted to ready by PollStatus.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Result is the compute output a ready cycle points at.
type Result struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`

	// LastModified is the result's timestamp in the display zone.
	LastModified time.Time `json:"last_modified"`

	// SignedURL is a time-limited download link, empty when the store could
	// not sign one.
	SignedURL string    `json:"signed_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Cycle is a single upload and the compute run it starts.
type Cycle struct {
	ID      string `json:"id"`
	Session string `json:"session"`
	State   State  `json:"state"`

	// DatasetKey is where the uploaded dataset is stored.
	DatasetKey string `json:"dataset_key,omitempty"`

	// UploadTime is the UTC instant the dataset was confirmed stored. It is
	// the watermark results are compared against.
	UploadTime time.Time `json:"upload_time,omitempty"`

	ExecutionID string `json:"execution_id,omitempty"`

	// LatestAvailable is the timestamp of the newest result seen so far, in
	// the display zone, whether or not it belongs to this upload.
	LatestAvailable time.Time `json:"latest_available,omitempty"`

	// ResultRef is the key of the result shown for this cycle. Set only once
	// the cycle is ready.
	ResultRef string  `json:"result_ref,omitempty"`
	Result    *Result `json:"result,omitempty"`

	// TimedOut is true when the cycle failed because its budget ran out
	// before a result appeared. The job itself may still finish.
	TimedOut bool `json:"timed_out"`

	// Cause is non-empty if the cycle reached StateFailed.
	Cause string `json:"cause,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Cycle) clone() *Cycle {
	out := *c
	if c.Result != nil {
		r := *c.Result
		out.Result = &r
	}
	return &out
}

// Store is the interface for persisting and retrieving cycles. The in-memory
// implementation below is suitable for a single instance.
type Store interface {
	Create(session string) (*Cycle, error)
	Get(id string) (*Cycle, error)
	Delete(id string) error
	MarkUploading(id, datasetKey string) error
	MarkTriggering(id string, uploadTime time.Time) error
	MarkWaiting(id, executionID string) error
	Observe(id string, latestAvailable time.Time) error
	MarkReady(id string, result Result) error
	MarkFailed(id string, err error, timedOut bool) error
}

// MemoryStore is a concurrency-safe in-memory Store implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	cycles map[string]*Cycle
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles: make(map[string]*Cycle),
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(session string) (*Cycle, error) {
	now := s.now().UTC()
	c := &Cycle{
		ID:        uuid.New().String(),
		Session:   session,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.cycles[c.ID] = c
	s.mu.Unlock()

	return c.clone(), nil
}

func (s *MemoryStore) Get(id string) (*Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cycles[id]
	if !ok {
		return nil, errs.New(errs.ErrNotFound, "cycle %q not found", id)
	}
	return c.clone(), nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cycles[id]; !ok {
		return errs.New(errs.ErrNotFound, "cycle %q not found", id)
	}
	delete(s.cycles, id)
	return nil
}

func (s *MemoryStore) MarkUploading(id, datasetKey string) error {
	return s.update(id, func(c *Cycle) {
		c.State = StateUploading
		c.DatasetKey = datasetKey
	})
}

func (s *MemoryStore) MarkTriggering(id string, uploadTime time.Time) error {
	return s.update(id, func(c *Cycle) {
		c.State = StateTriggering
		c.UploadTime = uploadTime.UTC()
	})
}

func (s *MemoryStore) MarkWaiting(id, executionID string) error {
	return s.update(id, func(c *Cycle) {
		c.State = StateWaiting
		c.ExecutionID = executionID
	})
}

func (s *MemoryStore) Observe(id string, latestAvailable time.Time) error {
	return s.update(id, func(c *Cycle) {
		if !latestAvailable.IsZero() {
			c.LatestAvailable = latestAvailable
		}
	})
}

func (s *MemoryStore) MarkReady(id string, result Result) error {
	return s.update(id, func(c *Cycle) {
		c.State = StateReady
		c.ResultRef = result.Key
		c.Result = &result
		c.LatestAvailable = result.LastModified
		c.TimedOut = false
		c.Cause = ""
	})
}

func (s *MemoryStore) MarkFailed(id string, err error, timedOut bool) error {
	return s.update(id, func(c *Cycle) {
		c.State = StateFailed
		c.TimedOut = timedOut
		c.Cause = err.Error()
	})
}

func (s *MemoryStore) update(id string, fn func(*Cycle)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[id]
	if !ok {
		return errs.New(errs.ErrNotFound, "cycle %q not found", id)
	}
	fn(c)
	c.UpdatedAt = s.now().UTC()
	return nil
}
