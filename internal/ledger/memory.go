package ledger

import (
	"context"
	"sync"

	"github.com/tomasbasham/eoa/internal/errs"
)

// MemoryTable is a concurrency-safe in-memory Table. It is suitable for a
// single process; the sqlite and postgres tables satisfy the same interface
// for state shared between processes.
type MemoryTable struct {
	mu      sync.RWMutex
	records map[string]Record
	config  map[string]string
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		records: make(map[string]Record),
		config:  make(map[string]string),
	}
}

func (t *MemoryTable) Apply(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ProviderID == "" {
		return errs.New(errs.ErrInvalid, "ledger: provider id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.records[u.ProviderID]
	r.ProviderID = u.ProviderID
	switch u.Op {
	case OpAdd:
		r.TargetedCount += u.Value
	case OpSet:
		r.TargetedCount = u.Value
	default:
		return errs.New(errs.ErrInvalid, "ledger: unknown update op %d", u.Op)
	}
	r.LastSaved = u.LastSaved
	r.Permanent = u.Permanent
	t.records[u.ProviderID] = r
	return nil
}

func (t *MemoryTable) Scan(ctx context.Context, f Filter) (ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var res ScanResult
	for _, r := range t.records {
		if f.Match(r) {
			res.Records = append(res.Records, r)
		}
	}
	return res, nil
}

func (t *MemoryTable) DeleteBatch(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) > MaxBatchSize {
		return errs.New(errs.ErrInvalid, "ledger: batch of %d exceeds %d", len(ids), MaxBatchSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		delete(t.records, id)
	}
	return nil
}

func (t *MemoryTable) GetConfig(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.config[key]
	if !ok {
		return "", errs.New(errs.ErrNotFound, "ledger: config %q not found", key)
	}
	return v, nil
}

func (t *MemoryTable) ListConfig(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string, len(t.config))
	for k, v := range t.config {
		out[k] = v
	}
	return out, nil
}

func (t *MemoryTable) PutConfig(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.config[key] = value
	t.mu.Unlock()
	return nil
}

// Get returns the record for id. It is not part of Table; callers use it to
// inspect state directly.
func (t *MemoryTable) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	return r, ok
}
