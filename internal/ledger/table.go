package ledger

import "context"

// DateLayout is the persisted layout of Record.LastSaved. Lexical order of
// dates in this layout matches chronological order, which the expiry filter
// relies on.
const DateLayout = "2006-01-02"

// Record is the persisted quota state of one provider.
type Record struct {
	ProviderID    string `json:"provider_id"`
	TargetedCount int    `json:"targeted_count"`
	LastSaved     string `json:"last_saved"`
	Permanent     bool   `json:"permanent"`
}

// Op selects how an Update combines with an existing count.
type Op int

const (
	// OpAdd sets the count to existing (0 when absent) + Value.
	OpAdd Op = iota

	// OpSet sets the count to Value regardless of any existing count.
	OpSet
)

// Update is a single-key conditional write. Implementations must apply it
// atomically in the backing store, never as a read-modify-write of a locally
// cached copy.
type Update struct {
	ProviderID string
	Op         Op
	Value      int
	LastSaved  string
	Permanent  bool
}

// Filter selects records in Scan. Zero-valued fields do not filter.
type Filter struct {
	// MinCount keeps records with TargetedCount >= MinCount when non-zero.
	MinCount int

	// SavedBefore keeps records with LastSaved < SavedBefore.
	SavedBefore string

	// Permanent keeps records whose Permanent flag equals *Permanent.
	Permanent *bool
}

// Match reports whether r passes f.
func (f Filter) Match(r Record) bool {
	if f.MinCount != 0 && r.TargetedCount < f.MinCount {
		return false
	}
	if f.SavedBefore != "" && !(r.LastSaved < f.SavedBefore) {
		return false
	}
	if f.Permanent != nil && r.Permanent != *f.Permanent {
		return false
	}
	return true
}

// ScanResult holds the records a Scan matched. Invalid lists the keys of rows
// the backend could not decode; they are reported rather than silently
// skipped.
type ScanResult struct {
	Records []Record
	Invalid []string
}

// Table is the keyed record store behind a Ledger.
type Table interface {
	// Apply performs one conditional update.
	Apply(ctx context.Context, u Update) error

	// Scan returns every record matching f.
	Scan(ctx context.Context, f Filter) (ScanResult, error)

	// DeleteBatch removes ids as one unit: either all of them are removed or
	// the call fails. Callers keep batches within MaxBatchSize.
	DeleteBatch(ctx context.Context, ids []string) error

	// GetConfig returns the encoded value stored under key, failing with
	// errs.ErrNotFound when it is absent.
	GetConfig(ctx context.Context, key string) (string, error)

	// ListConfig returns every encoded config value by key.
	ListConfig(ctx context.Context) (map[string]string, error)

	// PutConfig upserts one encoded config value.
	PutConfig(ctx context.Context, key, value string) error
}

func boolPtr(b bool) *bool { return &b }
