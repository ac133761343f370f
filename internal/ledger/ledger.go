// Package ledger tracks how many times each provider has been targeted and
// which providers are excluded from further targeting this period.
//
// The ledger is shared by every concurrent session, so every bulk mutation is
// decomposed into independent per-item writes with an aggregate report:
// partial progress is kept rather than rolled back. Persistence is delegated
// to a Table; this package owns the quota arithmetic, the expiry rule and the
// handling of permanent records.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomasbasham/eoa/internal/errs"
)

const (
	// ExclusionSentinel is the count written by FullyExclude. It is at least
	// any realistic quota, so a fully excluded provider is reported by
	// ActiveExclusions for every quota a caller would configure.
	ExclusionSentinel = 99

	// MaxBatchSize bounds each DeleteBatch call.
	MaxBatchSize = 25

	// DefaultTargetsQuota is the count at which a provider is excluded.
	DefaultTargetsQuota = 2

	// DefaultPersistenceDays is how long a non-permanent record survives.
	DefaultPersistenceDays = 5

	defaultConcurrency = 8
)

// Result reports per-item outcomes. Both slices are sorted.
type Result struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// BatchReport counts items processed by batched deletes.
type BatchReport struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Exclusions is the outcome of ActiveExclusions.
type Exclusions struct {
	// ProviderIDs are the providers at or above the quota, sorted.
	ProviderIDs []string `json:"provider_ids"`

	// Failed are rows that could not be interpreted.
	Failed []string `json:"failed"`

	// Swept reports the expiry sweep; zero when no sweep ran.
	Swept BatchReport `json:"swept"`
}

// Options configures a Ledger.
type Options struct {
	// Location is the zone "today" is computed in. Defaults to UTC.
	Location *time.Location

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// BatchSize overrides MaxBatchSize for deletes. Values outside
	// 1..MaxBatchSize are clamped.
	BatchSize int

	// Concurrency bounds in-flight per-item writes. Defaults to 8.
	Concurrency int

	Logger *slog.Logger
}

// Ledger applies quota policy on top of a Table.
type Ledger struct {
	table       Table
	loc         *time.Location
	now         func() time.Time
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

// New returns a Ledger over table.
func New(table Table, opts Options) *Ledger {
	l := &Ledger{
		table:       table,
		loc:         opts.Location,
		now:         opts.Clock,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.batchSize <= 0 || l.batchSize > MaxBatchSize {
		l.batchSize = MaxBatchSize
	}
	if l.concurrency <= 0 {
		l.concurrency = defaultConcurrency
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Today returns the current calendar date in the ledger's zone.
func (l *Ledger) Today() string {
	return l.now().In(l.loc).Format(DateLayout)
}

// Increment adds one to the count of every provider in ids, creating records
// as needed, and stamps them with today's date and the given permanence.
func (l *Ledger) Increment(ctx context.Context, ids []string, permanent bool) Result {
	today := l.Today()
	res := l.each(ctx, ids, func(ctx context.Context, id string) error {
		return l.table.Apply(ctx, Update{
			ProviderID: id,
			Op:         OpAdd,
			Value:      1,
			LastSaved:  today,
			Permanent:  permanent,
		})
	})
	l.logger.InfoContext(ctx, "increased provider targeting quota",
		"succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res
}

// FullyExclude removes every provider in ids from this period's targeting by
// setting its count to ExclusionSentinel, whatever it was before.
func (l *Ledger) FullyExclude(ctx context.Context, ids []string, permanent bool) Result {
	today := l.Today()
	res := l.each(ctx, ids, func(ctx context.Context, id string) error {
		return l.table.Apply(ctx, Update{
			ProviderID: id,
			Op:         OpSet,
			Value:      ExclusionSentinel,
			LastSaved:  today,
			Permanent:  permanent,
		})
	})
	l.logger.InfoContext(ctx, "removed providers from this period's targeting",
		"succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res
}

// ActiveExclusions returns every provider whose count is at least quota, which
// must be positive. When
// sweepExpired is set, non-permanent records last saved more than
// persistenceDays ago are deleted first; a repeated sweep finds nothing left
// to delete. A failing sweep is reported in Swept and does not prevent the
// exclusions being read.
func (l *Ledger) ActiveExclusions(ctx context.Context, quota, persistenceDays int, sweepExpired bool) (Exclusions, error) {
	var out Exclusions
	if quota <= 0 {
		return out, errs.New(errs.ErrInvalid, "ledger: quota must be positive, got %d", quota)
	}
	if persistenceDays < 0 {
		return out, errs.New(errs.ErrInvalid, "ledger: persistence days must not be negative, got %d", persistenceDays)
	}
	if sweepExpired {
		threshold := l.now().In(l.loc).AddDate(0, 0, -persistenceDays).Format(DateLayout)
		swept, err := l.deleteMatching(ctx, Filter{SavedBefore: threshold, Permanent: boolPtr(false)})
		if err != nil {
			l.logger.ErrorContext(ctx, "expiry sweep skipped", "saved_before", threshold, "error", err)
		}
		out.Swept = swept
		l.logger.InfoContext(ctx, "removed expired provider records",
			"saved_before", threshold, "succeeded", swept.Succeeded, "failed", swept.Failed)
	}

	scan, err := l.table.Scan(ctx, Filter{MinCount: quota})
	if err != nil {
		return out, err
	}
	ids := make([]string, 0, len(scan.Records))
	for _, r := range scan.Records {
		if r.TargetedCount < 0 {
			out.Failed = append(out.Failed, r.ProviderID)
			continue
		}
		ids = append(ids, r.ProviderID)
	}
	out.Failed = append(out.Failed, scan.Invalid...)
	out.ProviderIDs = dedupe(ids)
	out.Failed = dedupe(out.Failed)
	if len(out.Failed) > 0 {
		l.logger.WarnContext(ctx, "could not interpret provider records", "records", out.Failed)
	}
	return out, nil
}

// ResetAll deletes every record whose Permanent flag is !keepPermanent: by
// default the weekly reset clears non-permanent records only. Failed batches
// are counted in the report; an error is returned only when the records to
// delete could not be listed at all.
func (l *Ledger) ResetAll(ctx context.Context, keepPermanent bool) (BatchReport, error) {
	report, err := l.deleteMatching(ctx, Filter{Permanent: boolPtr(!keepPermanent)})
	if err != nil {
		return report, err
	}
	l.logger.InfoContext(ctx, "reset provider records",
		"permanent", !keepPermanent, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

// deleteMatching scans for f and deletes the matches in batches. Each batch
// stands alone: a failed batch counts all of its ids as failed and the
// remaining batches still run.
func (l *Ledger) deleteMatching(ctx context.Context, f Filter) (BatchReport, error) {
	var report BatchReport

	scan, err := l.table.Scan(ctx, f)
	if err != nil {
		return report, fmt.Errorf("ledger: scan for deletion: %w", err)
	}
	ids := make([]string, 0, len(scan.Records)+len(scan.Invalid))
	for _, r := range scan.Records {
		ids = append(ids, r.ProviderID)
	}
	// Undecodable rows matched the filter in the store, so they go too.
	ids = dedupe(append(ids, scan.Invalid...))

	for start := 0; start < len(ids); start += l.batchSize {
		end := min(start+l.batchSize, len(ids))
		batch := ids[start:end]
		if err := l.table.DeleteBatch(ctx, batch); err != nil {
			report.Failed += len(batch)
			l.logger.WarnContext(ctx, "delete batch failed", "size", len(batch), "error", err)
			continue
		}
		report.Succeeded += len(batch)
	}
	return report, nil
}

// each runs fn for every distinct id with bounded concurrency and sorts the
// outcomes. fn errors are recorded per id and never abort the others. An
// empty id is never passed to fn and is reported once in Failed.
func (l *Ledger) each(ctx context.Context, ids []string, fn func(context.Context, string) error) Result {
	var (
		mu  sync.Mutex
		res = Result{Succeeded: []string{}, Failed: []string{}}
	)
	if slices.Contains(ids, "") {
		res.Failed = append(res.Failed, "")
		l.logger.WarnContext(ctx, "ledger write skipped", "error", "empty id")
	}

	g := new(errgroup.Group)
	g.SetLimit(l.concurrency)
	for _, id := range dedupe(ids) {
		g.Go(func() error {
			err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, id)
				l.logger.WarnContext(ctx, "ledger write failed", "provider_id", id, "error", err)
				return nil
			}
			res.Succeeded = append(res.Succeeded, id)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Succeeded)
	sort.Strings(res.Failed)
	return res
}

// dedupe returns the sorted distinct non-empty values of ids.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
