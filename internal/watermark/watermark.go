// Package watermark decides whether a compute result has landed for a given
// upload. External compute cannot be observed directly, so the modification
// time of the newest object under the result prefix is compared against the
// moment the dataset was uploaded: a result at or after that instant is the
// answer to this upload.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/storage"
)

// DefaultInterval is the fixed poll interval used when none is configured.
const DefaultInterval = 5 * time.Second

// IsReady reports whether latest is at or after watermark. Zero values mean
// "absent" and are never ready. Both instants are compared in UTC; latestLocal
// is latest converted to display (UTC when display is nil) and is returned
// even when not ready so callers can show the freshness of what exists.
func IsReady(latest, watermark time.Time, display *time.Location) (ready bool, latestLocal time.Time) {
	if display == nil {
		display = time.UTC
	}
	if !latest.IsZero() {
		latestLocal = latest.In(display)
	}
	if latest.IsZero() || watermark.IsZero() {
		return false, latestLocal
	}
	return !latest.UTC().Before(watermark.UTC()), latestLocal
}

// Source lists objects. Every storage.Store is a Source.
type Source = storage.Lister

// Observation is the outcome of a single readiness check.
type Observation struct {
	Ready bool

	// Object is the newest object under the prefix, nil when there is none.
	Object *storage.ObjectInfo

	// LatestLocal is the object's modification time in the display zone.
	LatestLocal time.Time
}

// Check performs a single readiness check of prefix against wm.
func Check(ctx context.Context, src Source, prefix string, wm time.Time, display *time.Location) (Observation, error) {
	info, err := storage.Latest(ctx, src, prefix)
	if err != nil {
		return Observation{}, err
	}
	var latest time.Time
	if info != nil {
		latest = info.LastModified
	}
	ready, local := IsReady(latest, wm, display)
	return Observation{Ready: ready, Object: info, LatestLocal: local}, nil
}

// AwaitOptions configures Await.
type AwaitOptions struct {
	Prefix    string
	Watermark time.Time

	// Interval between checks. Defaults to DefaultInterval.
	Interval time.Duration

	// Display is the zone LatestLocal is reported in.
	Display *time.Location

	// OnCheck, when set, observes every check, ready or not.
	OnCheck func(Observation)

	Logger *slog.Logger
}

// Await polls prefix until a result at or after the watermark lands or ctx is
// done. Transient listing errors are logged and retried on the next tick; any
// other error ends the wait. When ctx ends first the last observation is
// returned with an errs.ErrTimeout error when its deadline passed, or with
// context.Canceled when it was cancelled. The external job is unaffected.
func Await(ctx context.Context, src Source, opts AwaitOptions) (Observation, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var last Observation
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return last, fmt.Errorf("watermark: wait for %q cancelled: %w", opts.Prefix, ctx.Err())
			}
			return last, errs.Wrap(errs.ErrTimeout, ctx.Err(), "watermark: still computing, no result under %q since %s",
				opts.Prefix, opts.Watermark.UTC().Format(time.RFC3339))
		case <-timer.C:
		}

		obs, err := Check(ctx, src, opts.Prefix, opts.Watermark, opts.Display)
		switch {
		case err == nil:
			last = obs
			if opts.OnCheck != nil {
				opts.OnCheck(obs)
			}
			if obs.Ready {
				return obs, nil
			}
			logger.Debug("result not ready", "prefix", opts.Prefix, "latest", obs.LatestLocal)
		case errs.Retryable(err):
			logger.Warn("result check failed, retrying", "prefix", opts.Prefix, "error", err)
		default:
			if ctx.Err() != nil {
				continue
			}
			return last, err
		}
		timer.Reset(interval)
	}
}
