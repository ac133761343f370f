package cycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tomasbasham/eoa/internal/compute"
	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/storage"
	"github.com/tomasbasham/eoa/internal/watermark"
)

var tracer = otel.Tracer("github.com/tomasbasham/eoa/internal/cycle")

// Invoker runs a compute job to completion. *compute.Trigger is an Invoker.
type Invoker interface {
	Invoke(ctx context.Context, job compute.Job, payload map[string]any) (compute.ExecutionResult, error)
}

// Dataset is an uploaded file.
type Dataset struct {
	// Name is the client's file name; only its extension is kept.
	Name string
	Data []byte
}

// WorkerOptions configures a single cycle run.
type WorkerOptions struct {
	CycleID string
	Store   Store
	Objects storage.Store
	Trigger Invoker

	Dataset    Dataset
	DatasetKey string

	// ResultPrefix is where the job writes its output.
	ResultPrefix string

	Job     compute.Job
	Payload map[string]any

	// Interval between result checks. Defaults to watermark.DefaultInterval.
	Interval time.Duration

	// Display is the zone result timestamps are reported in.
	Display *time.Location

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// Run uploads the dataset, triggers the job and waits for its result,
// transitioning the cycle through uploading → triggering → waiting → ready |
// failed. The caller bounds the run through ctx; when ctx ends the cycle
// fails as timed out and the remote job is left running.
//
// Run is intended to be called in a separate goroutine; it owns the full
// lifecycle of the cycle from the moment it is called.
func Run(ctx context.Context, opts WorkerOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger = logger.With("cycle_id", opts.CycleID, "job", opts.Job)

	ctx, span := tracer.Start(ctx, "cycle.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("cycle.id", opts.CycleID),
		attribute.String("compute.job", string(opts.Job)),
	)

	fail := func(err error, timedOut bool) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "cycle failed", "timed_out", timedOut, "error", err)
		_ = opts.Store.MarkFailed(opts.CycleID, err, timedOut)
	}

	if err := opts.Store.MarkUploading(opts.CycleID, opts.DatasetKey); err != nil {
		// If we cannot even mark it uploading the store is broken; nothing to do.
		logger.ErrorContext(ctx, "cycle vanished before upload", "error", err)
		return
	}

	err := storage.PutBytes(ctx, opts.Objects, opts.DatasetKey, opts.Dataset.Data, "")
	if err != nil {
		fail(errs.Wrap(errs.ErrUpload, err, "upload %s", opts.DatasetKey), false)
		return
	}
	uploadTime := now().UTC()
	logger.InfoContext(ctx, "dataset uploaded", "key", opts.DatasetKey, "size", len(opts.Dataset.Data))

	if err := opts.Store.MarkTriggering(opts.CycleID, uploadTime); err != nil {
		logger.ErrorContext(ctx, "cycle vanished before trigger", "error", err)
		return
	}

	res, err := opts.Trigger.Invoke(ctx, opts.Job, opts.Payload)
	if err != nil {
		if errors.Is(err, errs.ErrTimeout) {
			fail(stillComputing(opts.ResultPrefix, uploadTime), true)
			return
		}
		fail(err, false)
		return
	}
	if res.Status != compute.StatusSucceeded {
		fail(fmt.Errorf("job %s failed: %s", opts.Job, res.Cause), false)
		return
	}

	if err := opts.Store.MarkWaiting(opts.CycleID, res.ExecutionID); err != nil {
		logger.ErrorContext(ctx, "cycle vanished before wait", "error", err)
		return
	}

	obs, err := watermark.Await(ctx, opts.Objects, watermark.AwaitOptions{
		Prefix:    opts.ResultPrefix,
		Watermark: uploadTime,
		Interval:  opts.Interval,
		Display:   opts.Display,
		OnCheck: func(o watermark.Observation) {
			_ = opts.Store.Observe(opts.CycleID, o.LatestLocal)
		},
		Logger: logger,
	})
	if err != nil {
		if errors.Is(err, errs.ErrTimeout) {
			fail(stillComputing(opts.ResultPrefix, uploadTime), true)
			return
		}
		fail(err, false)
		return
	}

	result, err := resolveResult(ctx, opts.Objects, obs, logger)
	if err != nil {
		fail(err, false)
		return
	}
	_ = opts.Store.MarkReady(opts.CycleID, result)
	logger.InfoContext(ctx, "result ready", "key", result.Key, "last_modified", result.LastModified)
}

func stillComputing(prefix string, uploadTime time.Time) error {
	return errs.New(errs.ErrTimeout, "still computing: no result under %q since %s",
		prefix, uploadTime.UTC().Format(time.RFC3339))
}

// resolveResult turns a ready observation into a Result, verifying the
// object's format and signing a download URL for it. A signing failure is
// logged and leaves the URL empty.
func resolveResult(ctx context.Context, objects storage.Store, obs watermark.Observation, logger *slog.Logger) (Result, error) {
	if obs.Object == nil {
		return Result{}, errs.New(errs.ErrNotFound, "no result object")
	}
	ct, err := storage.ContentTypeFor(obs.Object.Key)
	if err != nil {
		return Result{}, err
	}
	if obs.Object.ContentType != "" {
		ct = obs.Object.ContentType
	}

	res := Result{
		Key:          obs.Object.Key,
		ContentType:  ct,
		Size:         obs.Object.Size,
		LastModified: obs.LatestLocal,
	}
	signed, err := objects.Sign(ctx, res.Key)
	if err != nil {
		logger.WarnContext(ctx, "could not sign result url", "key", res.Key, "error", err)
		return res, nil
	}
	res.SignedURL = signed.URL
	res.ExpiresAt = signed.ExpiresAt
	return res, nil
}

// stat returns the object stored at exactly key.
func stat(ctx context.Context, objects storage.Store, key string) (*storage.ObjectInfo, error) {
	infos, err := objects.List(ctx, key)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Key == key {
			return &infos[i], nil
		}
	}
	return nil, errs.New(errs.ErrNotFound, "result %q no longer exists", key)
}

// readAll reads the object at key.
func readAll(ctx context.Context, objects storage.Store, key string) ([]byte, error) {
	r, err := objects.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errs.Wrap(errs.ErrTransient, err, "read %q", key)
	}
	return buf.Bytes(), nil
}
