// Package compute starts the remote jobs that transform an uploaded dataset.
//
// Two execution shapes sit behind one Invoke contract. Workflow jobs start an
// AWS Step Functions execution and poll it until it leaves RUNNING. Function
// jobs make a synchronous AWS Lambda call. The job name alone selects the
// shape; callers never branch on it.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tomasbasham/eoa/internal/errs"
)

var tracer = otel.Tracer("github.com/tomasbasham/eoa/internal/compute")

// Job names a remote job.
type Job string

const (
	MatchOffers         Job = "match_offers"
	PredictChurn        Job = "predict_churn"
	OfferPrioritization Job = "offer_prioritization"
)

// Shape is how a job is executed.
type Shape int

const (
	ShapeWorkflow Shape = iota
	ShapeFunction
)

func (s Shape) String() string {
	switch s {
	case ShapeWorkflow:
		return "workflow"
	case ShapeFunction:
		return "function"
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

var shapes = map[Job]Shape{
	MatchOffers:         ShapeWorkflow,
	PredictChurn:        ShapeWorkflow,
	OfferPrioritization: ShapeFunction,
}

// Jobs returns every known job in sorted order.
func Jobs() []Job {
	jobs := make([]Job, 0, len(shapes))
	for j := range shapes {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a] < jobs[b] })
	return jobs
}

// ShapeOf returns the execution shape of job, and false for an unknown job.
func ShapeOf(job Job) (Shape, bool) {
	s, ok := shapes[job]
	return s, ok
}

// Status is the terminal outcome of an execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult is the outcome of a job that ran to completion. A job that
// ran and failed is a result, not an error.
type ExecutionResult struct {
	Status      Status          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// DefaultPollInterval is how often a running workflow is described.
const DefaultPollInterval = 5 * time.Second

// Options configures a Trigger.
type Options struct {
	// Workflows runs ShapeWorkflow jobs. Required only if such a job is
	// invoked.
	Workflows WorkflowAPI

	// Functions runs ShapeFunction jobs. Required only if such a job is
	// invoked.
	Functions FunctionAPI

	// Targets maps each job to its state machine ARN or function name.
	Targets map[Job]string

	// PollInterval between workflow status checks. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration

	// Location is the zone execution names are stamped in. Defaults to UTC.
	Location *time.Location

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// Trigger invokes remote jobs.
type Trigger struct {
	workflows WorkflowAPI
	functions FunctionAPI
	targets   map[Job]string
	interval  time.Duration
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
}

func New(opts Options) *Trigger {
	t := &Trigger{
		workflows: opts.Workflows,
		functions: opts.Functions,
		targets:   make(map[Job]string, len(opts.Targets)),
		interval:  opts.PollInterval,
		loc:       opts.Location,
		now:       opts.Clock,
		logger:    opts.Logger,
	}
	for j, target := range opts.Targets {
		t.targets[j] = target
	}
	if t.interval <= 0 {
		t.interval = DefaultPollInterval
	}
	if t.loc == nil {
		t.loc = time.UTC
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Invoke runs job with payload and blocks until it reaches a terminal state.
//
// An unknown or unconfigured job fails with errs.ErrInvalid before any
// network call. A job that could not be confirmed as started, or whose status
// could not be read, fails with an *InvocationError. When ctx ends while a
// workflow is still running the error wraps errs.ErrTimeout (deadline) or
// context.Canceled; the remote execution is left running either way.
func (t *Trigger) Invoke(ctx context.Context, job Job, payload map[string]any) (ExecutionResult, error) {
	shape, ok := ShapeOf(job)
	if !ok {
		return ExecutionResult{}, errs.New(errs.ErrInvalid, "compute: unknown job %q", job)
	}
	target := t.targets[job]
	if target == "" {
		return ExecutionResult{}, errs.New(errs.ErrInvalid, "compute: no target configured for job %q", job)
	}

	ctx, span := tracer.Start(ctx, "compute.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("compute.job", string(job)),
		attribute.String("compute.shape", shape.String()),
	)

	var (
		res ExecutionResult
		err error
	)
	switch shape {
	case ShapeWorkflow:
		if t.workflows == nil {
			return ExecutionResult{}, errs.New(errs.ErrInvalid, "compute: no workflow client for job %q", job)
		}
		res, err = t.runWorkflow(ctx, job, target, payload)
	case ShapeFunction:
		if t.functions == nil {
			return ExecutionResult{}, errs.New(errs.ErrInvalid, "compute: no function client for job %q", job)
		}
		res, err = t.runFunction(ctx, job, target, payload)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionResult{}, err
	}

	span.SetAttributes(attribute.String("compute.status", string(res.Status)))
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Cause)
		t.logger.WarnContext(ctx, "job failed", "job", job, "execution_id", res.ExecutionID, "cause", res.Cause)
	} else {
		t.logger.InfoContext(ctx, "job succeeded", "job", job, "execution_id", res.ExecutionID)
	}
	return res, nil
}
