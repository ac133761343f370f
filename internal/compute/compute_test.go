package compute

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/aws/smithy-go"

	"github.com/tomasbasham/eoa/internal/errs"
)

type fakeWorkflows struct {
	mu        sync.Mutex
	startErr  error
	started   []*sfn.StartExecutionInput
	statuses  []*sfn.DescribeExecutionOutput
	describes int
	descErr   error
}

func (f *fakeWorkflows) StartExecution(_ context.Context, in *sfn.StartExecutionInput, _ ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started = append(f.started, in)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &sfn.StartExecutionOutput{ExecutionArn: aws.String("arn:exec:" + aws.ToString(in.Name))}, nil
}

func (f *fakeWorkflows) DescribeExecution(_ context.Context, _ *sfn.DescribeExecutionInput, _ ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.descErr != nil {
		return nil, f.descErr
	}
	i := min(f.describes, len(f.statuses)-1)
	f.describes++
	return f.statuses[i], nil
}

type fakeFunctions struct {
	in  *lambda.InvokeInput
	out *lambda.InvokeOutput
	err error
}

func (f *fakeFunctions) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.in = in
	return f.out, f.err
}

func running() *sfn.DescribeExecutionOutput {
	return &sfn.DescribeExecutionOutput{Status: types.ExecutionStatusRunning}
}

var startedAt = time.Date(2024, time.March, 4, 9, 15, 0, 0, time.UTC)

func newTestTrigger(w WorkflowAPI, f FunctionAPI) *Trigger {
	return New(Options{
		Workflows: w,
		Functions: f,
		Targets: map[Job]string{
			MatchOffers:         "arn:sm:match",
			PredictChurn:        "arn:sm:churn",
			OfferPrioritization: "offer-prioritization",
		},
		PollInterval: time.Millisecond,
		Clock:        func() time.Time { return startedAt },
	})
}

func TestExecutionName(t *testing.T) {
	t.Parallel()

	got := ExecutionName(MatchOffers, startedAt)
	if want := "match_offers_Monday_04_+03_2024_09_15_00"; got != want {
		t.Fatalf("name = %q, want %q", got, want)
	}
}

func TestInvokeWorkflowSucceeds(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{statuses: []*sfn.DescribeExecutionOutput{
		running(),
		running(),
		{Status: types.ExecutionStatusSucceeded, Output: aws.String(`{"rows":12}`)},
	}}
	tr := newTestTrigger(wf, nil)

	res, err := tr.Invoke(context.Background(), MatchOffers, map[string]any{"chunk_size": 150})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %q, want %q", res.Status, StatusSucceeded)
	}
	if string(res.Output) != `{"rows":12}` {
		t.Fatalf("output = %s, want {\"rows\":12}", res.Output)
	}
	if wf.describes != 3 {
		t.Fatalf("describes = %d, want 3", wf.describes)
	}

	in := wf.started[0]
	if got := aws.ToString(in.StateMachineArn); got != "arn:sm:match" {
		t.Fatalf("state machine = %q, want arn:sm:match", got)
	}
	if got := aws.ToString(in.Name); got != "match_offers_Monday_04_+03_2024_09_15_00" {
		t.Fatalf("execution name = %q", got)
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(in.Input)), &input); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if input["run"] != "match_offers" || input["chunk_size"] != float64(150) {
		t.Fatalf("input = %v, want run and chunk_size", input)
	}
}

func TestInvokeWorkflowFailureCause(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		desc *sfn.DescribeExecutionOutput
		want string
	}{
		{
			name: "cause preferred",
			desc: &sfn.DescribeExecutionOutput{Status: types.ExecutionStatusFailed, Cause: aws.String("OOM"), Error: aws.String("States.TaskFailed")},
			want: "OOM",
		},
		{
			name: "error fallback",
			desc: &sfn.DescribeExecutionOutput{Status: types.ExecutionStatusTimedOut, Error: aws.String("States.Timeout")},
			want: "States.Timeout",
		},
		{
			name: "unknown",
			desc: &sfn.DescribeExecutionOutput{Status: types.ExecutionStatusAborted},
			want: "Unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newTestTrigger(&fakeWorkflows{statuses: []*sfn.DescribeExecutionOutput{tt.desc}}, nil)
			res, err := tr.Invoke(context.Background(), PredictChurn, nil)
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if res.Status != StatusFailed || res.Cause != tt.want {
				t.Fatalf("result = %+v, want failed with cause %q", res, tt.want)
			}
		})
	}
}

func TestInvokeRejectedStartIsNotStarted(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{startErr: &smithy.GenericAPIError{Code: "ExecutionAlreadyExists", Message: "exists"}}
	tr := newTestTrigger(wf, nil)

	_, err := tr.Invoke(context.Background(), MatchOffers, nil)
	if !errors.Is(err, errs.ErrJobInvocation) {
		t.Fatalf("error = %v, want %v", err, errs.ErrJobInvocation)
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Started {
		t.Fatalf("error = %#v, want not started InvocationError", err)
	}
}

func TestInvokeTransportFailureIsUnknown(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{startErr: errors.New("connection reset")}
	tr := newTestTrigger(wf, nil)

	_, err := tr.Invoke(context.Background(), MatchOffers, nil)
	var ie *InvocationError
	if !errors.As(err, &ie) || !ie.Started {
		t.Fatalf("error = %v, want started InvocationError", err)
	}
}

func TestInvokeDescribeFailure(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{descErr: errors.New("throttled")}
	tr := newTestTrigger(wf, nil)

	_, err := tr.Invoke(context.Background(), MatchOffers, nil)
	var ie *InvocationError
	if !errors.As(err, &ie) || !ie.Started {
		t.Fatalf("error = %v, want started InvocationError", err)
	}
}

func TestInvokeWorkflowDeadline(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{statuses: []*sfn.DescribeExecutionOutput{running()}}
	tr := newTestTrigger(wf, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Invoke(ctx, MatchOffers, nil)
	if !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("error = %v, want %v", err, errs.ErrTimeout)
	}
}

func TestInvokeRejectsUnknownJob(t *testing.T) {
	t.Parallel()

	wf := &fakeWorkflows{}
	tr := newTestTrigger(wf, &fakeFunctions{})

	if _, err := tr.Invoke(context.Background(), Job("reticulate"), nil); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("error = %v, want %v", err, errs.ErrInvalid)
	}
	if len(wf.started) != 0 {
		t.Fatalf("started %d executions, want none", len(wf.started))
	}

	unconfigured := New(Options{Workflows: wf})
	if _, err := unconfigured.Invoke(context.Background(), MatchOffers, nil); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("error = %v, want %v", err, errs.ErrInvalid)
	}
}

func TestInvokeFunction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		out       *lambda.InvokeOutput
		want      Status
		wantCause string
	}{
		{
			name: "ok",
			out:  &lambda.InvokeOutput{StatusCode: 200, Payload: []byte(`{"statusCode":200,"body":"done"}`)},
			want: StatusSucceeded,
		},
		{
			name:      "job reported failure",
			out:       &lambda.InvokeOutput{StatusCode: 200, Payload: []byte(`{"statusCode":500,"body":"boom"}`)},
			want:      StatusFailed,
			wantCause: `statusCode 500: "boom"`,
		},
		{
			name:      "function error",
			out:       &lambda.InvokeOutput{StatusCode: 200, FunctionError: aws.String("Unhandled"), Payload: []byte(`{"errorMessage":"x"}`)},
			want:      StatusFailed,
			wantCause: "Unhandled",
		},
		{
			name:      "missing status",
			out:       &lambda.InvokeOutput{StatusCode: 200, Payload: []byte(`{}`)},
			want:      StatusFailed,
			wantCause: "response has no statusCode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fn := &fakeFunctions{out: tt.out}
			tr := newTestTrigger(nil, fn)

			res, err := tr.Invoke(context.Background(), OfferPrioritization, map[string]any{"offers_per_dp": 3})
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if res.Status != tt.want || res.Cause != tt.wantCause {
				t.Fatalf("result = %+v, want %s with cause %q", res, tt.want, tt.wantCause)
			}
			if fn.in.InvocationType != "RequestResponse" {
				t.Fatalf("invocation type = %q, want RequestResponse", fn.in.InvocationType)
			}
			if got := string(fn.in.Payload); got != `{"offers_per_dp":3}` {
				t.Fatalf("payload = %s", got)
			}
		})
	}
}

func TestInvokeFunctionRejected(t *testing.T) {
	t.Parallel()

	fn := &fakeFunctions{err: &smithy.GenericAPIError{Code: "ResourceNotFoundException"}}
	tr := newTestTrigger(nil, fn)

	_, err := tr.Invoke(context.Background(), OfferPrioritization, nil)
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Started || ie.Job != OfferPrioritization {
		t.Fatalf("error = %v, want not started InvocationError for %s", err, OfferPrioritization)
	}
}
