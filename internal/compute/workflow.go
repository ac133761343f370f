package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/tomasbasham/eoa/internal/errs"
)

// WorkflowAPI is the subset of the Step Functions client a Trigger uses.
type WorkflowAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, in *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

var _ WorkflowAPI = (*sfn.Client)(nil)

// executionNameLayout renders e.g. "Monday_04_+03_2024_09_15_00".
const executionNameLayout = "Monday_02_+01_2006_15_04_05"

// ExecutionName returns the execution name for job started at t.
func ExecutionName(job Job, t time.Time) string {
	return string(job) + "_" + t.Format(executionNameLayout)
}

func (t *Trigger) runWorkflow(ctx context.Context, job Job, arn string, payload map[string]any) (ExecutionResult, error) {
	input := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		input[k] = v
	}
	input["run"] = string(job)
	body, err := json.Marshal(input)
	if err != nil {
		return ExecutionResult{}, errs.Wrap(errs.ErrInvalid, err, "compute: encode %s input", job)
	}

	name := ExecutionName(job, t.now().In(t.loc))
	started, err := t.workflows.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(arn),
		Name:            aws.String(name),
		Input:           aws.String(string(body)),
	})
	if err != nil {
		return ExecutionResult{}, startError(job, err)
	}
	executionArn := aws.ToString(started.ExecutionArn)
	t.logger.InfoContext(ctx, "started workflow", "job", job, "execution", name, "execution_arn", executionArn)

	return t.pollExecution(ctx, job, executionArn)
}

// pollExecution describes the execution until it leaves RUNNING, checking
// immediately and then once per interval.
func (t *Trigger) pollExecution(ctx context.Context, job Job, executionArn string) (ExecutionResult, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ExecutionResult{}, errs.Wrap(errs.ErrTimeout, ctx.Err(), "compute: %s still running", job)
			}
			return ExecutionResult{}, fmt.Errorf("compute: wait for %s: %w", job, ctx.Err())
		case <-timer.C:
		}

		desc, err := t.workflows.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
			ExecutionArn: aws.String(executionArn),
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return ExecutionResult{}, &InvocationError{Job: job, Started: true, Err: err}
		}

		t.logger.DebugContext(ctx, "workflow status", "job", job, "status", desc.Status)
		if desc.Status == types.ExecutionStatusRunning {
			timer.Reset(t.interval)
			continue
		}
		return executionResult(executionArn, desc), nil
	}
}

func executionResult(executionArn string, desc *sfn.DescribeExecutionOutput) ExecutionResult {
	res := ExecutionResult{ExecutionID: executionArn}
	if desc.Status == types.ExecutionStatusSucceeded {
		res.Status = StatusSucceeded
		if out := aws.ToString(desc.Output); out != "" && json.Valid([]byte(out)) {
			res.Output = json.RawMessage(out)
		}
		return res
	}

	res.Status = StatusFailed
	switch {
	case aws.ToString(desc.Cause) != "":
		res.Cause = aws.ToString(desc.Cause)
	case aws.ToString(desc.Error) != "":
		res.Cause = aws.ToString(desc.Error)
	default:
		res.Cause = "Unknown"
	}
	return res
}
