package compute

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/tomasbasham/eoa/internal/errs"
)

// FunctionAPI is the subset of the Lambda client a Trigger uses.
type FunctionAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

var _ FunctionAPI = (*lambda.Client)(nil)

// functionResponse is the envelope every function job answers with.
type functionResponse struct {
	StatusCode *int            `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

func (t *Trigger) runFunction(ctx context.Context, job Job, name string, payload map[string]any) (ExecutionResult, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ExecutionResult{}, errs.Wrap(errs.ErrInvalid, err, "compute: encode %s payload", job)
	}

	out, err := t.functions.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(name),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        body,
	})
	if err != nil {
		return ExecutionResult{}, startError(job, err)
	}
	return functionResult(name, out), nil
}

func functionResult(name string, out *lambda.InvokeOutput) ExecutionResult {
	res := ExecutionResult{ExecutionID: name, Status: StatusFailed}
	if v := aws.ToString(out.ExecutedVersion); v != "" {
		res.ExecutionID = name + ":" + v
	}
	if json.Valid(out.Payload) {
		res.Output = json.RawMessage(out.Payload)
	}

	if fe := aws.ToString(out.FunctionError); fe != "" {
		res.Cause = fe
		return res
	}

	var resp functionResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		res.Cause = fmt.Sprintf("unreadable response: %v", err)
		return res
	}
	if resp.StatusCode == nil {
		res.Cause = "response has no statusCode"
		return res
	}
	if *resp.StatusCode != 200 {
		res.Cause = fmt.Sprintf("statusCode %d", *resp.StatusCode)
		if len(resp.Body) > 0 {
			res.Cause += ": " + string(resp.Body)
		}
		return res
	}
	res.Status = StatusSucceeded
	return res
}
