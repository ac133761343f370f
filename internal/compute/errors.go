package compute

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/tomasbasham/eoa/internal/errs"
)

// InvocationError reports a job whose start or progress could not be
// confirmed. It matches errs.ErrJobInvocation.
type InvocationError struct {
	Job Job

	// Started is false when the service rejected the request outright, so no
	// execution exists and a retry is safe. It is true when the request may
	// have been accepted, or was accepted but its status could not be read.
	Started bool

	Err error
}

func (e *InvocationError) Error() string {
	state := "not started"
	if e.Started {
		state = "outcome unknown"
	}
	return fmt.Sprintf("compute: invoke %s (%s): %v", e.Job, state, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool {
	return target == errs.ErrJobInvocation
}

// startError wraps a failed start request. An API error means the service
// answered and refused; anything else may have reached the service.
func startError(job Job, err error) error {
	var apiErr smithy.APIError
	return &InvocationError{Job: job, Started: !errors.As(err, &apiErr), Err: err}
}
