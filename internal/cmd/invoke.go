package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/eoa/internal/compute"
)

type InvokeOptions struct {
	Job compute.Job

	iooption.IOStreams
}

var (
	invokeLong = templates.LongDesc(`
		Run one remote job to completion with the effective tunables as its
		payload and print the execution result as JSON.

		Workflow jobs are polled until they leave the running state; function
		jobs are called synchronously.`)

	invokeExample = templates.Examples(`
		# Predict churn with the stored tunables
		eoa invoke predict_churn`)
)

func NewInvokeOptions(streams iooption.IOStreams) *InvokeOptions {
	return &InvokeOptions{
		IOStreams: streams,
	}
}

func NewInvokeCommand(o *InvokeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "invoke [JOB]",
		DisableFlagsInUseLine: true,
		Short:                 "Run a remote job",
		Long:                  invokeLong,
		Example:               invokeExample,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			names := make([]string, 0, len(compute.Jobs()))
			for _, j := range compute.Jobs() {
				names = append(names, string(j))
			}
			return names, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	return cmd
}

func (o *InvokeOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("JOB is required")
	}
	o.Job = compute.Job(args[0])
	return nil
}

func (o *InvokeOptions) Validate() error {
	if _, ok := compute.ShapeOf(o.Job); !ok {
		return fmt.Errorf("unknown job %q; known jobs are %v", o.Job, compute.Jobs())
	}
	return nil
}

func (o *InvokeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	payload, err := b.payload(ctx)
	if err != nil {
		return fmt.Errorf("failed to read tunables: %w", err)
	}

	result, err := b.trigger.Invoke(ctx, o.Job, payload)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(o.Out, string(out))

	if result.Status != compute.StatusSucceeded {
		return fmt.Errorf("job %s failed: %s", o.Job, result.Cause)
	}
	return nil
}
