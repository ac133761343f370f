package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/eoa/internal/cycle"
	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/telemetry"
)

type UploadOptions struct {
	outFile *os.File

	Path    string
	Session string
	Timeout time.Duration
	OutPath string

	iooption.IOStreams
}

var (
	uploadLong = templates.LongDesc(`
		Upload a dataset, trigger the offer matching job and wait for its
		result to land in the object store.

		The dataset must be a csv, tsv (.txt), parquet, xlsx, xlsm or xls file.
		When the job outlives the timeout the cycle is reported as still
		computing; the result can then be found under the result prefix once
		the job completes.`)

	uploadExample = templates.Examples(`
		# Upload and wait up to 30 minutes
		eoa upload offers.xlsx --timeout 30m

		# Upload and save the result
		eoa upload offers.csv --timeout 45m --out optimized.csv`)
)

func NewUploadOptions(streams iooption.IOStreams) *UploadOptions {
	return &UploadOptions{
		IOStreams: streams,
	}
}

func NewUploadCommand(o *UploadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "upload [FILE]",
		DisableFlagsInUseLine: true,
		Short:                 "Run one upload cycle for a dataset",
		Long:                  uploadLong,
		Example:               uploadExample,
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

	cmd.Flags().StringVarP(&o.Session, "session", "s", "cli", "Session the cycle belongs to")
	cmd.Flags().DurationVarP(&o.Timeout, "timeout", "t", 0, "How long to wait for the result (required)")
	cmd.Flags().StringVarP(&o.OutPath, "out", "o", "", "Write the result to this file")
	_ = cmd.MarkFlagRequired("timeout")

	return cmd
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("FILE is required")
	}
	o.Path = args[0]
	return nil
}

func (o *UploadOptions) Validate() error {
	if len(o.Path) == 0 {
		return fmt.Errorf("FILE is required")
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if o.OutPath != "" {
		f, err := os.Create(o.OutPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		o.outFile = f
	}

	return nil
}

func (o *UploadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.outFile != nil {
		defer o.outFile.Close()
	}

	data, err := os.ReadFile(o.Path)
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	shutdown, err := telemetry.Setup(ctx, "eoa", version, b.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))

	sessions := b.sessions()
	fmt.Fprintf(o.Out, "Uploading %s...\n", o.Path)
	c, err := sessions.RunUpload(ctx, o.Session, cycle.Dataset{
		Name: filepath.Base(o.Path),
		Data: data,
	}, o.Timeout)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	switch {
	case c.State == cycle.StateReady:
		fmt.Fprintf(o.Out, "Result ready: %s (%d bytes, written %s)\n",
			c.Result.Key, c.Result.Size, c.Result.LastModified.Format(time.RFC3339))
		if c.Result.SignedURL != "" {
			fmt.Fprintf(o.Out, "Download: %s\n", c.Result.SignedURL)
		}
	case c.TimedOut:
		fmt.Fprintf(o.ErrOut, "Still computing: %s\n", c.Cause)
		return errs.New(errs.ErrTimeout, "cycle %s did not finish within %s", c.ID, o.Timeout)
	default:
		return fmt.Errorf("cycle %s failed: %s", c.ID, c.Cause)
	}

	if o.outFile == nil {
		return nil
	}
	body, err := sessions.FetchResult(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch result: %w", err)
	}
	if _, err := o.outFile.Write(body); err != nil {
		return fmt.Errorf("failed to write result file: %w", err)
	}
	fmt.Fprintf(o.Out, "Result written to %s\n", o.OutPath)
	return nil
}
