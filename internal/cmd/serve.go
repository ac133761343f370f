package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/eoa/internal/server"
	"github.com/tomasbasham/eoa/internal/telemetry"
)

type ServeOptions struct {
	Addr          string
	UploadTimeout time.Duration

	iooption.IOStreams
}

var (
	serveLong = templates.LongDesc(`
		Start the HTTP API. Upload cycles started over HTTP keep running after
		the request that started them has returned; on shutdown the server waits
		for them to finish.`)

	serveExample = templates.Examples(`
		# Start on the configured address
		eoa serve

		# Start on a custom address with a shorter default cycle timeout
		eoa serve --addr :9090 --upload-timeout 10m`)
)

func NewServeOptions(streams iooption.IOStreams) *ServeOptions {
	return &ServeOptions{
		IOStreams: streams,
	}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP API",
		Long:    serveLong,
		Example: serveExample,
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

	cmd.Flags().StringVarP(&o.Addr, "addr", "a", "", "Address to listen on (default: EOA_LISTEN_ADDR)")
	cmd.Flags().DurationVarP(&o.UploadTimeout, "upload-timeout", "t", 0, "Default upload cycle timeout (default: EOA_UPLOAD_TIMEOUT)")

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *ServeOptions) Validate() error {
	if o.UploadTimeout < 0 {
		return fmt.Errorf("upload timeout must not be negative")
	}
	return nil
}

func (o *ServeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	shutdown, err := telemetry.Setup(ctx, "eoa", version, b.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			b.logger.Error("failed to flush traces", "error", err)
		}
	}()

	addr := o.Addr
	if addr == "" {
		addr = b.cfg.ListenAddr
	}
	timeout := o.UploadTimeout
	if timeout == 0 {
		timeout = b.cfg.UploadTimeout
	}

	srv := server.New(server.Options{
		Sessions:        b.sessions(),
		Ledger:          b.ledger,
		TargetsQuota:    b.cfg.Ledger.TargetsQuota,
		PersistenceDays: b.cfg.Ledger.PersistenceDays,
		UploadTimeout:   timeout,
		SessionTTL:      b.cfg.SessionTTL,
		AllowedOrigins:  b.cfg.AllowedOrigins,
		Logger:          b.logger,
	})

	fmt.Fprintf(o.Out, "Starting eoa server on %s\n", addr)
	return srv.ListenAndServe(ctx, addr)
}
