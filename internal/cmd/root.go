package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		Upload datasets for offer matching, trigger the remote jobs that process
		them and manage the provider exclusion ledger.

		Backends are selected through EOA_ environment variables, optionally
		read from a .env file in the working directory.`)

	rootExamples = templates.Examples(`
		# Serve the HTTP API
		eoa serve

		# Run one upload cycle and save the result
		eoa upload offers.xlsx --timeout 30m --out optimized.csv

		# List providers at or over quota
		eoa exclusions list`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// EOAOptions defines the options for the `eoa` command.
type EOAOptions struct {
	iooption.IOStreams
}

// NewEOAOptions provides an initialised EOAOptions instance.
func NewEOAOptions(streams iooption.IOStreams) *EOAOptions {
	return &EOAOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `eoa` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewEOAOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `eoa` command and its nested
// children.
func NewRootCommandWithArgs(o *EOAOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "eoa [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Offer matching upload cycles and exclusion ledger",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewServeCommand(NewServeOptions(o.IOStreams)))
	cmd.AddCommand(NewUploadCommand(NewUploadOptions(o.IOStreams)))
	cmd.AddCommand(NewInvokeCommand(NewInvokeOptions(o.IOStreams)))
	cmd.AddCommand(NewExclusionsCommand(o.IOStreams))
	cmd.AddCommand(NewConfigCommand(o.IOStreams))

	// The global normalisation function ensures that all flags specified meet
	// the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}

// runner is implemented by the options of every leaf command.
type runner interface {
	Complete(cmd *cobra.Command, args []string) error
	Validate() error
	Run() error
}

func runE(o runner) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := o.Complete(cmd, args); err != nil {
			return err
		}
		if err := o.Validate(); err != nil {
			return err
		}
		return o.Run()
	}
}
