package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/eoa/internal/ledger"
)

var (
	exclusionsLong = templates.LongDesc(`
		Inspect and maintain the provider exclusion ledger.

		Every time a provider is targeted its count is incremented. Providers
		whose count reaches the quota are excluded from further targeting until
		their record expires or the ledger is reset. Permanent records never
		expire and survive the weekly reset.`)

	exclusionsExample = templates.Examples(`
		# Providers at or over the configured quota
		eoa exclusions list

		# Count one more target for two providers
		eoa exclusions add P1 P2

		# Exclude a provider outright and keep it excluded
		eoa exclusions add P3 --full --permanent

		# Weekly reset
		eoa exclusions reset

		# Write the excluded providers to the object store as CSV
		eoa exclusions export`)
)

// NewExclusionsCommand groups the ledger commands.
func NewExclusionsCommand(streams iooption.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exclusions",
		Short:   "Manage the provider exclusion ledger",
		Long:    exclusionsLong,
		Example: exclusionsExample,
	}

	cmd.AddCommand(newExclusionsListCommand(&ExclusionsListOptions{IOStreams: streams}))
	cmd.AddCommand(newExclusionsAddCommand(&ExclusionsAddOptions{IOStreams: streams}))
	cmd.AddCommand(newExclusionsResetCommand(&ExclusionsResetOptions{IOStreams: streams}))
	cmd.AddCommand(newExclusionsExportCommand(&ExclusionsExportOptions{IOStreams: streams}))

	return cmd
}

type ExclusionsListOptions struct {
	Quota       int
	Persistence int
	NoSweep     bool
	JSON        bool

	// Set when the flag was given; zero persistence is a valid window.
	quotaSet       bool
	persistenceSet bool

	iooption.IOStreams
}

func newExclusionsListCommand(o *ExclusionsListOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers at or over quota",
		RunE:  runE(o),
	}

	cmd.Flags().IntVarP(&o.Quota, "quota", "q", 0, "Targets quota (default: EOA_LEDGER_TARGETS_QUOTA)")
	cmd.Flags().IntVarP(&o.Persistence, "persistence", "p", 0, "Days a non-permanent record is kept (default: EOA_LEDGER_PERSISTENCE_DAYS)")
	cmd.Flags().BoolVar(&o.NoSweep, "no-sweep", false, "Do not delete expired records first")
	cmd.Flags().BoolVar(&o.JSON, "json", false, "Print the full report as JSON")

	return cmd
}

func (o *ExclusionsListOptions) Complete(cmd *cobra.Command, args []string) error {
	o.quotaSet = cmd.Flags().Changed("quota")
	o.persistenceSet = cmd.Flags().Changed("persistence")
	return nil
}

func (o *ExclusionsListOptions) Validate() error {
	if o.quotaSet && o.Quota <= 0 {
		return fmt.Errorf("quota must be positive, got %d", o.Quota)
	}
	if o.Persistence < 0 {
		return fmt.Errorf("persistence must not be negative, got %d", o.Persistence)
	}
	return nil
}

// window returns the quota and persistence to list with, falling back to the
// configured values for flags that were not given.
func (o *ExclusionsListOptions) window(quota, persistence int) (int, int) {
	return flagOr(o.quotaSet, o.Quota, quota), flagOr(o.persistenceSet, o.Persistence, persistence)
}

func (o *ExclusionsListOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	quota, persistence := o.window(b.cfg.Ledger.TargetsQuota, b.cfg.Ledger.PersistenceDays)

	ex, err := b.ledger.ActiveExclusions(ctx, quota, persistence, !o.NoSweep)
	if err != nil {
		return err
	}

	if o.JSON {
		out, err := json.MarshalIndent(ex, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal exclusions: %w", err)
		}
		fmt.Fprintln(o.Out, string(out))
		return nil
	}

	for _, id := range ex.ProviderIDs {
		fmt.Fprintln(o.Out, id)
	}
	if len(ex.Failed) > 0 {
		fmt.Fprintf(o.ErrOut, "Could not interpret records: %s\n", strings.Join(ex.Failed, ", "))
	}
	return nil
}

type ExclusionsAddOptions struct {
	ProviderIDs []string
	Permanent   bool
	Full        bool

	iooption.IOStreams
}

func newExclusionsAddCommand(o *ExclusionsAddOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "add [PROVIDER_ID...]",
		DisableFlagsInUseLine: true,
		Short:                 "Count a target for providers, or exclude them outright",
		RunE:                  runE(o),
	}

	cmd.Flags().BoolVar(&o.Permanent, "permanent", false, "Mark the records permanent")
	cmd.Flags().BoolVar(&o.Full, "full", false, "Exclude the providers regardless of quota")

	return cmd
}

func (o *ExclusionsAddOptions) Complete(cmd *cobra.Command, args []string) error {
	o.ProviderIDs = args
	return nil
}

func (o *ExclusionsAddOptions) Validate() error {
	if len(o.ProviderIDs) == 0 {
		return fmt.Errorf("at least one PROVIDER_ID is required")
	}
	return nil
}

func (o *ExclusionsAddOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	var res ledger.Result
	if o.Full {
		res = b.ledger.FullyExclude(ctx, o.ProviderIDs, o.Permanent)
	} else {
		res = b.ledger.Increment(ctx, o.ProviderIDs, o.Permanent)
	}
	return reportResult(o.IOStreams, res)
}

type ExclusionsResetOptions struct {
	IncludePermanent bool

	iooption.IOStreams
}

func newExclusionsResetCommand(o *ExclusionsResetOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete ledger records",
		Long: templates.LongDesc(`
			Delete every non-permanent record. With --include-permanent only
			the permanent records are deleted instead.`),
		RunE: runE(o),
	}

	cmd.Flags().BoolVar(&o.IncludePermanent, "include-permanent", false, "Delete permanent records instead of the others")

	return cmd
}

func (o *ExclusionsResetOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *ExclusionsResetOptions) Validate() error {
	return nil
}

func (o *ExclusionsResetOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := b.ledger.ResetAll(ctx, !o.IncludePermanent)
	if err != nil {
		return err
	}
	fmt.Fprintf(o.Out, "Deleted %d records\n", report.Succeeded)
	if report.Failed > 0 {
		return fmt.Errorf("failed to delete %d records", report.Failed)
	}
	return nil
}

type ExclusionsExportOptions struct {
	Key   string
	Quota int

	quotaSet bool

	iooption.IOStreams
}

func newExclusionsExportCommand(o *ExclusionsExportOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write excluded providers to the object store as CSV",
		RunE:  runE(o),
	}

	cmd.Flags().StringVarP(&o.Key, "key", "k", "", "Object key (default: EOA_EXPORT_KEY)")
	cmd.Flags().IntVarP(&o.Quota, "quota", "q", 0, "Targets quota (default: EOA_LEDGER_TARGETS_QUOTA)")

	return cmd
}

func (o *ExclusionsExportOptions) Complete(cmd *cobra.Command, args []string) error {
	o.quotaSet = cmd.Flags().Changed("quota")
	return nil
}

func (o *ExclusionsExportOptions) Validate() error {
	if o.quotaSet && o.Quota <= 0 {
		return fmt.Errorf("quota must be positive, got %d", o.Quota)
	}
	return nil
}

func (o *ExclusionsExportOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	key := o.Key
	if key == "" {
		key = b.cfg.ExportKey
	}
	n, err := b.ledger.Export(ctx, b.objects, key, flagOr(o.quotaSet, o.Quota, b.cfg.Ledger.TargetsQuota))
	if err != nil {
		return err
	}
	fmt.Fprintf(o.Out, "Exported %d providers to %s\n", n, key)
	return nil
}

// reportResult prints a per-item outcome and fails when any item failed.
func reportResult(streams iooption.IOStreams, res ledger.Result) error {
	fmt.Fprintf(streams.Out, "%d succeeded, %d failed\n", len(res.Succeeded), len(res.Failed))
	if len(res.Failed) > 0 {
		return fmt.Errorf("failed: %s", strings.Join(res.Failed, ", "))
	}
	return nil
}

// flagOr returns v when its flag was given and fallback otherwise.
func flagOr(set bool, v, fallback int) int {
	if set {
		return v
	}
	return fallback
}
