package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/eoa/internal/ledger"
)

var (
	configLong = templates.LongDesc(`
		Read and write the tunables passed to remote jobs.

		Known tunables are range checked: offers_per_dp 1..6,
		weekly_dp_targets 1..4, risk_threshold 0.1..1.0 and chunk_size
		50..300. Other keys are stored as given.`)

	configExample = templates.Examples(`
		# Stored tunables layered over the defaults
		eoa config get --effective

		# One stored tunable
		eoa config get offers_per_dp

		# Update tunables
		eoa config set offers_per_dp=4 risk_threshold=0.3`)
)

// NewConfigCommand groups the tunable commands.
func NewConfigCommand(streams iooption.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Manage job tunables",
		Long:    configLong,
		Example: configExample,
	}

	cmd.AddCommand(newConfigGetCommand(&ConfigGetOptions{IOStreams: streams}))
	cmd.AddCommand(newConfigSetCommand(&ConfigSetOptions{IOStreams: streams}))

	return cmd
}

type ConfigGetOptions struct {
	Key       string
	Effective bool

	iooption.IOStreams
}

func newConfigGetCommand(o *ConfigGetOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "get [KEY]",
		DisableFlagsInUseLine: true,
		Short:                 "Print stored tunables",
		RunE:                  runE(o),
	}

	cmd.Flags().BoolVar(&o.Effective, "effective", false, "Include defaults for tunables never stored")

	return cmd
}

func (o *ConfigGetOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		o.Key = args[0]
	}
	return nil
}

func (o *ConfigGetOptions) Validate() error {
	if o.Key != "" && o.Effective {
		return fmt.Errorf("--effective cannot be combined with KEY")
	}
	return nil
}

func (o *ConfigGetOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	if o.Key != "" {
		v, err := b.ledger.GetConfigValue(ctx, o.Key)
		if err != nil {
			return err
		}
		fmt.Fprintln(o.Out, v)
		return nil
	}

	var cfg ledger.Config
	if o.Effective {
		cfg, err = b.ledger.EffectiveConfig(ctx)
	} else {
		cfg, err = b.ledger.GetConfig(ctx)
	}
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintln(o.Out, string(out))
	return nil
}

type ConfigSetOptions struct {
	Values ledger.Config

	iooption.IOStreams
}

func newConfigSetCommand(o *ConfigSetOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "set [KEY=VALUE...]",
		DisableFlagsInUseLine: true,
		Short:                 "Store tunables",
		RunE:                  runE(o),
	}

	return cmd
}

func (o *ConfigSetOptions) Complete(cmd *cobra.Command, args []string) error {
	values, err := parseAssignments(args)
	if err != nil {
		return err
	}
	o.Values = values
	return nil
}

func (o *ConfigSetOptions) Validate() error {
	if len(o.Values) == 0 {
		return fmt.Errorf("at least one KEY=VALUE is required")
	}
	return nil
}

func (o *ConfigSetOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := load(ctx, o.ErrOut)
	if err != nil {
		return err
	}
	defer b.Close()

	return reportResult(o.IOStreams, b.ledger.SetConfig(ctx, o.Values))
}

// parseAssignments turns KEY=VALUE arguments into tunables. Values are read
// as an integer, a float or a boolean when they parse as one, and as a string
// otherwise.
func parseAssignments(args []string) (ledger.Config, error) {
	values := make(ledger.Config, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want KEY=VALUE", arg)
		}
		values[key] = parseScalar(raw)
	}
	return values, nil
}

func parseScalar(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
