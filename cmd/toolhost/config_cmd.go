package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/config"
	"github.com/dorcha-inc/toolhost/internal/core"
)

// newConfigCmd creates the config command group
func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change toolhost configuration",
		Long: `Read and change toolhost configuration. Values come from TOOLHOST_* environment
variables, ./toolhost.yaml, ~/.toolhost/config.yaml and built-in defaults, in that
order of precedence. config set writes to the project file when it exists and to
the user file otherwise.`,
	}

	cmd.AddCommand(newConfigGetCmd(a))
	cmd.AddCommand(newConfigSetCmd(a))
	cmd.AddCommand(newConfigListCmd(a))

	return cmd
}

// newConfigGetCmd creates the config get command
func newConfigGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "get KEY",
		Short:     "Print a configuration value and where it came from",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.Keys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := config.GetConfigValue(args[0])
			if err != nil {
				return err
			}
			core.MustFprintf(a.ui.Out(), "%v %s\n", value.Value, a.ui.Muted("("+value.Source+")"))
			return nil
		},
	}

	return cmd
}

// newConfigSetCmd creates the config set command
func newConfigSetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "set KEY VALUE",
		Short:     "Set a configuration value",
		Args:      cobra.ExactArgs(2),
		ValidArgs: config.Keys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.SetConfigValue(args[0], args[1])
			if err != nil {
				return err
			}
			core.MustFprintf(a.ui.Out(), "Set %s = %s in %s\n", args[0], args[1], path)
			return nil
		},
	}

	return cmd
}

// newConfigListCmd creates the config list command
func newConfigListCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every configuration value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := config.ListConfig()
			if err != nil {
				return err
			}

			out := a.ui.Out()
			if jsonOutput {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(values)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			core.MustFprintf(w, "KEY\tVALUE\tSOURCE\n")
			for _, key := range config.Keys() {
				v := values[key]
				core.MustFprintf(w, "%s\t%v\t%s\n", key, v.Value, v.Source)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush writer: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
