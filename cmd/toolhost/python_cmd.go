package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/pyenv"
	"github.com/dorcha-inc/toolhost/internal/tui"
)

// newPythonCmd creates the python command group
func newPythonCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "python",
		Short: "Manage the shared Python runtime",
		Long: `Manage the Python runtime used by python backends. toolhost installs uv, a
Python interpreter and a shared virtual environment under ~/.toolhost/python.`,
	}

	cmd.AddCommand(newPythonStatusCmd(a))
	cmd.AddCommand(newPythonEnsureCmd(a))

	return cmd
}

// newPythonStatusCmd creates the python status command
func newPythonStatusCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the Python runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				status, err := pythonStatus(h.PythonStatus(ctx))
				if err != nil {
					return err
				}
				return printPythonStatus(a.ui, status, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// newPythonEnsureCmd creates the python ensure command
func newPythonEnsureCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Install uv, Python and the shared environment if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				status, err := pythonStatus(h.EnsurePython(ctx, func(step string) {
					a.ui.Progress(step)
				}))
				if err != nil {
					a.ui.ProgressFailure("")
					return fmt.Errorf("failed to prepare python: %w", err)
				}
				a.ui.ProgressSuccess("Python runtime ready")
				return printPythonStatus(a.ui, status, false)
			})
		},
	}

	return cmd
}

func pythonStatus(res host.Result) (*pyenv.Status, error) {
	if !res.Success {
		return nil, errors.New(res.Error)
	}
	status, ok := res.Data.(*pyenv.Status)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", res.Data)
	}
	return status, nil
}

func printPythonStatus(ui *tui.UI, status *pyenv.Status, jsonOutput bool) error {
	out := ui.Out()
	if jsonOutput {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}

	uv := "not found"
	if status.UVAvailable {
		uv = status.UVPath
		if status.UVVersion != "" {
			uv = fmt.Sprintf("%s (%s)", uv, status.UVVersion)
		}
	}
	printStatusLine(out, ui, "uv", uv)
	printStatusLine(out, ui, "python", fmt.Sprintf("%s %s", status.PythonVersion, yesNo(status.PythonInstalled, "installed", "not installed")))
	printStatusLine(out, ui, "venv", fmt.Sprintf("%s %s", status.VenvPath, yesNo(status.VenvReady, "ready", "missing")))
	return nil
}

func printStatusLine(out io.Writer, ui *tui.UI, label string, value string) {
	core.MustFprintf(out, "%s %s\n", ui.Heading(fmt.Sprintf("%-8s", label+":")), value)
}

func yesNo(v bool, yes string, no string) string {
	if v {
		return yes
	}
	return no
}
