package main

import (
	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newValidateCmd creates the validate command
func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [DIR]",
		Short: "Validate a tool directory",
		Long: `Check the manifest.json in DIR (default: the current directory) and that every
file its runtime references exists. Every problem found is listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return tool.ValidateTool(dir, a.ui)
		},
	}

	return cmd
}
