package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/core"
	"github.com/dorcha-inc/toolhost/internal/host"
)

// newCacheCmd creates the cache command
func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage toolhost cache",
		Long: `Manage toolhost's cache. The cache stores the downloaded catalog index to speed
up search and install.`,
	}

	cmd.AddCommand(newCacheClearCmd(a))

	return cmd
}

// newCacheClearCmd creates the cache clear command
func newCacheClearCmd(a *app) *cobra.Command {
	var sweepTemp bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the catalog cache",
		Long: `Clear the catalog cache. The index is downloaded again on the next catalog
operation. With --temp, leftover install downloads older than temp_max_age_hours
are removed as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHost(cmd.Context(), func(_ context.Context, h *host.Host) error {
				if res := h.ClearCatalogCache(); !res.Success {
					return fmt.Errorf("failed to clear cache: %w", errors.New(res.Error))
				}
				core.MustFprintf(a.ui.Out(), "Catalog cache cleared\n")

				if !sweepTemp {
					return nil
				}
				res := h.SweepTemp()
				if !res.Success {
					return fmt.Errorf("failed to sweep temp directory: %w", errors.New(res.Error))
				}
				if swept, ok := res.Data.(map[string]int); ok {
					core.MustFprintf(a.ui.Out(), "Removed %d temp entries\n", swept["removed"])
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&sweepTemp, "temp", false, "Also sweep stale install temp files")

	return cmd
}
