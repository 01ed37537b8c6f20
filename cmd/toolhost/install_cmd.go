package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/toolhost/internal/host"
	"github.com/dorcha-inc/toolhost/internal/tool"
)

// newInstallCmd creates the install command
func newInstallCmd(a *app) *cobra.Command {
	var (
		version   string
		url       string
		hash      string
		localPath string
	)

	cmd := &cobra.Command{
		Use:   "install [TOOL-ID[@VERSION]]",
		Short: "Install a tool from the catalog, a package URL or a local directory",
		Long: `Install a tool. By default the tool is looked up in the catalog and its newest
release, or the release given with @VERSION or --version, is downloaded, verified
and installed to ~/.toolhost/tools/TOOL-ID/.

With --url the package is downloaded from that address and checked against --hash.
With --local the directory is copied as is and TOOL-ID is read from its manifest.json.

Examples:
  toolhost install notes
  toolhost install notes@1.2.0
  toolhost install notes --url https://example.com/notes.zip --hash sha256:...
  toolhost install --local ./path/to/tool`,
		Args: func(cmd *cobra.Command, args []string) error {
			if localPath != "" {
				if len(args) > 0 {
					return errors.New("tool id should not be provided when using --local (it is read from manifest.json)")
				}
				return nil
			}
			if len(args) == 0 {
				return errors.New("tool id is required when installing from the catalog or a URL")
			}
			if len(args) > 1 {
				return errors.New("at most one argument (TOOL-ID) allowed")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tool.InstallOptions{
				Version:   version,
				URL:       url,
				Hash:      hash,
				LocalPath: localPath,
				UI:        a.ui,
			}

			var toolID string
			if len(args) == 1 {
				var err error
				toolID, opts.Version, err = splitToolVersion(args[0], version)
				if err != nil {
					return err
				}
			}

			return a.withHost(cmd.Context(), func(ctx context.Context, h *host.Host) error {
				return tool.InstallTool(ctx, h, toolID, opts)
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Catalog version to install (default: newest)")
	cmd.Flags().StringVar(&url, "url", "", "Install the package at this URL instead of a catalog release")
	cmd.Flags().StringVar(&hash, "hash", "", "Expected sha256 of the package downloaded with --url")
	cmd.Flags().StringVar(&localPath, "local", "", "Install from a local tool directory")

	return cmd
}

// splitToolVersion splits TOOL-ID@VERSION. A version given both ways must agree.
func splitToolVersion(arg string, versionFlag string) (string, string, error) {
	toolID, version, found := strings.Cut(arg, "@")
	if !found {
		return arg, versionFlag, nil
	}
	if toolID == "" || version == "" {
		return "", "", fmt.Errorf("invalid tool reference %q, expected TOOL-ID@VERSION", arg)
	}
	if versionFlag != "" && versionFlag != version {
		return "", "", fmt.Errorf("conflicting versions %q and --version %q", version, versionFlag)
	}
	return toolID, version, nil
}
