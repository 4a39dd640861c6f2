// Package commands implements the ferrite CLI command tree.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// cliVersion stamps telemetry for all commands.
	cliVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ferrite",
		Short: "Ferrite - Native Package Dependency Manager",
		Long: `Ferrite resolves, builds and caches native packages from CUE recipes.

Features:
  - Dependency graphs with version ranges, overrides and conflict detection
  - Settings/options configuration propagation and deterministic fingerprints
  - Content-addressed binary caches (file, sqlite, redis, sftp)
  - Script and WASM build drivers
  - Lockfiles for reproducible resolution
  - Rego policy gating of resolved graphs`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newCacheCommand())

	return rootCmd
}
