package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/stores"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
		Long: `Inspect and maintain the artifact cache of the configured
storage backend.

Artifacts are stored under their binary fingerprints. The cache
commands work against whichever backend the client config selects:
file, sqlite, redis or sftp.`,
	}

	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCachePruneCommand())
	cmd.AddCommand(newCacheExportCommand())
	cmd.AddCommand(newCacheImportCommand())

	return cmd
}

// withArtifactStore opens the configured backend, runs fn against it and
// closes it again.
func withArtifactStore(cmd *cobra.Command, fn func(store stores.ArtifactStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.With().Str("component", "cache").Logger()
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newCacheStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArtifactStore(cmd, func(store stores.ArtifactStore) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, stats)
				}
				fmt.Fprintf(out, "Artifacts: %d\n", stats.Artifacts)
				fmt.Fprintf(out, "Total size: %s\n", formatBytes(stats.TotalSize))
				if !stats.Oldest.IsZero() {
					fmt.Fprintf(out, "Oldest: %s\n", stats.Oldest.Format(time.RFC3339))
					fmt.Fprintf(out, "Newest: %s\n", stats.Newest.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	return cmd
}

func newCacheListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArtifactStore(cmd, func(store stores.ArtifactStore) error {
				artifacts, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				sort.Slice(artifacts, func(i, j int) bool {
					if artifacts[i].Ref != artifacts[j].Ref {
						return artifacts[i].Ref < artifacts[j].Ref
					}
					return artifacts[i].Fingerprint < artifacts[j].Fingerprint
				})

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, artifacts)
				}
				if len(artifacts) == 0 {
					fmt.Fprintln(out, "Cache is empty.")
					return nil
				}
				for _, a := range artifacts {
					fmt.Fprintf(out, "%-16s  %-40s  %10s  %s\n",
						shortFingerprint(a.Fingerprint), a.Ref,
						formatBytes(a.Size), a.CreatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}

	return cmd
}

func newCachePruneCommand() *cobra.Command {
	var (
		all       bool
		olderThan time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune [fingerprint...]",
		Short: "Remove cached artifacts",
		Long: `Remove artifacts from the cache, selected by explicit
fingerprints, by age, or wholesale with --all.`,
		Example: `  # Remove two specific artifacts
  ferrite cache prune 9f86d081884c7d65 60303ae22b998861

  # Remove everything older than a month
  ferrite cache prune --older-than 720h

  # Clear the cache
  ferrite cache prune --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && olderThan == 0 && len(args) == 0 {
				return fmt.Errorf("nothing selected: pass fingerprints, --older-than or --all")
			}

			return withArtifactStore(cmd, func(store stores.ArtifactStore) error {
				ctx := cmd.Context()

				targets := args
				if all || olderThan > 0 {
					artifacts, err := store.List(ctx)
					if err != nil {
						return err
					}
					cutoff := time.Now().Add(-olderThan)
					for _, a := range artifacts {
						if all || a.CreatedAt.Before(cutoff) {
							targets = append(targets, a.Fingerprint)
						}
					}
				}

				removed := 0
				for _, fp := range targets {
					if err := store.Delete(ctx, fp); err != nil {
						return fmt.Errorf("pruning %s: %w", fp, err)
					}
					removed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d artifacts\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove every cached artifact")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove artifacts created before now minus this duration")

	return cmd
}

func newCacheExportCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "export <fingerprint>",
		Short: "Export a cached artifact to files",
		Long: `Export a cached artifact as a content file plus a metadata
sidecar, suitable for importing into another cache.`,
		Example: `  # Export into the current directory
  ferrite cache export 9f86d081884c7d65

  # Export somewhere else
  ferrite cache export 9f86d081884c7d65 --output /tmp/artifacts`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fingerprint := args[0]

			return withArtifactStore(cmd, func(store stores.ArtifactStore) error {
				ctx := cmd.Context()

				artifact, ok, err := store.Lookup(ctx, fingerprint)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no artifact stored under %s", fingerprint)
				}

				content, err := store.Open(ctx, fingerprint)
				if err != nil {
					return fmt.Errorf("opening artifact content: %w", err)
				}
				defer content.Close()

				if err := os.MkdirAll(outputDir, 0o755); err != nil {
					return err
				}
				contentPath := filepath.Join(outputDir, fingerprint+".artifact")
				f, err := os.Create(contentPath)
				if err != nil {
					return err
				}
				if _, err := io.Copy(f, content); err != nil {
					f.Close()
					return fmt.Errorf("writing artifact content: %w", err)
				}
				if err := f.Close(); err != nil {
					return err
				}

				meta, err := json.MarshalIndent(artifact, "", "  ")
				if err != nil {
					return err
				}
				metaPath := filepath.Join(outputDir, fingerprint+".json")
				if err := os.WriteFile(metaPath, append(meta, '\n'), 0o644); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", artifact.Ref, contentPath)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "O", ".", "directory to write the export into")

	return cmd
}

func newCacheImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <metadata.json>",
		Short: "Import an exported artifact",
		Long: `Import an artifact previously produced by cache export. The
metadata sidecar names the fingerprint; the content file is expected
next to it as <fingerprint>.artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metaPath := args[0]

			data, err := os.ReadFile(metaPath)
			if err != nil {
				return err
			}
			var artifact engine.Artifact
			if err := json.Unmarshal(data, &artifact); err != nil {
				return fmt.Errorf("invalid artifact metadata %s: %w", metaPath, err)
			}
			if artifact.Fingerprint == "" {
				return fmt.Errorf("artifact metadata %s has no fingerprint", metaPath)
			}

			contentPath := filepath.Join(filepath.Dir(metaPath), artifact.Fingerprint+".artifact")
			if _, err := os.Stat(contentPath); err != nil {
				return fmt.Errorf("artifact content %s: %w", contentPath, err)
			}
			artifact.Path = contentPath

			return withArtifactStore(cmd, func(store stores.ArtifactStore) error {
				if err := store.Store(cmd.Context(), &artifact); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s as %s\n", artifact.Ref, artifact.Fingerprint)
				return nil
			})
		},
	}

	return cmd
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
