package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/lockfile"
	"github.com/ferrite-build/ferrite/pkg/stores"
)

func newInstallCommand() *cobra.Command {
	var (
		profileName string
		settings    []string
		options     []string
		lockfileIn  string
		lockfileOut string
		locked      bool
		workers     int
		driverName  string
	)

	cmd := &cobra.Command{
		Use:   "install [recipe]",
		Short: "Resolve and build the dependency graph",
		Long: `Resolve a recipe's dependency graph and execute the build stages.

The command:
  - Resolves the graph and prices it against the artifact cache
  - Reuses cached binaries and builds the rest, dependencies first
  - Runs source, build and package stages through the selected driver
  - Stores produced artifacts under their fingerprints`,
		Example: `  # Install the recipe in the current directory
  ferrite install

  # Install under a profile with bounded parallelism
  ferrite install --profile linux-debug --workers 4

  # Reproduce a locked resolution exactly
  ferrite install --lockfile ferrite.lock --locked

  # Build through a WASM driver plugin
  ferrite install --driver vendor.headers`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{
				version:         cliVersion,
				driverName:      driverName,
				startDriver:     true,
				requireLockfile: locked,
			})
			if err != nil {
				return err
			}
			defer rt.close()

			recipePath := ""
			if len(args) > 0 {
				recipePath = args[0]
			}
			rec, err := loadRootRecipe(recipePath)
			if err != nil {
				return err
			}

			profile, err := buildProfile(rt.cfg, profileName, settings, options)
			if err != nil {
				return err
			}

			opts := engine.ResolveOptions{Workers: workers}
			var pins *lockfile.Lockfile
			if lockfileIn != "" {
				pins, err = lockfile.Read(lockfileIn)
				if err != nil {
					return err
				}
				opts.Preferred = pins.Preferred()
			} else if locked {
				return fmt.Errorf("--locked requires --lockfile")
			}

			log.Info().
				Str("recipe", rec.Ref().String()).
				Str("profile", profileName).
				Msg("Installing")

			run, g, err := rt.eng.Install(ctx, rec, profile, opts)
			if g != nil && pins != nil {
				if verr := pins.Verify(g); verr != nil {
					if err == nil {
						err = verr
					} else {
						log.Warn().Err(verr).Msg("Lockfile verification failed")
					}
				}
			}
			if err != nil {
				return err
			}

			persistRun(ctx, rt, run, g)

			if lockfileOut != "" {
				if err := lockfile.FromGraph(g).Write(lockfileOut); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, resolveReport{Graph: graphReport(g), Run: run})
			}
			printRun(out, run)
			if run.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("install finished with status %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "named profile to build under")
	cmd.Flags().StringArrayVarP(&settings, "setting", "s", nil, "settings override (key=value, repeatable)")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "option assignment (key=value or pkg:key=value, repeatable)")
	cmd.Flags().StringVar(&lockfileIn, "lockfile", "", "lockfile whose pins steer and verify resolution")
	cmd.Flags().StringVar(&lockfileOut, "lockfile-out", "", "write the resolved pins to this lockfile")
	cmd.Flags().BoolVar(&locked, "locked", false, "deny floating version ranges (requires --lockfile)")
	cmd.Flags().IntVar(&workers, "workers", 0, "max parallel builds (0 uses the configured default)")
	cmd.Flags().StringVar(&driverName, "driver", "", "build driver: script (default) or a WASM plugin name[@version]")

	return cmd
}

// persistRun records the run, its node outcomes and an artifact index
// into the store when the backend keeps one. Persistence failures are
// logged, not fatal: the build itself already succeeded or failed on
// its own terms.
func persistRun(ctx context.Context, rt *appRuntime, run *engine.Run, g *engine.ResolvedGraph) {
	idx, ok := rt.indexStore()
	if !ok {
		return
	}

	if err := idx.CreateRun(ctx, run); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to persist run")
		return
	}

	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		rec := &stores.NodeRecord{
			RunID:         run.ID,
			NodeID:        node.ID,
			Ref:           node.Ref.String(),
			Fingerprint:   node.Fingerprint,
			State:         node.State,
			CacheHit:      node.CacheHit,
			FailureReason: node.FailureReason,
			CompletedAt:   run.CompletedAt,
		}
		if node.InvalidReason != "" && rec.FailureReason == "" {
			rec.FailureReason = node.InvalidReason
		}
		if err := idx.RecordNode(ctx, rec); err != nil {
			rt.logger.Warn().Err(err).Str("node", node.ID).Msg("Failed to persist node outcome")
		}
	}
}
