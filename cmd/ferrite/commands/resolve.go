package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/lockfile"
)

func newResolveCommand() *cobra.Command {
	var (
		profileName  string
		settings     []string
		options      []string
		lockfileIn   string
		lockfileOut  string
		locked       bool
		dotFile      string
		failOverride bool
	)

	cmd := &cobra.Command{
		Use:   "resolve [recipe]",
		Short: "Resolve the dependency graph and plan",
		Long: `Resolve a recipe's dependency graph under a profile without building.

The command:
  - Expands requirements, tool requirements and overrides into a graph
  - Solves version ranges against the recipe index
  - Propagates settings and options and computes binary fingerprints
  - Prices every node against the artifact cache into an install plan`,
		Example: `  # Resolve the recipe in the current directory
  ferrite resolve

  # Resolve under a named profile with an option imposed
  ferrite resolve ./recipe.cue --profile linux-debug -o zlib:shared=True

  # Pin and verify against a lockfile, refreshing it afterwards
  ferrite resolve --lockfile ferrite.lock --lockfile-out ferrite.lock

  # Export the resolved graph for inspection
  ferrite resolve --dot graph.dot`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{
				version:         cliVersion,
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

			opts := engine.ResolveOptions{ErrorOnOverride: failOverride}
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
				Msg("Resolving dependency graph")

			g, err := rt.eng.Resolve(ctx, rec, profile, opts)
			if err != nil {
				return err
			}
			if pins != nil {
				if err := pins.Verify(g); err != nil {
					return err
				}
			}

			plan, err := rt.eng.Plan(ctx, g)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(g.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}
			if lockfileOut != "" {
				if err := lockfile.FromGraph(g).Write(lockfileOut); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, resolveReport{Graph: graphReport(g), Plan: plan})
			}
			printGraph(out, g)
			printPlan(out, plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "named profile to resolve under")
	cmd.Flags().StringArrayVarP(&settings, "setting", "s", nil, "settings override (key=value, repeatable)")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "option assignment (key=value or pkg:key=value, repeatable)")
	cmd.Flags().StringVar(&lockfileIn, "lockfile", "", "lockfile whose pins steer and verify resolution")
	cmd.Flags().StringVar(&lockfileOut, "lockfile-out", "", "write the resolved pins to this lockfile")
	cmd.Flags().BoolVar(&locked, "locked", false, "deny floating version ranges (requires --lockfile)")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the resolved graph in DOT format")
	cmd.Flags().BoolVar(&failOverride, "fail-on-override", false, "error when an override changes a resolved version")

	return cmd
}
