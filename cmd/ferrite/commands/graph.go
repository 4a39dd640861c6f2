package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var (
		profileName string
		settings    []string
		options     []string
		format      string
		outputFile  string
	)

	cmd := &cobra.Command{
		Use:   "graph [recipe]",
		Short: "Show the resolved dependency graph",
		Long: `Resolve a recipe's dependency graph and print it without building.

Formats:
  tree  indented dependency tree with fingerprints (default)
  dot   Graphviz DOT, suitable for piping into dot -Tsvg
  json  the full graph document`,
		Example: `  # Print the dependency tree
  ferrite graph

  # Render the graph with Graphviz
  ferrite graph --format dot | dot -Tsvg -o deps.svg

  # Inspect per-node configurations
  ferrite graph --format json --profile linux-release`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{version: cliVersion})
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

			g, err := rt.eng.Resolve(ctx, rec, profile, engine.ResolveOptions{})
			if err != nil {
				return err
			}

			if jsonOutput {
				format = "json"
			}

			out := io.Writer(cmd.OutOrStdout())
			if outputFile != "" {
				f, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("creating output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			switch format {
			case "", "tree":
				printGraph(out, g)
			case "dot":
				fmt.Fprint(out, g.ToDOT())
			case "json":
				return printJSON(out, graphReport(g))
			default:
				return fmt.Errorf("unknown graph format %q (tree, dot or json)", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "named profile to resolve under")
	cmd.Flags().StringArrayVarP(&settings, "setting", "s", nil, "settings override (key=value, repeatable)")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "option assignment (key=value or pkg:key=value, repeatable)")
	cmd.Flags().StringVarP(&format, "format", "f", "tree", "output format: tree, dot or json")
	cmd.Flags().StringVarP(&outputFile, "output", "O", "", "write the graph to a file instead of stdout")

	return cmd
}
