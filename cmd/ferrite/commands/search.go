package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/recipe"
)

func newSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [pattern]",
		Short: "Search the local recipe index",
		Long: `List recipes in the local index, optionally filtered by a
case-insensitive substring of the package name.`,
		Example: `  # List every indexed recipe
  ferrite search

  # Find all zlib-related packages
  ferrite search zlib`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pattern := ""
			if len(args) > 0 {
				pattern = args[0]
			}

			recipesRoot, err := cfg.RecipesRoot()
			if err != nil {
				return err
			}
			refs, err := recipe.NewFSIndex(recipesRoot).Search(pattern)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, refs)
			}
			if len(refs) == 0 {
				fmt.Fprintln(out, "No recipes found.")
				return nil
			}
			for _, r := range refs {
				fmt.Fprintln(out, r.String())
			}
			fmt.Fprintf(out, "\n%d recipes\n", len(refs))
			return nil
		},
	}

	return cmd
}
