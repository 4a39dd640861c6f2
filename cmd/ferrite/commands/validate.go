package commands

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/recipe"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [recipe]",
		Short: "Validate a recipe file",
		Long: `Parse a recipe and check it for problems resolution would reject
later:

  - CUE syntax and required identity fields
  - Requirement, override and tool-requirement expressions
  - Option defaults against their declared domains
  - Settings axes against the settings universe
  - The hooks file, when the recipe declares one`,
		Example: `  # Validate the recipe in the current directory
  ferrite validate

  # Validate a specific recipe
  ferrite validate ./recipes/zlib/1.3.1/_/_/recipe.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipePath := ""
			if len(args) > 0 {
				recipePath = args[0]
			}
			rec, err := loadRootRecipe(recipePath)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			universe, err := loadUniverse(cfg)
			if err != nil {
				return err
			}
			if universe == nil {
				universe = configspace.DefaultSchema()
			}

			problems := collectRecipeProblems(rec, universe)

			out := cmd.OutOrStdout()
			if jsonOutput {
				report := struct {
					Ref      string   `json:"ref"`
					File     string   `json:"file"`
					Valid    bool     `json:"valid"`
					Problems []string `json:"problems,omitempty"`
				}{
					Ref:      rec.Ref().String(),
					File:     filepath.Join(rec.Dir, recipe.RecipeFileName),
					Valid:    len(problems) == 0,
					Problems: problems,
				}
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else if len(problems) > 0 {
				fmt.Fprintf(out, "Recipe %s has problems:\n", rec.Ref())
				for _, p := range problems {
					fmt.Fprintf(out, "  - %s\n", p)
				}
			} else {
				fmt.Fprintf(out, "Recipe %s is valid (%d requires, %d options)\n",
					rec.Ref(), len(rec.Requires), len(rec.Options))
			}

			if len(problems) > 0 {
				return fmt.Errorf("validation failed with %d problems", len(problems))
			}
			return nil
		},
	}

	return cmd
}

// collectRecipeProblems runs the checks that a parse alone does not
// cover. The returned strings are user-facing findings.
func collectRecipeProblems(rec *recipe.Recipe, universe configspace.Schema) []string {
	var problems []string

	if _, err := rec.DeclaredRequirements(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := rec.DeclaredOverrides(); err != nil {
		problems = append(problems, err.Error())
	}

	for _, axis := range rec.Settings {
		if _, ok := universe[axis]; !ok {
			problems = append(problems, fmt.Sprintf("settings axis %q is not in the settings universe", axis))
		}
	}

	// Setting each declared default through a fresh space surfaces
	// defaults that fall outside their own domain.
	opts := configspace.NewSpace(rec.OptionsSchema())
	names := make([]string, 0, len(rec.Options))
	for name := range rec.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		decl := rec.Options[name]
		if !decl.HasDefault {
			continue
		}
		if err := opts.Set(name, decl.Default); err != nil {
			problems = append(problems, fmt.Sprintf("option %q: default: %v", name, err))
		}
	}

	if rec.HooksFile != "" {
		if _, err := recipe.NewParser().HooksFor(rec); err != nil {
			problems = append(problems, fmt.Sprintf("hooks: %v", err))
		}
	}

	return problems
}
