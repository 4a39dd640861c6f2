package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ferrite-build/ferrite/pkg/clientconfig"
	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/stores"
)

const defaultConfigTOML = `# Ferrite client configuration.

[storage]
backend = "file"

[engine]
workers = 4

[telemetry]
environment = "development"

[telemetry.logging]
level = "info"
format = "console"

# Named profiles layer settings and options over the detected host
# platform, e.g.:
#
# [profiles.linux-debug]
# settings = { build_type = "Debug" }
# options = { shared = "True" }
`

func newInitCommand() *cobra.Command {
	var recipeRef string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the ferrite workspace",
		Long: `Initialize the ferrite workspace: the client configuration, the
storage, recipe and build directories, and the run index when the
sqlite backend is selected.

With --recipe, a starter recipe is also written into the current
directory.`,
		Example: `  # Initialize the default workspace under ~/.ferrite
  ferrite init

  # Initialize and scaffold a recipe for a new package
  ferrite init --recipe mylib/0.1.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			path := configPath
			if path == "" {
				var err error
				path, err = clientconfig.DefaultPath()
				if err != nil {
					return err
				}
			}

			log.Info().Str("config", path).Msg("Initializing workspace")

			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return fmt.Errorf("failed to create config directory: %w", err)
				}
				if err := os.WriteFile(path, []byte(defaultConfigTOML), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", path)
			} else {
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", path)
			}

			cfg, err := clientconfig.Load(path)
			if err != nil {
				return err
			}

			storageRoot, err := cfg.StorageRoot()
			if err != nil {
				return err
			}
			recipesRoot, err := cfg.RecipesRoot()
			if err != nil {
				return err
			}
			workRoot, err := cfg.WorkRoot()
			if err != nil {
				return err
			}
			for _, dir := range []string{storageRoot, recipesRoot, workRoot} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			if cfg.Storage.Backend == clientconfig.BackendSQLite {
				dbPath := filepath.Join(storageRoot, "ferrite.db")
				store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
				if err != nil {
					return fmt.Errorf("failed to create index store: %w", err)
				}
				if err := store.Init(ctx); err != nil {
					store.Close()
					return fmt.Errorf("failed to initialize index store: %w", err)
				}
				if err := store.Close(); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Initialized run index: %s\n", dbPath)
			}

			if recipeRef != "" {
				if err := scaffoldRecipe(out, recipeRef); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "\nWorkspace initialized.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Add recipes under %s\n", recipesRoot)
			fmt.Fprintf(out, "  2. Resolve a graph:  ferrite resolve\n")
			fmt.Fprintf(out, "  3. Build it:         ferrite install\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&recipeRef, "recipe", "", "scaffold a recipe for name/version in the current directory")

	return cmd
}

// scaffoldRecipe writes a starter recipe.cue for the given reference
// into the current directory. An existing recipe is never overwritten.
func scaffoldRecipe(out io.Writer, rawRef string) error {
	r, err := ref.Parse(rawRef)
	if err != nil {
		return fmt.Errorf("invalid --recipe reference: %w", err)
	}

	if _, err := os.Stat(recipe.RecipeFileName); err == nil {
		return fmt.Errorf("%s already exists in the current directory", recipe.RecipeFileName)
	}

	content := fmt.Sprintf("name:    %q\nversion: %q\n", r.Name, r.Version)
	if r.User != "" {
		content += fmt.Sprintf("user:    %q\n", r.User)
	}
	if r.Channel != "" {
		content += fmt.Sprintf("channel: %q\n", r.Channel)
	}
	content += `settings: ["os", "arch", "compiler", "build_type"]
options: {
	shared: {values: [true, false], default: false}
}
requires: []
scripts: {
	source:  "true"
	build:   "true"
	package: "true"
}
`

	if err := os.WriteFile(recipe.RecipeFileName, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", recipe.RecipeFileName, err)
	}
	fmt.Fprintf(out, "✓ Created %s for %s\n", recipe.RecipeFileName, r)
	return nil
}
