package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect resolution profiles",
		Long: `Inspect the settings/options profiles resolution runs under.

A profile starts from the detected host platform and layers a named
profile from the client config on top. The effective profile is what
the resolver propagates through the dependency graph.`,
	}

	cmd.AddCommand(newProfileShowCommand())
	cmd.AddCommand(newProfileListCommand())

	return cmd
}

func newProfileShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Show the effective profile",
		Long: `Show a profile as the resolver would see it: the detected host
platform merged with the named profile's settings and options. Without
a name, only the detected platform is shown.`,
		Example: `  # Show the detected host profile
  ferrite profile show

  # Show a named profile over the detected defaults
  ferrite profile show linux-debug`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			p, err := cfg.Profile(name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				report := struct {
					Name     string            `json:"name,omitempty"`
					Settings map[string]string `json:"settings,omitempty"`
					Options  map[string]string `json:"options,omitempty"`
				}{Name: name, Settings: p.Settings, Options: p.Options}
				return printJSON(out, report)
			}

			if name == "" {
				fmt.Fprintln(out, "Profile (detected):")
			} else {
				fmt.Fprintf(out, "Profile %s:\n", name)
			}
			printProfileSection(out, "settings", p.Settings)
			printProfileSection(out, "options", p.Options)
			return nil
		},
	}

	return cmd
}

func newProfileListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the named profiles in the client config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(cfg.Profiles))
			for name := range cfg.Profiles {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, names)
			}
			if len(names) == 0 {
				fmt.Fprintln(out, "No named profiles configured.")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}

	return cmd
}

func printProfileSection(out io.Writer, title string, values map[string]string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(out, "  %s:\n", title)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "    %s=%s\n", k, values[k])
	}
}
