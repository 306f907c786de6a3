package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cklxx-labs/parallex/internal/config"
)

// configFileSkeleton is the on-disk shape of .parallex.yaml; field names
// match the keys the loader reads back.
type configFileSkeleton struct {
	Files     []string `yaml:"files"`
	Exclude   []string `yaml:"exclude"`
	Parallel  int      `yaml:"parallel"`
	Bail      bool     `yaml:"bail"`
	Timeout   int      `yaml:"timeout"`
	Randomize bool     `yaml:"randomize"`
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold parallex configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter .parallex.yaml populated with the built-in defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path := filepath.Join(dir, ".parallex.yaml")
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}

			d := config.Defaults()
			out, err := yaml.Marshal(configFileSkeleton{
				Files:     d.Files,
				Exclude:   d.Exclude,
				Parallel:  d.Parallel,
				Bail:      d.Bail,
				Timeout:   d.TimeoutMS,
				Randomize: d.Randomize,
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
