package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/config"
)

func newInitCommand(opts *options) *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and pattern table",
		Long: `Write the default configuration and an editable copy of the built-in
error pattern table. Existing files are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			globalPath, projectPath, err := config.DefaultPaths()
			if err != nil {
				return err
			}
			if opts.globalConfig != "" {
				globalPath = opts.globalConfig
			}
			if opts.projectConfig != "" {
				projectPath = opts.projectConfig
			}

			path := projectPath
			if global {
				path = globalPath
			}

			created, err := config.Init(path, classify.DefaultTableYAML())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(created) == 0 {
				fmt.Fprintf(out, "Nothing to do, %s already exists.\n", path)
				return nil
			}
			for _, f := range created {
				if abs, err := filepath.Abs(f); err == nil {
					f = abs
				}
				fmt.Fprintf(out, "Created %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write the global config instead of the project config")

	return cmd
}
