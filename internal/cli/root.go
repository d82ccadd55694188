// Package cli implements the agentrunner command line.
package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/config"
	"github.com/aristath/agentrunner/internal/cooldown"
	"github.com/aristath/agentrunner/internal/persistence"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

const (
	cooldownFile = "cooldowns.json"
	archiveFile  = "runs.db"
)

// options are the persistent flags shared by every command.
type options struct {
	globalConfig  string
	projectConfig string
	stateDir      string
}

// NewRootCommand creates the root agentrunner command.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "agentrunner",
		Short: "Supervise AI coding agents running in containers",
		Long: `agentrunner runs coding tasks in containers and supervises every run:
failed attempts are classified, retried with backoff, handed to fallback
agents, and rate-limited agents are put on a shared cooldown.`,
		Version:      Version,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.globalConfig, "global-config", "", "global config file (default ~/.agentrunner/config.json)")
	flags.StringVar(&opts.projectConfig, "config", "", "project config file (default .agentrunner/config.json)")
	flags.StringVar(&opts.stateDir, "state-dir", "", "directory for cooldowns and the run archive")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCooldownCommand(opts))
	cmd.AddCommand(newClassifyCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newInitCommand(opts))

	return cmd
}

// load resolves the config files and the state directory.
func (o *options) load() (*config.Config, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	if o.globalConfig != "" {
		globalPath = o.globalConfig
	}
	if o.projectConfig != "" {
		projectPath = o.projectConfig
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}

	switch {
	case o.stateDir != "":
		cfg.Supervisor.StateDir = o.stateDir
	case cfg.Supervisor.StateDir == "":
		cfg.Supervisor.StateDir = filepath.Join(filepath.Dir(globalPath), "state")
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *log.Logger {
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}

func openCooldowns(cfg *config.Config, logger *log.Logger) (*cooldown.Store, error) {
	path := filepath.Join(cfg.Supervisor.StateDir, cooldownFile)
	store, err := cooldown.Open(path, cooldown.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening cooldown store: %w", err)
	}
	return store, nil
}

func openArchive(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	store, err := persistence.NewSQLiteStore(ctx, filepath.Join(cfg.Supervisor.StateDir, archiveFile))
	if err != nil {
		return nil, fmt.Errorf("opening run archive: %w", err)
	}
	return store, nil
}

// newClassifier loads the configured pattern table, falling back to the
// built-in one when no file is configured or it does not exist yet.
func newClassifier(cfg *config.Config, logger *log.Logger) (*classify.Classifier, error) {
	path := cfg.Supervisor.PatternsFile
	if path == "" {
		return classify.NewClassifier(nil, logger), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Printf("WARNING: pattern file %s not found, using built-in patterns", path)
		return classify.NewClassifier(nil, logger), nil
	}
	table, err := classify.LoadTable(path)
	if err != nil {
		return nil, err
	}
	return classify.NewClassifier(table, logger), nil
}
