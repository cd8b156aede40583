package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alexhall/foreman/internal/config"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	globalConfig  string
	projectConfig string
	verbose       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Task orchestration engine",
		Long: `Foreman drives a set of tasks through a phased lifecycle: work is
claimed, dispatched to worker endpoints, verified, and retried with its
failure context until it completes or exhausts its budgets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.globalConfig, "global-config", "", "global config file (default ~/.foreman/config.json)")
	cmd.PersistentFlags().StringVar(&opts.projectConfig, "project-config", "", "project config file (default .foreman/config.json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	return cmd
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.globalConfig == "" && o.projectConfig == "" {
		return config.LoadDefault()
	}
	global := o.globalConfig
	if global == "" {
		if home, err := os.UserHomeDir(); err == nil {
			global = filepath.Join(home, ".foreman", "config.json")
		}
	}
	project := o.projectConfig
	if project == "" {
		project = filepath.Join(".foreman", "config.json")
	}
	return config.Load(global, project)
}
