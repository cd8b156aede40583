package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexhall/foreman/internal/persistence"
	"github.com/alexhall/foreman/internal/seed"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		useTUI   bool
		seedDir  string
		snapshot string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load seed tasks and drive them to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if seedDir != "" {
				cfg.Engine.SeedDir = seedDir
			}
			if snapshot != "" {
				cfg.Engine.SnapshotPath = snapshot
			}

			var persist persistence.Store
			if cfg.Engine.SnapshotPath != "" {
				store, err := persistence.NewSQLiteStore(ctx, cfg.Engine.SnapshotPath)
				if err != nil {
					return fmt.Errorf("opening snapshot store: %w", err)
				}
				persist = store
			}

			rt, err := buildRuntime(cfg, logger, persist)
			if err != nil {
				if persist != nil {
					persist.Close()
				}
				return err
			}
			defer rt.close()

			files, err := seed.LoadDir(cfg.Engine.SeedDir)
			if err != nil {
				return err
			}
			tasks := seed.Tasks(files)
			if len(tasks) == 0 {
				return fmt.Errorf("no seed tasks found in %s", cfg.Engine.SeedDir)
			}
			for _, t := range tasks {
				if err := rt.store.Add(t); err != nil {
					return err
				}
				if persist != nil {
					if err := persist.SaveTask(ctx, t); err != nil {
						return err
					}
				}
			}
			if _, err := rt.store.ValidateGraph(); err != nil {
				return err
			}
			logger.Info("starting run", "tasks", len(tasks), "endpoints", rt.pool.Size())

			return runEngine(ctx, rt, useTUI)
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "show the interactive status display")
	cmd.Flags().StringVar(&seedDir, "seed-dir", "", "directory of YAML seed files (overrides config)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "SQLite snapshot path (overrides config)")
	return cmd
}
