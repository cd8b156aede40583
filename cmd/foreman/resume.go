package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexhall/foreman/internal/persistence"
	"github.com/alexhall/foreman/internal/task"
)

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		useTUI   bool
		snapshot string
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted run from its snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.logger()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if snapshot != "" {
				cfg.Engine.SnapshotPath = snapshot
			}
			if cfg.Engine.SnapshotPath == "" {
				return errors.New("resume requires a snapshot path (flag --snapshot or engine.snapshot_path)")
			}

			persist, err := persistence.NewSQLiteStore(ctx, cfg.Engine.SnapshotPath)
			if err != nil {
				return fmt.Errorf("opening snapshot store: %w", err)
			}

			rt, err := buildRuntime(cfg, logger, persist)
			if err != nil {
				persist.Close()
				return err
			}
			defer rt.close()

			tasks, err := persist.ListTasks(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				return fmt.Errorf("snapshot %s holds no tasks", cfg.Engine.SnapshotPath)
			}
			requeued := 0
			for _, t := range tasks {
				if t.Status == task.StatusInProgress {
					// The dispatch died with the previous run; requeue it.
					t.Status = task.StatusNew
					requeued++
				}
				if err := rt.store.Add(t); err != nil {
					return err
				}
			}
			if _, err := rt.store.ValidateGraph(); err != nil {
				return err
			}

			records, err := persist.LoadPhaseHistory(ctx, 128)
			if err != nil {
				return err
			}
			for _, rec := range records {
				rt.history.Record(rec.Phase, rec.Outcome)
			}

			states, err := persist.LoadLoopStates(ctx)
			if err != nil {
				return err
			}
			for _, snap := range states {
				rt.guard.Restore(snap)
			}

			logger.Info("resuming run",
				"tasks", len(tasks),
				"requeued", requeued,
				"history", len(records),
				"loop_states", len(states))

			return runEngine(ctx, rt, useTUI)
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "show the interactive status display")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "SQLite snapshot path (overrides config)")
	return cmd
}
