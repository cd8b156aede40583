package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexhall/foreman/internal/persistence"
	"github.com/alexhall/foreman/internal/task"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var snapshot string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the task table from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if snapshot != "" {
				cfg.Engine.SnapshotPath = snapshot
			}
			if cfg.Engine.SnapshotPath == "" {
				return errors.New("status requires a snapshot path (flag --snapshot or engine.snapshot_path)")
			}

			store, err := persistence.NewSQLiteStore(ctx, cfg.Engine.SnapshotPath)
			if err != nil {
				return fmt.Errorf("opening snapshot store: %w", err)
			}
			defer store.Close()

			tasks, err := store.ListTasks(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}

			counts := make(map[task.Status]int)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tATTEMPTS\tACTIVATIONS\tERROR")
			for _, t := range tasks {
				counts[t.Status]++
				errMsg := ""
				if t.ErrorContext != nil {
					errMsg = t.ErrorContext.Message
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", t.ID, t.Status, t.Attempts, t.Reactivations+1, errMsg)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tasks: %d completed, %d skipped, %d pending\n",
				len(tasks),
				counts[task.StatusCompleted],
				counts[task.StatusSkipped],
				len(tasks)-counts[task.StatusCompleted]-counts[task.StatusSkipped])
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshot, "snapshot", "", "SQLite snapshot path (overrides config)")
	return cmd
}
