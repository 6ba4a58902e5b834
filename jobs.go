package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"telemetry-relay/internal/config"
	"telemetry-relay/internal/jobqueue"

	"github.com/spf13/cobra"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain the job queue",
	}
	cmd.AddCommand(newJobsStatsCmd(opts))
	cmd.AddCommand(newJobsCleanupCmd(opts))
	return cmd
}

func newJobsStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue]",
		Short: "Print job counts per status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			queue := cfg.Alarm.Queue
			if len(args) == 1 {
				queue = args[0]
			}
			stats, err := jobqueue.New(jobqueue.Config{Store: store}).Stats(ctx, queue)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newJobsCleanupCmd(opts *rootOptions) *cobra.Command {
	var (
		queue         string
		all           bool
		olderThanDays int
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed and failed jobs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			target, days := cleanupScope(cfg, queue, all, olderThanDays, cmd.Flags().Changed("older-than-days"))
			deleted, err := jobqueue.New(jobqueue.Config{Store: store}).Cleanup(ctx, target, days)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "Job cleanup finished", "queue", target, "all", all, "older_than_days", days, "deleted", deleted)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (defaults to alarm.queue)")
	cmd.Flags().BoolVar(&all, "all", false, "clean every queue")
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "retention in days (defaults to queue.retention_days)")
	cmd.MarkFlagsMutuallyExclusive("queue", "all")
	return cmd
}

// cleanupScope resolves the queue and retention for a cleanup run. An empty
// queue means every queue. An explicit retention of 0 is kept as is.
func cleanupScope(cfg config.Config, queue string, all bool, days int, daysSet bool) (string, int) {
	switch {
	case all:
		queue = ""
	case queue == "":
		queue = cfg.Alarm.Queue
	}
	if !daysSet {
		days = cfg.Queue.RetentionDays
	}
	return queue, days
}
