package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syphar/crates.io/internal/config"
	"github.com/syphar/crates.io/internal/jobs"
	"github.com/syphar/crates.io/internal/store"
)

// openStore loads config and connects a store for one-shot commands.
func openStore(ctx context.Context) (*store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return store.New(db), db.Close, nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <job_type> [payload-json]",
		Short: "Enqueue one job; the payload defaults to {}",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(`{}`)
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}

			reg, err := jobs.NewRegistry()
			if err != nil {
				return err
			}
			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			id, err := reg.EnqueueRaw(cmd.Context(), st, args[0], payload)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and requeue background jobs",
	}
	cmd.AddCommand(jobsListCmd(), jobsShowCmd(), jobsRequeueCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var filter store.ListJobsFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = store.Status(status)
			switch filter.Status {
			case "", store.StatusPending, store.StatusLocked, store.StatusRetryable, store.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}

			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			list, err := st.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, locked, retryable, failed)")
	cmd.Flags().StringVar(&filter.Queue, "queue", "", "filter by queue")
	cmd.Flags().StringVar(&filter.JobType, "type", "", "filter by job type")
	cmd.Flags().Uint64Var(&filter.Limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			j, err := st.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}

func jobsRequeueCmd() *cobra.Command {
	var attempts int32
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			j, err := st.RequeueJob(cmd.Context(), id, attempts)
			if err != nil {
				return err
			}
			slog.Info("job requeued", "job_id", j.ID, "job_type", j.JobType, "max_attempts", j.MaxAttempts)
			return nil
		},
	}
	cmd.Flags().Int32Var(&attempts, "attempts", 1, "additional executions to grant")
	return cmd
}

func printJobs(w io.Writer, list []*store.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tQUEUE\tPRIO\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR") //nolint:errcheck
	for _, j := range list {
		lastErr := ""
		if j.LastError != nil {
			lastErr = truncate(*j.LastError, 60)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d/%d\t%s\t%s\n", //nolint:errcheck
			j.ID, j.JobType, j.Queue, j.Priority, j.Status, j.Attempts, j.MaxAttempts,
			j.CreatedAt.UTC().Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
