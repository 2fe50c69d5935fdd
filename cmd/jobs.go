package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect search jobs and queue state",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List search jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListSearchJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No search jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <search-id>",
	Short: "Show full details of a search job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetSearchJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs queues --

var jobsQueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show pending and running counts per stage queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		formatQueueDepths(ctx, os.Stdout, st)
		return nil
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <search-id>",
	Short: "Cancel a queued or running search job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.CancelSearchJob(ctx, args[0]); err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Fprintf(os.Stderr, "Cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (queued, running, completed, failed, cancelled)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsQueuesCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of search jobs to out.
func formatJobsList(out io.Writer, jobs []model.SearchJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUERY\tSTATUS\tPROGRESS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t--------\t-------")

	for _, j := range jobs {
		query := j.Query.Vertical
		if j.Query.Geo.City != "" {
			query = fmt.Sprintf("%s in %s, %s", j.Query.Vertical, j.Query.Geo.City, j.Query.Geo.State)
		}
		if len(query) > 40 {
			query = query[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID,
			query,
			j.Status,
			j.Processed, j.TotalFound,
			j.CreatedAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

// formatQueueDepths writes per-queue backlog counts to out.
func formatQueueDepths(ctx context.Context, out io.Writer, st store.Store) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "QUEUE\tBACKLOG")
	_, _ = fmt.Fprintln(w, "-----\t-------")

	for _, q := range []string{queue.QueueSearch, queue.QueueEnrich, queue.QueueScore} {
		depth, err := st.QueueDepth(ctx, q)
		if err != nil {
			_, _ = fmt.Fprintf(w, "%s\terror: %v\n", q, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", q, depth)
	}
	_ = w.Flush()
}
