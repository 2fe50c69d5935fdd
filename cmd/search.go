package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

var (
	searchVertical string
	searchCity     string
	searchState    string
	searchTarget   int
	searchMinScore int
	searchOutput   string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run one search through the full pipeline and print ranked leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		query := model.SearchQuery{
			Vertical:   searchVertical,
			Geo:        model.Geo{City: searchCity, State: searchState},
			ResultSize: model.ResultSize{Target: searchTarget},
			Output:     searchOutput,
		}

		job, err := env.Store.CreateSearchJob(ctx, query)
		if err != nil {
			return eris.Wrap(err, "create search job")
		}
		zap.L().Info("search job created", zap.String("id", job.ID))

		// The search stage runs inline; the enrich and score jobs it
		// enqueues are drained afterwards, stage by stage.
		if err := env.Search.Run(ctx, job.ID, query); err != nil {
			return eris.Wrap(err, "search stage")
		}
		if err := drainQueue(ctx, env, queue.QueueEnrich, env.Enrich.Handle); err != nil {
			return err
		}
		if err := drainQueue(ctx, env, queue.QueueScore, env.Score.Handle); err != nil {
			return err
		}

		leads, err := env.Store.ListLeads(ctx, job.ID, store.LeadFilter{MinScore: searchMinScore})
		if err != nil {
			return eris.Wrap(err, "list leads")
		}

		if searchOutput != "" {
			if err := writeLeads(searchOutput, leads); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %d leads to %s\n", len(leads), searchOutput)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(leads)
	},
}

// drainQueue claims and processes jobs until the queue is empty. Failures
// are final here: a one-shot run has no worker around to retry them.
func drainQueue(ctx context.Context, env *pipelineEnv, queueName string, handler queue.Handler) error {
	for {
		job, err := env.Store.Claim(ctx, queueName, time.Minute)
		if err != nil {
			return eris.Wrapf(err, "claim from %s", queueName)
		}
		if job == nil {
			return nil
		}

		if err := handler(ctx, job); err != nil {
			zap.L().Warn("job failed", zap.String("queue", queueName), zap.String("job_id", job.ID), zap.Error(err))
			if fErr := env.Store.MarkFailed(ctx, job.ID, err.Error()); fErr != nil {
				return eris.Wrapf(fErr, "mark failed in %s", queueName)
			}
			continue
		}
		if err := env.Store.Complete(ctx, job.ID); err != nil {
			return eris.Wrapf(err, "complete in %s", queueName)
		}
	}
}

func init() {
	searchCmd.Flags().StringVar(&searchVertical, "vertical", "", "business vertical to search for (required)")
	searchCmd.Flags().StringVar(&searchCity, "city", "", "city to search in")
	searchCmd.Flags().StringVar(&searchState, "state", "", "state to search in")
	searchCmd.Flags().IntVar(&searchTarget, "target", 20, "number of leads to find")
	searchCmd.Flags().IntVar(&searchMinScore, "min-score", 0, "only include leads at or above this score")
	searchCmd.Flags().StringVar(&searchOutput, "output", "", "write leads to a .xlsx or .csv file instead of stdout")
	_ = searchCmd.MarkFlagRequired("vertical")
	rootCmd.AddCommand(searchCmd)
}
