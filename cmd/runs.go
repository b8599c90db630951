package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect extraction runs",
	Long:  "Commands for listing runs and viewing their outcomes and extracted transactions.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		collection, _ := cmd.Flags().GetString("collection")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:       model.RunStatus(status),
			CollectionID: collection,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs outcomes --

var runsOutcomesCmd = &cobra.Command{
	Use:   "outcomes <run-id>",
	Short: "List per-email outcomes of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		outcomes, err := st.ListOutcomes(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs outcomes")
		}
		formatOutcomes(os.Stdout, outcomes)
		return nil
	},
}

// -- runs transactions --

var runsTransactionsCmd = &cobra.Command{
	Use:   "transactions <run-id>",
	Short: "Print the transactions a run extracted as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		txs, err := st.ListTransactions(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs transactions")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(txs)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		collection, _ := cmd.Flags().GetString("collection")
		runs, err := st.ListRuns(ctx, store.RunFilter{
			CollectionID: collection,
			Limit:        10000, // high limit for stats
		})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, completed, cancelled, failed)")
	runsListCmd.Flags().String("collection", "", "filter by collection id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().String("collection", "", "restrict stats to one collection")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsOutcomesCmd)
	runsCmd.AddCommand(runsTransactionsCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total        int
	Completed    int
	Running      int
	Cancelled    int
	Failed       int
	Emails       int
	Transactions int
	Errors       int
	CostUSD      float64
	AvgDurSecs   float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
			if r.CompletedAt != nil {
				totalDur += r.CompletedAt.Sub(r.StartedAt)
				durCount++
			}
		case model.RunStatusRunning:
			s.Running++
		case model.RunStatusCancelled:
			s.Cancelled++
		case model.RunStatusFailed:
			s.Failed++
		}
		s.Emails += r.Counters.EmailsProcessed
		s.Transactions += r.Counters.TransactionsCreated
		s.Errors += r.Counters.ErrorCount
		s.CostUSD += r.CostUSD
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOLLECTION\tVER\tMODEL\tSTATUS\tPROGRESS\tTXNS\tERRORS\tSTARTED")
	_, _ = fmt.Fprintln(w, "--\t----------\t---\t-----\t------\t--------\t----\t------\t-------")

	for _, r := range runs {
		collection := r.CollectionID
		if len(collection) > 30 {
			collection = collection[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			truncateID(r.ID),
			collection,
			r.Version,
			r.ModelID,
			r.Status,
			r.Counters.EmailsProcessed, r.TargetTotal,
			r.Counters.TransactionsCreated,
			r.Counters.ErrorCount,
			r.StartedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatOutcomes writes one line per item outcome to w.
func formatOutcomes(out io.Writer, outcomes []model.ItemOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EMAIL\tSTATUS\tTXNS\tERROR\tDURATION\tCOST")
	_, _ = fmt.Fprintln(w, "-----\t------\t----\t-----\t--------\t----")

	for _, o := range outcomes {
		errText := ""
		if o.Status == model.OutcomeFailed {
			errText = string(o.ErrorKind)
			if o.ErrorMessage != "" {
				msg := o.ErrorMessage
				if len(msg) > 40 {
					msg = msg[:37] + "..."
				}
				errText += ": " + msg
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t$%.4f\n",
			o.EmailID,
			o.Status,
			len(o.TransactionIDs),
			errText,
			(time.Duration(o.DurationMs) * time.Millisecond).String(),
			o.CostUSD,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Emails processed:\t%d\n", s.Emails)
	_, _ = fmt.Fprintf(w, "Transactions:\t%d\n", s.Transactions)
	_, _ = fmt.Fprintf(w, "Item errors:\t%d\n", s.Errors)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.2f\n", s.CostUSD)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
