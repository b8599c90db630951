package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/email-extract/internal/monitoring"
	"github.com/sells-group/email-extract/internal/store"
)

var runsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report run health and send alerts",
	Long:  "Collects run metrics over the lookback window, lists runs stuck in running without a heartbeat, and posts any alerts to monitoring.webhook_url.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, alerts := newChecker(st).Check(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"snapshot": snap,
			"alerts":   alerts,
		})
	},
}

func newChecker(st store.Store) *monitoring.Checker {
	collector := monitoring.NewCollector(st, cfg.Extraction.StaleAfter())
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

// startChecker runs periodic alert checks until ctx ends when a webhook is
// configured.
func startChecker(ctx context.Context, st store.Store) {
	if cfg.Monitoring.WebhookURL == "" {
		return
	}
	go newChecker(st).Run(ctx)
}

func init() {
	runsCmd.AddCommand(runsCheckCmd)
}
