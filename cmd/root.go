package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/email-extract/internal/config"
	"github.com/sells-group/email-extract/internal/cost"
)

var (
	cfg *config.Config
	// catalog is shared by every command in the process and is refreshed in
	// place when config.yaml changes.
	catalog = cost.NewCatalog(cost.DefaultModels(), cost.DefaultProviders())
)

var rootCmd = &cobra.Command{
	Use:   "email-extract",
	Short: "LLM extraction runs over email collections",
	Long:  "Runs a prompt and model over an email collection, extracts financial transactions into canonical records, and tracks each run so it can be cancelled and resumed.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadAndWatch(func(next *config.Config) {
			catalog.Replace(next.CatalogTables())
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		catalog.Replace(cfg.CatalogTables())

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
