package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/email-extract/internal/orchestrator"
)

var (
	startCollection string
	startModel      string
	startPrompt     string
	startSample     int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an extraction run over an email collection",
	Long:  "Creates a new versioned run for the collection and processes it in waves sized by the model's provider limit. Interrupting the command leaves the run resumable.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initExtractor(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		req := orchestrator.StartRequest{
			CollectionID: startCollection,
			ModelID:      startModel,
			PromptID:     startPrompt,
		}
		if req.ModelID == "" {
			req.ModelID = cfg.Extraction.DefaultModel
		}
		if cmd.Flags().Changed("sample") {
			req.SampleSize = &startSample
		}

		result, err := env.Manager.StartRun(ctx, req)
		if err != nil {
			return eris.Wrap(err, "start run")
		}
		return printResult(os.Stdout, result)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted, cancelled, or failed run",
	Long:  "Continues a run under the same id. Emails that already have an outcome are skipped and the population committed at first dispatch is reused.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initExtractor(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Manager.ResumeRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "resume run")
		}
		return printResult(os.Stdout, result)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running run",
	Long:  "Marks the run cancelled. Its executor stops before the next wave; items already in flight are still recorded.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := newControlManager(st).Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "cancel run")
		}
		zap.L().Info("run cancelled", zap.String("run_id", args[0]))
		return nil
	},
}

func printResult(w io.Writer, result *orchestrator.Result) error {
	zap.L().Info("run finished",
		zap.String("run_id", result.Run.ID),
		zap.String("status", string(result.Run.Status)),
		zap.Int("emails_processed", result.Run.Counters.EmailsProcessed),
		zap.Int("target_total", result.Run.TargetTotal),
	)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func init() {
	startCmd.Flags().StringVar(&startCollection, "collection", "", "email collection id (required)")
	startCmd.Flags().StringVar(&startPrompt, "prompt", "", "prompt id (required)")
	startCmd.Flags().StringVar(&startModel, "model", "", "model id (default from extraction.default_model)")
	startCmd.Flags().IntVar(&startSample, "sample", 0, "process a random sample of this many emails")
	_ = startCmd.MarkFlagRequired("collection")
	_ = startCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
}
