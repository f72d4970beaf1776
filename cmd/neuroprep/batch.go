package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/config"
	"github.com/neuroprep/neuroprep/internal/runner"
	"github.com/neuroprep/neuroprep/internal/stages"
	"github.com/neuroprep/neuroprep/internal/telemetry"
)

var batchCmd = &cobra.Command{
	Use:   "batch [dir]",
	Short: "Preprocess every matching scan in a directory",
	Long: "Runs the pipeline over every file in dir (default --input-dir) matching --pattern. " +
		"A failed scan never stops the batch. Use --dry-run to validate notification targets without sending.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir := cfg.Options.InputDir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			return fmt.Errorf("no input directory: pass one or set options.input_dir")
		}
		noProgress, _ := cmd.Flags().GetBool("no-progress")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		inputs, err := stages.FindInputs(dir, cfg.Batch.Pattern)
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			fmt.Printf("No files matching %q in %s\n", cfg.Batch.Pattern, dir)
			return nil
		}

		ctx := cmd.Context()
		tel, shutdown, err := setupTelemetry(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdown()

		// The bar shares stderr with the logs unless they go to a file.
		showProgress := !noProgress && cfg.Options.LogFile != "" && interactive()
		b, err := executeBatch(ctx, cfg, tel, inputs, showProgress, dryRun)
		if err != nil {
			return err
		}
		if b.Failed > 0 {
			return errRunsFailed
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringP("pattern", "p", "", `glob selecting inputs (default "*.nii*")`)
	batchCmd.Flags().IntP("concurrency", "j", 1, "number of scans processed at once")
	batchCmd.Flags().Bool("no-progress", false, "disable the progress bar (shown on a terminal when --log-file is set)")
	batchCmd.Flags().Bool("dry-run", false, "validate notification targets without sending")
	registerStageFlags(batchCmd)
	rootCmd.AddCommand(batchCmd)
}

// executeBatch runs one batch, prints its summary and sends the
// notification the config asks for. It is shared by batch and serve.
func executeBatch(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, inputs []string, showProgress, dryRun bool) (runner.BatchResult, error) {
	r := runner.New(cfg, tel)

	var b runner.BatchResult
	if showProgress {
		var err error
		if b, err = runBatchWithProgress(ctx, r, inputs); err != nil {
			return b, err
		}
	} else {
		b = r.RunBatch(ctx, inputs, runner.BatchHooks{
			OnDone: func(_ int, res runner.Result) { printResult(os.Stdout, res) },
		})
	}
	printBatchSummary(os.Stdout, b)

	n, err := r.Notify(ctx, b, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s notification: %v\n", styleWarn.Render("!"), err)
	}
	printNotify(os.Stdout, n)
	return b, nil
}
