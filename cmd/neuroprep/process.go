package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/runner"
	"github.com/neuroprep/neuroprep/internal/stages"
)

var processCmd = &cobra.Command{
	Use:   "process <input>",
	Short: "Preprocess a single scan",
	Long:  "Loads, processes and writes one input. Inputs may be paths or file:// references relative to --input-dir.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		input, err := stages.ResolveInput(args[0], cfg.Options.InputDir)
		if err != nil {
			return err
		}
		outputName, _ := cmd.Flags().GetString("output-name")

		ctx := cmd.Context()
		tel, shutdown, err := setupTelemetry(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdown()

		res := runner.New(cfg, tel).Run(ctx, input, outputName)
		printResult(os.Stdout, res)
		if res.Err != nil {
			return errRunsFailed
		}
		return nil
	},
}

func init() {
	processCmd.Flags().StringP("output-name", "n", "", "output base name (default <input>_preprocessed)")
	registerStageFlags(processCmd)
	rootCmd.AddCommand(processCmd)
}
