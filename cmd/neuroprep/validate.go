package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/runner"
	"github.com/neuroprep/neuroprep/internal/telemetry"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and notification targets without processing anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Println(styleOK.Render("✓") + " config")

		if cfg.Serve.Interval != "" || cfg.Serve.Cron != "" || cfg.Serve.Watch {
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			fmt.Println(styleOK.Render("✓") + " serve")
		}

		if len(cfg.Notify.Targets) == 0 {
			return nil
		}
		tc := cfg.TelemetryConfig()
		tc.Disabled = true
		tc.LogWriter = io.Discard
		tel, err := telemetry.Init(cmd.Context(), tc)
		if err != nil {
			return err
		}
		defer func() { _ = tel.Shutdown(cmd.Context()) }()

		n, err := runner.New(cfg, tel).Notify(cmd.Context(), runner.BatchResult{BatchID: "validate"}, true)
		if err != nil {
			return err
		}
		for _, name := range n.Notified {
			fmt.Println(styleOK.Render("✓") + " notify " + name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
