package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default neuroprep configuration",
	Long:  "Writes the default config to --config, or to the first default location (~/.config/neuroprep/config.yaml).",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultConfigPaths()[0]
		}
		force, _ := cmd.Flags().GetBool("force")

		cfg := config.Default()
		applyOptionFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(path, force); err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", styleOK.Render("✓"), path)
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
