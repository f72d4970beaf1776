package main

import (
	"reflect"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/config"
)

// registerOptionFlags adds a persistent --flag for every field in config.Options,
// deriving the flag name from the yaml struct tag (snake_case → kebab-case).
func registerOptionFlags(cmd *cobra.Command) {
	t := reflect.TypeOf(config.Options{})
	for i := range t.NumField() {
		f := t.Field(i)
		yamlTag := f.Tag.Get("yaml")
		flagName := strings.ReplaceAll(yamlTag, "_", "-")
		cmd.PersistentFlags().StringP(flagName, f.Tag.Get("short"), "", "override "+yamlTag)
	}
}

// applyOptionFlags overlays CLI flag values onto the config. Only flags
// explicitly set by the user are applied.
func applyOptionFlags(cmd *cobra.Command, cfg *config.Config) {
	t := reflect.TypeOf(cfg.Options)
	v := reflect.ValueOf(&cfg.Options).Elem()
	for i := range t.NumField() {
		yamlTag := t.Field(i).Tag.Get("yaml")
		flagName := strings.ReplaceAll(yamlTag, "_", "-")
		if cmd.Flags().Changed(flagName) {
			val, _ := cmd.Flags().GetString(flagName)
			v.Field(i).SetString(val)
		}
	}
}

// stageFlags maps each --no-* toggle to the config switch it turns off.
var stageFlags = []struct {
	name  string
	usage string
	field func(*config.Config) *bool
}{
	{"no-validate", "skip input validation", func(c *config.Config) *bool { return &c.Stages.Validate }},
	{"no-skull-strip", "skip skull stripping", func(c *config.Config) *bool { return &c.Stages.SkullStrip }},
	{"no-bias-correction", "skip bias field correction", func(c *config.Config) *bool { return &c.Stages.BiasCorrection }},
	{"no-normalization", "skip intensity normalization", func(c *config.Config) *bool { return &c.Stages.Normalization }},
	{"no-compress", "write uncompressed output", func(c *config.Config) *bool { return &c.Output.Compress }},
	{"no-metadata", "do not write the metadata JSON", func(c *config.Config) *bool { return &c.Output.Metadata }},
	{"no-report", "do not write the processing report", func(c *config.Config) *bool { return &c.Output.Report }},
}

// registerStageFlags adds the --no-* pipeline toggles to a command.
func registerStageFlags(cmd *cobra.Command) {
	for _, f := range stageFlags {
		cmd.Flags().Bool(f.name, false, f.usage)
	}
}

// applyStageFlags turns off every switch whose --no-* flag was given.
func applyStageFlags(cmd *cobra.Command, cfg *config.Config) {
	for _, f := range stageFlags {
		if cmd.Flags().Lookup(f.name) == nil {
			continue
		}
		if off, _ := cmd.Flags().GetBool(f.name); off {
			*f.field(cfg) = false
		}
	}
}

// applyBatchFlags overlays --pattern and --concurrency on commands that
// define them.
func applyBatchFlags(cmd *cobra.Command, cfg *config.Config) {
	if f := cmd.Flags().Lookup("pattern"); f != nil && f.Changed {
		cfg.Batch.Pattern = f.Value.String()
	}
	if f := cmd.Flags().Lookup("concurrency"); f != nil && f.Changed {
		cfg.Batch.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
}
