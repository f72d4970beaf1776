package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/neuroprep/neuroprep/internal/stages"
	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/volume"
)

var infoCmd = &cobra.Command{
	Use:   "info <input>",
	Short: "Show what the loader sees in an input",
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

		tc := telemetry.DefaultConfig()
		tc.ServiceName = cfg.Options.ServiceName
		tc.Disabled = true
		tc.LogWriter = io.Discard
		tel, err := telemetry.Init(cmd.Context(), tc)
		if err != nil {
			return err
		}
		defer func() { _ = tel.Shutdown(cmd.Context()) }()

		res, err := stages.NewLoader(tel, stages.LoadOptions{Validate: true}).Load(cmd.Context(), input)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Metadata stages.InputMetadata `json:"metadata"`
				Stats    volume.Stats         `json:"stats"`
			}{res.Metadata, res.Volume.Stats()})
		}
		printInfo(os.Stdout, res)
		return nil
	},
}

func init() {
	infoCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(infoCmd)
}

func printInfo(w io.Writer, res *stages.LoadResult) {
	m := res.Metadata
	s := res.Volume.Stats()
	fmt.Fprintln(w, styleTitle.Render(m.Filename))
	fmt.Fprintf(w, "  Format:     %s (%s)\n", m.Format, m.Source)
	fmt.Fprintf(w, "  Modality:   %s\n", m.Modality)
	fmt.Fprintf(w, "  Size:       %d bytes\n", m.SizeBytes)
	fmt.Fprintf(w, "  Shape:      %s (%d voxels)\n", m.Shape, res.Shape.Voxels())
	if res.Header != nil {
		fmt.Fprintf(w, "  Datatype:   %s\n", res.Header.DatatypeName())
		if d := res.Header.Description(); d != "" {
			fmt.Fprintf(w, "  Descrip:    %s\n", d)
		}
	}
	fmt.Fprintf(w, "  Subject:    %s %s\n", m.PatientID, m.Session)
	fmt.Fprintf(w, "  Intensity:  min %.3f max %.3f mean %.3f std %.3f\n", s.Min, s.Max, s.Mean, s.Std)
	fmt.Fprintf(w, "  Non-zero:   %d\n", s.NonZero)
}
