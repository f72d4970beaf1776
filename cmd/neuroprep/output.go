package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/neuroprep/neuroprep/internal/runner"
)

var (
	colorOK    = lipgloss.Color("#2CD7C7")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorError = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#6C7A89")

	styleTitle = lipgloss.NewStyle().Bold(true)
	styleOK    = lipgloss.NewStyle().Foreground(colorOK)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn)
	styleError = lipgloss.NewStyle().Foreground(colorError)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
	styleBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

func printResult(w io.Writer, r runner.Result) {
	if r.Err != nil {
		fmt.Fprintf(w, "%s %s\n", styleError.Render("✗"), r.Input)
		fmt.Fprintf(w, "  Error (%s, %s): %s\n", r.ErrStage, r.ErrKind, r.Err)
		if r.RunID != "" {
			fmt.Fprintf(w, "  %s\n", styleMuted.Render("run "+r.RunID))
		}
		return
	}

	fmt.Fprintf(w, "%s %s %s\n", styleOK.Render("✓"), r.Input, styleMuted.Render(r.Duration.Round(time.Millisecond).String()))
	for _, sr := range r.Stages {
		fmt.Fprintf(w, "  %-8s %s\n", sr.Stage, styleMuted.Render(sr.Duration.Round(time.Millisecond).String()))
	}
	if r.Output != nil {
		fmt.Fprintf(w, "  Output: %s\n", r.Output.OutputPath)
		if len(r.Output.Files) > 1 {
			fmt.Fprintf(w, "  Files:  %s\n", strings.Join(r.Output.Files[1:], ", "))
		}
	}
	fmt.Fprintf(w, "  %s\n", styleMuted.Render("run "+r.RunID))
}

func printBatchSummary(w io.Writer, b runner.BatchResult) {
	rate := b.SuccessRate() * 100
	rateStyle := styleOK
	switch {
	case b.Failed == b.Total && b.Total > 0:
		rateStyle = styleError
	case b.Failed > 0:
		rateStyle = styleWarn
	}

	var sb strings.Builder
	sb.WriteString(styleTitle.Render("Batch "+b.BatchID) + "\n")
	fmt.Fprintf(&sb, "Total:        %d\n", b.Total)
	fmt.Fprintf(&sb, "Succeeded:    %s\n", styleOK.Render(fmt.Sprint(b.Succeeded)))
	fmt.Fprintf(&sb, "Failed:       %s\n", styleError.Render(fmt.Sprint(b.Failed)))
	fmt.Fprintf(&sb, "Success rate: %s\n", rateStyle.Render(fmt.Sprintf("%.1f%%", rate)))
	fmt.Fprintf(&sb, "Duration:     %s (avg %s)", b.Duration.Round(time.Millisecond), b.AverageDuration().Round(time.Millisecond))
	fmt.Fprintln(w, styleBox.Render(sb.String()))

	for _, r := range b.Results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s %s: %s %s\n", styleError.Render("✗"), r.Input, r.ErrStage, r.ErrKind)
		}
	}
}

func printNotify(w io.Writer, n runner.NotifyResult) {
	if n.Skipped || len(n.Notified) == 0 {
		return
	}
	label := "Notified"
	if n.DryRun {
		label = "Would notify"
	}
	fmt.Fprintf(w, "%s: %s\n", label, strings.Join(n.Notified, ", "))
}
