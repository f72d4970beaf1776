package notify

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// DefaultTemplate is used when neither the notify section nor the target
// sets one.
const DefaultTemplate = `{{batch.status_emoji}} neuroprep on {{globals.hostname | default "unknown host"}}: ` +
	`{{batch.succeeded}}/{{batch.total}} scans preprocessed ({{batch.success_rate}}%) in {{batch.duration}}` +
	`{{range failures}}
- {{.input}}: {{.stage}} {{.error_type}}{{end}}`

// Failure describes one failed run in a batch summary.
type Failure struct {
	Input     string
	Stage     string
	ErrorType string
	Error     string
}

// Summary is the batch outcome a notification reports on.
type Summary struct {
	BatchID   string
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
	Failures  []Failure
}

// TemplateData holds all data available to notification templates.
type TemplateData struct {
	Globals  map[string]string
	Batch    map[string]string
	Failures []map[string]string
}

// BuildTemplateData constructs template data from a batch summary and config.
func BuildTemplateData(globals map[string]string, s Summary) TemplateData {
	if globals == nil {
		globals = map[string]string{}
	}

	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Succeeded) / float64(s.Total) * 100
	}
	status := batchStatus(s)
	batch := map[string]string{
		"id":           s.BatchID,
		"total":        strconv.Itoa(s.Total),
		"succeeded":    strconv.Itoa(s.Succeeded),
		"failed":       strconv.Itoa(s.Failed),
		"success_rate": strconv.FormatFloat(rate, 'f', 1, 64),
		"duration":     s.Duration.Round(time.Millisecond).String(),
		"status":       status,
		"status_emoji": statusEmoji(status),
	}

	failures := make([]map[string]string, len(s.Failures))
	for i, f := range s.Failures {
		failures[i] = map[string]string{
			"input":      f.Input,
			"stage":      f.Stage,
			"error_type": f.ErrorType,
			"error":      f.Error,
		}
	}

	return TemplateData{
		Globals:  globals,
		Batch:    batch,
		Failures: failures,
	}
}

func batchStatus(s Summary) string {
	switch {
	case s.Failed == 0:
		return "ok"
	case s.Succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

func statusEmoji(status string) string {
	switch status {
	case "failed":
		return "\U0001f534" // 🔴
	case "partial":
		return "\U0001f7e1" // 🟡
	case "ok":
		return "\U0001f7e2" // 🟢
	default:
		return "\u2753" // ❓
	}
}

// Render executes a Go text/template string with Sprig functions and the
// custom accessor functions (batch, globals, failures).
func Render(tmplStr string, data TemplateData) (string, error) {
	funcMap := sprig.TxtFuncMap()

	// Register accessor functions so {{batch.failed}} works:
	// "batch" returns the batch map, then ".failed" accesses a key.
	funcMap["batch"] = func() map[string]string { return data.Batch }
	funcMap["globals"] = func() map[string]string { return data.Globals }
	funcMap["failures"] = func() []map[string]string { return data.Failures }

	t, err := template.New("notify").Funcs(funcMap).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}

	return buf.String(), nil
}
