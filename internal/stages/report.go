package stages

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

const reportTemplate = `{{ repeat 60 "=" }}
NEUROIMAGING PROCESSING REPORT
{{ repeat 60 "=" }}

Generated: {{ .Generated | date "2006-01-02 15:04:05" }}
Run ID:    {{ .RunID | default "n/a" }}

INPUT DATA:
  File:      {{ .Input.Filename }}
  Modality:  {{ .Input.Modality }}
  Shape:     {{ .Processing.InputShape }}
  Data type: {{ .Processing.InputDtype }}

PROCESSING STEPS:
{{- range $i, $name := .Processing.StepsCompleted }}
{{- $stats := index $.Processing.Steps $name }}
  {{ add1 $i }}. {{ $name | replace "_" " " | title }}
     Time: {{ index $stats "processing_time" | printf "%.3f" }}s
     Method: {{ index $stats "method" }}
{{- else }}
  (none)
{{- end }}

Total processing time: {{ printf "%.3f" .Processing.TotalProcessingTime }}s

{{ repeat 60 "=" }}
`

var reportTmpl = template.Must(template.New("report").Funcs(sprig.TxtFuncMap()).Parse(reportTemplate))

type reportData struct {
	Generated  time.Time
	RunID      string
	Input      InputMetadata
	Processing ProcessingStats
}

// RenderReport renders the human-readable processing summary.
func RenderReport(md Metadata) (string, error) {
	var buf bytes.Buffer
	err := reportTmpl.Execute(&buf, reportData{
		Generated:  md.Output.GeneratedTimestamp,
		RunID:      md.Output.RunID,
		Input:      md.Original,
		Processing: md.Processing,
	})
	if err != nil {
		return "", fmt.Errorf("executing report template: %w", err)
	}
	return buf.String(), nil
}
