package stages

import "time"

// Metadata is the machine-readable record written next to every output.
type Metadata struct {
	Original   InputMetadata   `json:"original_metadata"`
	Processing ProcessingStats `json:"processing_statistics"`
	Output     OutputMetadata  `json:"output_metadata"`
}

// ProcessingStats summarises the process stage.
type ProcessingStats struct {
	InputShape          string                    `json:"input_shape"`
	InputDtype          string                    `json:"input_dtype"`
	StepsCompleted      []string                  `json:"steps_completed"`
	Steps               map[string]map[string]any `json:"steps"`
	TotalProcessingTime float64                   `json:"total_processing_time"`
}

// OutputMetadata is filled in by the write stage.
type OutputMetadata struct {
	Format             string    `json:"format"`
	Compressed         bool      `json:"compressed"`
	Files              []string  `json:"files"`
	GeneratedTimestamp time.Time `json:"generated_timestamp"`
	RunID              string    `json:"run_id,omitempty"`
}

// BuildMetadata assembles the metadata record for a loaded and processed input.
func BuildMetadata(load *LoadResult, proc *ProcessResult) Metadata {
	md := Metadata{
		Original: load.Metadata,
		Processing: ProcessingStats{
			InputShape:     load.Shape.String(),
			InputDtype:     "float32",
			StepsCompleted: []string{},
			Steps:          map[string]map[string]any{},
		},
	}
	if proc != nil {
		for _, s := range proc.Steps {
			md.Processing.StepsCompleted = append(md.Processing.StepsCompleted, s.Name)
			md.Processing.Steps[s.Name] = s.Stats
		}
		md.Processing.TotalProcessingTime = proc.Total.Seconds()
	}
	return md
}
