package runner

import (
	"time"

	"github.com/neuroprep/neuroprep/internal/stages"
)

// State is the lifecycle position of a run.
type State string

const (
	StateCreated    State = "created"
	StateLoading    State = "loading"
	StateProcessing State = "processing"
	StateWriting    State = "writing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status values used for the pipeline.status attribute and metric labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Result captures the outcome of running a single input through the pipeline.
// Errors are stored in Err/ErrStage rather than returned, so the caller always
// has something to display.
type Result struct {
	Input      string
	OutputName string
	RunID      string // trace id of the run's root span
	State      State
	Stages     []stages.StageResult
	Output     *stages.WriteResult
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Err        error
	ErrStage   string      // "load", "process", "write"
	ErrKind    stages.Kind // NotFoundError, ValidationError, ...
}

// Status is "success" or "failure".
func (r Result) Status() string {
	if r.Err != nil {
		return StatusFailure
	}
	return StatusSuccess
}

// record appends a finished stage. It reports whether the stage failed, in
// which case the run is marked failed.
func (r *Result) record(sr stages.StageResult, start time.Time, err error) bool {
	sr.Duration = time.Since(start)
	sr.Status = stages.StatusOK
	if err != nil {
		sr.Status = stages.StatusError
		sr.Err = err
		r.Err = err
		r.ErrStage = sr.Stage
		r.ErrKind = stages.KindOf(err)
		r.State = StateFailed
	}
	r.Stages = append(r.Stages, sr)
	return err != nil
}

// BatchResult summarises a batch. Results are in input order.
type BatchResult struct {
	BatchID   string
	Results   []Result
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// SuccessRate is the fraction of runs that succeeded, 0 for an empty batch.
func (b BatchResult) SuccessRate() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.Succeeded) / float64(b.Total)
}

// AverageDuration is the mean run duration.
func (b BatchResult) AverageDuration() time.Duration {
	if len(b.Results) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range b.Results {
		sum += r.Duration
	}
	return sum / time.Duration(len(b.Results))
}
