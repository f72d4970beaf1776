package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/neuroprep/neuroprep/internal/stages"
)

// BatchHooks observe a batch as it progresses. Both are optional and may be
// called concurrently when the batch runs with concurrency > 1.
type BatchHooks struct {
	OnStart func(index int, input string)
	OnDone  func(index int, res Result)
}

// RunBatch runs every input and never stops at a failed run. With
// batch.concurrency > 1 independent runs overlap. Once ctx is cancelled no
// further runs are started; the remaining inputs are reported as failed.
func (r *Runner) RunBatch(ctx context.Context, inputs []string, hooks BatchHooks) BatchResult {
	start := time.Now()
	b := BatchResult{
		BatchID: uuid.NewString(),
		Results: make([]Result, len(inputs)),
		Total:   len(inputs),
	}
	limit := max(r.cfg.Batch.Concurrency, 1)
	log := r.tel.Logger().With("batch_id", b.BatchID)
	log.InfoContext(ctx, "batch started", "inputs", len(inputs), "concurrency", limit)

	names := outputNames(inputs)
	var g errgroup.Group
	g.SetLimit(limit)
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			b.Results[i] = skipped(input, names[i], err)
			if hooks.OnDone != nil {
				hooks.OnDone(i, b.Results[i])
			}
			continue
		}
		g.Go(func() error {
			if hooks.OnStart != nil {
				hooks.OnStart(i, input)
			}
			b.Results[i] = r.run(ctx, input, names[i], b.BatchID)
			if hooks.OnDone != nil {
				hooks.OnDone(i, b.Results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range b.Results {
		if res.Err != nil {
			b.Failed++
		} else {
			b.Succeeded++
		}
	}
	b.Duration = time.Since(start)

	log.InfoContext(ctx, "batch completed",
		"total", b.Total,
		"succeeded", b.Succeeded,
		"failed", b.Failed,
		"success_rate", b.SuccessRate(),
		"duration", b.Duration,
	)
	return b
}

func skipped(input, outputName string, err error) Result {
	return Result{
		Input:      input,
		OutputName: outputName,
		State:      StateFailed,
		Err:        &stages.Error{Kind: stages.KindStage, Err: fmt.Errorf("not started: %w", err)},
		ErrKind:    stages.KindStage,
	}
}

// outputNames derives an output name per input, suffixing repeats so that
// scan.nii and scan.nii.gz do not overwrite each other.
func outputNames(inputs []string) []string {
	names := make([]string, len(inputs))
	seen := make(map[string]int, len(inputs))
	for i, in := range inputs {
		name := stages.DefaultOutputName(in)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		names[i] = name
	}
	return names
}
