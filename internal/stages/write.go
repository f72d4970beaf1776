package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/volume"
)

// WriteOptions configures a Writer.
type WriteOptions struct {
	Format     volume.Format
	Compress   bool
	Metadata   bool
	Report     bool
	Simulation Simulation
}

// Target names where an output goes: Dir/Name plus a format extension.
type Target struct {
	Dir  string
	Name string
}

// Base is the output path without extension.
func (t Target) Base() string {
	return filepath.Join(t.Dir, t.Name)
}

// WriteResult describes what was written.
type WriteResult struct {
	OutputPath       string
	Files            []string
	MetadataPath     string
	ReportPath       string
	BytesWritten     int64
	CompressionRatio float64
}

// Writer persists processed volumes with their metadata and report.
type Writer struct {
	tel  *telemetry.Telemetry
	opts WriteOptions
}

// NewWriter returns a Writer reporting to tel.
func NewWriter(tel *telemetry.Telemetry, opts WriteOptions) *Writer {
	if opts.Format == "" {
		opts.Format = volume.FormatNIfTI
	}
	return &Writer{tel: tel, opts: opts}
}

// Write stores v at target. The artifact is written first, then the
// metadata record; if either fails the whole write fails. The report is
// best-effort.
func (w *Writer) Write(ctx context.Context, v *volume.Volume, target Target, md Metadata) (res *WriteResult, err error) {
	start := time.Now()
	outputPath := target.Base() + w.opts.Format.Extension(w.opts.Compress)
	ctx, span := w.tel.StartSpan(ctx, SpanWrite,
		attribute.String("output.path", outputPath),
		attribute.String("output.format", string(w.opts.Format)),
		attribute.Bool("compress", w.opts.Compress),
		attribute.Bool("write.artifact_written", false),
		attribute.Bool("write.metadata_written", false),
	)
	defer span.End()

	log := w.tel.Logger().With("stage", StageWrite, "output", outputPath)
	log.InfoContext(ctx, "writing output", "format", w.opts.Format, "compress", w.opts.Compress)
	defer func() { finish(ctx, w.tel, span, log, StageWrite, start, err) }()

	res, err = w.write(ctx, span, v, target, md)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "output written", "bytes", res.BytesWritten, "files", len(res.Files))
	return res, nil
}

func (w *Writer) write(ctx context.Context, span trace.Span, v *volume.Volume, target Target, md Metadata) (*WriteResult, error) {
	if err := os.MkdirAll(target.Dir, 0o755); err != nil {
		return nil, writeError(fmt.Errorf("creating output directory: %w", err))
	}

	delay := math.Min(0.2+float64(v.Bytes())/(50<<20), 3.0)
	if w.opts.Compress {
		delay *= 1.5
	}
	if err := w.opts.Simulation.delay(ctx, delay); err != nil {
		return nil, newError(StageWrite, KindStage, err)
	}

	written, err := volume.WriteFile(target.Base(), v, w.opts.Format, w.opts.Compress, "neuroprep "+md.Original.Filename)
	if err != nil {
		return nil, writeError(fmt.Errorf("writing volume: %w", err))
	}

	res := &WriteResult{
		OutputPath:       written.Paths[0],
		Files:            written.Paths,
		BytesWritten:     written.Bytes,
		CompressionRatio: 1,
	}
	if written.Bytes > 0 {
		res.CompressionRatio = float64(v.Bytes()) / float64(written.Bytes)
	}
	span.SetAttributes(
		attribute.Bool("write.artifact_written", true),
		attribute.Float64("output.size_kb", float64(written.Bytes)/1024),
		attribute.Float64("output.compression_ratio", res.CompressionRatio),
	)
	format := attribute.String("format", string(w.opts.Format))
	w.tel.RecordCounter(ctx, telemetry.MetricWriteArtifacts, 1, format)
	w.tel.RecordHistogram(ctx, telemetry.MetricCompressionRatio, res.CompressionRatio, format)

	md.Output = OutputMetadata{
		Format:             string(w.opts.Format),
		Compressed:         w.opts.Compress,
		Files:              written.Paths,
		GeneratedTimestamp: time.Now().UTC(),
		RunID:              telemetry.TraceID(ctx),
	}

	if w.opts.Metadata {
		path := target.Base() + ".json"
		n, err := writeJSON(path, md)
		if err != nil {
			return nil, writeError(fmt.Errorf("writing metadata: %w", err))
		}
		res.MetadataPath = path
		res.Files = append(res.Files, path)
		res.BytesWritten += n
		span.SetAttributes(attribute.Bool("write.metadata_written", true))
	}

	if w.opts.Report && len(md.Processing.StepsCompleted) > 0 {
		path := target.Base() + ".report.txt"
		if err := writeReport(path, md); err != nil {
			span.AddEvent("report_failed", trace.WithAttributes(attribute.String("error", err.Error())))
			w.tel.Logger().WarnContext(ctx, "could not write processing report", "path", path, "error", err)
		} else {
			res.ReportPath = path
			res.Files = append(res.Files, path)
		}
	}

	return res, nil
}

func writeJSON(path string, v any) (int64, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func writeReport(path string, md Metadata) error {
	text, err := RenderReport(md)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), 0o644)
}

// writeError classifies output failures: permission problems are
// PermissionError, everything else is IOError.
func writeError(err error) *Error {
	if errors.Is(err, fs.ErrPermission) {
		return newError(StageWrite, KindPermission, err)
	}
	return newError(StageWrite, KindIO, err)
}
