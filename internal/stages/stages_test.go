package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/telemetry/telemetrytest"
	"github.com/neuroprep/neuroprep/internal/volume"
)

func writeInput(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := bytes.Repeat([]byte("neuroprep"), size/9+1)[:size]
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func smallVolume() *volume.Volume {
	return volume.Synthesize(volume.Shape{20, 16, 12}, 11)
}

func TestLoad_SynthesizesFromContent(t *testing.T) {
	h := telemetrytest.New(t)
	path := writeInput(t, t.TempDir(), "sub-01_T1w.nii", 5<<20)

	l := NewLoader(h.Telemetry, LoadOptions{Validate: true})
	res, err := l.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, volume.Shape{128, 128, 100}, res.Shape)
	assert.Equal(t, "nifti", res.Format)
	assert.Equal(t, int64(5<<20), res.SizeBytes)
	assert.Equal(t, "T1", res.Metadata.Modality)
	assert.Equal(t, "synthetic", res.Metadata.Source)
	assert.Regexp(t, `^SUB-\d{4}$`, res.Metadata.PatientID)

	load := h.Span(t, SpanLoad)
	validate := h.Span(t, SpanValidate)
	assert.Equal(t, load.SpanContext().SpanID(), validate.Parent().SpanID())
	assert.Equal(t, codes.Ok, load.Status().Code)
	assert.Equal(t, codes.Ok, validate.Status().Code)

	format := attribute.String("format", "nifti")
	assert.Equal(t, uint64(1), h.HistogramCount(t, telemetry.MetricLoadFileSize, format))
	assert.Equal(t, uint64(1), h.HistogramCount(t, telemetry.MetricStageDuration, attribute.String("stage", StageLoad)))
}

func TestLoad_SameContentSameVolume(t *testing.T) {
	h := telemetrytest.New(t)
	path := writeInput(t, t.TempDir(), "scan.mgz", 1<<20)
	l := NewLoader(h.Telemetry, LoadOptions{Validate: true})

	a, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	b, err := l.Load(context.Background(), path)
	require.NoError(t, err)

	assert.True(t, a.Volume.Equal(b.Volume))
	assert.Equal(t, a.Metadata.PatientID, b.Metadata.PatientID)
}

func TestLoad_DecodesNIfTI(t *testing.T) {
	h := telemetrytest.New(t)
	dir := t.TempDir()
	v := smallVolume()
	w, err := volume.WriteFile(filepath.Join(dir, "real"), v, volume.FormatNIfTI, true, "")
	require.NoError(t, err)

	res, err := NewLoader(h.Telemetry, LoadOptions{Validate: true}).Load(context.Background(), w.Paths[0])
	require.NoError(t, err)
	assert.Equal(t, "decoded", res.Metadata.Source)
	assert.True(t, v.Equal(res.Volume))
	require.NotNil(t, res.Header)
}

func TestLoad_Missing(t *testing.T) {
	h := telemetrytest.New(t)
	path := filepath.Join(t.TempDir(), "missing.nii")

	_, err := NewLoader(h.Telemetry, LoadOptions{Validate: true}).Load(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, StageLoad, StageOf(err))

	load := h.Span(t, SpanLoad)
	assert.Equal(t, codes.Error, load.Status().Code)
	assert.Empty(t, h.Ended(SpanValidate))

	errs := h.LogsAt(t, "ERROR")
	require.Len(t, errs, 1)
	assert.Equal(t, "NotFoundError", errs[0]["error_type"])
	assert.Contains(t, errs[0]["error"], "NotFoundError")
	assert.Equal(t, load.SpanContext().TraceID().String(), errs[0]["trace_id"])
}

func TestLoad_ValidationErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"unsupported extension", writeInput(t, dir, "scan.png", 100)},
		{"empty file", writeInput(t, dir, "empty.nii", 0)},
		{"directory", func() string {
			p := filepath.Join(dir, "folder.nii")
			require.NoError(t, os.Mkdir(p, 0o755))
			return p
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := telemetrytest.New(t)
			_, err := NewLoader(h.Telemetry, LoadOptions{Validate: true}).Load(context.Background(), tt.path)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestLoad_FailureInjection(t *testing.T) {
	h := telemetrytest.New(t)
	path := writeInput(t, t.TempDir(), "scan.nii", 1024)

	always := NewLoader(h.Telemetry, LoadOptions{Validate: true, Simulation: Simulation{FailureRate: 1}})
	_, err := always.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "simulated")

	skipped := NewLoader(h.Telemetry, LoadOptions{Validate: false, Simulation: Simulation{FailureRate: 1}})
	_, err = skipped.Load(context.Background(), path)
	assert.NoError(t, err)
}

func TestLoad_Cancelled(t *testing.T) {
	h := telemetrytest.New(t)
	path := writeInput(t, t.TempDir(), "scan.nii", 1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewLoader(h.Telemetry, LoadOptions{Simulation: Simulation{LatencyScale: 1}})
	_, err := l.Load(ctx, path)
	assert.ErrorIs(t, err, ErrStage)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcess_AllSteps(t *testing.T) {
	h := telemetrytest.New(t)
	in := smallVolume()
	orig := in.Clone()

	res, err := NewProcessor(h.Telemetry, Simulation{}).Process(context.Background(), in, AllSteps())
	require.NoError(t, err)

	assert.True(t, in.Equal(orig), "input volume was modified")
	require.Len(t, res.Steps, 3)
	assert.Equal(t, []string{StepSkullStrip, StepBiasCorrection, StepNormalization},
		[]string{res.Steps[0].Name, res.Steps[1].Name, res.Steps[2].Name})
	assert.Equal(t, "simulated_BET", res.Steps[0].Method)

	st := res.Volume.Stats()
	assert.InDelta(t, 0, st.Min, 1e-3)
	assert.InDelta(t, 100, st.Max, 1e-3)

	process := h.Span(t, SpanProcess)
	for _, name := range []string{StepSkullStrip, StepBiasCorrection, StepNormalization} {
		s := h.Span(t, name)
		assert.Equal(t, process.SpanContext().SpanID(), s.Parent().SpanID(), name)
		assert.Equal(t, codes.Ok, s.Status().Code, name)
		assert.Equal(t, uint64(1), h.HistogramCount(t, telemetry.MetricStepDuration, attribute.String("step", name)))
	}
	steps, _ := spanAttr(process, "processing.steps")
	assert.Equal(t, int64(3), steps.AsInt64())
	assert.Equal(t, int64(len(in.Data)), h.Counter(t, telemetry.MetricVoxelsProcessed))
}

func TestProcess_NoStepsReturnsInputUnchanged(t *testing.T) {
	h := telemetrytest.New(t)
	in := smallVolume()
	orig := in.Clone()

	res, err := NewProcessor(h.Telemetry, Simulation{}).Process(context.Background(), in, Steps{})
	require.NoError(t, err)

	assert.Same(t, in, res.Volume)
	assert.True(t, orig.Equal(res.Volume))
	assert.Empty(t, res.Steps)

	process := h.Span(t, SpanProcess)
	steps, _ := spanAttr(process, "processing.steps")
	assert.Equal(t, int64(0), steps.AsInt64())
	assert.Len(t, h.Ended(""), 1)
}

func TestProcess_SkipsDisabledSteps(t *testing.T) {
	h := telemetrytest.New(t)

	res, err := NewProcessor(h.Telemetry, Simulation{}).Process(context.Background(), smallVolume(),
		Steps{SkullStrip: true, Normalization: true})
	require.NoError(t, err)

	require.Len(t, res.Steps, 2)
	assert.Equal(t, StepSkullStrip, res.Steps[0].Name)
	assert.Equal(t, StepNormalization, res.Steps[1].Name)
	assert.Empty(t, h.Ended(StepBiasCorrection))
}

func TestProcess_AbortsOnFirstFailure(t *testing.T) {
	h := telemetrytest.New(t)
	in := smallVolume()
	in.Data[in.Index(10, 8, 6)] = float32(math.NaN())

	_, err := NewProcessor(h.Telemetry, Simulation{}).Process(context.Background(), in, AllSteps())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStage)
	assert.ErrorIs(t, err, volume.ErrNonFinite)

	assert.Equal(t, codes.Error, h.Span(t, StepSkullStrip).Status().Code)
	assert.Equal(t, codes.Error, h.Span(t, SpanProcess).Status().Code)
	assert.Empty(t, h.Ended(StepBiasCorrection))
	assert.Empty(t, h.Ended(StepNormalization))
}

func TestSkullStrip_KeepsCentre(t *testing.T) {
	v := volume.New(volume.Shape{10, 10, 10})
	for i := range v.Data {
		v.Data[i] = 1
	}
	stats := skullStrip(v)

	assert.Equal(t, float32(1), v.Data[v.Index(5, 5, 5)])
	assert.Equal(t, float32(0), v.Data[v.Index(0, 0, 0)])
	assert.Equal(t, 1000, stats["voxels_removed"].(int)+stats["voxels_retained"].(int))
}

func TestBiasCorrect_DividesByField(t *testing.T) {
	v := volume.New(volume.Shape{3, 3, 1})
	for i := range v.Data {
		v.Data[i] = 100
	}
	biasCorrect(v)

	// x=0, y=0: field = 1 + 0 + 0.15
	assert.InDelta(t, 100/1.15, v.Data[v.Index(0, 0, 0)], 1e-3)
	// x=1 (mid), y=2 (end): field = 1 + 0.2 - 0.15
	assert.InDelta(t, 100/1.05, v.Data[v.Index(1, 2, 0)], 1e-3)
}

func newWriter(h *telemetrytest.Harness, report bool) *Writer {
	return NewWriter(h.Telemetry, WriteOptions{
		Format:   volume.FormatNIfTI,
		Compress: true,
		Metadata: true,
		Report:   report,
	})
}

func testMetadata() Metadata {
	return Metadata{
		Original: InputMetadata{Filename: "scan.nii", Modality: "T1", Shape: "20x16x12"},
		Processing: ProcessingStats{
			InputShape:     "20x16x12",
			InputDtype:     "float32",
			StepsCompleted: []string{StepSkullStrip},
			Steps: map[string]map[string]any{
				StepSkullStrip: {"method": "simulated_BET", "processing_time": 0.5},
			},
			TotalProcessingTime: 0.5,
		},
	}
}

func TestWrite_AllArtifacts(t *testing.T) {
	h := telemetrytest.New(t)
	dir := filepath.Join(t.TempDir(), "out")

	// A zero-filled volume keeps the compression ratio predictable.
	v := volume.New(volume.Shape{20, 16, 12})
	res, err := newWriter(h, true).Write(context.Background(), v, Target{Dir: dir, Name: "scan_preprocessed"}, testMetadata())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "scan_preprocessed.nii.gz"), res.OutputPath)
	assert.Equal(t, filepath.Join(dir, "scan_preprocessed.json"), res.MetadataPath)
	assert.Equal(t, filepath.Join(dir, "scan_preprocessed.report.txt"), res.ReportPath)
	assert.Greater(t, res.CompressionRatio, 1.0)
	for _, f := range res.Files {
		assert.FileExists(t, f)
	}

	raw, err := os.ReadFile(res.MetadataPath)
	require.NoError(t, err)
	var md map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &md))
	assert.Equal(t, "scan.nii", md["original_metadata"]["filename"])
	assert.Equal(t, "nifti", md["output_metadata"]["format"])
	assert.Equal(t, true, md["output_metadata"]["compressed"])
	assert.Contains(t, md, "processing_statistics")

	report, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(report), "NEUROIMAGING PROCESSING REPORT")
	assert.Contains(t, string(report), "1. Skull Strip")
	assert.Contains(t, string(report), "Method: simulated_BET")

	span := h.Span(t, SpanWrite)
	assert.Equal(t, codes.Ok, span.Status().Code)
	for _, key := range []string{"write.artifact_written", "write.metadata_written", "compress"} {
		v, ok := spanAttr(span, key)
		assert.True(t, ok && v.AsBool(), key)
	}
	assert.Equal(t, int64(1), h.Counter(t, telemetry.MetricWriteArtifacts, attribute.String("format", "nifti")))
}

func TestWrite_DestinationUnderRegularFile(t *testing.T) {
	h := telemetrytest.New(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := newWriter(h, true).Write(context.Background(), smallVolume(), Target{Dir: filepath.Join(blocker, "out"), Name: "scan"}, testMetadata())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, StageWrite, StageOf(err))

	span := h.Span(t, SpanWrite)
	assert.Equal(t, codes.Error, span.Status().Code)
	v, _ := spanAttr(span, "write.artifact_written")
	assert.False(t, v.AsBool())
}

func TestWrite_MetadataFailureFailsWholeWrite(t *testing.T) {
	h := telemetrytest.New(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "scan.json"), 0o755))

	_, err := newWriter(h, false).Write(context.Background(), smallVolume(), Target{Dir: dir, Name: "scan"}, testMetadata())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)

	span := h.Span(t, SpanWrite)
	artifact, _ := spanAttr(span, "write.artifact_written")
	metadata, _ := spanAttr(span, "write.metadata_written")
	assert.True(t, artifact.AsBool())
	assert.False(t, metadata.AsBool())
}

func TestWrite_ReportFailureIsNotFatal(t *testing.T) {
	h := telemetrytest.New(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "scan.report.txt"), 0o755))

	res, err := newWriter(h, true).Write(context.Background(), smallVolume(), Target{Dir: dir, Name: "scan"}, testMetadata())
	require.NoError(t, err)
	assert.Empty(t, res.ReportPath)

	warns := h.LogsAt(t, "WARN")
	require.Len(t, warns, 1)
	assert.Equal(t, "could not write processing report", warns[0]["msg"])
}

func TestWrite_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	h := telemetrytest.New(t)
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := newWriter(h, false).Write(context.Background(), smallVolume(), Target{Dir: dir, Name: "scan"}, testMetadata())
	assert.ErrorIs(t, err, ErrPermission)
}

func TestBuildMetadata(t *testing.T) {
	load := &LoadResult{Shape: volume.Shape{2, 2, 2}, Metadata: InputMetadata{Filename: "a.nii"}}
	md := BuildMetadata(load, &ProcessResult{Steps: []StepResult{{Name: StepNormalization, Stats: map[string]any{"method": "z"}}}})

	assert.Equal(t, "2x2x2", md.Processing.InputShape)
	assert.Equal(t, []string{StepNormalization}, md.Processing.StepsCompleted)
	assert.Equal(t, "z", md.Processing.Steps[StepNormalization]["method"])
}

func TestRenderReport_NoSteps(t *testing.T) {
	md := testMetadata()
	md.Processing.StepsCompleted = nil

	text, err := RenderReport(md)
	require.NoError(t, err)
	assert.Contains(t, text, "(none)")
	assert.Contains(t, text, "Run ID:    n/a")
	assert.True(t, strings.HasPrefix(text, strings.Repeat("=", 60)))
}

func TestError_Classification(t *testing.T) {
	err := fsError(StageLoad, os.ErrNotExist, KindIO)
	assert.Equal(t, KindNotFound, err.Kind)
	assert.Equal(t, KindPermission, fsError(StageLoad, os.ErrPermission, KindIO).Kind)
	assert.Equal(t, KindIO, fsError(StageLoad, errors.New("disk on fire"), KindIO).Kind)
	assert.Equal(t, KindStage, KindOf(errors.New("plain")))
	assert.Equal(t, "load: NotFoundError: file does not exist", err.Error())
}
