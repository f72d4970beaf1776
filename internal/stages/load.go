package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuroprep/neuroprep/internal/telemetry"
	"github.com/neuroprep/neuroprep/internal/volume"
)

// InputMetadata describes a loaded input. It becomes original_metadata in
// the written metadata record.
type InputMetadata struct {
	Filename        string `json:"filename"`
	Format          string `json:"format"`
	Modality        string `json:"modality"`
	Dimensions      string `json:"dimensions"`
	Shape           string `json:"shape"`
	Source          string `json:"source"`
	PatientID       string `json:"patient_id"`
	Session         string `json:"session"`
	AcquisitionDate string `json:"acquisition_date"`
	SizeBytes       int64  `json:"size_bytes"`
}

// LoadResult is the in-memory representation of an input.
type LoadResult struct {
	Path      string
	Format    string
	SizeBytes int64
	Shape     volume.Shape
	Volume    *volume.Volume
	Header    *volume.Header
	Metadata  InputMetadata
}

// LoadOptions configures a Loader.
type LoadOptions struct {
	Validate   bool
	Simulation Simulation
}

// Loader reads and validates pipeline inputs. NIfTI-1 files are decoded;
// any other accepted input gets a volume synthesized from its content.
type Loader struct {
	tel  *telemetry.Telemetry
	opts LoadOptions

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLoader returns a Loader reporting to tel.
func NewLoader(tel *telemetry.Telemetry, opts LoadOptions) *Loader {
	seed := opts.Simulation.Seed
	return &Loader{
		tel:  tel,
		opts: opts,
		rng:  rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
}

// InputFormat returns the format name for an input path, or "" when the
// extension is not accepted.
func InputFormat(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".nii.gz"), strings.HasSuffix(name, ".nii"):
		return "nifti"
	case strings.HasSuffix(name, ".dcm"):
		return "dicom"
	case strings.HasSuffix(name, ".mgz"):
		return "mgz"
	default:
		return ""
	}
}

// Modality guesses the acquisition type from the file name.
func Modality(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "t1"):
		return "T1"
	case strings.Contains(name, "t2"):
		return "T2"
	case strings.Contains(name, "fmri"), strings.Contains(name, "bold"):
		return "fMRI"
	case strings.Contains(name, "dwi"), strings.Contains(name, "dti"):
		return "DWI"
	default:
		return "unknown"
	}
}

// Load reads the input at path.
func (l *Loader) Load(ctx context.Context, path string) (res *LoadResult, err error) {
	start := time.Now()
	ctx, span := l.tel.StartSpan(ctx, SpanLoad, attribute.String("input.path", path))
	defer span.End()

	log := l.tel.Logger().With("stage", StageLoad, "input", path)
	log.InfoContext(ctx, "loading input")
	defer func() { finish(ctx, l.tel, span, log, StageLoad, start, err) }()

	res, err = l.load(ctx, span, path)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "input loaded",
		"format", res.Format,
		"size_bytes", res.SizeBytes,
		"shape", res.Shape.String(),
		"source", res.Metadata.Source,
	)
	return res, nil
}

func (l *Loader) load(ctx context.Context, span trace.Span, path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fsError(StageLoad, err, KindIO)
	}
	if info.IsDir() {
		return nil, newError(StageLoad, KindValidation, fmt.Errorf("%s is a directory", path))
	}

	format := InputFormat(path)
	if format == "" {
		return nil, newError(StageLoad, KindValidation,
			fmt.Errorf("unsupported input format %q (supported: .nii, .nii.gz, .dcm, .mgz)", filepath.Base(path)))
	}
	if info.Size() == 0 {
		return nil, newError(StageLoad, KindValidation, fmt.Errorf("%s is empty", path))
	}

	span.SetAttributes(
		attribute.String("input.format", format),
		attribute.Int64("input.size_bytes", info.Size()),
	)
	l.tel.RecordHistogram(ctx, telemetry.MetricLoadFileSize, float64(info.Size()), attribute.String("format", format))

	seed, err := contentSeed(path)
	if err != nil {
		return nil, fsError(StageLoad, err, KindIO)
	}

	mib := float64(info.Size()) / (1 << 20)
	if err := l.opts.Simulation.delay(ctx, math.Min(0.1+mib/100, 2.0)); err != nil {
		return nil, newError(StageLoad, KindStage, err)
	}

	res := &LoadResult{Path: path, Format: format, SizeBytes: info.Size()}
	source := "synthetic"
	if format == "nifti" {
		v, hdr, err := volume.ReadNIfTIFile(path)
		switch {
		case err == nil:
			res.Volume, res.Header = v, hdr
			source = "decoded"
		case errors.Is(err, volume.ErrNotNIfTI):
		default:
			return nil, newError(StageLoad, KindValidation, fmt.Errorf("decoding %s: %w", path, err))
		}
	}
	if res.Volume == nil {
		res.Volume = volume.Synthesize(volume.ShapeForSize(info.Size()), seed)
	}
	res.Shape = res.Volume.Shape
	span.SetAttributes(
		attribute.String("volume.shape", res.Shape.String()),
		attribute.String("volume.source", source),
	)

	if l.opts.Validate {
		if err := l.validate(ctx, res.Volume); err != nil {
			return nil, err
		}
	}

	res.Metadata = InputMetadata{
		Filename:        filepath.Base(path),
		Format:          format,
		Modality:        Modality(path),
		Dimensions:      "3D",
		Shape:           res.Shape.String(),
		Source:          source,
		PatientID:       fmt.Sprintf("SUB-%04d", 1000+seed%9000),
		Session:         fmt.Sprintf("ses-%d", 1+seed%5),
		AcquisitionDate: info.ModTime().UTC().Format(time.DateOnly),
		SizeBytes:       info.Size(),
	}
	return res, nil
}

func (l *Loader) validate(ctx context.Context, v *volume.Volume) (err error) {
	ctx, span := l.tel.StartSpan(ctx, SpanValidate, attribute.Int("volume.voxels", len(v.Data)))
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.SetOK(span)
	}()

	if err := v.Validate(); err != nil {
		return newError(StageLoad, KindValidation, err)
	}
	if l.injectFailure() {
		return newError(StageLoad, KindValidation, errors.New("simulated validation failure"))
	}
	l.tel.Logger().DebugContext(ctx, "input validated", "voxels", len(v.Data))
	return nil
}

func (l *Loader) injectFailure() bool {
	if l.opts.Simulation.FailureRate <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < l.opts.Simulation.FailureRate
}

// contentSeed hashes the file so that synthesized data depends only on the
// input's bytes.
func contentSeed(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
