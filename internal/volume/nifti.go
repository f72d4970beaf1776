package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
)

// ErrNotNIfTI is returned when a stream does not start with a NIfTI-1 header.
var ErrNotNIfTI = errors.New("not a NIfTI-1 file")

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
	maxVoxels       = 1 << 28
)

// NIfTI-1 datatype codes understood by the decoder.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

var niftiMagic = [4]byte{'n', '+', '1', 0}

// Header is the 348-byte NIfTI-1 header. The Analyze 7.5 header shares the
// same layout for every field neuroprep writes.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Shape returns the spatial dimensions recorded in the header.
func (h *Header) Shape() Shape {
	return Shape{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])}
}

// Description returns the descrip field without trailing NULs.
func (h *Header) Description() string {
	return string(bytes.TrimRight(h.Descrip[:], "\x00"))
}

// DatatypeName names the header's datatype code.
func (h *Header) DatatypeName() string {
	switch h.Datatype {
	case DTUint8:
		return "uint8"
	case DTInt16:
		return "int16"
	case DTFloat32:
		return "float32"
	case DTFloat64:
		return "float64"
	default:
		return fmt.Sprintf("code %d", h.Datatype)
	}
}

func newHeader(v *Volume, descrip string) Header {
	h := Header{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		QformCode: 1,
		SformCode: 1,
	}
	h.Dim = [8]int16{3, int16(v.Shape[0]), int16(v.Shape[1]), int16(v.Shape[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, v.VoxelSize[0], v.VoxelSize[1], v.VoxelSize[2], 1, 1, 1, 1}
	h.SrowX = [4]float32{v.VoxelSize[0], 0, 0, 0}
	h.SrowY = [4]float32{0, v.VoxelSize[1], 0, 0}
	h.SrowZ = [4]float32{0, 0, v.VoxelSize[2], 0}

	st := v.Stats()
	h.CalMin = float32(st.Min)
	h.CalMax = float32(st.Max)
	copy(h.Descrip[:], descrip)
	return h
}

// EncodeNIfTI writes v as a single-file NIfTI-1 (.nii) stream.
func EncodeNIfTI(w io.Writer, v *Volume, descrip string) error {
	if err := checkShape(v); err != nil {
		return err
	}
	h := newHeader(v, descrip)
	h.VoxOffset = niftiVoxOffset
	h.Magic = niftiMagic

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing nifti header: %w", err)
	}
	// Extension flag: no extensions follow.
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("writing nifti extension flag: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("writing nifti data: %w", err)
	}
	return bw.Flush()
}

// DecodeNIfTI reads a single-file NIfTI-1 stream, gzip-compressed or not.
func DecodeNIfTI(r io.Reader) (*Volume, *Header, error) {
	return decodeNIfTI(r, -1)
}

// decodeNIfTI checks the voxel data the header describes against size, the
// byte length of an uncompressed stream, when size is not negative.
func decodeNIfTI(r io.Reader, size int64) (*Volume, *Header, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
		size = -1
	}

	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: short header: %v", ErrNotNIfTI, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch niftiHeaderSize {
	case int(binary.LittleEndian.Uint32(raw)):
	case int(binary.BigEndian.Uint32(raw)):
		order = binary.BigEndian
	default:
		return nil, nil, ErrNotNIfTI
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, nil, fmt.Errorf("decoding nifti header: %w", err)
	}
	if h.Magic != niftiMagic {
		return nil, nil, fmt.Errorf("%w: magic %q", ErrNotNIfTI, h.Magic[:3])
	}

	shape := h.Shape()
	if h.Dim[0] < 3 || !shape.valid() {
		return nil, nil, fmt.Errorf("%w: dim %v", ErrShape, h.Dim)
	}
	for i := 4; i <= int(h.Dim[0]) && i < len(h.Dim); i++ {
		if h.Dim[i] > 1 {
			return nil, nil, fmt.Errorf("%w: only 3-D volumes are supported, dim %v", ErrShape, h.Dim)
		}
	}
	if shape.Voxels() > maxVoxels {
		return nil, nil, fmt.Errorf("%w: %s is too large", ErrShape, shape)
	}
	width := voxelWidth(h.Datatype)
	if width == 0 {
		return nil, nil, fmt.Errorf("unsupported nifti datatype %d", h.Datatype)
	}
	offset := max(int64(h.VoxOffset), niftiHeaderSize)
	if want := offset + int64(shape.Voxels())*int64(width); size >= 0 && want > size {
		return nil, nil, fmt.Errorf("%w: %s of datatype %d needs %d bytes, file has %d", ErrShape, shape, h.Datatype, want, size)
	}

	if skip := offset - niftiHeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, br, skip); err != nil {
			return nil, nil, fmt.Errorf("skipping to voxel data: %w", err)
		}
	}

	data, err := readVoxels(br, order, h.Datatype, shape.Voxels())
	if err != nil {
		return nil, nil, err
	}
	v := &Volume{Shape: shape, Data: data, VoxelSize: [3]float32{h.Pixdim[1], h.Pixdim[2], h.Pixdim[3]}}
	if h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		for i, x := range v.Data {
			v.Data[i] = x*h.SclSlope + h.SclInter
		}
	}
	return v, &h, nil
}

func voxelWidth(datatype int16) int {
	switch datatype {
	case DTUint8:
		return 1
	case DTInt16:
		return 2
	case DTFloat32:
		return 4
	case DTFloat64:
		return 8
	}
	return 0
}

// voxelChunk is how many voxels readVoxels decodes per read.
const voxelChunk = 1 << 16

// readVoxels decodes n voxels in fixed-size chunks. The result grows only
// as data arrives, so a header claiming more voxels than the stream holds
// fails with ErrShape before allocating the full volume.
func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float32, error) {
	width := voxelWidth(datatype)
	if width == 0 {
		return nil, fmt.Errorf("unsupported nifti datatype %d", datatype)
	}

	dst := make([]float32, 0, min(n, voxelChunk))
	buf := make([]byte, min(n, voxelChunk)*width)
	for len(dst) < n {
		count := min(n-len(dst), voxelChunk)
		chunk := buf[:count*width]
		if _, err := io.ReadFull(r, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: voxel data ends after %d of %d voxels", ErrShape, len(dst), n)
			}
			return nil, fmt.Errorf("reading voxel data: %w", err)
		}
		for i := range count {
			b := chunk[i*width:]
			var x float32
			switch datatype {
			case DTUint8:
				x = float32(b[0])
			case DTInt16:
				x = float32(int16(order.Uint16(b)))
			case DTFloat32:
				x = math.Float32frombits(order.Uint32(b))
			case DTFloat64:
				x = float32(math.Float64frombits(order.Uint64(b)))
			}
			dst = append(dst, x)
		}
	}
	return dst, nil
}

// ReadNIfTIFile decodes the NIfTI-1 file at path.
func ReadNIfTIFile(path string) (*Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	return decodeNIfTI(f, info.Size())
}

func checkShape(v *Volume) error {
	for _, n := range v.Shape {
		if n <= 0 || n > math.MaxInt16 {
			return fmt.Errorf("%w: %s", ErrShape, v.Shape)
		}
	}
	if v.Shape.Voxels() != len(v.Data) {
		return fmt.Errorf("%w: %s with %d voxels", ErrShape, v.Shape, len(v.Data))
	}
	return nil
}
