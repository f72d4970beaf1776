package volume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	mghHeaderSize = 284
	mghTypeFloat  = 3
)

type mghHeader struct {
	Version     int32
	Width       int32
	Height      int32
	Depth       int32
	Frames      int32
	Type        int32
	DOF         int32
	GoodRASFlag int16
}

// EncodeMGH writes v as an uncompressed FreeSurfer MGH stream. Wrap w in a
// gzip writer to produce .mgz.
func EncodeMGH(w io.Writer, v *Volume) error {
	if err := checkShape(v); err != nil {
		return err
	}
	h := mghHeader{
		Version: 1,
		Width:   int32(v.Shape[0]),
		Height:  int32(v.Shape[1]),
		Depth:   int32(v.Shape[2]),
		Frames:  1,
		Type:    mghTypeFloat,
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, &h); err != nil {
		return fmt.Errorf("writing mgh header: %w", err)
	}
	if _, err := bw.Write(make([]byte, mghHeaderSize-binary.Size(h))); err != nil {
		return fmt.Errorf("padding mgh header: %w", err)
	}
	if err := binary.Write(bw, binary.BigEndian, v.Data); err != nil {
		return fmt.Errorf("writing mgh data: %w", err)
	}
	return bw.Flush()
}
