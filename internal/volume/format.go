package volume

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Format is an output file format.
type Format string

const (
	FormatNIfTI   Format = "nifti"
	FormatMGZ     Format = "mgz"
	FormatAnalyze Format = "analyze"
)

// Formats lists every supported output format.
var Formats = []Format{FormatNIfTI, FormatMGZ, FormatAnalyze}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported output format %q (supported: nifti, mgz, analyze)", s)
}

// Extension returns the primary file extension for f.
func (f Format) Extension(compress bool) string {
	switch f {
	case FormatNIfTI:
		if compress {
			return ".nii.gz"
		}
		return ".nii"
	case FormatMGZ:
		if compress {
			return ".mgz"
		}
		return ".mgh"
	default:
		return ".img"
	}
}

// Written describes the files produced by WriteFile.
type Written struct {
	Paths []string
	Bytes int64
}

// WriteFile encodes v at base+extension. Analyze volumes also get a .hdr
// next to the .img. Errors wrap the underlying *fs.PathError.
func WriteFile(base string, v *Volume, f Format, compress bool, descrip string) (Written, error) {
	var out Written
	path := base + f.Extension(compress)

	switch f {
	case FormatNIfTI:
		n, err := writeEncoded(path, compress, func(w io.Writer) error { return EncodeNIfTI(w, v, descrip) })
		if err != nil {
			return out, err
		}
		out.Paths, out.Bytes = []string{path}, n
	case FormatMGZ:
		n, err := writeEncoded(path, compress, func(w io.Writer) error { return EncodeMGH(w, v) })
		if err != nil {
			return out, err
		}
		out.Paths, out.Bytes = []string{path}, n
	case FormatAnalyze:
		hdrPath := base + ".hdr"
		hn, err := writeEncoded(hdrPath, false, func(w io.Writer) error { return encodeAnalyzeHeader(w, v, descrip) })
		if err != nil {
			return out, err
		}
		out.Paths, out.Bytes = []string{hdrPath}, hn
		n, err := writeEncoded(path, false, func(w io.Writer) error {
			bw := bufio.NewWriter(w)
			if err := binary.Write(bw, binary.LittleEndian, v.Data); err != nil {
				return err
			}
			return bw.Flush()
		})
		if err != nil {
			_ = os.Remove(hdrPath)
			return Written{}, err
		}
		out.Paths, out.Bytes = append([]string{path}, out.Paths...), out.Bytes+n
	default:
		return out, fmt.Errorf("unsupported output format %q", f)
	}
	return out, nil
}

func encodeAnalyzeHeader(w io.Writer, v *Volume, descrip string) error {
	if err := checkShape(v); err != nil {
		return err
	}
	h := newHeader(v, descrip)
	h.QformCode, h.SformCode = 0, 0
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing analyze header: %w", err)
	}
	return nil
}

func writeEncoded(path string, compress bool, encode func(io.Writer) error) (n int64, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	cw := &countingWriter{w: f}
	if !compress {
		if err := encode(cw); err != nil {
			return 0, err
		}
		return cw.n, nil
	}

	zw := gzip.NewWriter(cw)
	if err := encode(zw); err != nil {
		return 0, errors.Join(err, zw.Close())
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("closing gzip stream: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
