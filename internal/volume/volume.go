// Package volume holds 3-D image volumes and their on-disk encodings.
package volume

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmpty     = errors.New("volume is empty")
	ErrShape     = errors.New("invalid volume shape")
	ErrNonFinite = errors.New("volume contains non-finite values")
)

// Shape is the voxel count along x, y and z.
type Shape [3]int

// Voxels returns the number of voxels in the shape.
func (s Shape) Voxels() int {
	return s[0] * s[1] * s[2]
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

func (s Shape) valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

// Volume is a float32 voxel grid stored with x varying fastest.
type Volume struct {
	Shape     Shape
	VoxelSize [3]float32
	Data      []float32
}

// New allocates a zeroed volume with 1mm isotropic voxels.
func New(shape Shape) *Volume {
	return &Volume{
		Shape:     shape,
		VoxelSize: [3]float32{1, 1, 1},
		Data:      make([]float32, shape.Voxels()),
	}
}

// Index returns the offset of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return x + v.Shape[0]*(y+v.Shape[1]*z)
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float32, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// Bytes is the size of the raw voxel data.
func (v *Volume) Bytes() int64 {
	return int64(len(v.Data)) * 4
}

// Equal reports whether both volumes have the same shape and voxels.
func (v *Volume) Equal(o *Volume) bool {
	if v.Shape != o.Shape || len(v.Data) != len(o.Data) {
		return false
	}
	for i := range v.Data {
		if v.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Validate checks the volume is non-empty, consistently shaped and finite.
func (v *Volume) Validate() error {
	if len(v.Data) == 0 {
		return ErrEmpty
	}
	if !v.Shape.valid() || v.Shape.Voxels() != len(v.Data) {
		return fmt.Errorf("%w: %s with %d voxels", ErrShape, v.Shape, len(v.Data))
	}
	var nan, inf int
	for _, x := range v.Data {
		f := float64(x)
		switch {
		case math.IsNaN(f):
			nan++
		case math.IsInf(f, 0):
			inf++
		}
	}
	if nan > 0 || inf > 0 {
		return fmt.Errorf("%w: %d NaN, %d Inf", ErrNonFinite, nan, inf)
	}
	return nil
}

// Stats summarises voxel intensities.
type Stats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	NonZero int     `json:"non_zero"`
}

// Stats computes intensity statistics in one pass.
func (v *Volume) Stats() Stats {
	if len(v.Data) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum, sumSq float64
	for _, x := range v.Data {
		f := float64(x)
		sum += f
		sumSq += f * f
		if f < s.Min {
			s.Min = f
		}
		if f > s.Max {
			s.Max = f
		}
		if x != 0 {
			s.NonZero++
		}
	}
	n := float64(len(v.Data))
	s.Mean = sum / n
	if variance := sumSq/n - s.Mean*s.Mean; variance > 0 {
		s.Std = math.Sqrt(variance)
	}
	return s
}
