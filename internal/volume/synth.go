package volume

import (
	"math/rand/v2"
)

// ShapeForSize picks a simulated acquisition matrix from the input file size.
func ShapeForSize(sizeBytes int64) Shape {
	const mib = 1 << 20
	switch {
	case sizeBytes < 10*mib:
		return Shape{128, 128, 100}
	case sizeBytes < 50*mib:
		return Shape{256, 256, 170}
	default:
		return Shape{512, 512, 200}
	}
}

// Synthesize builds a deterministic head-like volume: a bright ellipsoid
// of tissue inside a dimmer shell, with gaussian noise everywhere.
func Synthesize(shape Shape, seed uint64) *Volume {
	v := New(shape)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	cx, cy, cz := float64(shape[0])/2, float64(shape[1])/2, float64(shape[2])/2
	for z := range shape[2] {
		dz := (float64(z) - cz) / cz
		for y := range shape[1] {
			dy := (float64(y) - cy) / cy
			row := v.Index(0, y, z)
			for x := range shape[0] {
				dx := (float64(x) - cx) / cx
				r := dx*dx + dy*dy + dz*dz

				base := 20.0
				switch {
				case r <= 0.55:
					base = 500
				case r <= 0.8:
					base = 250
				}
				v.Data[row+x] = float32(base + rng.NormFloat64()*50)
			}
		}
	}
	return v
}
