// Package interpolation implements spacing-aware resampling of volumes
// stored in the flat z*W*H + y*W + x layout.
package interpolation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Mode selects how voxel values are interpolated.
type Mode int

const (
	// Linear interpolates smoothly between neighbouring voxels. It is used
	// for intensity volumes.
	Linear Mode = iota

	// Nearest copies the closest source voxel, preserving discrete class
	// values. It is used for labelmaps.
	Nearest
)

func (m Mode) String() string {
	switch m {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// OutputSize returns the voxel grid that covers the same physical extent
// as size at spacing once sampled at newSpacing. Every axis keeps at least
// one voxel.
func OutputSize(size [3]int, spacing, newSpacing [3]float64) [3]int {
	var out [3]int
	for a := 0; a < 3; a++ {
		out[a] = size[a]
		if newSpacing[a] <= 0 {
			continue
		}
		n := int(math.Round(float64(size[a]) * axisSpacing(spacing[a]) / newSpacing[a]))
		if n < 1 {
			n = 1
		}
		out[a] = n
	}
	return out
}

// Resample maps data from a grid at spacing to a grid at newSpacing that
// shares the same origin. Output voxel i along an axis samples the source
// at continuous index i*newSpacing/spacing.
//
// The transform is separable: the volume is resampled along x, then y,
// then z. For Linear this is exactly trilinear interpolation; for Nearest
// it is nearest-neighbour lookup, so the output never contains a value
// that is absent from the input.
func Resample(data []float64, size [3]int, spacing, newSpacing [3]float64, mode Mode) ([]float64, [3]int, error) {
	if size[0]*size[1]*size[2] != len(data) {
		return nil, size, fmt.Errorf("volume of size %v has %d voxels", size, len(data))
	}
	if len(data) == 0 {
		return nil, size, fmt.Errorf("empty volume")
	}
	for a := 0; a < 3; a++ {
		if newSpacing[a] <= 0 || math.IsNaN(newSpacing[a]) || math.IsInf(newSpacing[a], 0) {
			return nil, size, fmt.Errorf("invalid target spacing %v", newSpacing)
		}
	}

	target := OutputSize(size, spacing, newSpacing)
	cur := append([]float64(nil), data...)
	dims := size
	for axis := 0; axis < 3; axis++ {
		if dims[axis] == target[axis] && axisSpacing(spacing[axis]) == newSpacing[axis] {
			continue
		}
		step := newSpacing[axis] / axisSpacing(spacing[axis])
		cur, dims = resampleAxis(cur, dims, axis, target[axis], step, mode)
	}
	return cur, dims, nil
}

// resampleAxis resamples every line of data that runs along axis.
func resampleAxis(data []float64, dims [3]int, axis, newLen int, step float64, mode Mode) ([]float64, [3]int) {
	out := dims
	out[axis] = newLen
	result := make([]float64, out[0]*out[1]*out[2])

	inStride := strides(dims)
	outStride := strides(out)
	o1, o2 := (axis+1)%3, (axis+2)%3
	n := dims[axis]

	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}

	for j := 0; j < dims[o1]; j++ {
		for k := 0; k < dims[o2]; k++ {
			inBase := j*inStride[o1] + k*inStride[o2]
			outBase := j*outStride[o1] + k*outStride[o2]

			line := make([]float64, n)
			for i := 0; i < n; i++ {
				line[i] = data[inBase+i*inStride[axis]]
			}
			predict := lineInterpolator(xs, line, mode)
			for i := 0; i < newLen; i++ {
				result[outBase+i*outStride[axis]] = predict(float64(i) * step)
			}
		}
	}
	return result, out
}

// lineInterpolator returns a function evaluating one line at a continuous
// index. Indices beyond either end clamp to the edge voxel.
func lineInterpolator(xs, ys []float64, mode Mode) func(float64) float64 {
	n := len(ys)
	if mode == Nearest || n < 2 {
		return func(x float64) float64 {
			i := int(math.Round(x))
			if i < 0 {
				i = 0
			}
			if i > n-1 {
				i = n - 1
			}
			return ys[i]
		}
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		// Fit only fails for fewer than two points, handled above.
		panic(err)
	}
	return pl.Predict
}

func strides(dims [3]int) [3]int {
	return [3]int{1, dims[0], dims[0] * dims[1]}
}

func axisSpacing(s float64) float64 {
	if s <= 0 || math.IsNaN(s) {
		return 1
	}
	return s
}
