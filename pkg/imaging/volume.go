// Package imaging is the boundary to volumetric image I/O and spatial
// transforms. The Toolkit interface is what the rest of midatasets depends
// on; Default provides a reference implementation over a simple gzip-framed
// volume format and the interpolation package.
package imaging

import (
	"fmt"
	"math"
	"sort"
)

// Volume represents a 3D image held in memory
type Volume struct {
	// Data is the 3D volume data as a 1D array in z*W*H + y*W + x order
	Data []float64

	// Size is the voxel count along x, y and z
	Size [3]int

	// Spacing is the physical size of each voxel in mm along x, y and z
	Spacing [3]float64

	// Origin is the physical position of the first voxel
	Origin [3]float64

	// Direction is the row-major 3x3 direction cosine matrix
	Direction [9]float64

	// Meta holds file-level metadata tags
	Meta map[string]string
}

// NewVolume allocates a zero-filled volume with unit spacing and identity direction.
func NewVolume(size [3]int) *Volume {
	return &Volume{
		Data:      make([]float64, size[0]*size[1]*size[2]),
		Size:      size,
		Spacing:   [3]float64{1, 1, 1},
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// Index returns the flat offset of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Size[0]*v.Size[1] + y*v.Size[0] + x
}

// At returns the voxel value at (x, y, z), or 0 outside the volume
func (v *Volume) At(x, y, z int) float64 {
	if !v.Contains(x, y, z) {
		return 0
	}
	return v.Data[v.Index(x, y, z)]
}

// Set stores value at (x, y, z); out-of-bounds writes are ignored
func (v *Volume) Set(x, y, z int, value float64) {
	if v.Contains(x, y, z) {
		v.Data[v.Index(x, y, z)] = value
	}
}

// Contains reports whether (x, y, z) lies inside the volume
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Size[0] && y < v.Size[1] && z < v.Size[2]
}

// Validate checks that the voxel buffer matches the declared size
func (v *Volume) Validate() error {
	n := v.Size[0] * v.Size[1] * v.Size[2]
	if n <= 0 {
		return fmt.Errorf("invalid volume size %v", v.Size)
	}
	if len(v.Data) != n {
		return fmt.Errorf("volume of size %v has %d voxels", v.Size, len(v.Data))
	}
	return nil
}

// CopyGeometry copies spacing, origin, direction and metadata from src
func (v *Volume) CopyGeometry(src *Volume) {
	v.Spacing = src.Spacing
	v.Origin = src.Origin
	v.Direction = src.Direction
	if src.Meta != nil {
		v.Meta = make(map[string]string, len(src.Meta))
		for k, val := range src.Meta {
			v.Meta[k] = val
		}
	}
}

// Labels returns the distinct nonzero values of a labelmap in ascending
// order. Values are rounded to the nearest integer.
func Labels(v *Volume) []int {
	seen := make(map[int]struct{})
	for _, val := range v.Data {
		l := int(math.Round(val))
		if l != 0 {
			seen[l] = struct{}{}
		}
	}
	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	return labels
}

// Binarize returns a mask volume that is 1 where v equals label and 0 elsewhere
func Binarize(v *Volume, label int) *Volume {
	out := &Volume{Data: make([]float64, len(v.Data)), Size: v.Size}
	out.CopyGeometry(v)
	for i, val := range v.Data {
		if int(math.Round(val)) == label {
			out.Data[i] = 1
		}
	}
	return out
}
