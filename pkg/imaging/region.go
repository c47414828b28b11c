package imaging

import (
	"fmt"
	"math"
)

// BoundingBox returns the inclusive voxel bounds of every voxel equal to
// label. ok is false when the label does not occur.
func BoundingBox(v *Volume, label int) (lo, hi [3]int, ok bool) {
	lo = [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	hi = [3]int{-1, -1, -1}
	for z := 0; z < v.Size[2]; z++ {
		for y := 0; y < v.Size[1]; y++ {
			for x := 0; x < v.Size[0]; x++ {
				if int(math.Round(v.Data[v.Index(x, y, z)])) != label {
					continue
				}
				p := [3]int{x, y, z}
				for a := 0; a < 3; a++ {
					if p[a] < lo[a] {
						lo[a] = p[a]
					}
					if p[a] > hi[a] {
						hi[a] = p[a]
					}
				}
			}
		}
	}
	return lo, hi, hi[0] >= 0
}

// ExtractRegion copies a size-shaped block starting at start. Voxels that
// fall outside v are zero, so the result always has exactly size voxels.
// The origin of the result is shifted to the physical position of start.
func ExtractRegion(v *Volume, start, size [3]int) (*Volume, error) {
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	region := &Volume{Data: make([]float64, size[0]*size[1]*size[2]), Size: size}
	region.CopyGeometry(v)
	for a := 0; a < 3; a++ {
		region.Origin[a] = v.Origin[a] + float64(start[a])*v.Spacing[a]
	}

	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				region.Data[region.Index(x, y, z)] = v.At(start[0]+x, start[1]+y, start[2]+z)
			}
		}
	}
	return region, nil
}

// CropAtLabel extracts fixed-size blocks of img and lmap centred on the
// bounding box of label in lmap. The labelmap block is binarised to label.
func CropAtLabel(img, lmap *Volume, label int, size [3]int) (imgCrop, lmapCrop *Volume, err error) {
	if img.Size != lmap.Size {
		return nil, nil, fmt.Errorf("image size %v does not match labelmap size %v", img.Size, lmap.Size)
	}
	lo, hi, ok := BoundingBox(lmap, label)
	if !ok {
		return nil, nil, fmt.Errorf("label %d not present", label)
	}

	var start [3]int
	for a := 0; a < 3; a++ {
		centre := (lo[a] + hi[a] + 1) / 2
		start[a] = centre - size[a]/2
	}

	if imgCrop, err = ExtractRegion(img, start, size); err != nil {
		return nil, nil, err
	}
	region, err := ExtractRegion(lmap, start, size)
	if err != nil {
		return nil, nil, err
	}
	return imgCrop, Binarize(region, label), nil
}
