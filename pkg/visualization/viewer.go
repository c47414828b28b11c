// Package visualization renders 2D previews of dataset volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"midatasets/pkg/imaging"
)

// Viewer extracts grayscale slices from a volume. Intensities are mapped
// linearly from the window [low, high] to the full 16-bit range.
type Viewer struct {
	// vol is the volume being viewed
	vol *imaging.Volume

	// window bounds; values outside are clamped
	low  float64
	high float64
}

// NewViewer creates a viewer windowed to the intensity range of v.
func NewViewer(v *imaging.Volume) (*Viewer, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &Viewer{vol: v, low: floats.Min(v.Data), high: floats.Max(v.Data)}, nil
}

// SetWindow changes the intensity window.
func (v *Viewer) SetWindow(low, high float64) error {
	if !(high > low) {
		return fmt.Errorf("window high %v must exceed low %v", high, low)
	}
	v.low, v.high = low, high
	return nil
}

// Window returns the current intensity window.
func (v *Viewer) Window() (low, high float64) { return v.low, v.high }

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		if value > v.low {
			return color.Gray16{Y: math.MaxUint16}
		}
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, t)) * math.MaxUint16))}
}

// axisIndex maps "x", "y" or "z" to 0, 1 or 2.
func axisIndex(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return 0, nil
	case "y":
		return 1, nil
	case "z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the plane perpendicular to axis at position.
// An x slice is depth wide and height tall, a y slice width by depth and a
// z slice width by height.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	size := v.vol.Size
	if position < 0 || position >= size[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, size[a], axis)
	}

	switch a {
	case 0:
		img := image.NewGray16(image.Rect(0, 0, size[2], size[1]))
		for y := 0; y < size[1]; y++ {
			for z := 0; z < size[2]; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}
		return img, nil
	case 1:
		img := image.NewGray16(image.Rect(0, 0, size[0], size[2]))
		for z := 0; z < size[2]; z++ {
			for x := 0; x < size[0]; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}
		return img, nil
	default:
		img := image.NewGray16(image.Rect(0, 0, size[0], size[1]))
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}
		return img, nil
	}
}

// MidSlices returns the central x, y and z slices.
func (v *Viewer) MidSlices() ([3]image.Image, error) {
	var out [3]image.Image
	for a, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, v.vol.Size[a]/2)
		if err != nil {
			return out, err
		}
		out[a] = img
	}
	return out, nil
}

// SaveSlice writes img as PNG when filename ends in .png and JPEG otherwise.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(filename), ".png") {
		err = png.Encode(file, img)
	} else {
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveMidSlices writes <prefix>_<axis>.png for the three central slices
// and returns the file names.
func (v *Viewer) SaveMidSlices(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	slices, err := v.MidSlices()
	if err != nil {
		return nil, err
	}
	var names []string
	for a, axis := range []string{"x", "y", "z"} {
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(slices[a], filename); err != nil {
			return names, err
		}
		names = append(names, filename)
	}
	return names, nil
}

// SaveSliceSequence writes <prefix>_<axis>_NNN.png for every slice along
// axis and returns the file names.
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) ([]string, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var names []string
	for pos := 0; pos < v.vol.Size[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return names, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return names, err
		}
		names = append(names, filename)
	}

	return names, nil
}
