package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"midatasets/pkg/imaging"
)

// zRampVolume returns a volume whose value is the z index everywhere.
func zRampVolume(width, height, depth int) *imaging.Volume {
	v := imaging.NewVolume([3]int{width, height, depth})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, float64(z))
			}
		}
	}
	return v
}

// TestNewViewer verifies that the window follows the intensity range
func TestNewViewer(t *testing.T) {
	viewer, err := NewViewer(zRampVolume(10, 8, 5))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	low, high := viewer.Window()
	if low != 0 || high != 4 {
		t.Errorf("Expected window [0, 4], got [%v, %v]", low, high)
	}

	if err := viewer.SetWindow(2, 2); err == nil {
		t.Error("Expected error for empty window, got nil")
	}

	if _, err := NewViewer(&imaging.Volume{Size: [3]int{2, 2, 2}}); err == nil {
		t.Error("Expected error for volume without data, got nil")
	}
}

// TestExtractSlice verifies slice dimensions and windowed pixel values
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(zRampVolume(width, height, depth))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		expected := math.Round(float64(z) / float64(depth-1) * 65535)
		got := float64(gray16Img.Gray16At(width/2, height/2).Y)
		if math.Abs(got-expected) > 1 {
			t.Errorf("Expected Z slice value ~%v at center, got %v", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("X", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestConstantVolume verifies a flat volume renders without dividing by zero
func TestConstantVolume(t *testing.T) {
	v := imaging.NewVolume([3]int{3, 3, 3})
	viewer, err := NewViewer(v)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	img, err := viewer.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	if y := img.(*image.Gray16).Gray16At(1, 1).Y; y != 0 {
		t.Errorf("Expected black pixel, got %d", y)
	}
}

// TestSaveMidSlices verifies the three central slices are written
func TestSaveMidSlices(t *testing.T) {
	tempDir := t.TempDir()

	viewer, err := NewViewer(zRampVolume(6, 6, 4))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	names, err := viewer.SaveMidSlices(filepath.Join(tempDir, "preview"), "case01")
	if err != nil {
		t.Fatalf("Failed to save mid slices: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(names))
	}
	for _, axis := range []string{"x", "y", "z"} {
		filename := filepath.Join(tempDir, "preview", fmt.Sprintf("case01_%s.png", axis))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Saved file does not exist: %s", filename)
		}
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	depth := 3
	viewer, err := NewViewer(zRampVolume(5, 5, depth))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	outputDir := filepath.Join(tempDir, "slices")
	names, err := viewer.SaveSliceSequence("z", outputDir, "A_image")
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	if len(names) != depth {
		t.Errorf("Expected %d files, got %d", depth, len(names))
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("A_image_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if _, err := viewer.SaveSliceSequence("invalid", outputDir, "A_image"); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
