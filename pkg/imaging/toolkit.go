package imaging

import (
	"fmt"

	"midatasets/pkg/interpolation"
)

// Interpolation selects the resampling kernel.
type Interpolation = interpolation.Mode

const (
	Linear          = interpolation.Linear
	NearestNeighbor = interpolation.Nearest
)

// Toolkit is everything midatasets needs from an imaging library.
// Implementations must be safe for concurrent use by multiple goroutines.
type Toolkit interface {
	// Read decodes a volumetric file together with its geometry.
	Read(path string) (*Volume, error)

	// Write encodes v to path, replacing any existing file.
	Write(v *Volume, path string) error

	// Resample returns v sampled on a grid with the given spacing.
	Resample(v *Volume, spacing [3]float64, mode Interpolation) (*Volume, error)

	// ReadMetadata returns geometry and tags without decoding voxels.
	ReadMetadata(path string) (*Metadata, error)
}

type reference struct{}

// Default returns the reference toolkit. It reads and writes the Ext
// format and resamples through the interpolation package; any other
// extension fails with ErrUnsupportedFormat.
func Default() Toolkit { return reference{} }

func (reference) Read(path string) (*Volume, error) { return readVolumeFile(path) }

func (reference) Write(v *Volume, path string) error { return writeVolumeFile(v, path) }

func (reference) ReadMetadata(path string) (*Metadata, error) { return readMetadataFile(path) }

func (reference) Resample(v *Volume, spacing [3]float64, mode Interpolation) (*Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	data, size, err := interpolation.Resample(v.Data, v.Size, v.Spacing, spacing, mode)
	if err != nil {
		return nil, fmt.Errorf("resampling to %v: %w", spacing, err)
	}
	out := &Volume{Data: data, Size: size}
	out.CopyGeometry(v)
	out.Spacing = spacing
	return out, nil
}
