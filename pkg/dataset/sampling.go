package dataset

import (
	"fmt"
	"math/rand/v2"

	"midatasets/internal/models"
	"midatasets/pkg/imaging"
	"midatasets/pkg/pipeline"
	"midatasets/pkg/spacing"
)

// LoadImageResampled reads the sample's image and resamples it to spec
// with linear interpolation. A native spec returns the volume as stored.
func (d *Dataset) LoadImageResampled(sample string, spec spacing.Spec) (*imaging.Volume, error) {
	return d.loadResampled(sample, d.ImageKey(), spec)
}

// LoadLabelmapResampled is LoadImageResampled for the labelmap, using
// nearest neighbour interpolation so no new label values appear.
func (d *Dataset) LoadLabelmapResampled(sample string, spec spacing.Spec) (*imaging.Volume, error) {
	return d.loadResampled(sample, d.LabelmapKey(), spec)
}

func (d *Dataset) loadResampled(sample, imageType string, spec spacing.Spec) (*imaging.Volume, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p, err := d.samplePath(sample, imageType)
	if err != nil {
		return nil, err
	}
	v, err := d.toolkit.Read(p)
	if err != nil {
		return nil, err
	}
	target, ok := spec.Axes()
	if !ok {
		return v, nil
	}
	out, err := d.toolkit.Resample(v, target, pipeline.Interpolation(imageType))
	if err != nil {
		return nil, &models.TransformError{Sample: sample, ImageType: imageType, Path: p, Err: err}
	}
	return out, nil
}

func (d *Dataset) loadPair(sample string) (img, lmap *imaging.Volume, err error) {
	if img, err = d.LoadImage(sample); err != nil {
		return nil, nil, err
	}
	if lmap, err = d.LoadLabelmap(sample); err != nil {
		return nil, nil, err
	}
	return img, lmap, nil
}

// ExtractRandomRegions draws n random image and labelmap blocks of size
// from one sample. A nil rng uses a randomly seeded source.
func (d *Dataset) ExtractRandomRegions(sample string, size [3]int, n int, rng *rand.Rand) ([]imaging.RegionPair, error) {
	img, lmap, err := d.loadPair(sample)
	if err != nil {
		return nil, err
	}
	pairs, err := imaging.RandomRegions(img, lmap, size, n, rng)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", sample, err)
	}
	return pairs, nil
}

// ExtractClassBalancedRegions draws blocks centred on voxels of each label
// class in proportion to weights, indexed by label value.
func (d *Dataset) ExtractClassBalancedRegions(sample string, size [3]int, n int, weights []float64, rng *rand.Rand) ([]imaging.RegionPair, error) {
	img, lmap, err := d.loadPair(sample)
	if err != nil {
		return nil, err
	}
	pairs, err := imaging.ClassBalancedRegions(img, lmap, size, n, weights, rng)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", sample, err)
	}
	return pairs, nil
}

// ExtractSlices returns the image and labelmap planes of one sample that
// contain the selected label.
func (d *Dataset) ExtractSlices(sample string, opts imaging.SliceOptions) (imgs, lmaps []*imaging.Volume, err error) {
	img, lmap, err := d.loadPair(sample)
	if err != nil {
		return nil, nil, err
	}
	if imgs, lmaps, err = imaging.SlicesAtLabel(img, lmap, opts); err != nil {
		return nil, nil, fmt.Errorf("sample %s: %w", sample, err)
	}
	return imgs, lmaps, nil
}
