package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"midatasets/internal/models"
	"midatasets/pkg/imaging"
	"midatasets/pkg/logging"
)

// CropOptions configures crop extraction.
type CropOptions struct {
	// Size is the edge length, in voxels, of the cubic crop.
	Size int

	// Label selects a single label value. When nil every distinct nonzero
	// value in the labelmap yields its own crop.
	Label *int

	Parallel  bool
	Workers   int
	Overwrite bool
}

// CropExtractor cuts fixed-size blocks of a sample's image and labelmap
// around each label and stores them as crop image types of the dataset.
type CropExtractor struct {
	Toolkit imaging.Toolkit
	Logger  *slog.Logger

	// Root is the dataset directory crops are written under.
	Root string

	// ImageType and LabelmapType name the source columns.
	ImageType    string
	LabelmapType string

	// ImageCropType and LabelmapCropType return the crop image type names
	// for a crop size, e.g. "image_crop_64".
	ImageCropType    func(size int) string
	LabelmapCropType func(size int) string
}

// CropPair locates the two files written for one label of one sample.
type CropPair struct {
	Label        int
	ImagePath    string
	LabelmapPath string
}

// CropPaths returns where the crops of sample at label are stored. The
// crop size becomes part of the image type, so crops live under
// <root>/<crop type>/<token>/<sample>_<label>_<crop type><ext>.
func (c *CropExtractor) CropPaths(sample, token, ext string, label, size int) CropPair {
	imgType, lmType := c.cropTypes(size)
	suffix := func(t string) string { return fmt.Sprintf("%d_%s", label, t) }
	return CropPair{
		Label:        label,
		ImagePath:    filepath.Join(c.Root, filepath.FromSlash(models.FormatKey(imgType, token, sample, suffix(imgType), ext))),
		LabelmapPath: filepath.Join(c.Root, filepath.FromSlash(models.FormatKey(lmType, token, sample, suffix(lmType), ext))),
	}
}

func (c *CropExtractor) cropTypes(size int) (string, string) {
	img, lm := fmt.Sprintf("image_crop_%d", size), fmt.Sprintf("labelmap_crop_%d", size)
	if c.ImageCropType != nil {
		img = c.ImageCropType(size)
	}
	if c.LabelmapCropType != nil {
		lm = c.LabelmapCropType(size)
	}
	return img, lm
}

// Run extracts crops for every sample.
func (c *CropExtractor) Run(ctx context.Context, samples []models.Sample, opts CropOptions) (*Report, error) {
	if err := c.check(opts); err != nil {
		return nil, err
	}
	logger := logging.OrNop(c.Logger)
	workers := workerCount(opts.Parallel, opts.Workers)
	logger.Info("extracting crops", "samples", len(samples), "size", opts.Size, "workers", workers)

	report := &Report{}
	err := forEachSample(ctx, samples, workers, func(s models.Sample) {
		c.extract(s, opts, report, logger)
	})
	logger.Info("crop extraction finished",
		"written", report.Written, "skipped", report.Skipped, "failed", len(report.Failures))
	return report, err
}

// Extract crops a single sample.
func (c *CropExtractor) Extract(ctx context.Context, sample models.Sample, opts CropOptions) (*Report, error) {
	if err := c.check(opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := &Report{}
	c.extract(sample, opts, report, logging.OrNop(c.Logger))
	return report, nil
}

func (c *CropExtractor) check(opts CropOptions) error {
	if opts.Size <= 0 {
		return fmt.Errorf("%w: crop size must be positive, got %d", models.ErrConfiguration, opts.Size)
	}
	if c.Root == "" || c.ImageType == "" || c.LabelmapType == "" {
		return fmt.Errorf("%w: crop extractor needs a root, an image type and a labelmap type", models.ErrConfiguration)
	}
	return nil
}

func (c *CropExtractor) extract(s models.Sample, opts CropOptions, report *Report, logger *slog.Logger) {
	tk := c.Toolkit
	if tk == nil {
		tk = imaging.Default()
	}
	imgFile, okImg := s.Files[c.ImageType]
	lmFile, okLm := s.Files[c.LabelmapType]
	if !okImg || !okLm {
		report.fail(logger, &models.TransformError{Sample: s.Name, ImageType: c.LabelmapType,
			Err: fmt.Errorf("sample needs both %s and %s", c.ImageType, c.LabelmapType)})
		return
	}

	lmap, err := tk.Read(lmFile.Path)
	if err != nil {
		report.fail(logger, &models.TransformError{Sample: s.Name, ImageType: c.LabelmapType, Path: lmFile.Path, Err: err})
		return
	}
	labels := imaging.Labels(lmap)
	if opts.Label != nil {
		labels = []int{*opts.Label}
	}
	if len(labels) == 0 {
		logger.Warn("labelmap has no labels", "sample", s.Name, "path", lmFile.Path)
		return
	}

	var img *imaging.Volume
	size := [3]int{opts.Size, opts.Size, opts.Size}
	for _, label := range labels {
		pair := c.CropPaths(s.Name, imgFile.SpacingToken, imgFile.Ext, label, opts.Size)
		if !opts.Overwrite && exists(pair.ImagePath) && exists(pair.LabelmapPath) {
			logger.Info("crops exist, skipping", "sample", s.Name, "label", label, "path", pair.ImagePath)
			report.skipped()
			continue
		}
		if img == nil {
			if img, err = tk.Read(imgFile.Path); err != nil {
				report.fail(logger, &models.TransformError{Sample: s.Name, ImageType: c.ImageType, Path: imgFile.Path, Err: err})
				return
			}
		}
		imgCrop, lmCrop, err := imaging.CropAtLabel(img, lmap, label, size)
		if err != nil {
			report.fail(logger, &models.TransformError{Sample: s.Name, ImageType: c.LabelmapType, Label: label, Path: lmFile.Path, Err: err})
			continue
		}
		if err := writeAtomic(tk, imgCrop, pair.ImagePath); err != nil {
			report.fail(logger, &models.TransformError{Sample: s.Name, ImageType: c.ImageType, Label: label, Path: pair.ImagePath, Err: err})
			continue
		}
		report.written()
		if err := writeAtomic(tk, lmCrop, pair.LabelmapPath); err != nil {
			report.fail(logger, &models.TransformError{Sample: s.Name, ImageType: c.LabelmapType, Label: label, Path: pair.LabelmapPath, Err: err})
			continue
		}
		report.written()
		logger.Debug("cropped", "sample", s.Name, "label", label, "path", pair.ImagePath)
	}
}
