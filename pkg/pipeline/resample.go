package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"midatasets/internal/models"
	"midatasets/pkg/imaging"
	"midatasets/pkg/logging"
	"midatasets/pkg/spacing"
)

// ResampleOptions configures a Resampler run.
type ResampleOptions struct {
	// Spacing is the target spacing. It must be set and not native.
	Spacing spacing.Spec

	// ImageTypes restricts the run to these image types; empty means all.
	ImageTypes []string

	// Overwrite rewrites outputs that already exist.
	Overwrite bool

	// Parallel enables the worker pool; Workers <= 0 means one per CPU.
	Parallel bool
	Workers  int
}

// Resampler writes every volume of a dataset at a new spacing, next to the
// source under the target spacing token.
type Resampler struct {
	Toolkit imaging.Toolkit
	Logger  *slog.Logger
}

// NewResampler returns a Resampler using tk, or the default toolkit when tk is nil.
func NewResampler(tk imaging.Toolkit, logger *slog.Logger) *Resampler {
	if tk == nil {
		tk = imaging.Default()
	}
	return &Resampler{Toolkit: tk, Logger: logging.OrNop(logger)}
}

// Interpolation picks the kernel for an image type: intensity images are
// interpolated linearly and everything else, labelmaps included, uses
// nearest neighbour so discrete values survive.
func Interpolation(imageType string) imaging.Interpolation {
	if strings.Contains(imageType, "image") {
		return imaging.Linear
	}
	return imaging.NearestNeighbor
}

// OutputPath replaces the spacing directory of a dataset file path with token.
func OutputPath(src, token string) string {
	spacingDir := filepath.Dir(src)
	return filepath.Join(filepath.Dir(spacingDir), token, filepath.Base(src))
}

// Run resamples samples. Configuration problems are returned as errors;
// per-file failures are collected in the Report.
func (r *Resampler) Run(ctx context.Context, samples []models.Sample, opts ResampleOptions) (*Report, error) {
	if err := opts.Spacing.Validate(); err != nil {
		return nil, err
	}
	target, ok := opts.Spacing.Axes()
	if !ok {
		return nil, fmt.Errorf("%w: cannot resample to native spacing", models.ErrConfiguration)
	}
	token := opts.Spacing.Token()
	wanted := make(map[string]bool, len(opts.ImageTypes))
	for _, t := range opts.ImageTypes {
		wanted[t] = true
	}
	logger := logging.OrNop(r.Logger)
	workers := workerCount(opts.Parallel, opts.Workers)
	logger.Info("resampling", "samples", len(samples), "spacing", token, "workers", workers)

	report := &Report{}
	err := forEachSample(ctx, samples, workers, func(s models.Sample) {
		for _, imageType := range s.ImageTypes() {
			if len(wanted) > 0 && !wanted[imageType] {
				continue
			}
			r.resampleOne(s.Name, imageType, s.Files[imageType].Path, token, target, opts.Overwrite, report, logger)
		}
	})
	logger.Info("resampling finished", "spacing", token,
		"written", report.Written, "skipped", report.Skipped, "failed", len(report.Failures))
	return report, err
}

func (r *Resampler) resampleOne(sample, imageType, src, token string, target [3]float64, overwrite bool, report *Report, logger *slog.Logger) {
	dst := OutputPath(src, token)
	if !overwrite && exists(dst) {
		logger.Info("output exists, skipping", "sample", sample, "image_type", imageType, "path", dst)
		report.skipped()
		return
	}

	fail := func(err error) {
		report.fail(logger, &models.TransformError{Sample: sample, ImageType: imageType, Path: src, Err: err})
	}
	v, err := r.Toolkit.Read(src)
	if err != nil {
		fail(err)
		return
	}
	out, err := r.Toolkit.Resample(v, target, Interpolation(imageType))
	if err != nil {
		fail(err)
		return
	}
	if err := writeAtomic(r.Toolkit, out, dst); err != nil {
		fail(err)
		return
	}
	logger.Debug("resampled", "sample", sample, "image_type", imageType, "path", dst, "size", out.Size)
	report.written()
}
