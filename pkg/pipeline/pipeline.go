// Package pipeline rewrites a dataset sample by sample: resampling every
// volume to a new spacing, or cutting fixed-size crops around each label.
//
// Samples are processed by a bounded pool of workers. A failure in one
// sample is recorded in the Report and never stops the others. Outputs are
// written under a hidden temporary name and renamed into place, so dataset
// listings never observe a half-written file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"midatasets/internal/models"
	"midatasets/pkg/imaging"
)

// Report summarises one batch run.
type Report struct {
	// Written counts output files created.
	Written int

	// Skipped counts outputs left alone because they already existed.
	Skipped int

	// Failures lists every per-sample failure, in completion order.
	Failures []*models.TransformError

	mu sync.Mutex
}

// Err joins all failures into one error, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (r *Report) written() {
	r.mu.Lock()
	r.Written++
	r.mu.Unlock()
}

func (r *Report) skipped() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

func (r *Report) fail(logger *slog.Logger, e *models.TransformError) {
	r.mu.Lock()
	r.Failures = append(r.Failures, e)
	r.mu.Unlock()
	logger.Error("transform failed",
		"sample", e.Sample, "image_type", e.ImageType, "label", e.Label, "path", e.Path, "error", e.Err)
}

// workerCount resolves the effective pool size.
func workerCount(parallel bool, workers int) int {
	if !parallel {
		return 1
	}
	if workers <= 0 {
		return runtime.NumCPU()
	}
	return workers
}

// forEachSample runs fn for every sample on a pool of n workers. Samples
// are started in order; fn must not return errors for per-sample failures.
// Once ctx is done no further samples are started.
func forEachSample(ctx context.Context, samples []models.Sample, n int, fn func(models.Sample)) error {
	var g errgroup.Group
	g.SetLimit(n)
	for _, s := range samples {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(s)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

// exists reports whether path is present.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeAtomic writes v to path through a hidden temporary file in the same
// directory. The temporary name keeps the suffix of path so toolkits that
// choose a codec by extension still recognise it.
func writeAtomic(tk imaging.Toolkit, v *imaging.Volume, path string) error {
	dir, base := filepath.Split(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+"-"+base)
	if err := tk.Write(v, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
