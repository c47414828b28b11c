// Package storage discovers dataset files on local disk and in object stores
// and moves them between the two.
//
// Every backend applies the same naming convention (models.ParseKey):
//
//	<root>/<image_type>/<spacing_token>/<sample>[_<suffix>]<ext>
//
// so anything one backend or pipeline writes can be rediscovered by another.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"midatasets/internal/models"
	"midatasets/pkg/spacing"
)

// Backend is the capability shared by local and remote storage.
type Backend interface {
	// ListFiles returns every dataset file in the spacing token partition
	// of spec whose name ends in one of exts, sorted by key. It never
	// mutates storage and returns an empty slice when nothing matches.
	ListFiles(ctx context.Context, spec spacing.Spec, exts []string) ([]models.FileDescriptor, error)

	// ListDirs returns the sorted first-level image type directories.
	ListDirs(ctx context.Context) ([]string, error)

	// Root describes the location the backend lists, for logs and errors.
	Root() string
}

// Remote is a Backend that can transfer files to and from a local root.
type Remote interface {
	Backend

	// Download copies matching remote files under opts.Dest using the
	// same layout. A sample only becomes visible locally once every one of
	// its files has been transferred.
	Download(ctx context.Context, opts DownloadOptions) (*TransferStats, error)

	// Upload copies local files from opts.Source that are missing remotely.
	Upload(ctx context.Context, opts UploadOptions) (*TransferStats, error)

	// Close releases the underlying bucket.
	Close() error
}

// ListGrouped lists b and nests the result by spacing, image type and sample.
func ListGrouped(ctx context.Context, b Backend, spec spacing.Spec, exts []string) (models.GroupedListing, error) {
	files, err := b.ListFiles(ctx, spec, exts)
	if err != nil {
		return nil, err
	}
	return models.Group(files), nil
}

// DownloadOptions selects what Download transfers.
type DownloadOptions struct {
	// Dest is the local dataset root.
	Dest       string
	Spacing    spacing.Spec
	Extensions []string

	// Include, when set, keeps only samples whose name matches.
	Include *regexp.Regexp

	// DryRun logs the selection without transferring anything.
	DryRun bool

	// MaxImages caps the number of distinct samples, not files. Zero means
	// no cap. Samples are taken in sorted name order.
	MaxImages int

	// Workers bounds concurrent sample transfers; zero means one.
	Workers int

	// Overwrite re-transfers files that already exist at the destination.
	Overwrite bool
}

// UploadOptions selects what Upload transfers.
type UploadOptions struct {
	// Source is the local dataset root.
	Source     string
	Spacing    spacing.Spec
	Extensions []string
	Include    *regexp.Regexp
	DryRun     bool
	Overwrite  bool
}

// TransferStats summarises a Download or Upload.
type TransferStats struct {
	// Samples counts samples that completed a real transfer.
	Samples int

	// Planned counts samples a dry run selected; it stays zero otherwise.
	Planned int

	Files   int
	Skipped int
	Bytes   int64

	// Failed lists samples whose transfer did not complete.
	Failed []string
}

// selectSamples groups files by sample, applies include and max, and
// returns the chosen sample names in sorted order with their files.
func selectSamples(files []models.FileDescriptor, include *regexp.Regexp, max int) ([]string, map[string][]models.FileDescriptor) {
	bySample := make(map[string][]models.FileDescriptor)
	for _, f := range files {
		if include != nil && !include.MatchString(f.Sample) {
			continue
		}
		bySample[f.Sample] = append(bySample[f.Sample], f)
	}
	names := make([]string, 0, len(bySample))
	for name := range bySample {
		names = append(names, name)
	}
	sort.Strings(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	return names, bySample
}

func checkListArgs(spec spacing.Spec, exts []string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if len(exts) == 0 {
		return fmt.Errorf("%w: no extensions given", models.ErrConfiguration)
	}
	return nil
}

func sortFiles(files []models.FileDescriptor) {
	sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
}
