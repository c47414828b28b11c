package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"midatasets/internal/models"
	"midatasets/pkg/config"
	"midatasets/pkg/imaging"
	"midatasets/pkg/logging"
	"midatasets/pkg/pipeline"
	"midatasets/pkg/storage"
)

// Dataset is a local dataset directory at one spacing, optionally paired
// with a remote copy. Its Index is rebuilt by Setup and after downloads.
type Dataset struct {
	opts    config.Options
	cfg     *config.Config
	local   *storage.LocalBackend
	remote  storage.Remote
	toolkit imaging.Toolkit
	logger  *slog.Logger
	index   *Index

	// ownsRemote is set when Open created the remote and Close must release it.
	ownsRemote bool
}

// Option customises Open.
type Option func(*Dataset)

// WithRemote uses r as the remote side instead of resolving
// Options.RemoteBackend through the storage registry.
func WithRemote(r storage.Remote) Option {
	return func(d *Dataset) { d.remote = r }
}

// WithToolkit replaces the default imaging toolkit.
func WithToolkit(tk imaging.Toolkit) Option {
	return func(d *Dataset) { d.toolkit = tk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dataset) { d.logger = logger }
}

// WithConfig sets the global configuration used for crop naming, remote
// dataset names and default worker counts.
func WithConfig(cfg *config.Config) Option {
	return func(d *Dataset) { d.cfg = cfg }
}

// Open prepares a dataset. The optional dataset.yaml at opts.DirPath is
// merged over opts before validation, then the index is built by Setup.
func Open(ctx context.Context, opts config.Options, options ...Option) (*Dataset, error) {
	d := &Dataset{opts: opts}
	for _, o := range options {
		o(d)
	}
	if d.cfg == nil {
		d.cfg = config.DefaultConfig()
	}
	if d.toolkit == nil {
		d.toolkit = imaging.Default()
	}
	d.logger = logging.OrNop(d.logger)

	if d.opts.DirPath != "" {
		raw, err := config.LoadMetadata(d.opts.DirPath, config.MetadataFile)
		if err != nil {
			return nil, err
		}
		warnings, err := d.opts.Apply(raw)
		for _, w := range warnings {
			d.logger.Warn(w, "file", filepath.Join(d.opts.DirPath, config.MetadataFile))
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.opts.Validate(); err != nil {
		return nil, err
	}
	d.logger = d.logger.With("dataset", d.opts.Name)

	local, err := storage.NewLocalBackend(d.opts.DirPath, d.logger)
	if err != nil {
		return nil, err
	}
	d.local = local

	if d.remote == nil && d.opts.RemoteBackend != "" && d.opts.RemoteBucket != "" {
		r, err := storage.OpenRemote(ctx, d.opts.RemoteBackend, storage.Params{
			Bucket:  d.opts.RemoteBucket,
			Prefix:  d.opts.RemotePrefix,
			Profile: d.opts.RemoteProfile,
			Logger:  d.logger,
		})
		if err != nil {
			return nil, err
		}
		d.remote = r
		d.ownsRemote = true
	}

	if err := d.Setup(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Close releases a remote opened by Open.
func (d *Dataset) Close() error {
	if d.ownsRemote && d.remote != nil {
		return d.remote.Close()
	}
	return nil
}

// Setup rebuilds the index from the local directory. When no files exist
// at the dataset spacing it fails with ErrNotFound if FailOnError is set,
// and otherwise logs a warning and leaves the index empty so the dataset
// stays usable for a later Download.
func (d *Dataset) Setup(ctx context.Context) error {
	idx, err := BuildFrom(ctx, d.local, d.opts.Spacing, d.opts.Extensions, BuildOptions{
		MandatoryType:  d.ImageKey(),
		DropIncomplete: d.opts.DropIncomplete,
	})
	switch {
	case err == nil:
		d.index = idx
		d.logger.Debug("index built", "samples", idx.Len(), "image_types", idx.ImageTypes())
		return nil
	case errors.Is(err, models.ErrNotFound) && !d.opts.FailOnError:
		d.logger.Warn("no files found, index is empty", "root", d.local.Root(), "spacing", d.opts.Spacing.Token())
		d.index = &Index{token: d.opts.Spacing.Token(), byName: map[string]int{}}
		return nil
	default:
		return err
	}
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.opts.Name }

// Options returns the effective options after metadata merging.
func (d *Dataset) Options() config.Options { return d.opts }

// Root returns the local dataset directory.
func (d *Dataset) Root() string { return d.local.Root() }

// Remote returns the remote backend, or nil.
func (d *Dataset) Remote() storage.Remote { return d.remote }

func (d *Dataset) requireRemote() error {
	if d.remote == nil {
		return fmt.Errorf("%w: dataset %q has no remote", models.ErrConfiguration, d.opts.Name)
	}
	return nil
}

func (d *Dataset) backend(remote bool) (storage.Backend, error) {
	if !remote {
		return d.local, nil
	}
	if err := d.requireRemote(); err != nil {
		return nil, err
	}
	return d.remote, nil
}

// Download fetches remote files into the dataset directory and rebuilds the
// index. Unset Dest, Spacing and Extensions default to the dataset's own.
func (d *Dataset) Download(ctx context.Context, opts storage.DownloadOptions) (*storage.TransferStats, error) {
	if err := d.requireRemote(); err != nil {
		return nil, err
	}
	if opts.Dest == "" {
		opts.Dest = d.local.Root()
	}
	if !opts.Spacing.IsSet() {
		opts.Spacing = d.opts.Spacing
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = d.opts.Extensions
	}
	stats, err := d.remote.Download(ctx, opts)
	if stats == nil {
		return nil, err
	}
	if serr := d.Setup(ctx); serr != nil {
		return stats, errors.Join(err, serr)
	}
	return stats, err
}

// Upload pushes local files missing from the remote.
func (d *Dataset) Upload(ctx context.Context, opts storage.UploadOptions) (*storage.TransferStats, error) {
	if err := d.requireRemote(); err != nil {
		return nil, err
	}
	if opts.Source == "" {
		opts.Source = d.local.Root()
	}
	if !opts.Spacing.IsSet() {
		opts.Spacing = d.opts.Spacing
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = d.opts.Extensions
	}
	return d.remote.Upload(ctx, opts)
}

// RemoteDiff reports whether the remote has samples missing locally.
func (d *Dataset) RemoteDiff(ctx context.Context) (bool, error) {
	if err := d.requireRemote(); err != nil {
		return false, err
	}
	return Diff(ctx, d.local, d.remote, d.opts.Spacing, d.opts.Extensions)
}

// ListFiles lists the local or remote side at the dataset spacing.
func (d *Dataset) ListFiles(ctx context.Context, remote bool) ([]models.FileDescriptor, error) {
	b, err := d.backend(remote)
	if err != nil {
		return nil, err
	}
	return b.ListFiles(ctx, d.opts.Spacing, d.opts.Extensions)
}

// ListGrouped is ListFiles nested by spacing, image type and sample.
func (d *Dataset) ListGrouped(ctx context.Context, remote bool) (models.GroupedListing, error) {
	b, err := d.backend(remote)
	if err != nil {
		return nil, err
	}
	return storage.ListGrouped(ctx, b, d.opts.Spacing, d.opts.Extensions)
}

// ImageTypes returns the image type directories of the local or remote side.
func (d *Dataset) ImageTypes(ctx context.Context, remote bool) ([]string, error) {
	b, err := d.backend(remote)
	if err != nil {
		return nil, err
	}
	return b.ListDirs(ctx)
}

// Index returns the current index.
func (d *Dataset) Index() *Index { return d.index }

// Len returns the number of indexed samples.
func (d *Dataset) Len() int { return d.index.Len() }

// Row returns the i-th indexed sample.
func (d *Dataset) Row(i int) Row { return d.index.Row(i) }

// ImageKey returns the mandatory image type.
func (d *Dataset) ImageKey() string { return d.opts.ImageKey() }

// LabelmapKey returns the labelmap image type, honouring Options.Label.
func (d *Dataset) LabelmapKey() string { return d.opts.LabelmapKey() }

// LabelMapping returns label value -> class name for the labelmap key.
func (d *Dataset) LabelMapping() map[string]string { return d.opts.LabelMapping() }

// HasLabelmap reports whether the index has a labelmap column.
func (d *Dataset) HasLabelmap() bool { return d.index.HasImageType(d.LabelmapKey()) }

// RemoteDatasetName derives the remote dataset name from the remote prefix.
func (d *Dataset) RemoteDatasetName() string { return d.cfg.RemoteDatasetName(d.opts.RemotePrefix) }

// ImageTypePath returns the local directory holding imageType at the
// dataset spacing.
func (d *Dataset) ImageTypePath(imageType string) string {
	return filepath.Join(d.local.Root(), imageType, d.opts.Spacing.Token())
}

// ImagePaths returns the imageType path of every sample that has one, in
// index order or shuffled.
func (d *Dataset) ImagePaths(imageType string, shuffle bool) []string {
	var paths []string
	for _, r := range d.index.Rows() {
		if p, ok := r.Path(imageType); ok {
			paths = append(paths, p)
		}
	}
	if shuffle {
		rand.Shuffle(len(paths), func(i, j int) { paths[i], paths[j] = paths[j], paths[i] })
	}
	return paths
}

func (d *Dataset) samplePath(sample, imageType string) (string, error) {
	r, err := d.index.RowByName(sample)
	if err != nil {
		return "", err
	}
	p, ok := r.Path(imageType)
	if !ok {
		return "", fmt.Errorf("%w: sample %q has no %s", models.ErrNotFound, sample, imageType)
	}
	return p, nil
}

// LoadImage reads the sample's image volume.
func (d *Dataset) LoadImage(sample string) (*imaging.Volume, error) {
	p, err := d.samplePath(sample, d.ImageKey())
	if err != nil {
		return nil, err
	}
	return d.toolkit.Read(p)
}

// LoadLabelmap reads the sample's labelmap volume.
func (d *Dataset) LoadLabelmap(sample string) (*imaging.Volume, error) {
	p, err := d.samplePath(sample, d.LabelmapKey())
	if err != nil {
		return nil, err
	}
	return d.toolkit.Read(p)
}

// LoadMetadata reads the header of the sample's image without its voxels.
func (d *Dataset) LoadMetadata(sample string) (*imaging.Metadata, error) {
	p, err := d.samplePath(sample, d.ImageKey())
	if err != nil {
		return nil, err
	}
	return d.toolkit.ReadMetadata(p)
}

// LoadImageCrop reads the image crop of size around label written by ExtractCrops.
func (d *Dataset) LoadImageCrop(sample string, size, label int) (*imaging.Volume, error) {
	pair, err := d.cropPair(sample, size, label)
	if err != nil {
		return nil, err
	}
	return d.toolkit.Read(pair.ImagePath)
}

// LoadLabelmapCrop reads the binarised labelmap crop of size around label.
func (d *Dataset) LoadLabelmapCrop(sample string, size, label int) (*imaging.Volume, error) {
	pair, err := d.cropPair(sample, size, label)
	if err != nil {
		return nil, err
	}
	return d.toolkit.Read(pair.LabelmapPath)
}

func (d *Dataset) cropPair(sample string, size, label int) (pipeline.CropPair, error) {
	r, err := d.index.RowByName(sample)
	if err != nil {
		return pipeline.CropPair{}, err
	}
	fd, ok := r.Files[d.ImageKey()]
	if !ok {
		return pipeline.CropPair{}, fmt.Errorf("%w: sample %q has no %s", models.ErrNotFound, sample, d.ImageKey())
	}
	return d.cropper().CropPaths(sample, fd.SpacingToken, fd.Ext, label, size), nil
}

func (d *Dataset) cropper() *pipeline.CropExtractor {
	return &pipeline.CropExtractor{
		Toolkit:          d.toolkit,
		Logger:           d.logger,
		Root:             d.local.Root(),
		ImageType:        d.ImageKey(),
		LabelmapType:     d.LabelmapKey(),
		ImageCropType:    d.cfg.ImageCropType,
		LabelmapCropType: d.cfg.LabelmapCropType,
	}
}

func (d *Dataset) workers(n int) int {
	if n == 0 {
		return d.cfg.Workers
	}
	return n
}

// Resample writes every indexed volume at opts.Spacing.
func (d *Dataset) Resample(ctx context.Context, opts pipeline.ResampleOptions) (*pipeline.Report, error) {
	opts.Workers = d.workers(opts.Workers)
	return pipeline.NewResampler(d.toolkit, d.logger).Run(ctx, d.index.Rows(), opts)
}

// ExtractCrops writes label crops for every indexed sample.
func (d *Dataset) ExtractCrops(ctx context.Context, opts pipeline.CropOptions) (*pipeline.Report, error) {
	opts.Workers = d.workers(opts.Workers)
	return d.cropper().Run(ctx, d.index.Rows(), opts)
}

// ExtractCrop writes label crops for one sample.
func (d *Dataset) ExtractCrop(ctx context.Context, sample string, opts pipeline.CropOptions) (*pipeline.Report, error) {
	r, err := d.index.RowByName(sample)
	if err != nil {
		return nil, err
	}
	return d.cropper().Extract(ctx, r, opts)
}
