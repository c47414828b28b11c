package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"midatasets/internal/models"
	"midatasets/pkg/logging"
	"midatasets/pkg/spacing"
)

// BlobBackend lists and transfers a dataset stored in a gocloud bucket
// (S3, GCS, local file buckets, or in-memory buckets in tests).
type BlobBackend struct {
	bucket *blob.Bucket
	root   string
	logger *slog.Logger
}

// NewBlobBackend wraps bucket. When prefix is non-empty only keys under it
// are visible and keys are reported relative to it. root is the display
// location used in descriptor paths and logs.
func NewBlobBackend(bucket *blob.Bucket, prefix, root string, logger *slog.Logger) *BlobBackend {
	if p := strings.Trim(prefix, "/"); p != "" {
		bucket = blob.PrefixedBucket(bucket, p+"/")
	}
	return &BlobBackend{bucket: bucket, root: strings.TrimSuffix(root, "/"), logger: logging.OrNop(logger)}
}

// Root returns the bucket location including any prefix.
func (b *BlobBackend) Root() string { return b.root }

// Close releases the bucket.
func (b *BlobBackend) Close() error { return b.bucket.Close() }

// ListDirs returns the first-level "directories" of the bucket.
func (b *BlobBackend) ListDirs(ctx context.Context) ([]string, error) {
	var dirs []string
	err := b.list(ctx, "", "/", func(obj *blob.ListObject) {
		if obj.IsDir {
			name := strings.TrimSuffix(obj.Key, "/")
			if name != "" && name[0] != '.' {
				dirs = append(dirs, name)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// ListFiles lists <type>/<token>/ for every image type prefix.
func (b *BlobBackend) ListFiles(ctx context.Context, spec spacing.Spec, exts []string) ([]models.FileDescriptor, error) {
	if err := checkListArgs(spec, exts); err != nil {
		return nil, err
	}
	dirs, err := b.ListDirs(ctx)
	if err != nil {
		return nil, err
	}
	token := spec.Token()

	files := []models.FileDescriptor{}
	for _, imageType := range dirs {
		err := b.list(ctx, imageType+"/"+token+"/", "/", func(obj *blob.ListObject) {
			if obj.IsDir {
				return
			}
			fd, ok := models.ParseKey(obj.Key, exts)
			if !ok {
				return
			}
			fd.Path = b.root + "/" + fd.Key
			fd.Size = obj.Size
			files = append(files, fd)
		})
		if err != nil {
			return nil, err
		}
	}
	sortFiles(files)
	b.logger.Debug("listed remote files", "root", b.root, "spacing", token, "files", len(files))
	return files, nil
}

func (b *BlobBackend) list(ctx context.Context, prefix, delim string, fn func(*blob.ListObject)) error {
	it := b.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: delim})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing %s/%s: %w", b.root, prefix, err)
		}
		fn(obj)
	}
}

// Download transfers the selected samples into opts.Dest.
//
// Each sample's files are first written under hidden staging names and
// renamed into place only after all of them transferred, so a concurrent
// local listing sees either none of a sample's files or, while the final
// renames run, a subset of them; never a truncated file. A failed sample
// leaves nothing behind and is reported in TransferStats.Failed.
func (b *BlobBackend) Download(ctx context.Context, opts DownloadOptions) (*TransferStats, error) {
	files, err := b.ListFiles(ctx, opts.Spacing, opts.Extensions)
	if err != nil {
		return nil, err
	}
	local, err := NewLocalBackend(opts.Dest, b.logger)
	if err != nil {
		return nil, err
	}
	names, bySample := selectSamples(files, opts.Include, opts.MaxImages)
	b.logger.Info("downloading", "from", b.root, "to", local.Root(), "samples", len(names), "dryrun", opts.DryRun)

	stats := &TransferStats{}
	var mu sync.Mutex
	var errs []error

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, name := range names {
		g.Go(func() error {
			n, files, skipped, err := b.downloadSample(ctx, local, name, bySample[name], opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed = append(stats.Failed, name)
				errs = append(errs, fmt.Errorf("sample %s: %w", name, err))
				b.logger.Error("download failed", "sample", name, "error", err)
				return nil
			}
			if opts.DryRun {
				stats.Planned++
			} else {
				stats.Samples++
			}
			stats.Files += files
			stats.Skipped += skipped
			stats.Bytes += n
			return nil
		})
	}
	g.Wait()

	b.logger.Info("download finished", "samples", stats.Samples, "files", stats.Files,
		"skipped", stats.Skipped, "size", humanize.Bytes(uint64(stats.Bytes)), "failed", len(stats.Failed))
	return stats, errors.Join(errs...)
}

func (b *BlobBackend) downloadSample(ctx context.Context, local *LocalBackend, name string, files []models.FileDescriptor, opts DownloadOptions) (int64, int, int, error) {
	var pending []staged
	var total int64
	skipped := 0
	for _, f := range files {
		if !opts.Overwrite && local.Exists(f.Key) {
			skipped++
			continue
		}
		if opts.DryRun {
			b.logger.Info("would download", "sample", name, "key", f.Key, "size", humanize.Bytes(uint64(f.Size)))
			continue
		}
		r, err := b.bucket.NewReader(ctx, f.Key, nil)
		if err != nil {
			local.discard(pending)
			if gcerrors.Code(err) == gcerrors.NotFound {
				return total, 0, skipped, fmt.Errorf("%s vanished during download: %w", f.Key, models.ErrNotFound)
			}
			return total, 0, skipped, err
		}
		s, n, err := local.stage(f.Key, r)
		r.Close()
		total += n
		if err != nil {
			local.discard(pending)
			return total, 0, skipped, fmt.Errorf("downloading %s: %w", f.Key, err)
		}
		pending = append(pending, s)
	}
	if err := local.commit(pending); err != nil {
		return total, 0, skipped, err
	}
	if len(pending) > 0 {
		b.logger.Debug("downloaded sample", "sample", name, "files", len(pending), "size", humanize.Bytes(uint64(total)))
	}
	return total, len(pending), skipped, nil
}

// Upload copies local files that are absent from the bucket.
func (b *BlobBackend) Upload(ctx context.Context, opts UploadOptions) (*TransferStats, error) {
	local, err := NewLocalBackend(opts.Source, b.logger)
	if err != nil {
		return nil, err
	}
	files, err := local.ListFiles(ctx, opts.Spacing, opts.Extensions)
	if err != nil {
		return nil, err
	}
	names, bySample := selectSamples(files, opts.Include, 0)

	stats := &TransferStats{}
	var errs []error
	for _, name := range names {
		uploaded := 0
		var failed bool
		for _, f := range bySample[name] {
			if !opts.Overwrite {
				exists, err := b.bucket.Exists(ctx, f.Key)
				if err != nil {
					errs = append(errs, err)
					failed = true
					break
				}
				if exists {
					stats.Skipped++
					continue
				}
			}
			if opts.DryRun {
				b.logger.Info("would upload", "sample", name, "key", f.Key, "size", humanize.Bytes(uint64(f.Size)))
				continue
			}
			n, err := b.upload(ctx, local, f.Key)
			if err != nil {
				errs = append(errs, fmt.Errorf("uploading %s: %w", f.Key, err))
				failed = true
				break
			}
			stats.Bytes += n
			uploaded++
		}
		if failed {
			stats.Failed = append(stats.Failed, name)
			continue
		}
		if opts.DryRun {
			stats.Planned++
		} else {
			stats.Samples++
		}
		stats.Files += uploaded
	}
	b.logger.Info("upload finished", "to", b.root, "samples", stats.Samples, "files", stats.Files,
		"skipped", stats.Skipped, "size", humanize.Bytes(uint64(stats.Bytes)), "failed", len(stats.Failed))
	return stats, errors.Join(errs...)
}

func (b *BlobBackend) upload(ctx context.Context, local *LocalBackend, key string) (int64, error) {
	src, err := local.open(key)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	// Cancelling the writer's context aborts the upload instead of
	// committing a partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := b.bucket.NewWriter(wctx, path.Clean(key), nil)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	if err != nil {
		cancel()
		w.Close()
		return n, err
	}
	return n, w.Close()
}
