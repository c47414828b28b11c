package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"midatasets/internal/models"
	"midatasets/pkg/logging"
	"midatasets/pkg/spacing"
)

// stagePrefix marks in-flight files. ParseKey ignores names starting with '.'.
const stagePrefix = ".partial-"

// LocalBackend lists a dataset directory tree.
type LocalBackend struct {
	root   string
	fs     billy.Filesystem
	logger *slog.Logger
}

// NewLocalBackend returns a backend rooted at dir. dir is made absolute
// and environment variables in it are expanded; it need not exist yet.
func NewLocalBackend(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: local root path is not set", models.ErrConfiguration)
	}
	abs, err := filepath.Abs(os.ExpandEnv(dir))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	return NewLocalBackendFS(osfs.New(abs), abs, logger), nil
}

// NewLocalBackendFS returns a backend over an existing filesystem whose
// root corresponds to root. Descriptor paths are root joined with the key.
func NewLocalBackendFS(fs billy.Filesystem, root string, logger *slog.Logger) *LocalBackend {
	return &LocalBackend{root: root, fs: fs, logger: logging.OrNop(logger)}
}

// Root returns the absolute dataset directory.
func (b *LocalBackend) Root() string { return b.root }

// ListDirs returns the image type directories directly under the root.
func (b *LocalBackend) ListDirs(ctx context.Context) ([]string, error) {
	entries, err := b.readDir("/")
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ListFiles reads <root>/<type>/<token>/ for every image type directory.
func (b *LocalBackend) ListFiles(ctx context.Context, spec spacing.Spec, exts []string) ([]models.FileDescriptor, error) {
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
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := b.readDir(path.Join(imageType, token))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fd, ok := models.ParseKey(path.Join(imageType, token, e.Name()), exts)
			if !ok {
				continue
			}
			fd.Path = filepath.Join(b.root, filepath.FromSlash(fd.Key))
			fd.Size = e.Size()
			files = append(files, fd)
		}
	}
	sortFiles(files)
	b.logger.Debug("listed local files", "root", b.root, "spacing", token, "files", len(files))
	return files, nil
}

// readDir lists dir, treating a missing directory as empty.
func (b *LocalBackend) readDir(dir string) ([]os.FileInfo, error) {
	entries, err := b.fs.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", filepath.Join(b.root, dir), err)
	}
	return entries, nil
}

// Exists reports whether key is present.
func (b *LocalBackend) Exists(key string) bool {
	_, err := b.fs.Stat(key)
	return err == nil
}

// staged is a file written under a hidden name and published by rename.
type staged struct {
	tmp, final string
}

// stage copies r into a hidden file next to key and returns the pending
// rename. Nothing under key becomes visible until commit.
func (b *LocalBackend) stage(key string, r io.Reader) (staged, int64, error) {
	dir := path.Dir(key)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return staged{}, 0, err
	}
	f, err := b.fs.TempFile(dir, stagePrefix)
	if err != nil {
		return staged{}, 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.fs.Remove(f.Name())
		return staged{}, n, err
	}
	return staged{tmp: f.Name(), final: key}, n, nil
}

// commit publishes staged files in order.
func (b *LocalBackend) commit(files []staged) error {
	for i, s := range files {
		if err := b.fs.Rename(s.tmp, s.final); err != nil {
			b.discard(files[i:])
			return err
		}
	}
	return nil
}

// discard removes staged files that were never published.
func (b *LocalBackend) discard(files []staged) {
	for _, s := range files {
		if err := b.fs.Remove(s.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("failed to remove staged file", "path", s.tmp, "error", err)
		}
	}
}

// open returns a reader for key.
func (b *LocalBackend) open(key string) (billy.File, error) {
	return b.fs.Open(key)
}
