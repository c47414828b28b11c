package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"midatasets/internal/models"
	"midatasets/pkg/spacing"
)

var exts = []string{".nii.gz"}

// writeTree creates empty-ish files for the given root-relative keys
func writeTree(t *testing.T, root string, keys ...string) {
	t.Helper()
	for _, k := range keys {
		p := filepath.Join(root, filepath.FromSlash(k))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("data:"+k), 0644))
	}
}

func newMemBucket(t *testing.T, keys ...string) *blob.Bucket {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	for _, k := range keys {
		require.NoError(t, bucket.WriteAll(ctx, k, []byte("data:"+k), nil))
	}
	return bucket
}

func TestLocalListFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root,
		"image/0/A.nii.gz",
		"image/0/B.nii.gz",
		"labelmap/0/A_labelmap.nii.gz",
		"labelmap/1x1x1/A.nii.gz",
		"image/0/.partial-123",
		"image/0/notes.txt",
		".cache/0/x.nii.gz",
	)
	b, err := NewLocalBackend(root, nil)
	require.NoError(t, err)

	dirs, err := b.ListDirs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"image", "labelmap"}, dirs)

	files, err := b.ListFiles(ctx, spacing.Native(), exts)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "image/0/A.nii.gz", files[0].Key)
	assert.Equal(t, filepath.Join(root, "image", "0", "A.nii.gz"), files[0].Path)
	assert.Equal(t, "A", files[2].Sample)
	assert.Equal(t, "labelmap", files[2].ImageType)

	g1, err := ListGrouped(ctx, b, spacing.Native(), exts)
	require.NoError(t, err)
	g2, err := ListGrouped(ctx, b, spacing.Native(), exts)
	require.NoError(t, err)
	assert.Equal(t, g1, g2, "listing must be deterministic")
	assert.Equal(t, []string{"A", "B"}, g1.Samples("0"))

	iso, err := ListGrouped(ctx, b, spacing.Vector(1, 1, 1), exts)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, iso.Samples("1x1x1"))
	assert.Nil(t, iso.Spacing("0"))
}

func TestLocalListFilesMissingRootIsEmpty(t *testing.T) {
	b, err := NewLocalBackend(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	files, err := b.ListFiles(context.Background(), spacing.Native(), exts)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListFilesRequiresSpacing(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = b.ListFiles(context.Background(), spacing.Spec{}, exts)
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = NewLocalBackend("", nil)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestStagedFilesStayInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocalBackend(t.TempDir(), nil)
	require.NoError(t, err)

	s, n, err := b.stage("image/0/A.nii.gz", strings.NewReader("voxels"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	files, err := b.ListFiles(ctx, spacing.Native(), exts)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, b.commit([]staged{s}))
	files, err = b.ListFiles(ctx, spacing.Native(), exts)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "A", files[0].Sample)
}

func TestBlobListFilesWithPrefix(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket(t,
		"datasets/liver/image/0/A.nii.gz",
		"datasets/liver/labelmap/0/A.nii.gz",
		"datasets/liver/image/2/A.nii.gz",
		"datasets/other/image/0/Z.nii.gz",
	)
	b := NewBlobBackend(bucket, "datasets/liver", "mem://datasets/liver", nil)
	defer b.Close()

	dirs, err := b.ListDirs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"image", "labelmap"}, dirs)

	files, err := b.ListFiles(ctx, spacing.Native(), exts)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "image/0/A.nii.gz", files[0].Key)
	assert.Equal(t, "mem://datasets/liver/image/0/A.nii.gz", files[0].Path)

	files, err = b.ListFiles(ctx, spacing.Scalar(2), exts)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestDownloadCapsSamplesNotFiles(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket(t,
		"image/0/A.nii.gz",
		"labelmap/0/A.nii.gz",
		"image/0/B.nii.gz",
		"labelmap/0/B.nii.gz",
		"image/0/C.nii.gz",
		"image/1/A.nii.gz",
	)
	remote := NewBlobBackend(bucket, "", "mem://", nil)
	dest := t.TempDir()

	stats, err := remote.Download(ctx, DownloadOptions{
		Dest: dest, Spacing: spacing.Native(), Extensions: exts, MaxImages: 2, Workers: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Samples)
	assert.Equal(t, 4, stats.Files)

	local, err := NewLocalBackend(dest, nil)
	require.NoError(t, err)
	g, err := ListGrouped(ctx, local, spacing.Native(), exts)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, g.Samples("0"))

	data, err := os.ReadFile(filepath.Join(dest, "labelmap", "0", "B.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, "data:labelmap/0/B.nii.gz", string(data))

	// A second run finds everything already present.
	stats, err = remote.Download(ctx, DownloadOptions{
		Dest: dest, Spacing: spacing.Native(), Extensions: exts, MaxImages: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Files)
	assert.Equal(t, 4, stats.Skipped)
}

func TestDownloadIncludeAndDryRun(t *testing.T) {
	ctx := context.Background()
	remote := NewBlobBackend(newMemBucket(t, "image/0/A.nii.gz", "image/0/case2.nii.gz"), "", "mem://", nil)
	dest := t.TempDir()

	stats, err := remote.Download(ctx, DownloadOptions{
		Dest: dest, Spacing: spacing.Native(), Extensions: exts,
		Include: regexp.MustCompile(`^case`), DryRun: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Files)
	assert.Equal(t, 0, stats.Samples)
	assert.Equal(t, 1, stats.Planned)
	_, err = os.Stat(filepath.Join(dest, "image"))
	assert.True(t, os.IsNotExist(err), "dry run must not write")

	stats, err = remote.Download(ctx, DownloadOptions{
		Dest: dest, Spacing: spacing.Native(), Extensions: exts,
		Include: regexp.MustCompile(`^case`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Samples)
	assert.Equal(t, 0, stats.Planned)
	_, err = os.Stat(filepath.Join(dest, "image", "0", "case2.nii.gz"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "image", "0", "A.nii.gz"))
	assert.True(t, os.IsNotExist(err))
}

func TestUploadSkipsExisting(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, "image/0/A.nii.gz", "image/0/B.nii.gz", "labelmap/0/B.nii.gz")

	bucket := newMemBucket(t, "image/0/A.nii.gz")
	remote := NewBlobBackend(bucket, "", "mem://", nil)

	stats, err := remote.Upload(ctx, UploadOptions{Source: src, Spacing: spacing.Native(), Extensions: exts})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Skipped)

	data, err := bucket.ReadAll(ctx, "labelmap/0/B.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, "data:labelmap/0/B.nii.gz", string(data))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "ftp", Params{})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	b, err := Open(ctx, "local", Params{Root: t.TempDir()})
	require.NoError(t, err)
	_, isRemote := b.(Remote)
	assert.False(t, isRemote)
	_, err = OpenRemote(ctx, "local", Params{Root: t.TempDir()})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	r, err := OpenRemote(ctx, "mem", Params{Prefix: "ds"})
	require.NoError(t, err)
	assert.Equal(t, "mem://ds", r.Root())

	bucketDir := t.TempDir()
	writeTree(t, bucketDir, "ds/image/0/A.nii.gz")
	r, err = OpenRemote(ctx, "file", Params{Bucket: bucketDir, Prefix: "ds"})
	require.NoError(t, err)
	files, err := r.ListFiles(ctx, spacing.Native(), exts)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "A", files[0].Sample)

	for _, name := range []string{"s3", "gs", "file"} {
		_, err = OpenRemote(ctx, name, Params{Profile: "default"})
		assert.True(t, errors.Is(err, models.ErrConfiguration), "missing bucket for %s", name)
	}

	Register("fake", func(context.Context, Params) (Backend, error) { return r, nil })
	assert.Contains(t, Names(), "fake")
}
