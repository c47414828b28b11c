package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"midatasets/internal/models"
	"midatasets/pkg/config"
	"midatasets/pkg/imaging"
	"midatasets/pkg/pipeline"
	"midatasets/pkg/spacing"
	"midatasets/pkg/storage"
)

var exts = []string{imaging.Ext}

func descriptor(imageType, sample string) models.FileDescriptor {
	key := models.FormatKey(imageType, "0", sample, "", imaging.Ext)
	return models.FileDescriptor{
		Path: "/data/" + key, Key: key, Ext: imaging.Ext,
		ImageType: imageType, Sample: sample, SpacingToken: "0",
	}
}

func TestBuildDropsIncompleteRows(t *testing.T) {
	listing := models.Group([]models.FileDescriptor{
		descriptor("image", "C"),
		descriptor("image", "A"),
		descriptor("labelmap", "A"),
		descriptor("labelmap", "B"),
	})

	idx, err := Build(listing, spacing.Native(), BuildOptions{MandatoryType: "image", DropIncomplete: true})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, []string{"A", "C"}, idx.Names())
	assert.Equal(t, []string{"image_path", "labelmap_path"}, idx.Columns())

	idx, err = Build(listing, spacing.Native(), BuildOptions{MandatoryType: "image"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, idx.Names())
	_, ok := idx.Path("B", "image")
	assert.False(t, ok, "missing entries are absent")
	p, ok := idx.Path("A", "labelmap")
	assert.True(t, ok)
	assert.Equal(t, "/data/labelmap/0/A"+imaging.Ext, p)

	assert.True(t, idx.HasImageType("labelmap"))
	assert.False(t, idx.HasImageType("labelmap-2"))
	assert.Equal(t, "C", idx.Row(2).Name)

	_, err = idx.RowByName("Z")
	assert.True(t, errors.Is(err, models.ErrSampleNotFound))
}

func TestBuildErrors(t *testing.T) {
	listing := models.Group([]models.FileDescriptor{descriptor("image", "A")})

	_, err := Build(listing, spacing.Scalar(2), BuildOptions{})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = Build(listing, spacing.Spec{}, BuildOptions{})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	var empty *Index
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.HasImageType("image"))
}

// writeVolume stores v at <root>/<key>.
func writeVolume(t *testing.T, root, key string, v *imaging.Volume) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, imaging.Default().Write(v, p))
}

// twoSampleDataset writes samples A and B with a gradient image and a
// {0,1} labelmap at native spacing.
func twoSampleDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	img := imaging.NewVolume([3]int{4, 4, 4})
	lmap := imaging.NewVolume([3]int{4, 4, 4})
	img.Spacing = [3]float64{2, 2, 2}
	lmap.Spacing = img.Spacing
	for i := range img.Data {
		img.Data[i] = float64(i)
		if i%3 == 0 {
			lmap.Data[i] = 1
		}
	}
	for _, name := range []string{"A", "B"} {
		writeVolume(t, root, "image/0/"+name+imaging.Ext, img)
		writeVolume(t, root, "labelmap/0/"+name+imaging.Ext, lmap)
	}
	return root
}

func options(dir string, spec spacing.Spec) config.Options {
	opts := config.DefaultOptions()
	opts.DirPath = dir
	opts.Spacing = spec
	opts.Extensions = exts
	opts.RemoteBackend = ""
	return opts
}

func TestOpenLenientAndStrict(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := Open(ctx, options(dir, spacing.Native()))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())

	strict := options(dir, spacing.Native())
	strict.FailOnError = true
	_, err = Open(ctx, strict)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = Open(ctx, options(dir, spacing.Spec{}))
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestOpenMergesMetadataFile(t *testing.T) {
	ctx := context.Background()
	dir := twoSampleDataset(t)
	meta := `name: liver
aws_s3_prefix: datasets/liver
label: "1"
label_mappings:
  labelmap-1:
    "1": liver
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.MetadataFile), []byte(meta), 0644))

	cfg := config.DefaultConfig()
	cfg.RootS3Prefix = "datasets/"
	d, err := Open(ctx, options(dir, spacing.Native()), WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "liver", d.Name())
	assert.Equal(t, "datasets/liver", d.Options().RemotePrefix)
	assert.Equal(t, "liver", d.RemoteDatasetName())
	assert.Equal(t, "labelmap-1", d.LabelmapKey())
	assert.Equal(t, map[string]string{"1": "liver"}, d.LabelMapping())
	assert.False(t, d.HasLabelmap())
	assert.Equal(t, 2, d.Len())
}

func TestDatasetLoaders(t *testing.T) {
	ctx := context.Background()
	dir := twoSampleDataset(t)
	d, err := Open(ctx, options(dir, spacing.Native()))
	require.NoError(t, err)

	assert.Equal(t, "image", d.ImageKey())
	assert.True(t, d.HasLabelmap())
	assert.Equal(t, filepath.Join(d.Root(), "labelmap", "0"), d.ImageTypePath("labelmap"))
	assert.Len(t, d.ImagePaths("image", false), 2)
	assert.ElementsMatch(t, d.ImagePaths("image", false), d.ImagePaths("image", true))

	img, err := d.LoadImage("A")
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 4}, img.Size)

	md, err := d.LoadMetadata("B")
	require.NoError(t, err)
	assert.Equal(t, [3]float64{2, 2, 2}, md.Spacing)

	_, err = d.LoadLabelmap("nope")
	assert.True(t, errors.Is(err, models.ErrSampleNotFound))

	_, err = d.RemoteDiff(ctx)
	assert.True(t, errors.Is(err, models.ErrConfiguration), "no remote configured")
}

func TestResampleEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := twoSampleDataset(t)
	d, err := Open(ctx, options(dir, spacing.Native()))
	require.NoError(t, err)

	report, err := d.Resample(ctx, pipeline.ResampleOptions{Spacing: spacing.Vector(1, 1, 1), Parallel: true})
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 4, report.Written)

	grouped, err := storage.ListGrouped(ctx, d.local, spacing.Vector(1, 1, 1), exts)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, grouped.Samples("1x1x1"))

	iso, err := Open(ctx, options(dir, spacing.Vector(1, 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, 2, iso.Len())
	lm, err := iso.LoadLabelmap("B")
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1, 1, 1}, lm.Spacing)
	assert.Equal(t, []int{1}, imaging.Labels(lm))
}

func TestExtractCropsAndLoad(t *testing.T) {
	ctx := context.Background()
	dir := twoSampleDataset(t)
	d, err := Open(ctx, options(dir, spacing.Native()))
	require.NoError(t, err)

	report, err := d.ExtractCrops(ctx, pipeline.CropOptions{Size: 2})
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 4, report.Written)

	crop, err := d.LoadLabelmapCrop("A", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 2}, crop.Size)
	_, err = d.LoadImageCrop("A", 2, 1)
	require.NoError(t, err)

	_, err = d.ExtractCrop(ctx, "Z", pipeline.CropOptions{Size: 2})
	assert.True(t, errors.Is(err, models.ErrSampleNotFound))
}

func TestRemoteDiffAndDownload(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	for _, key := range []string{"image/0/A.vol.gz", "image/0/B.vol.gz", "labelmap/0/B.vol.gz"} {
		require.NoError(t, bucket.WriteAll(ctx, key, []byte("x"), nil))
	}
	remote := storage.NewBlobBackend(bucket, "", "mem://", nil)

	dir := t.TempDir()
	writeVolume(t, dir, "image/0/A"+imaging.Ext, imaging.NewVolume([3]int{1, 1, 1}))

	d, err := Open(ctx, options(dir, spacing.Native()), WithRemote(remote))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())

	missing, err := d.RemoteDiff(ctx)
	require.NoError(t, err)
	assert.True(t, missing)

	remoteTypes, err := d.ImageTypes(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"image", "labelmap"}, remoteTypes)

	stats, err := d.Download(ctx, storage.DownloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, d.Len(), "download rebuilds the index")

	missing, err = d.RemoteDiff(ctx)
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestDiffIsOneDirectional(t *testing.T) {
	ctx := context.Background()
	newBackend := func(keys ...string) storage.Backend {
		bucket := memblob.OpenBucket(nil)
		for _, k := range keys {
			require.NoError(t, bucket.WriteAll(ctx, k, []byte("x"), nil))
		}
		return storage.NewBlobBackend(bucket, "", "mem://", nil)
	}
	remote := newBackend("image/0/A.vol.gz", "image/0/B.vol.gz")

	tests := []struct {
		name  string
		local storage.Backend
		want  bool
	}{
		{"subset", newBackend("image/0/A.vol.gz"), true},
		{"equal", newBackend("image/0/A.vol.gz", "labelmap/0/B.vol.gz"), false},
		{"superset", newBackend("image/0/A.vol.gz", "image/0/B.vol.gz", "image/0/C.vol.gz"), false},
		{"other spacing only", newBackend("image/1/A.vol.gz", "image/1/B.vol.gz"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Diff(ctx, tt.local, remote, spacing.Native(), exts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
