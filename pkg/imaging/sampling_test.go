package imaging

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoClassPair returns a ramp image and a labelmap with a label 1 block at
// x,y,z in [6,8) inside a 10^3 grid.
func twoClassPair() (*Volume, *Volume) {
	size := [3]int{10, 10, 10}
	img := rampVolume(size)
	lmap := NewVolume(size)
	for z := 6; z < 8; z++ {
		for y := 6; y < 8; y++ {
			for x := 6; x < 8; x++ {
				lmap.Set(x, y, z, 1)
			}
		}
	}
	return img, lmap
}

func TestRandomRegionsStayInside(t *testing.T) {
	img, lmap := twoClassPair()
	rng := rand.New(rand.NewPCG(1, 2))
	pairs, err := RandomRegions(img, lmap, [3]int{4, 4, 4}, 20, rng)
	require.NoError(t, err)
	require.Len(t, pairs, 20)
	for _, p := range pairs {
		assert.Equal(t, [3]int{4, 4, 4}, p.Image.Size)
		for a := 0; a < 3; a++ {
			assert.True(t, p.Start[a] >= 0 && p.Start[a] <= 6, "start %v", p.Start)
		}
		assert.Equal(t, img.At(p.Start[0], p.Start[1], p.Start[2]), p.Image.At(0, 0, 0))
	}

	// A block larger than the volume starts at the corner and is padded.
	pairs, err = RandomRegions(img, lmap, [3]int{12, 4, 4}, 1, rng)
	require.NoError(t, err)
	assert.Equal(t, 0, pairs[0].Start[0])

	_, err = RandomRegions(img, NewVolume([3]int{2, 2, 2}), [3]int{4, 4, 4}, 1, rng)
	assert.Error(t, err)
}

func TestClassBalancedRegions(t *testing.T) {
	img, lmap := twoClassPair()
	rng := rand.New(rand.NewPCG(3, 4))
	pairs, err := ClassBalancedRegions(img, lmap, [3]int{3, 3, 3}, 5, []float64{1, 4}, rng)
	require.NoError(t, err)
	require.Len(t, pairs, 5)

	// One background block, then four centred on label 1 voxels.
	assert.Equal(t, 0.0, pairs[0].Labelmap.At(1, 1, 1))
	for _, p := range pairs[1:] {
		assert.Equal(t, 1.0, p.Labelmap.At(1, 1, 1))
	}

	// A class missing from the labelmap yields no blocks.
	pairs, err = ClassBalancedRegions(img, lmap, [3]int{3, 3, 3}, 4, []float64{0, 1, 1}, rng)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	_, err = ClassBalancedRegions(img, lmap, [3]int{3, 3, 3}, 4, []float64{0, 0}, rng)
	assert.Error(t, err)
}

func TestClassCounts(t *testing.T) {
	counts, err := classCounts(5, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, counts)

	counts, err = classCounts(7, []float64{0, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5, 2}, counts)

	_, err = classCounts(1, []float64{-1, 2})
	assert.Error(t, err)
}

func TestSlicesAtLabel(t *testing.T) {
	img, lmap := twoClassPair()
	lmap.Set(0, 0, 2, 3)

	imgs, lmaps, err := SlicesAtLabel(img, lmap, SliceOptions{Axis: 2})
	require.NoError(t, err)
	require.Len(t, imgs, 3, "z planes 2, 6 and 7")
	assert.Equal(t, [3]int{10, 10, 1}, imgs[0].Size)
	assert.Equal(t, 3.0, lmaps[0].At(0, 0, 0))

	one := 1
	imgs, lmaps, err = SlicesAtLabel(img, lmap, SliceOptions{Axis: 0, Label: &one, Step: 2})
	require.NoError(t, err)
	require.Len(t, imgs, 1, "x planes 6 and 7, every second kept")
	assert.Equal(t, img.At(6, 3, 4), imgs[0].At(0, 3, 4))

	imgs, lmaps, err = SlicesAtLabel(img, lmap, SliceOptions{Axis: 2, Label: &one, Tight: true})
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, [3]int{2, 2, 1}, imgs[0].Size)
	assert.Equal(t, img.At(6, 6, 6), imgs[0].At(0, 0, 0))
	assert.Equal(t, []float64{1, 1, 1, 1}, lmaps[1].Data)

	_, _, err = SlicesAtLabel(img, lmap, SliceOptions{Axis: 3})
	assert.Error(t, err)
}
