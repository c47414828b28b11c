package imaging

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// RegionPair is an image block and the labelmap block at the same place.
type RegionPair struct {
	Image    *Volume
	Labelmap *Volume

	// Start is the voxel position of the block's first corner in the source.
	Start [3]int
}

func checkPair(img, lmap *Volume, size [3]int) error {
	if img.Size != lmap.Size {
		return fmt.Errorf("image size %v does not match labelmap size %v", img.Size, lmap.Size)
	}
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return fmt.Errorf("size dimensions must be positive")
	}
	return nil
}

func extractPair(img, lmap *Volume, start, size [3]int) (RegionPair, error) {
	i, err := ExtractRegion(img, start, size)
	if err != nil {
		return RegionPair{}, err
	}
	l, err := ExtractRegion(lmap, start, size)
	if err != nil {
		return RegionPair{}, err
	}
	return RegionPair{Image: i, Labelmap: l, Start: start}, nil
}

// RandomRegions extracts n block pairs at uniformly random positions. A
// block lies fully inside the volume along every axis the volume is large
// enough for; along shorter axes it starts at 0 and is zero padded.
func RandomRegions(img, lmap *Volume, size [3]int, n int, rng *rand.Rand) ([]RegionPair, error) {
	if err := checkPair(img, lmap, size); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	out := make([]RegionPair, 0, n)
	for i := 0; i < n; i++ {
		var start [3]int
		for a := 0; a < 3; a++ {
			if room := img.Size[a] - size[a]; room > 0 {
				start[a] = rng.IntN(room + 1)
			}
		}
		p, err := extractPair(img, lmap, start, size)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ClassBalancedRegions extracts n block pairs centred on voxels drawn per
// class. Class c is the labelmap value c and receives a share of n
// proportional to weights[c]; remainders go to the heaviest classes.
// Classes absent from the labelmap contribute no blocks, so fewer than n
// pairs can be returned.
func ClassBalancedRegions(img, lmap *Volume, size [3]int, n int, weights []float64, rng *rand.Rand) ([]RegionPair, error) {
	if err := checkPair(img, lmap, size); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	counts, err := classCounts(n, weights)
	if err != nil {
		return nil, err
	}

	voxels := make([][]int, len(weights))
	for i, val := range lmap.Data {
		c := int(math.Round(val))
		if c >= 0 && c < len(weights) && counts[c] > 0 {
			voxels[c] = append(voxels[c], i)
		}
	}

	var out []RegionPair
	for c, k := range counts {
		if len(voxels[c]) == 0 {
			continue
		}
		for i := 0; i < k; i++ {
			idx := voxels[c][rng.IntN(len(voxels[c]))]
			centre := [3]int{
				idx % img.Size[0],
				(idx / img.Size[0]) % img.Size[1],
				idx / (img.Size[0] * img.Size[1]),
			}
			var start [3]int
			for a := 0; a < 3; a++ {
				start[a] = centre[a] - size[a]/2
			}
			p, err := extractPair(img, lmap, start, size)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// classCounts splits n across classes in proportion to weights.
func classCounts(n int, weights []float64) ([]int, error) {
	var total float64
	for c, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("invalid weight %v for class %d", w, c)
		}
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("class weights sum to zero")
	}
	counts := make([]int, len(weights))
	assigned := 0
	for c, w := range weights {
		counts[c] = int(math.Floor(float64(n) * w / total))
		assigned += counts[c]
	}
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return weights[order[i]] > weights[order[j]] })
	for i := 0; assigned < n; i = (i + 1) % len(order) {
		counts[order[i]]++
		assigned++
	}
	return counts, nil
}

// SliceOptions selects planes for SlicesAtLabel.
type SliceOptions struct {
	// Axis is 0, 1 or 2 for planes perpendicular to x, y or z.
	Axis int

	// Step keeps every Step-th qualifying plane. Values below 1 mean 1.
	Step int

	// Label keeps only planes containing it; nil keeps planes with any
	// nonzero label. The labelmap planes are binarised when Label is set.
	Label *int

	// Tight crops each plane to the in-plane bounding box of the label
	// over the whole volume.
	Tight bool
}

// SlicesAtLabel returns matching one-voxel-thick planes of img and lmap.
func SlicesAtLabel(img, lmap *Volume, opts SliceOptions) (imgs, lmaps []*Volume, err error) {
	if img.Size != lmap.Size {
		return nil, nil, fmt.Errorf("image size %v does not match labelmap size %v", img.Size, lmap.Size)
	}
	if opts.Axis < 0 || opts.Axis > 2 {
		return nil, nil, fmt.Errorf("invalid axis %d", opts.Axis)
	}
	step := max(opts.Step, 1)
	match := func(v float64) bool {
		l := int(math.Round(v))
		if opts.Label != nil {
			return l == *opts.Label
		}
		return l != 0
	}

	lo, hi := [3]int{}, [3]int{img.Size[0] - 1, img.Size[1] - 1, img.Size[2] - 1}
	if opts.Tight {
		lo, hi = [3]int{math.MaxInt, math.MaxInt, math.MaxInt}, [3]int{-1, -1, -1}
	}
	present := make([]bool, img.Size[opts.Axis])
	for z := 0; z < img.Size[2]; z++ {
		for y := 0; y < img.Size[1]; y++ {
			for x := 0; x < img.Size[0]; x++ {
				if !match(lmap.At(x, y, z)) {
					continue
				}
				p := [3]int{x, y, z}
				present[p[opts.Axis]] = true
				if opts.Tight {
					for a := 0; a < 3; a++ {
						lo[a], hi[a] = min(lo[a], p[a]), max(hi[a], p[a])
					}
				}
			}
		}
	}

	kept := 0
	for pos, ok := range present {
		if !ok {
			continue
		}
		kept++
		if (kept-1)%step != 0 {
			continue
		}
		start, size := lo, [3]int{hi[0] - lo[0] + 1, hi[1] - lo[1] + 1, hi[2] - lo[2] + 1}
		start[opts.Axis], size[opts.Axis] = pos, 1
		p, err := extractPair(img, lmap, start, size)
		if err != nil {
			return nil, nil, err
		}
		if opts.Label != nil {
			p.Labelmap = Binarize(p.Labelmap, *opts.Label)
		}
		imgs = append(imgs, p.Image)
		lmaps = append(lmaps, p.Labelmap)
	}
	return imgs, lmaps, nil
}
