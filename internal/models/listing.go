package models

import (
	"path"
	"sort"
	"strings"
)

// FileDescriptor identifies one discovered file: a single
// (sample, image type, spacing) triple on a storage backend.
type FileDescriptor struct {
	// Path is the resolved location of the file. For local storage this is
	// the absolute filesystem path; for remote storage it is the object key
	// inside the (prefixed) bucket.
	Path string

	// Key is the slash-separated path relative to the dataset root,
	// always of the form <image_type>/<spacing_token>/<file>.
	Key string

	// Ext is the allowed extension the file name matched.
	Ext string

	ImageType    string
	Sample       string
	SpacingToken string

	// Size is the file size in bytes when the backend reports it.
	Size int64
}

// GroupedListing organises discovered files by spacing token, then image
// type, then sample name. Build it with Group.
type GroupedListing map[string]map[string]map[string]FileDescriptor

// Group nests a flat list of descriptors into a GroupedListing. When two
// descriptors collide on (spacing, image type, sample) the one with the
// lexically smaller Key wins, so the result does not depend on input order.
func Group(files []FileDescriptor) GroupedListing {
	g := make(GroupedListing)
	for _, f := range files {
		byType, ok := g[f.SpacingToken]
		if !ok {
			byType = make(map[string]map[string]FileDescriptor)
			g[f.SpacingToken] = byType
		}
		bySample, ok := byType[f.ImageType]
		if !ok {
			bySample = make(map[string]FileDescriptor)
			byType[f.ImageType] = bySample
		}
		if prev, dup := bySample[f.Sample]; dup && prev.Key < f.Key {
			continue
		}
		bySample[f.Sample] = f
	}
	return g
}

// Spacing returns the partition for one spacing token, or nil.
func (g GroupedListing) Spacing(token string) map[string]map[string]FileDescriptor {
	return g[token]
}

// Samples returns the sorted, de-duplicated sample names present at token
// across all image types.
func (g GroupedListing) Samples(token string) []string {
	seen := make(map[string]struct{})
	for _, bySample := range g[token] {
		for name := range bySample {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BySample pivots one spacing partition to sample -> image type -> descriptor.
func (g GroupedListing) BySample(token string) map[string]map[string]FileDescriptor {
	out := make(map[string]map[string]FileDescriptor)
	for imageType, bySample := range g[token] {
		for name, fd := range bySample {
			row, ok := out[name]
			if !ok {
				row = make(map[string]FileDescriptor)
				out[name] = row
			}
			row[imageType] = fd
		}
	}
	return out
}

// ParseKey applies the dataset naming convention to a root-relative,
// slash-separated key and reports whether the key names a dataset file.
//
// The recognised layout is <image_type>/<spacing_token>/<file><ext>. Hidden
// files (leading '.') are never recognised; staged downloads and in-flight
// writes rely on this. The sample name is the file name without its
// extension and without a trailing "_<image_type>" suffix.
func ParseKey(key string, exts []string) (FileDescriptor, bool) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) != 3 {
		return FileDescriptor{}, false
	}
	imageType, token, file := parts[0], parts[1], parts[2]
	if imageType == "" || token == "" || file == "" || strings.HasPrefix(file, ".") {
		return FileDescriptor{}, false
	}
	ext, ok := MatchExt(file, exts)
	if !ok {
		return FileDescriptor{}, false
	}
	sample := strings.TrimSuffix(file, ext)
	sample = strings.TrimSuffix(sample, "_"+imageType)
	if sample == "" {
		return FileDescriptor{}, false
	}
	return FileDescriptor{
		Key:          path.Join(imageType, token, file),
		Ext:          ext,
		ImageType:    imageType,
		Sample:       sample,
		SpacingToken: token,
	}, true
}

// MatchExt returns the longest allowed extension that name ends with.
func MatchExt(name string, exts []string) (string, bool) {
	best := ""
	for _, ext := range exts {
		if ext != "" && strings.HasSuffix(name, ext) && len(ext) > len(best) {
			best = ext
		}
	}
	return best, best != ""
}

// FormatKey builds the root-relative key for a file that ParseKey maps back
// to (imageType, token, sample). suffix is appended after the sample name
// with an underscore when non-empty.
func FormatKey(imageType, token, sample, suffix, ext string) string {
	file := sample
	if suffix != "" {
		file += "_" + suffix
	}
	return path.Join(imageType, token, file+ext)
}

// ColumnName returns the index column that holds paths for imageType.
func ColumnName(imageType string) string { return imageType + "_path" }

// ColumnImageType is the inverse of ColumnName.
func ColumnImageType(column string) (string, bool) {
	if !strings.HasSuffix(column, "_path") {
		return "", false
	}
	return strings.TrimSuffix(column, "_path"), true
}

// Sample is one row of a dataset index: a sample name and the descriptor of
// every image type present for it. Missing image types are absent.
type Sample struct {
	Name  string
	Files map[string]FileDescriptor
}

// Path returns the path of the sample's imageType file.
func (s Sample) Path(imageType string) (string, bool) {
	fd, ok := s.Files[imageType]
	if !ok {
		return "", false
	}
	return fd.Path, true
}

// ImageTypes returns the sample's image types in lexical order.
func (s Sample) ImageTypes() []string {
	types := make([]string, 0, len(s.Files))
	for t := range s.Files {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
