// Package dataset ties storage listings, dataset options and the imaging
// toolkit together into a Dataset: a per-sample table of file paths at one
// spacing that can be synchronised with a remote copy and transformed.
package dataset

import (
	"context"
	"fmt"
	"sort"

	"midatasets/internal/models"
	"midatasets/pkg/spacing"
	"midatasets/pkg/storage"
)

// BuildOptions controls how a listing is flattened into an Index.
type BuildOptions struct {
	// MandatoryType is the image type every complete row must have.
	MandatoryType string

	// DropIncomplete removes rows without a MandatoryType file.
	DropIncomplete bool
}

// Row is one sample of an Index.
type Row = models.Sample

// Index is the table of samples at a single spacing. Columns are
// "<image_type>_path" in lexical order and rows are ordered by sample
// name; that order is the canonical sample ordering for index-based access
// for the lifetime of the Index.
type Index struct {
	token      string
	imageTypes []string
	rows       []Row
	byName     map[string]int
}

// Build flattens the spacing partition of listing selected by spec. It
// fails with ErrNotFound when the partition has no files at all.
func Build(listing models.GroupedListing, spec spacing.Spec, opts BuildOptions) (*Index, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	token := spec.Token()
	partition := listing.Spacing(token)
	if len(partition) == 0 {
		return nil, fmt.Errorf("%w: spacing %s", models.ErrNotFound, token)
	}

	idx := &Index{token: token, byName: make(map[string]int)}
	for imageType := range partition {
		idx.imageTypes = append(idx.imageTypes, imageType)
	}
	sort.Strings(idx.imageTypes)

	bySample := listing.BySample(token)
	for _, name := range listing.Samples(token) {
		files := bySample[name]
		if opts.DropIncomplete && opts.MandatoryType != "" {
			if _, ok := files[opts.MandatoryType]; !ok {
				continue
			}
		}
		idx.byName[name] = len(idx.rows)
		idx.rows = append(idx.rows, Row{Name: name, Files: files})
	}
	return idx, nil
}

// BuildFrom lists b at spec and builds an Index from the result.
func BuildFrom(ctx context.Context, b storage.Backend, spec spacing.Spec, exts []string, opts BuildOptions) (*Index, error) {
	listing, err := storage.ListGrouped(ctx, b, spec, exts)
	if err != nil {
		return nil, err
	}
	return Build(listing, spec, opts)
}

// Token returns the spacing token the Index was built for.
func (x *Index) Token() string { return x.token }

// Len returns the number of rows.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.rows)
}

// Names returns the sample names in row order.
func (x *Index) Names() []string {
	if x == nil {
		return nil
	}
	names := make([]string, len(x.rows))
	for i, r := range x.rows {
		names[i] = r.Name
	}
	return names
}

// ImageTypes returns the image types with a column, in column order.
func (x *Index) ImageTypes() []string {
	if x == nil {
		return nil
	}
	return append([]string(nil), x.imageTypes...)
}

// Columns returns the column names, "<image_type>_path", in column order.
func (x *Index) Columns() []string {
	types := x.ImageTypes()
	cols := make([]string, len(types))
	for i, t := range types {
		cols[i] = models.ColumnName(t)
	}
	return cols
}

// HasImageType reports whether imageType has a column.
func (x *Index) HasImageType(imageType string) bool {
	if x == nil {
		return false
	}
	i := sort.SearchStrings(x.imageTypes, imageType)
	return i < len(x.imageTypes) && x.imageTypes[i] == imageType
}

// Row returns row i. It panics when i is out of range, like slice indexing.
func (x *Index) Row(i int) Row { return x.rows[i] }

// RowByName returns the row for sample, or ErrSampleNotFound.
func (x *Index) RowByName(sample string) (Row, error) {
	if x != nil {
		if i, ok := x.byName[sample]; ok {
			return x.rows[i], nil
		}
	}
	return Row{}, fmt.Errorf("%w: %q", models.ErrSampleNotFound, sample)
}

// Path returns the path of sample's imageType file.
func (x *Index) Path(sample, imageType string) (string, bool) {
	r, err := x.RowByName(sample)
	if err != nil {
		return "", false
	}
	return r.Path(imageType)
}

// Rows returns a copy of all rows in order.
func (x *Index) Rows() []Row {
	if x == nil {
		return nil
	}
	return append([]Row(nil), x.rows...)
}
