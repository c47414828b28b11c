package dataset

import (
	"context"

	"midatasets/pkg/spacing"
	"midatasets/pkg/storage"
)

// Diff reports whether remote holds any sample, at spec, that local lacks.
// Samples present only locally are not considered.
func Diff(ctx context.Context, local, remote storage.Backend, spec spacing.Spec, exts []string) (bool, error) {
	missing, err := MissingLocally(ctx, local, remote, spec, exts)
	if err != nil {
		return false, err
	}
	return len(missing) > 0, nil
}

// MissingLocally returns the sorted names of remote samples at spec that
// have no file locally.
func MissingLocally(ctx context.Context, local, remote storage.Backend, spec spacing.Spec, exts []string) ([]string, error) {
	token := spec.Token()
	r, err := storage.ListGrouped(ctx, remote, spec, exts)
	if err != nil {
		return nil, err
	}
	l, err := storage.ListGrouped(ctx, local, spec, exts)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool)
	for _, name := range l.Samples(token) {
		have[name] = true
	}
	var missing []string
	for _, name := range r.Samples(token) {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
