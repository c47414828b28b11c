package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by every package. Callers classify with errors.Is.
var (
	// ErrConfiguration reports missing or invalid construction parameters,
	// most commonly an unset spacing.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound reports that no files were discovered for the requested spacing.
	ErrNotFound = errors.New("no files found")

	// ErrSampleNotFound reports a lookup by sample name with no matching row.
	ErrSampleNotFound = errors.New("sample not found")

	// ErrTransform reports a failure while resampling or cropping one sample.
	ErrTransform = errors.New("transform failure")
)

// TransformError describes the failure of one sample's resample or crop step.
// It matches ErrTransform and unwraps to the underlying cause.
type TransformError struct {
	Sample    string
	ImageType string
	// Label is the label value being cropped, or 0 when not applicable.
	Label int
	Path  string
	Err   error
}

func (e *TransformError) Error() string {
	msg := fmt.Sprintf("transform %s", e.Sample)
	if e.ImageType != "" {
		msg += "/" + e.ImageType
	}
	if e.Label != 0 {
		msg += fmt.Sprintf(" label %d", e.Label)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	return msg + ": " + fmt.Sprint(e.Err)
}

func (e *TransformError) Unwrap() []error { return []error{ErrTransform, e.Err} }
