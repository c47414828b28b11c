package models

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformErrorClassification(t *testing.T) {
	err := &TransformError{Sample: "case01", ImageType: "labelmap", Label: 2, Err: fs.ErrNotExist}

	assert.True(t, errors.Is(err, ErrTransform))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "case01/labelmap label 2")

	var te *TransformError
	assert.True(t, errors.As(errors.Join(err), &te))
	assert.Equal(t, "case01", te.Sample)
}
