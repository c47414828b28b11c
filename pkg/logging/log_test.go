package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn := NewLogger(Config{Out: &buf, Level: slog.LevelInfo})
	defer closeFn()

	logger.Debug("hidden")
	logger.Info("resampled", "sample", "case01")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "sample=case01")
}

func TestNewLoggerJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midatasets.log")
	logger, closeFn := NewLogger(Config{Logfile: path, MaxSize: 1, JSON: true})
	logger.Warn("missing", "image_type", "labelmap")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"image_type":"labelmap"`)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestContextHelpers(t *testing.T) {
	nop := NewNopLogger()
	ctx := WithLogger(context.Background(), nop)
	assert.Same(t, nop, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
	assert.NotNil(t, OrNop(nil))
}
